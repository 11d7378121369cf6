package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

// BundleIngest validates and tags searcher bundles and enqueues them for the
// forwarder without blocking.
type BundleIngest struct {
	producer *Producer
	log      *slog.Logger
	rec      Recorder
}

// NewBundleIngest takes ownership of a bundle producer handle.
func NewBundleIngest(p *Producer, log *slog.Logger, rec Recorder) *BundleIngest {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &BundleIngest{producer: p, log: log, rec: rec}
}

// Submit returns the bundle's correlation id once it is queued. Delivery to
// subscribers happens later and is not awaited.
func (in *BundleIngest) Submit(b *proto.Bundle) (string, error) {
	if err := proto.ValidateBundle(b); err != nil {
		in.rec.BundleSubmitted(SubmissionInvalid)
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	id := uuid.New().String()
	if err := in.producer.TrySend(BundleEvent{Bundle: b, UUID: id}); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			in.rec.BundleSubmitted(SubmissionExhausted)
			in.log.Warn("bundle ingress full, rejecting bundle", "uuid", id)
		} else {
			in.rec.BundleSubmitted(SubmissionClosed)
		}
		return "", err
	}

	in.rec.BundleSubmitted(SubmissionAccepted)
	in.rec.Ingested(KindBundle.String())
	in.log.Info("received bundle", "uuid", id, "packets", len(b.Packets))
	return id, nil
}

// Close releases the producer handle.
func (in *BundleIngest) Close() {
	in.producer.Release()
}
