package engine

// Submission outcomes reported to a Recorder.
const (
	SubmissionAccepted  = "accepted"
	SubmissionInvalid   = "invalid"
	SubmissionExhausted = "exhausted"
	SubmissionClosed    = "closed"
)

// Recorder receives engine counters. Kinds are reported by Kind.String.
type Recorder interface {
	Ingested(kind string)
	Delivered(kind string)
	Dropped(kind string)
	Gone(kind string)
	Evicted(kind string)
	SetSubscribers(kind string, n int)
	BundleSubmitted(result string)
}

type nopRecorder struct{}

func (nopRecorder) Ingested(string)            {}
func (nopRecorder) Delivered(string)           {}
func (nopRecorder) Dropped(string)             {}
func (nopRecorder) Gone(string)                {}
func (nopRecorder) Evicted(string)             {}
func (nopRecorder) SetSubscribers(string, int) {}
func (nopRecorder) BundleSubmitted(string)     {}
