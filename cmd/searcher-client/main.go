// searcher-client signs in to a block engine and submits five-packet bundles
// in a loop, logging the id the engine returns for each.
// Usage: go run ./cmd/searcher-client --searcher-addr localhost:1234 --keypair-path ./searcher.key
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/blockengine/client"
	"github.com/SWAI-Ltd/blockengine/internal/crypto"
	"github.com/SWAI-Ltd/blockengine/internal/discovery"
	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

var (
	searcherAddr string
	authAddr     string
	keypairPath  string
	interval     time.Duration
	count        int
	discover     bool
	useAuth      bool
)

var rootCmd = &cobra.Command{
	Use:          "searcher-client",
	Short:        "Submit bundles to a block engine in a loop",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&searcherAddr, "searcher-addr", "s", envOr("SEARCHER_ADDR", "localhost:1234"), "searcher service address")
	f.StringVarP(&authAddr, "auth-addr", "a", envOr("AUTH_ADDR", "localhost:1005"), "auth service address")
	f.StringVarP(&keypairPath, "keypair-path", "k", envOr("KEYPAIR_PATH", "./keypair.key"), "signing key, created if missing")
	f.DurationVar(&interval, "interval", time.Millisecond, "pause between bundles")
	f.IntVarP(&count, "count", "n", 0, "bundles to send, 0 for no limit")
	f.BoolVar(&discover, "discover", false, "find the engine over mDNS instead of using the addresses")
	f.BoolVar(&useAuth, "auth", true, "authenticate before sending")
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// transfer stands in for a signed transaction in the demo bundles.
type transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kp, err := crypto.LoadOrGenerate(keypairPath)
	if err != nil {
		return fmt.Errorf("failed to read keypair file: %w", err)
	}
	pubkey := crypto.KeyID(kp.Public)
	slog.Info("loaded keypair", "pubkey", pubkey)

	if discover {
		if err := discoverAddrs(ctx); err != nil {
			return err
		}
	}

	var (
		opts   []client.Option
		tokens client.Tokens
	)
	if useAuth {
		tokens, err = client.Login(ctx, authAddr, kp, proto.RoleSearcher)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		opts = append(opts, client.WithToken(tokens.Access.Value))
		slog.Info("authenticated", "expires", tokens.Access.ExpiresAt)
	}

	c, err := client.Dial(ctx, searcherAddr, opts...)
	if err != nil {
		return fmt.Errorf("connect to searcher service: %w", err)
	}
	defer c.Close()

	slog.Info("sending bundles...", "addr", searcherAddr)
	var base uint64
	for sent := 0; count == 0 || sent < count; sent++ {
		if useAuth && time.Until(tokens.Access.ExpiresAt) < time.Minute {
			if err := refresh(ctx, c, &tokens); err != nil {
				return err
			}
		}

		b := &proto.Bundle{Header: &proto.Header{TS: time.Now().UTC()}}
		for amount := uint64(0); amount < 5; amount++ {
			data, _ := json.Marshal(transfer{From: pubkey, To: pubkey, Amount: base + amount})
			b.Packets = append(b.Packets, proto.PacketFromBytes(data))
		}
		base += uint64(len(b.Packets))

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		id, err := c.SendBundle(reqCtx, b)
		cancel()
		switch {
		case err == nil:
			slog.Info("bundle accepted", "uuid", id)
		case errors.Is(err, client.ErrResourceExhausted):
			slog.Warn("engine busy, bundle dropped")
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("send bundle: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
	return nil
}

func refresh(ctx context.Context, c *client.Client, tokens *client.Tokens) error {
	ac, err := client.Dial(ctx, authAddr)
	if err != nil {
		return err
	}
	defer ac.Close()
	access, err := ac.RefreshAccessToken(ctx, tokens.Refresh.Value)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	tokens.Access = access
	c.SetToken(access.Value)
	slog.Info("refreshed access token", "expires", access.ExpiresAt)
	return nil
}

func discoverAddrs(ctx context.Context) error {
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ep, err := discovery.Lookup(lookupCtx, discovery.ServiceSearcher)
	if err != nil {
		return err
	}
	searcherAddr = ep.Addr
	slog.Info("discovered searcher service", "instance", ep.Instance, "addr", ep.Addr)

	if useAuth {
		ep, err = discovery.Lookup(lookupCtx, discovery.ServiceAuth)
		if err != nil {
			return err
		}
		authAddr = ep.Addr
	}
	return nil
}
