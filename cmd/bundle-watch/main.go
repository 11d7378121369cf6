// bundle-watch is a validator-side check: it subscribes to a block engine and
// confirms that every bundle or packet batch it receives is well formed.
// Usage: go run ./cmd/bundle-watch --validator-addr localhost:1003 --kind bundles
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/blockengine/client"
	"github.com/SWAI-Ltd/blockengine/internal/crypto"
	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

var (
	validatorAddr string
	authAddr      string
	keypairPath   string
	kind          string
)

var rootCmd = &cobra.Command{
	Use:          "bundle-watch",
	Short:        "Subscribe to a block engine and validate what arrives",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&validatorAddr, "validator-addr", "localhost:1003", "validator service address")
	f.StringVar(&authAddr, "auth-addr", "", "auth service address; empty skips authentication")
	f.StringVarP(&keypairPath, "keypair-path", "k", "./validator.key", "signing key, created if missing")
	f.StringVar(&kind, "kind", "bundles", "stream to watch: bundles or packets")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if kind != "bundles" && kind != "packets" {
		return fmt.Errorf("--kind must be bundles or packets, got %q", kind)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []client.Option
	if authAddr != "" {
		kp, err := crypto.LoadOrGenerate(keypairPath)
		if err != nil {
			return err
		}
		tokens, err := client.Login(ctx, authAddr, kp, proto.RoleValidator)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		opts = append(opts, client.WithToken(tokens.Access.Value))
	}

	c, err := client.Dial(ctx, validatorAddr, opts...)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer c.Close()

	fi, err := c.FeeInfo(ctx)
	if err != nil {
		return fmt.Errorf("fee info: %w", err)
	}
	fmt.Printf("Block builder %s, commission %d%%\n", fi.Pubkey, fi.Commission)

	var okCount, failCount int
	report := func(err error, what string) {
		now := time.Now().Format("15:04:05")
		if err == nil {
			okCount++
			fmt.Printf("[%s] OK   %s\n", now, what)
			return
		}
		failCount++
		fmt.Printf("[%s] FAIL %s: %v\n", now, what, err)
	}

	if kind == "bundles" {
		bundles, err := c.SubscribeBundles(ctx)
		if err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		fmt.Println("Listening for bundles.")
		for b := range bundles {
			report(checkBundle(b), b.UUID)
		}
	} else {
		batches, err := c.SubscribePackets(ctx)
		if err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		fmt.Println("Listening for packet batches.")
		for batch := range batches {
			n := 0
			if batch != nil {
				n = len(batch.Packets)
			}
			report(proto.ValidatePacketBatch(batch), fmt.Sprintf("batch of %d", n))
		}
	}

	fmt.Printf("\nDone. Valid: %d, Invalid: %d\n", okCount, failCount)
	if err := c.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func checkBundle(b proto.BundleUUID) error {
	if _, err := uuid.Parse(b.UUID); err != nil {
		return fmt.Errorf("bad uuid: %w", err)
	}
	return proto.ValidateBundle(b.Bundle)
}
