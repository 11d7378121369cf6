// Command block-engine relays searcher bundles and packet batches to
// subscribed validators over QUIC.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SWAI-Ltd/blockengine/internal/auth"
	"github.com/SWAI-Ltd/blockengine/internal/config"
	"github.com/SWAI-Ltd/blockengine/internal/crypto"
	"github.com/SWAI-Ltd/blockengine/internal/discovery"
	"github.com/SWAI-Ltd/blockengine/internal/engine"
	"github.com/SWAI-Ltd/blockengine/internal/metrics"
	"github.com/SWAI-Ltd/blockengine/internal/server"
	"github.com/SWAI-Ltd/blockengine/internal/transport"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "block-engine",
	Short: "Relay searcher bundles and packets to validators",
	Long: `block-engine accepts bundles from searchers and packet batches from relayers
and streams every one of them to each subscribed validator. Slow validators
lose events instead of slowing the engine down.`,
	SilenceUsage: true,
	RunE:         runEngine,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the block engine (default)",
	RunE:  runEngine,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and auth key",
	RunE:  runInit,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key for a searcher, validator or relayer",
	RunE:  runKeygen,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "block-engine", version)
	},
}

var (
	configPath string
	debug      bool

	searcherAddr  string
	validatorAddr string
	authAddr      string
	relayerAddr   string
	metricsAddr   string
	requireAuth   bool

	force   bool
	keyPath string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ~/.blockengine/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVar(&searcherAddr, "searcher-addr", "", "override searcher listen address")
		c.Flags().StringVar(&validatorAddr, "validator-addr", "", "override validator listen address")
		c.Flags().StringVar(&authAddr, "auth-addr", "", "override auth listen address")
		c.Flags().StringVar(&relayerAddr, "relayer-addr", "", "override relayer listen address")
		c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "override metrics listen address")
		c.Flags().BoolVar(&requireAuth, "require-auth", false, "require access tokens on every service")
	}

	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	keygenCmd.Flags().StringVarP(&keyPath, "out", "o", "", "key file to write")
	_ = keygenCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(runCmd, initCmd, keygenCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	override("searcher-addr", &cfg.SearcherAddr, searcherAddr)
	override("validator-addr", &cfg.ValidatorAddr, validatorAddr)
	override("auth-addr", &cfg.AuthAddr, authAddr)
	override("relayer-addr", &cfg.RelayerAddr, relayerAddr)
	override("metrics-addr", &cfg.MetricsAddr, metricsAddr)
	if flags.Changed("require-auth") {
		cfg.Auth.Required = requireAuth
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	eng, err := engine.New(cfg.EngineConfig(), engine.WithLogger(log), engine.WithRecorder(m))
	if err != nil {
		return err
	}

	keys, err := crypto.LoadOrGenerate(cfg.Auth.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load auth key: %w", err)
	}
	authSvc := auth.New(keys, cfg.AuthConfig(), log)
	var authz server.Authorizer
	if cfg.Auth.Required {
		authz = authSvc
	}
	log.Info("auth configured", "required", cfg.Auth.Required, "issuer", crypto.KeyID(authSvc.PublicKey()))

	tlsCfg, err := transport.ServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS config: %w", err)
	}

	g := server.NewGroup(tlsCfg, log)
	if err := startServers(ctx, g, cfg, eng, authSvc, authz, log); err != nil {
		_ = g.Close()
		eng.Close()
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		err := eng.Run()
		if errors.Is(err, engine.ErrShutdown) && ctx.Err() != nil {
			return nil
		}
		return err
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info("block engine shutting down")
		err := g.Close()
		eng.Close()
		return err
	})
	if cfg.MetricsAddr != "" {
		grp.Go(func() error { return m.Serve(gctx, cfg.MetricsAddr, log) })
	}
	return grp.Wait()
}

func startServers(ctx context.Context, g *server.Group, cfg *config.Config, eng *engine.Engine, authSvc *auth.Service, authz server.Authorizer, log *slog.Logger) error {
	validator := server.NewValidator(eng, authz, log)
	g.OnClose(validator.Close)

	if _, err := g.Listen(ctx, discovery.ServiceSearcher, cfg.SearcherAddr, server.NewSearcher(eng, authz, log).Handle); err != nil {
		return fmt.Errorf("searcher: %w", err)
	}
	if _, err := g.Listen(ctx, discovery.ServiceValidator, cfg.ValidatorAddr, validator.Handle); err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	if _, err := g.Listen(ctx, discovery.ServiceAuth, cfg.AuthAddr, server.NewAuth(authSvc, log).Handle); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if cfg.RelayerAddr != "" {
		producer, err := eng.NewPacketProducer()
		if err != nil {
			return err
		}
		relayer := server.NewRelayer(producer, authz, log)
		g.OnClose(relayer.Close)
		if _, err := g.Listen(ctx, "relayer", cfg.RelayerAddr, relayer.Handle); err != nil {
			return fmt.Errorf("relayer: %w", err)
		}
	}

	if cfg.Discovery.Enabled {
		ports := make(map[string]int)
		for _, name := range []string{discovery.ServiceSearcher, discovery.ServiceValidator, discovery.ServiceAuth} {
			_, port, err := discovery.ParseAddr(g.Addr(name))
			if err != nil {
				return err
			}
			ports[name] = port
		}
		adv, err := discovery.Advertise(cfg.Discovery.Instance, ports)
		if err != nil {
			return err
		}
		g.OnClose(adv.Close)
		log.Info("advertising over mDNS", "instance", cfg.Discovery.Instance, "type", discovery.ServiceType)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	keys, err := crypto.LoadOrGenerate(cfg.Auth.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to create auth key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote config to %s\n", path)
	fmt.Fprintf(out, "Auth key: %s (issuer %s)\n", cfg.Auth.KeyFile, crypto.KeyID(keys.Public))
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("key file %s already exists", keyPath)
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := keys.Save(keyPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", crypto.KeyID(keys.Public))
	return nil
}
