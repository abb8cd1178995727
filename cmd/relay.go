package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cim/logger"
	"cim/route"
	"cim/server"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "start a relay server",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"relay.addr":    "addr",
			"relay.host":    "host",
			"relay.port":    "port",
			"metrics.addr":  "metrics",
			"relay.control": "control",
			"auth.key":      "auth-key",
		})
	},
	RunE: relayMain,
}

func init() {
	relayCmd.Flags().StringP("addr", "a", ":11211", "tcp listen address")
	relayCmd.Flags().String("host", "127.0.0.1", "host announced to the route service")
	relayCmd.Flags().Int("port", 0, "port announced to the route service (default: the listen port)")
	relayCmd.Flags().String("metrics", "", "http address for /metrics and /stats")
	relayCmd.Flags().String("control", "", "unix socket for management commands")
	relayCmd.Flags().String("auth-key", "", "HMAC key for login tokens")

	rootCmd.AddCommand(relayCmd)
}

func relayMain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.GetLogger().WithName("main")

	srv := server.New(route.NewClient(cfg.RouteURL), &server.Config{
		Addr:              cfg.RelayAddr,
		Host:              cfg.RelayHost,
		Port:              cfg.RelayPort,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LoginGrace:        cfg.LoginGrace,
		LookupTimeout:     cfg.LookupTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		MaxFrameSize:      cfg.MaxFrameSize,
		PoolSize:          cfg.CallbackPoolSize,
		QueueSize:         cfg.CallbackQueueSize,
		PeerCacheSize:     cfg.PeerCacheSize,
	}, server.WithTokens(route.NewTokens(cfg.AuthKey, cfg.LoginGrace)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AuthKey == "" {
		log.Info("auth.key is empty: tokens are unsigned and peer links are only checked against registered relay addresses; set a shared key when relays span hosts")
	}
	log.Info("Starting relay", "addr", cfg.RelayAddr, "route", cfg.RouteURL)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return srv.ServeMetrics(gctx, cfg.MetricsAddr) })
	}
	if cfg.ControlSocket != "" {
		g.Go(func() error { return srv.ServeControl(gctx, cfg.ControlSocket, stop) })
	}
	err = g.Wait()
	log.Info("Relay stopped", "serverId", srv.ID())
	return err
}
