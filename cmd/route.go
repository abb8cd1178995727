package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cim/db"
	"cim/logger"
	"cim/route"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "start the route service",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"route.addr": "addr",
			"route.db":   "db",
			"auth.key":   "auth-key",
		})
	},
	RunE: routeMain,
}

func init() {
	routeCmd.Flags().String("addr", ":8083", "http listen address")
	routeCmd.Flags().String("db", "cim.db", "sqlite database path")
	routeCmd.Flags().String("auth-key", "", "HMAC key for login tokens")

	rootCmd.AddCommand(routeCmd)
}

func routeMain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.GetLogger().WithName("main")

	database, err := db.New(cfg.RouteDB)
	if err != nil {
		return err
	}
	defer database.Close()

	tokens := route.NewTokens(cfg.AuthKey, cfg.LoginGrace)
	reg := route.NewRegistry(database, cfg.HeartbeatInterval, route.WithTokens(tokens))
	api := route.NewAPI(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AuthKey == "" {
		log.Info("auth.key is empty: login tokens are unsigned")
	}
	log.Info("Starting route service", "addr", cfg.RouteAddr, "db", cfg.RouteDB)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(ctx) })
	g.Go(func() error { return api.Serve(ctx, cfg.RouteAddr) })
	err = g.Wait()
	log.Info("Route service stopped")
	return err
}
