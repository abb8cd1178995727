// Package cmd holds the cim command line: the route service, the relay and
// the console client share one binary and one configuration file.
package cmd

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"cim/config"
	"cim/logger"
)

var (
	cfgFile string
	v       = config.New()

	rootCmd = &cobra.Command{
		Use:           "cim",
		Short:         "cim is an instant messaging fabric",
		Long:          `Route service, relay servers and a console client for point-to-point and group messaging`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cim.toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "trace, debug, info, warn or error")
	rootCmd.PersistentFlags().String("route", "", "base URL of the route service")
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("route.url", rootCmd.PersistentFlags().Lookup("route"))
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		v.AddConfigPath(home)
		v.SetConfigName(".cim")
	}
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error: config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

// bindFlags maps configuration keys to flags of the command being run. It
// runs per command since several commands share a key.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig reads the merged configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}
