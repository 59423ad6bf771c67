// Command syncd runs the incremental sync and push service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Dangere/syncora-backend/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configFile string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Incremental sync and real-time fan-out for shared groups",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("pg-dsn", "", "PostgreSQL DSN (SYNCORA_PG_DSN)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HMAC secret for bearer tokens (SYNCORA_JWT_SECRET)")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	bindFlags(v, rootCmd, map[string]string{
		"pg_dsn":     "pg-dsn",
		"jwt_secret": "jwt-secret",
		"log_level":  "log-level",
	})
}

// bindFlags wires persistent and local flags to config keys.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		f := cmd.PersistentFlags().Lookup(name)
		if f == nil {
			f = cmd.Flags().Lookup(name)
		}
		if f == nil {
			panic("unknown flag " + name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}
}

// readConfigFile loads --config without validating the whole configuration,
// for subcommands that need only a few keys.
func readConfigFile() error {
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", configFile, err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
