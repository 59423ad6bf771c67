package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/Dangere/syncora-backend/internal/migrate"
	"github.com/Dangere/syncora-backend/internal/obs"
)

var (
	seedsDir       string
	migrateTimeout time.Duration
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|seed]",
	Short:     "Manage the PostgreSQL schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status", "seed"},
	RunE:      runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&seedsDir, "seeds", "", "directory of *.sql seed files for the seed action")
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "overall timeout")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := readConfigFile(); err != nil {
		return err
	}
	dsn := strings.TrimSpace(v.GetString("pg_dsn"))
	if dsn == "" {
		return errors.New("missing DSN: provide --pg-dsn or SYNCORA_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	logger, err := obs.NewLogger(v.GetString("log_level"))
	if err != nil {
		return err
	}
	opts := []migrate.Option{migrate.WithLogger(logger)}
	if seedsDir != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(seedsDir)))
	}
	mgr := migrate.NewManager(db, nil, opts...)

	out := cmd.OutOrStdout()
	switch args[0] {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		for _, name := range applied {
			fmt.Fprintln(out, "applied", name)
		}
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Fprintln(out, "reverted", name)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		for _, item := range history {
			fmt.Fprintln(out, item)
		}
	case "seed":
		if seedsDir == "" {
			return errors.New("seed needs --seeds")
		}
		applied, err := mgr.Seed(ctx)
		if err != nil {
			return fmt.Errorf("migrate seed: %w", err)
		}
		for _, name := range applied {
			fmt.Fprintln(out, "seeded", name)
		}
	}
	return nil
}
