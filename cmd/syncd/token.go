package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/auth"
	"github.com/Dangere/syncora-backend/internal/service"
	"github.com/Dangere/syncora-backend/internal/store/pg"
)

var tokenCmd = &cobra.Command{
	Use:   "token <account-id>",
	Short: "Mint a development bearer token for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := readConfigFile(); err != nil {
			return err
		}
		verifier, err := auth.NewVerifier(v.GetString("jwt_secret"), auth.WithIssuer(v.GetString("jwt_issuer")))
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		username, _ := cmd.Flags().GetString("username")
		token, err := verifier.Issue(args[0], username, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Administer accounts in the PostgreSQL store",
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and print its id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := readConfigFile(); err != nil {
			return err
		}
		dsn := strings.TrimSpace(v.GetString("pg_dsn"))
		if dsn == "" {
			return errors.New("missing DSN: provide --pg-dsn or SYNCORA_PG_DSN")
		}
		st, err := pg.Open(dsn)
		if err != nil {
			return err
		}
		defer st.Close()

		f := cmd.Flags()
		var in service.Registration
		in.Email, _ = f.GetString("email")
		in.Username, _ = f.GetString("username")
		in.FirstName, _ = f.GetString("first-name")
		in.LastName, _ = f.GetString("last-name")
		in.Role, _ = f.GetString("role")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		acc, err := service.New(st, nil, service.WithLogger(zap.NewNop())).Register(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), acc.ID)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("username", "", "username claim")
	tokenCmd.Flags().String("jwt-issuer", auth.DefaultIssuer, "token issuer")
	bindFlags(v, tokenCmd, map[string]string{"jwt_issuer": "jwt-issuer"})

	f := registerCmd.Flags()
	f.String("email", "", "email address")
	f.String("username", "", "unique username")
	f.String("first-name", "", "first name")
	f.String("last-name", "", "last name")
	f.String("role", service.DefaultRole, "account role")
	for _, name := range []string{"email", "username", "first-name", "last-name"} {
		_ = registerCmd.MarkFlagRequired(name)
	}

	accountsCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(tokenCmd, accountsCmd)
}
