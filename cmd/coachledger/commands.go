package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mmynk/coachledger/internal/auth"
	"github.com/mmynk/coachledger/internal/jobs"
	"github.com/mmynk/coachledger/internal/server"
	"github.com/mmynk/coachledger/internal/storage/sqlstore"
)

func serveCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the job endpoints, staff services and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			verifier, err := auth.NewSecretVerifier(a.cfg.JobSecretHash)
			if err != nil {
				return err
			}
			if verifier == nil {
				a.logger.Warn("No job secret configured, job endpoints are open")
			}
			var jwtManager *auth.JWTManager
			if a.cfg.JWTSecret != "" {
				jwtManager = auth.NewJWTManager(a.cfg.JWTSecret, a.cfg.JWTTTL)
			}

			handler := server.NewHandler(server.Options{
				Jobs:        a.runner,
				Services:    a.deps,
				JWT:         jwtManager,
				JobSecret:   verifier,
				Gatherer:    prometheus.DefaultGatherer,
				Health:      a.store,
				CORSOrigins: a.cfg.CORSOrigins,
				Logger:      a.logger,
			})
			return server.Serve(ctx, a.cfg.HTTPAddr, handler, grace, a.logger)
		},
	}
	cmd.Flags().DurationVar(&grace, "shutdown-grace", 30*time.Second, "how long to drain in-flight requests on shutdown")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one job and print its summary",
		Long:      "Run one job and print its summary as JSON.\n\nJobs: " + strings.Join(jobs.Names, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobs.Names,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, jobs.UsesGateway(args[0]))
			if err != nil {
				return err
			}
			defer a.Close()

			summary, runErr := a.runner.Run(ctx, args[0])
			if summary != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			// Open applies the schema.
			store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("Schema is up to date", "driver", cfg.DBDriver)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the staff services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("jwt_secret is not configured")
			}
			if !auth.Allowed(role, auth.ToolingRoles) {
				return fmt.Errorf("role must be one of %s", strings.Join(auth.ToolingRoles, ", "))
			}
			token, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL).Generate(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "staff id recorded on changes made with the token")
	cmd.Flags().StringVar(&role, "role", auth.RoleFinance, "token role")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash to use as job_secret_hash",
		Long:  "Print the bcrypt hash to use as job_secret_hash. Without an argument the secret is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := ""
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				secret = strings.TrimSpace(line)
			}
			hash, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
