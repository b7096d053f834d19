package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/middleware"
	"github.com/upb/ticket-enhancer/repositories/postgres"
	"github.com/upb/ticket-enhancer/routes"
	"github.com/upb/ticket-enhancer/services/budget"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, row-level security policies and role grants",
		Long: `Create the schema, tenant isolation policies and database role grants.

Three roles are involved:

  owner            connects through MIGRATE_DATABASE_URL (falls back to DATABASE_URL)
                   and owns every table. It must not be the application role.
  DB_APP_ROLE      the role serve, worker and scheduler connect as (default
                   enhancer_app). It must already exist with LOGIN and must not have
                   BYPASSRLS. It is granted SELECT, INSERT, UPDATE and DELETE only, so
                   the tenant policies always apply to it.
  tenant_registry  created here with NOLOGIN. It owns the security definer function
                   active_tenant_ids() and may read only tenants.id and is_active, which
                   lets sweeps and the canary list tenants without a tenant context.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			db, err := postgres.NewDB(cfg.Database.ForMigration(), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.InitSchema(cmd.Context(), cfg.Database.AppRole); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema initialized")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep [reset|override_expiry]",
		Short:     "Run one budget sweep now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{budget.SweepReset, budget.SweepExpiry},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if name != budget.SweepReset && name != budget.SweepExpiry {
				return fmt.Errorf("unknown sweep %q", name)
			}

			deps, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(deps)

			report, ran, err := deps.Scheduler.RunSweep(cmd.Context(), name)
			if err != nil {
				return err
			}
			if !ran {
				return fmt.Errorf("sweep %s is already running elsewhere", name)
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return report.Err()
		},
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var actor string
	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Create tenants from a YAML file",
		Long: `Create every tenant listed in a YAML import file.

Use "-" to read from stdin. Import stops at the first failure; tenants created
before it are kept and printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			deps, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(deps)

			created, importErr := deps.Tenants.Import(cmd.Context(), in, actor)
			if err := printJSON(cmd.OutOrStdout(), created); err != nil {
				return err
			}
			return importErr
		},
	}
	importCmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit log")

	cmd.AddCommand(importCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			cfg, err := config.New(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			validator := middleware.NewJWTValidator(cfg.Admin.JWTSecret, cfg.Admin.Issuer, cfg.Admin.TokenTTL)
			token, err := validator.Issue(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, recorded as the audit actor")
	cmd.Flags().StringVar(&role, "role", routes.AdminRole, "token role")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
