package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/infrastructure/persistence"
	"github.com/turtacn/cryptod/pkg/constants"
)

// newMigrateCmd migrates the cluster database and the database of every registered tenant.
func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the cluster and tenant database schemas up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			// building the worker already migrated the cluster database
			tenants, err := e.app.TenantRegistry.List(ctx)
			if err != nil {
				return err
			}
			migrated := []string{"cluster"}
			for _, tc := range tenants {
				// opening a tenant database migrates it
				if _, err := e.app.Tenants.Get(ctx, tc.TenantID); err != nil {
					return fmt.Errorf("failed to migrate tenant %s: %w", tc.TenantID, err)
				}
				migrated = append(migrated, tc.TenantID)
			}
			return printJSON(cmd, map[string]interface{}{"migrated": migrated})
		},
	}
}

// newTenantsCmd manages the registry of virtual tenant databases.
func newTenantsCmd(e *env) *cobra.Command {
	tenantsCmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage virtual tenant databases",
	}

	var dialect, dsn string
	var maxOpen, maxIdle int
	registerCmd := &cobra.Command{
		Use:   "register <tenant-id>",
		Short: "Register or update the database of a virtual tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if constants.IsClusterTenant(args[0]) {
				return fmt.Errorf("%s is a cluster tenant and always uses the cluster database", args[0])
			}
			if dialect != persistence.DialectPostgres && dialect != persistence.DialectSQLite {
				return fmt.Errorf("unsupported dialect %q", dialect)
			}
			tc := &models.TenantConnection{
				TenantID:     args[0],
				Dialect:      dialect,
				DSN:          dsn,
				MaxOpenConns: maxOpen,
				MaxIdleConns: maxIdle,
			}
			if err := e.app.RegisterTenant(cmd.Context(), tc); err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"registered": tc.TenantID})
		},
	}
	registerCmd.Flags().StringVar(&dialect, "dialect", persistence.DialectPostgres, "database dialect (postgres or sqlite)")
	registerCmd.Flags().StringVar(&dsn, "dsn", "", "data source name of the tenant database")
	registerCmd.Flags().IntVar(&maxOpen, "max-open-conns", 5, "maximum open connections")
	registerCmd.Flags().IntVar(&maxIdle, "max-idle-conns", 1, "maximum idle connections")
	_ = registerCmd.MarkFlagRequired("dsn")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tcs, err := e.app.TenantRegistry.List(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]map[string]string, 0, len(tcs))
			for _, tc := range tcs {
				// the DSN may carry credentials
				out = append(out, map[string]string{"tenantId": tc.TenantID, "dialect": tc.Dialect})
			}
			return printJSON(cmd, out)
		},
	}

	tenantsCmd.AddCommand(registerCmd, listCmd)
	return tenantsCmd
}

// newHSMCmd places tenants on HSMs and reports their load.
func newHSMCmd(e *env) *cobra.Command {
	hsmCmd := &cobra.Command{
		Use:   "hsm",
		Short: "Manage HSM placement",
	}

	var category string
	var soft bool
	associateCmd := &cobra.Command{
		Use:   "associate",
		Short: "Associate the tenant with an HSM for a category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			assign := e.app.HSMs.AssignHSM
			if soft {
				assign = e.app.HSMs.AssignSoftHSM
			}
			assoc, err := assign(cmd.Context(), e.tenantID, category)
			if err != nil {
				return err
			}
			out := map[string]interface{}{
				"tenantId": assoc.TenantID,
				"category": assoc.Category,
				"hsmId":    assoc.Association.HSMID,
			}
			if assoc.Association.MasterKeyAlias != nil {
				out["masterKeyAlias"] = *assoc.Association.MasterKeyAlias
			}
			return printJSON(cmd, out)
		},
	}
	associateCmd.Flags().StringVar(&category, "category", constants.CategoryLedger, "key category")
	associateCmd.Flags().BoolVar(&soft, "soft", false, "use the software HSM")

	var usageCategory string
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the number of tenants placed on each HSM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := e.app.HSMs.UsageStats(cmd.Context(), usageCategory)
			if err != nil {
				return err
			}
			out := make([]map[string]interface{}, 0, len(stats))
			for _, u := range stats {
				out = append(out, map[string]interface{}{
					"hsmId":       u.HSMID,
					"capacity":    u.Capacity,
					"usages":      u.Usages,
					"hasCapacity": u.HasCapacity(),
				})
			}
			return printJSON(cmd, out)
		},
	}
	usageCmd.Flags().StringVar(&usageCategory, "category", constants.CategoryLedger, "key category")

	hsmCmd.AddCommand(associateCmd, usageCmd)
	return hsmCmd
}

// newEventsCmd lists the stored key events of the tenant.
func newEventsCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the latest key events of the tenant",
		Long: `List the key events stored in the cluster database, newest first. Events
are only stored when audit.store_events is set; "verified" is false when a
stored event no longer matches its signature.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if e.app.Events == nil {
				return errors.New("key events are not stored, set audit.store_events")
			}
			events, err := e.app.Events.List(cmd.Context(), e.tenantID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of events")
	return cmd
}
