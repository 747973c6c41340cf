package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/credguard/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/credguard/internal/config"
	"github.com/ericfisherdev/credguard/internal/domain/model"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, cleanup, err := loadDB()
			if err != nil {
				return err
			}
			defer cleanup()

			version, dirty, err := sqliteadapter.MigrationVersion(db.Writer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage tenant memberships",
	}

	var tenant, user, role string

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Grant a user a role in a tenant",
		Example: `  credguard member set --tenant acme --user u-123 --role owner
  credguard member set --tenant acme --user u-456 --role member`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, cleanup, err := loadDB()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := sqliteadapter.NewMemberRepo(db).SetRole(cmd.Context(), tenant, user, model.Role(role)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s of %s\n", user, role, tenant)
			return nil
		},
	}
	setCmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	setCmd.Flags().StringVar(&user, "user", "", "user id (JWT subject)")
	setCmd.Flags().StringVar(&role, "role", string(model.RoleMember), "owner, admin or member")
	_ = setCmd.MarkFlagRequired("tenant")
	_ = setCmd.MarkFlagRequired("user")

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a user from a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, cleanup, err := loadDB()
			if err != nil {
				return err
			}
			defer cleanup()

			return sqliteadapter.NewMemberRepo(db).Remove(cmd.Context(), tenant, user)
		},
	}
	removeCmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	removeCmd.Flags().StringVar(&user, "user", "", "user id (JWT subject)")
	_ = removeCmd.MarkFlagRequired("tenant")
	_ = removeCmd.MarkFlagRequired("user")

	cmd.AddCommand(setCmd, removeCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	var (
		tenant string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print a tenant's most recent audit entries as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, cleanup, err := loadDB()
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := sqliteadapter.NewAuditRepo(db).ListByTenant(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(toAuditLine(e)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// auditLine is the JSON shape of one audit entry printed by the audit command.
type auditLine struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Entity    string            `json:"entity"`
	Meta      map[string]string `json:"meta,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func toAuditLine(e model.AuditEntry) auditLine {
	return auditLine{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Actor:     e.Actor,
		Action:    e.Action,
		Entity:    e.Entity,
		Meta:      e.Meta,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random value suitable for CREDGUARD_MASTER_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("read random bytes: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.RawURLEncoding.EncodeToString(buf))
			return nil
		},
	}
}

// loadDB opens the configured database with migrations applied.
func loadDB() (*sqliteadapter.DB, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { closeDB(db) }, nil
}
