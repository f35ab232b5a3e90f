// Package migrations contains the database schema of the finsync local store.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

const createTablesSQL = `
-- Local copy of every record. revision -1 marks a change not yet accepted upstream.
CREATE TABLE records (
	table_name text NOT NULL,
	record_id text NOT NULL,
	fields jsonb NOT NULL DEFAULT '[]',
	updated_at timestamp with time zone NOT NULL,
	origin text NOT NULL,
	deleted boolean NOT NULL DEFAULT false,
	revision bigint NOT NULL DEFAULT -1,
	-- newest upstream revision seen, the one a publish must build on
	upstream_revision bigint NOT NULL DEFAULT 0,
	PRIMARY KEY(table_name, record_id)
);

-- Last version both sides agreed on, the common ancestor of a conflict.
CREATE TABLE record_baselines (
	table_name text NOT NULL,
	record_id text NOT NULL,
	fields jsonb NOT NULL DEFAULT '[]',
	updated_at timestamp with time zone NOT NULL,
	deleted boolean NOT NULL DEFAULT false,
	revision bigint NOT NULL,
	PRIMARY KEY(table_name, record_id)
);

-- Audit trail of resolved conflicts.
CREATE TABLE conflict_resolutions (
	conflict_id text PRIMARY KEY,
	table_name text NOT NULL,
	record_id text NOT NULL,
	conflict_type text NOT NULL,
	strategy text NOT NULL,
	resolved_by text NOT NULL,
	reason text,
	field_choices jsonb,
	result jsonb NOT NULL,
	detected_at timestamp with time zone NOT NULL,
	resolved_at timestamp with time zone NOT NULL
);

CREATE INDEX idx_records_pending ON records(revision) WHERE revision = -1;
CREATE INDEX idx_conflict_resolutions_record ON conflict_resolutions(table_name, record_id);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName("finsync_migrations"),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
