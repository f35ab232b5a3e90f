package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/finsync/internal/conflict"
	"github.com/cybertec-postgresql/finsync/internal/record"
)

// PendingRevision marks a local change that has not been accepted upstream.
const PendingRevision int64 = -1

// LocalRecord is a row of the records table.
type LocalRecord struct {
	Version *record.Version
	// Revision is the upstream revision the row was last synced at, or
	// PendingRevision.
	Revision int64
	// UpstreamRevision is the newest upstream revision seen for the record.
	UpstreamRevision int64
	// BaseRevision is the revision of the stored baseline, 0 when the record
	// was never synced.
	BaseRevision int64
}

// Pending reports whether the row carries an unpublished local change.
func (r LocalRecord) Pending() bool {
	return r.Revision == PendingRevision
}

// Store keeps the local copy of records, their baselines and the resolution
// audit trail in PostgreSQL.
type Store struct {
	db PgxIface
}

func NewStore(db PgxIface) *Store {
	return &Store{db: db}
}

func encodeFields(f record.Fields) ([]byte, error) {
	if f == nil {
		f = record.Fields{}
	}
	return json.Marshal(f)
}

func decodeFields(raw []byte) (record.Fields, error) {
	var f record.Fields
	if len(raw) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Persist writes v as a pending local change.
func (s *Store) Persist(ctx context.Context, v *record.Version) error {
	if v == nil {
		return errors.New("cannot persist a nil version")
	}
	fields, err := encodeFields(v.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields of %s: %w", v.Key(), err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO records (table_name, record_id, fields, updated_at, origin, deleted, revision)
		VALUES ($1, $2, $3, $4, $5, $6, -1)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			updated_at = EXCLUDED.updated_at,
			origin = EXCLUDED.origin,
			deleted = EXCLUDED.deleted,
			revision = -1`,
		v.Table, v.RecordID, fields, v.UpdatedAt, string(v.Origin), v.Deleted)
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", v.Key(), err)
	}
	logrus.WithFields(logrus.Fields{
		"table":     v.Table,
		"record_id": v.RecordID,
		"origin":    v.Origin,
	}).Debug("Persisted local record")
	return nil
}

// RecordResolution appends a resolved conflict to the audit trail. Recording
// the same conflict twice is a no-op.
func (s *Store) RecordResolution(ctx context.Context, c conflict.Conflict) error {
	if c.Resolution == nil {
		return fmt.Errorf("conflict %s has no resolution", c.ID)
	}
	res := c.Resolution
	var choices []byte
	if len(res.FieldChoices) > 0 {
		var err error
		if choices, err = json.Marshal(res.FieldChoices); err != nil {
			return fmt.Errorf("failed to encode field choices: %w", err)
		}
	}
	result, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Errorf("failed to encode resolution result: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO conflict_resolutions (conflict_id, table_name, record_id, conflict_type,
			strategy, resolved_by, reason, field_choices, result, detected_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (conflict_id) DO NOTHING`,
		c.ID, c.Table, c.RecordID, string(c.Type), string(res.Strategy), string(res.ResolvedBy),
		res.Reason, choices, result, c.DetectedAt, res.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to record resolution of %s: %w", c.ID, err)
	}
	return nil
}

// Baseline returns the last version both sides agreed on, nil when the
// record was never synced.
func (s *Store) Baseline(ctx context.Context, table, recordID string) (*record.Version, error) {
	var (
		raw []byte
		v   = record.Version{Table: table, RecordID: recordID, Origin: record.OriginServer}
	)
	err := s.db.QueryRow(ctx, `
		SELECT fields, updated_at, deleted
		FROM record_baselines
		WHERE table_name = $1 AND record_id = $2`, table, recordID).Scan(&raw, &v.UpdatedAt, &v.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline of %s/%s: %w", table, recordID, err)
	}
	if v.Fields, err = decodeFields(raw); err != nil {
		return nil, fmt.Errorf("failed to decode baseline of %s/%s: %w", table, recordID, err)
	}
	return &v, nil
}

const selectRecords = `
	SELECT r.table_name, r.record_id, r.fields, r.updated_at, r.origin, r.deleted,
		r.revision, r.upstream_revision, b.revision
	FROM records r
	LEFT JOIN record_baselines b USING (table_name, record_id)`

func scanRecord(row pgx.Row) (LocalRecord, error) {
	var (
		rec     LocalRecord
		v       record.Version
		raw     []byte
		origin  string
		baseRev pgtype.Int8
	)
	err := row.Scan(&v.Table, &v.RecordID, &raw, &v.UpdatedAt, &origin, &v.Deleted,
		&rec.Revision, &rec.UpstreamRevision, &baseRev)
	if err != nil {
		return rec, err
	}
	if v.Fields, err = decodeFields(raw); err != nil {
		return rec, fmt.Errorf("failed to decode fields of %s: %w", v.Key(), err)
	}
	if v.Origin, err = record.ParseOrigin(origin); err != nil {
		return rec, err
	}
	if baseRev.Valid {
		rec.BaseRevision = baseRev.Int64
	}
	rec.Version = &v
	return rec, nil
}

// GetRecord returns the local row for key, nil when there is none.
func (s *Store) GetRecord(ctx context.Context, key record.Key) (*LocalRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx,
		selectRecords+` WHERE r.table_name = $1 AND r.record_id = $2`, key.Table, key.RecordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", key, err)
	}
	return &rec, nil
}

// GetPendingRecords lists unpublished local changes, oldest first.
func (s *Store) GetPendingRecords(ctx context.Context) ([]LocalRecord, error) {
	rows, err := s.db.Query(ctx, selectRecords+` WHERE r.revision = -1 ORDER BY r.updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var records []LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending records: %w", err)
	}
	return records, nil
}

func upsertBaseline(ctx context.Context, tx pgx.Tx, v *record.Version, fields []byte, revision int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO record_baselines (table_name, record_id, fields, updated_at, deleted, revision)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			updated_at = EXCLUDED.updated_at,
			deleted = EXCLUDED.deleted,
			revision = EXCLUDED.revision
		WHERE record_baselines.revision < EXCLUDED.revision`,
		v.Table, v.RecordID, fields, v.UpdatedAt, v.Deleted, revision)
	if err != nil {
		return fmt.Errorf("failed to store baseline of %s: %w", v.Key(), err)
	}
	return nil
}

// MarkSynced records that upstream holds v at revision. The row leaves the
// pending state only if it still holds v, so a newer local edit stays
// queued. v becomes the baseline either way.
func (s *Store) MarkSynced(ctx context.Context, v *record.Version, revision int64) error {
	fields, err := encodeFields(v.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields of %s: %w", v.Key(), err)
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE records SET
				revision = CASE WHEN revision = -1 AND updated_at = $4 THEN $3 ELSE revision END,
				upstream_revision = GREATEST(upstream_revision, $3)
			WHERE table_name = $1 AND record_id = $2`,
			v.Table, v.RecordID, revision, v.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to mark %s synced: %w", v.Key(), err)
		}
		return upsertBaseline(ctx, tx, v, fields, revision)
	})
}

// ApplyServerVersion overwrites the local row with a server version. Pending
// rows and rows that already saw a newer revision are left untouched and
// applied is false.
func (s *Store) ApplyServerVersion(ctx context.Context, v *record.Version, revision int64) (applied bool, err error) {
	fields, err := encodeFields(v.Fields)
	if err != nil {
		return false, fmt.Errorf("failed to encode fields of %s: %w", v.Key(), err)
	}
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO records (table_name, record_id, fields, updated_at, origin, deleted, revision, upstream_revision)
			VALUES ($1, $2, $3, $4, 'SERVER', $5, $6, $6)
			ON CONFLICT (table_name, record_id) DO UPDATE SET
				fields = EXCLUDED.fields,
				updated_at = EXCLUDED.updated_at,
				origin = EXCLUDED.origin,
				deleted = EXCLUDED.deleted,
				revision = EXCLUDED.revision,
				upstream_revision = EXCLUDED.upstream_revision
			WHERE records.revision <> -1 AND records.upstream_revision < EXCLUDED.upstream_revision`,
			v.Table, v.RecordID, fields, v.UpdatedAt, v.Deleted, revision)
		if err != nil {
			return fmt.Errorf("failed to apply server version of %s: %w", v.Key(), err)
		}
		if applied = tag.RowsAffected() == 1; !applied {
			return nil
		}
		return upsertBaseline(ctx, tx, v, fields, revision)
	})
	return applied, err
}

// NoteUpstreamRevision remembers that upstream reached revision for key
// without changing the local data. A later publish must build on it.
func (s *Store) NoteUpstreamRevision(ctx context.Context, key record.Key, revision int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE records SET upstream_revision = GREATEST(upstream_revision, $3)
		WHERE table_name = $1 AND record_id = $2`,
		key.Table, key.RecordID, revision)
	if err != nil {
		return fmt.Errorf("failed to note upstream revision of %s: %w", key, err)
	}
	return nil
}

// GetLatestRevision returns the highest upstream revision seen locally
func (s *Store) GetLatestRevision(ctx context.Context) (int64, error) {
	var revision pgtype.Int8
	err := s.db.QueryRow(ctx, `SELECT MAX(upstream_revision) FROM records`).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest revision: %w", err)
	}
	if !revision.Valid {
		return 0, nil // No records yet
	}
	return revision.Int64, nil
}

// Resolutions returns the audit trail of one record, newest first.
func (s *Store) Resolutions(ctx context.Context, key record.Key) ([]AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conflict_id, conflict_type, strategy, resolved_by, reason, result, resolved_at
		FROM conflict_resolutions
		WHERE table_name = $1 AND record_id = $2
		ORDER BY resolved_at DESC`, key.Table, key.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolutions of %s: %w", key, err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e                 AuditEntry
			typ, strategy, by string
			reason            pgtype.Text
			raw               []byte
		)
		if err := rows.Scan(&e.ConflictID, &typ, &strategy, &by, &reason, &raw, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		e.Type, e.Strategy, e.ResolvedBy = conflict.Type(typ), conflict.Strategy(strategy), conflict.Resolver(by)
		e.Reason = reason.String
		if err := json.Unmarshal(raw, &e.Result); err != nil {
			return nil, fmt.Errorf("failed to decode resolution %s: %w", e.ConflictID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resolutions: %w", err)
	}
	return entries, nil
}

// AuditEntry is one row of the resolution audit trail.
type AuditEntry struct {
	ConflictID string            `json:"conflictId"`
	Type       conflict.Type     `json:"conflictType"`
	Strategy   conflict.Strategy `json:"strategy"`
	ResolvedBy conflict.Resolver `json:"resolvedBy"`
	Reason     string            `json:"reason,omitempty"`
	Result     *record.Version   `json:"result"`
	ResolvedAt time.Time         `json:"resolvedAt"`
}
