package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/ordersaga/model"
)

// Schema creates the tables used by PgStore.
const Schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
	id           TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL DEFAULT '',
	customer_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	wake_at      TIMESTAMPTZ,
	version      INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS saga_instances_wake_idx ON saga_instances (wake_at) WHERE wake_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS saga_journal (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL,
	workflow_id TEXT NOT NULL REFERENCES saga_instances (id),
	kind        TEXT NOT NULL,
	step        TEXT NOT NULL DEFAULT '',
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS saga_journal_workflow_idx ON saga_journal (workflow_id, seq);
`

// terminalStatuses is the SQL list of terminal statuses.
const terminalStatuses = `('COMPLETED', 'PAYMENT_FAILED', 'CANCELLED', 'FAILED')`

const instanceColumns = `id, order_id, customer_id, status, wake_at, version, created_at, updated_at, completed_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate journal schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new instance and its first record in one transaction.
func (s *PgStore) Create(ctx context.Context, inst model.SagaInstance, first model.JournalRecord) error {
	first.WorkflowID = inst.ID
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO saga_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			inst.ID, inst.OrderID, inst.CustomerID, inst.Status, inst.WakeAt,
			inst.Version, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert saga instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("saga instance %q already exists", inst.ID),
			)
		}
		if _, err := insertRecord(ctx, tx, first); err != nil {
			return err
		}
		return nil
	})
}

// Get retrieves an instance by ID.
func (s *PgStore) Get(ctx context.Context, instanceID string) (model.SagaInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM saga_instances
		WHERE id = $1`,
		instanceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SagaInstance{}, notFound(instanceID)
	}
	if err != nil {
		return model.SagaInstance{}, fmt.Errorf("query saga instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgStore) Update(ctx context.Context, inst model.SagaInstance) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE saga_instances SET
			order_id = $1,
			status = $2,
			wake_at = $3,
			completed_at = $4,
			version = $5,
			updated_at = $6
		WHERE id = $7 AND version = $8`,
		inst.OrderID, inst.Status, inst.WakeAt, inst.CompletedAt, inst.Version+1,
		time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("saga instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// Append inserts a journal record.
func (s *PgStore) Append(ctx context.Context, rec model.JournalRecord) (model.JournalRecord, error) {
	seq, err := insertRecord(ctx, s.pool, rec)
	if err != nil {
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM saga_instances WHERE id = $1)`, rec.WorkflowID,
		).Scan(&exists); qerr == nil && !exists {
			return model.JournalRecord{}, notFound(rec.WorkflowID)
		}
		return model.JournalRecord{}, err
	}
	rec.Seq = seq
	return rec, nil
}

// Records returns the instance journal in sequence order.
func (s *PgStore) Records(ctx context.Context, instanceID string) ([]model.JournalRecord, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, workflow_id, kind, step, data, created_at
		FROM saga_journal
		WHERE workflow_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query saga journal: %w", err)
	}
	defer rows.Close()

	var records []model.JournalRecord
	for rows.Next() {
		var rec model.JournalRecord
		var data []byte
		if err := rows.Scan(
			&rec.Seq, &rec.ID, &rec.WorkflowID, &rec.Kind, &rec.Step, &data, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan saga journal record: %w", err)
		}
		rec.Data = data
		records = append(records, rec)
	}
	return records, rows.Err()
}

// FindActive returns non-terminal instances.
func (s *PgStore) FindActive(ctx context.Context, filters InstanceFilters) ([]model.SagaInstance, error) {
	return s.find(ctx, "status NOT IN "+terminalStatuses, filters)
}

// List returns all instances matching the filters.
func (s *PgStore) List(ctx context.Context, filters InstanceFilters) ([]model.SagaInstance, error) {
	return s.find(ctx, "TRUE", filters)
}

func (s *PgStore) find(ctx context.Context, where string, filters InstanceFilters) ([]model.SagaInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM saga_instances
	          WHERE ` + where
	var args []any
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.CustomerID != "" {
		query += fmt.Sprintf(" AND customer_id = $%d", argIdx)
		args = append(args, filters.CustomerID)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindDue returns non-terminal instances whose wake time has passed.
func (s *PgStore) FindDue(ctx context.Context, cutoff time.Time) ([]model.SagaInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM saga_instances
	          WHERE status NOT IN ` + terminalStatuses + `
	            AND wake_at IS NOT NULL AND wake_at <= $1
	          ORDER BY wake_at ASC`
	return s.queryInstances(ctx, query, cutoff)
}

// queryInstances executes a query and returns saga instances.
func (s *PgStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.SagaInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query saga instances: %w", err)
	}
	defer rows.Close()

	instances := []model.SagaInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.SagaInstance, error) {
	var inst model.SagaInstance
	var status string
	err := row.Scan(
		&inst.ID, &inst.OrderID, &inst.CustomerID, &status, &inst.WakeAt,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
	)
	inst.Status = model.OrderStatus(status)
	return inst, err
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRecord(ctx context.Context, db execer, rec model.JournalRecord) (int64, error) {
	var data []byte
	if len(rec.Data) > 0 {
		data = rec.Data
	}
	var seq int64
	err := db.QueryRow(ctx, `
		INSERT INTO saga_journal (id, workflow_id, kind, step, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		rec.ID, rec.WorkflowID, rec.Kind, rec.Step, data, rec.Timestamp,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert saga journal record: %w", err)
	}
	return seq, nil
}
