package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/ordersaga/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS vendor_payouts (
	id             TEXT PRIMARY KEY,
	vendor_id      TEXT NOT NULL,
	order_id       TEXT NOT NULL,
	order_amount   NUMERIC(18, 4) NOT NULL,
	commission     NUMERIC(18, 4) NOT NULL DEFAULT 0,
	amount         NUMERIC(18, 4) NOT NULL DEFAULT 0,
	transaction_id TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vendor_payouts_vendor_idx ON vendor_payouts (vendor_id);
CREATE INDEX IF NOT EXISTS vendor_payouts_status_idx ON vendor_payouts (status);
`

// SQLLedger stores payouts in PostgreSQL.
type SQLLedger struct {
	db *sqlx.DB
}

// payoutRow represents a payout in the database.
type payoutRow struct {
	ID            string          `db:"id"`
	VendorID      string          `db:"vendor_id"`
	OrderID       string          `db:"order_id"`
	OrderAmount   decimal.Decimal `db:"order_amount"`
	Commission    decimal.Decimal `db:"commission"`
	Amount        decimal.Decimal `db:"amount"`
	TransactionID string          `db:"transaction_id"`
	Status        string          `db:"status"`
	Error         string          `db:"error"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// OpenSQLLedger connects to PostgreSQL.
func OpenSQLLedger(ctx context.Context, dsn string) (*SQLLedger, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect payout ledger")
	}
	return NewSQLLedger(db), nil
}

// NewSQLLedger wraps an open database.
func NewSQLLedger(db *sqlx.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// Migrate creates the payout table.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate payout ledger")
	}
	return nil
}

// Create implements Ledger.
func (l *SQLLedger) Create(ctx context.Context, p *Payout) error {
	query := `
		INSERT INTO vendor_payouts (
			id, vendor_id, order_id, order_amount, commission, amount,
			transaction_id, status, error, created_at, updated_at
		) VALUES (
			:id, :vendor_id, :order_id, :order_amount, :commission, :amount,
			:transaction_id, :status, :error, :created_at, :updated_at
		)`

	if _, err := l.db.NamedExecContext(ctx, query, toRow(p)); err != nil {
		return errors.Wrap(err, "failed to insert payout")
	}
	return nil
}

// Update implements Ledger.
func (l *SQLLedger) Update(ctx context.Context, p *Payout) error {
	query := `
		UPDATE vendor_payouts
		SET commission = :commission, amount = :amount, transaction_id = :transaction_id,
			status = :status, error = :error, updated_at = :updated_at
		WHERE id = :id`

	res, err := l.db.NamedExecContext(ctx, query, toRow(p))
	if err != nil {
		return errors.Wrap(err, "failed to update payout")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to update payout")
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("payout %q not found", p.ID))
	}
	return nil
}

// Get implements Ledger.
func (l *SQLLedger) Get(ctx context.Context, id string) (*Payout, error) {
	query := `
		SELECT id, vendor_id, order_id, order_amount, commission, amount,
			   transaction_id, status, error, created_at, updated_at
		FROM vendor_payouts
		WHERE id = $1`

	var row payoutRow
	if err := l.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError(fmt.Sprintf("payout %q not found", id))
		}
		return nil, errors.Wrap(err, "failed to find payout")
	}
	return row.toPayout(), nil
}

// FindUnfinished implements Ledger, oldest first.
func (l *SQLLedger) FindUnfinished(ctx context.Context) ([]*Payout, error) {
	query := `
		SELECT id, vendor_id, order_id, order_amount, commission, amount,
			   transaction_id, status, error, created_at, updated_at
		FROM vendor_payouts
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at`

	var rows []payoutRow
	if err := l.db.SelectContext(ctx, &rows, query, string(StatusCompleted), string(StatusFailed)); err != nil {
		return nil, errors.Wrap(err, "failed to find unfinished payouts")
	}
	out := make([]*Payout, len(rows))
	for i := range rows {
		out[i] = rows[i].toPayout()
	}
	return out, nil
}

// HealthCheck pings the database.
func (l *SQLLedger) HealthCheck(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func toRow(p *Payout) *payoutRow {
	return &payoutRow{
		ID:            p.ID,
		VendorID:      p.VendorID,
		OrderID:       p.OrderID,
		OrderAmount:   p.OrderAmount,
		Commission:    p.Commission,
		Amount:        p.Amount,
		TransactionID: p.TransactionID,
		Status:        string(p.Status),
		Error:         p.Error,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (r *payoutRow) toPayout() *Payout {
	return &Payout{
		ID:            r.ID,
		VendorID:      r.VendorID,
		OrderID:       r.OrderID,
		OrderAmount:   r.OrderAmount,
		Commission:    r.Commission,
		Amount:        r.Amount,
		TransactionID: r.TransactionID,
		Status:        Status(r.Status),
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
