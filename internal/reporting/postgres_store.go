package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/fraudshield/internal/transactions"
)

// PostgresStore persists reports in the fraud_reports table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed report store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const reportColumns = `id, transaction_id, amount, payer_id, payee_id, fraud_score,
	reason, reporting_entity_id, transaction_time, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Report) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TransactionID, r.Amount, r.PayerID, r.PayeeID, r.FraudScore,
		r.Reason, r.ReportingEntityID, r.TransactionTime, r.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505": // unique_violation on transaction_id
				return ErrAlreadyReported
			case "23503": // foreign_key_violation
				return transactions.ErrNotFound
			}
		}
		return fmt.Errorf("failed to create fraud report: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Report, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM fraud_reports WHERE transaction_id = $1`, transactionID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fraud report: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Report, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reportColumns+` FROM fraud_reports
		WHERE payer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, payerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fraud report: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(sc scanner) (*Report, error) {
	r := &Report{}
	err := sc.Scan(
		&r.ID, &r.TransactionID, &r.Amount, &r.PayerID, &r.PayeeID, &r.FraudScore,
		&r.Reason, &r.ReportingEntityID, &r.TransactionTime, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// PostgresDirectory reads payer contact details from the users table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed user directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

var _ Directory = (*PostgresDirectory)(nil)

func (p *PostgresDirectory) Lookup(ctx context.Context, payerID string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT payer_id, name, phone, created_at FROM users
		WHERE payer_id = $1 OR phone = $1
		ORDER BY (payer_id = $1) DESC
		LIMIT 1`, payerID,
	).Scan(&u.PayerID, &u.Name, &u.Phone, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return u, nil
}

func (p *PostgresDirectory) Upsert(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (payer_id, name, phone)
		VALUES ($1, $2, $3)
		ON CONFLICT (payer_id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone`,
		u.PayerID, u.Name, u.Phone,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
