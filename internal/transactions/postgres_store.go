package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudshield/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL. The schema lives in
// migrations/ and is applied with goose.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const txColumns = `id, amount, payer_id, payee_id, payment_mode, payment_channel,
	ip, region, country, created_at,
	is_fraud, fraud_score, failed_attempts, fraud_reported, payment_status, decided_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, amount, payer_id, payee_id, payment_mode, payment_channel,
			ip, region, country, created_at, payment_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.Amount, tx.PayerID, tx.PayeeID, tx.PaymentMode, tx.PaymentChannel,
		tx.IP, tx.Region, tx.Country, tx.CreatedAt, string(tx.PaymentStatus),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE TRUE`
	var args []interface{}

	if f.PayerID != "" {
		args = append(args, f.PayerID)
		query += fmt.Sprintf(" AND payer_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND payment_status = $%d", len(args))
	}
	if f.FraudOnly {
		query += " AND is_fraud"
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// Aggregates reads all history inputs inside one read-only repeatable-read
// transaction so the rule engine scores a consistent snapshot.
func (p *PostgresStore) Aggregates(ctx context.Context, cur *Transaction, w Window) (*Aggregates, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	agg := &Aggregates{KnownFraudIPs: make(map[string]bool)}

	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE payment_status = 'failed' AND created_at >= $4),
			COUNT(*) FILTER (WHERE created_at >= $5),
			COUNT(*) FILTER (WHERE payee_id = $6 AND payment_status = 'completed')
		FROM transactions
		WHERE payer_id = $1 AND id <> $2 AND created_at <= $3`,
		cur.PayerID, cur.ID, cur.CreatedAt,
		cur.CreatedAt.Add(-w.Failure), cur.CreatedAt.Add(-w.Velocity), cur.PayeeID,
	).Scan(&agg.RecentFailures, &agg.RecentActivity, &agg.PriorCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to count payer activity: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(amount), 0)
		FROM (
			SELECT amount FROM transactions
			WHERE payer_id = $1 AND id <> $2 AND created_at <= $3
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		) history`,
		cur.PayerID, cur.ID, cur.CreatedAt, w.HistoryLimit,
	).Scan(&agg.HistoryCount, &agg.HistoryAverage)
	if err != nil {
		return nil, fmt.Errorf("failed to read payer history: %w", err)
	}

	var payeeTotal, payeeFraud int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_fraud)
		FROM transactions
		WHERE payee_id = $1 AND id <> $2 AND created_at <= $3`,
		cur.PayeeID, cur.ID, cur.CreatedAt,
	).Scan(&payeeTotal, &payeeFraud)
	if err != nil {
		return nil, fmt.Errorf("failed to read payee fraud ratio: %w", err)
	}
	if payeeTotal > 0 {
		agg.PayeeFraudRatio = float64(payeeFraud) / float64(payeeTotal)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ip FROM transactions
		WHERE is_fraud AND ip <> '' AND id <> $1 AND created_at <= $2
		GROUP BY ip
		ORDER BY MAX(created_at) DESC
		LIMIT $3`,
		cur.ID, cur.CreatedAt, w.KnownFraudIPLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read known fraud addresses: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("failed to scan fraud address: %w", err)
		}
		agg.KnownFraudIPs[ip] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read known fraud addresses: %w", err)
	}

	return agg, nil
}

// ApplyDecision locks the row, checks it is still pending and writes all
// four risk fields in a single UPDATE.
func (p *PostgresStore) ApplyDecision(ctx context.Context, id string, d Decision) (*Transaction, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin decision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT payment_status FROM transactions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}
	if Status(status) != StatusPending {
		return nil, ErrAlreadyDecided
	}

	increment := 0
	if d.IncrementFailures {
		increment = 1
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE transactions SET
			is_fraud = $2,
			fraud_score = $3,
			failed_attempts = failed_attempts + $4,
			payment_status = $5,
			decided_at = NOW()
		WHERE id = $1
		RETURNING `+txColumns,
		id, d.IsFraud, d.FraudScore, increment, string(d.Status),
	)
	updated, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("failed to apply decision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}
	return updated, nil
}

func (p *PostgresStore) MarkReported(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE transactions SET fraud_reported = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark transaction reported: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Stats(ctx context.Context, since time.Time, topN int) (*Stats, error) {
	stats := &Stats{TopRegions: []RegionCount{}}

	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_fraud), COALESCE(AVG(fraud_score), 0)::FLOAT8
		FROM transactions
		WHERE created_at >= $1`, since,
	).Scan(&stats.Total, &stats.Fraudulent, &stats.AverageScore)
	if err != nil {
		return nil, fmt.Errorf("failed to compute fraud stats: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT region, COUNT(*)
		FROM transactions
		WHERE is_fraud AND created_at >= $1
		GROUP BY region
		ORDER BY COUNT(*) DESC, region ASC
		LIMIT $2`, since, topN)
	if err != nil {
		return nil, fmt.Errorf("failed to compute fraud regions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rc RegionCount
		if err := rows.Scan(&rc.Region, &rc.Count); err != nil {
			return nil, err
		}
		stats.TopRegions = append(stats.TopRegions, rc)
	}
	return stats, rows.Err()
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		amount    decimal.Decimal
		score     sql.NullFloat64
		status    string
		decidedAt sql.NullTime
	)

	err := sc.Scan(
		&tx.ID, &amount, &tx.PayerID, &tx.PayeeID, &tx.PaymentMode, &tx.PaymentChannel,
		&tx.IP, &tx.Region, &tx.Country, &tx.CreatedAt,
		&tx.IsFraud, &score, &tx.FailedAttempts, &tx.FraudReported, &status, &decidedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Amount = amount
	tx.PaymentStatus = Status(status)
	if score.Valid {
		s := score.Float64
		tx.FraudScore = &s
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		tx.DecidedAt = &t
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}
