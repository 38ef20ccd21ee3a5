// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// fetchChunk bounds the number of bind variables in one IN list.
const fetchChunk = 500

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction inserts a new transaction and returns its ID. New rows
// always start in pending review with no fraud fields.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) (int64, error) {
	if tx == nil || tx.UserID == "" || tx.AccountID == "" {
		return 0, fmt.Errorf("%w: userID and accountID are required", ErrInvalidInput)
	}

	created := tx.CreatedAt
	if created.IsZero() {
		created = r.now()
	}

	query := `
		INSERT INTO transactions (
			user_id, account_id, name, merchant_name, amount,
			iso_currency_code, date, pending, payment_channel, removed,
			fraud_review_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tx.UserID, tx.AccountID, nullString(tx.Name), tx.MerchantName, tx.Amount,
		nullString(tx.Currency), nullString(tx.Date), boolInt(tx.Pending), tx.PaymentChannel, boolInt(tx.Removed),
		string(domain.ReviewPending), created,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}

	tx.ID = id
	tx.CreatedAt = created
	tx.ReviewStatus = domain.ReviewPending
	return id, nil
}

const transactionColumns = `
	id, user_id, account_id, name, merchant_name, amount,
	iso_currency_code, date, pending, payment_channel, removed,
	fraud_score, is_fraud_suspected, risk_level,
	fraud_review_status, fraud_reviewed_at, fraud_reviewed_by, fraud_review_note,
	created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (*domain.Transaction, error) {
	var (
		tx                                   domain.Transaction
		name, currency, date, reviewer, note sql.NullString
		merchant, channel, riskLevel         sql.NullString
		amount, score                        sql.NullFloat64
		pending, removed, suspected          int
		status                               string
		reviewedAt, updatedAt                sql.NullTime
	)

	if err := s.Scan(
		&tx.ID, &tx.UserID, &tx.AccountID, &name, &merchant, &amount,
		&currency, &date, &pending, &channel, &removed,
		&score, &suspected, &riskLevel,
		&status, &reviewedAt, &reviewer, &note,
		&tx.CreatedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	tx.Name = name.String
	tx.MerchantName = stringPtr(merchant)
	tx.Amount = amount.Float64
	tx.Currency = currency.String
	tx.Date = date.String
	tx.Pending = pending != 0
	tx.PaymentChannel = stringPtr(channel)
	tx.Removed = removed != 0
	if score.Valid {
		v := score.Float64
		tx.FraudScore = &v
	}
	tx.IsFraudSuspected = suspected != 0
	tx.RiskLevel = stringPtr(riskLevel)
	tx.ReviewStatus = domain.ReviewStatus(status)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		tx.ReviewedAt = &t
	}
	tx.ReviewedBy = reviewer.String
	tx.ReviewNote = note.String
	if updatedAt.Valid {
		t := updatedAt.Time
		tx.UpdatedAt = &t
	}

	return &tx, nil
}

// GetTransaction retrieves a transaction by ID, scoped to userID.
func (r *SQLRepository) GetTransaction(ctx context.Context, userID string, txID int64) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), userID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// RemoveTransaction marks a transaction as removed; it is no longer scored or
// counted in rollups.
func (r *SQLRepository) RemoveTransaction(ctx context.Context, userID string, txID int64) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `UPDATE transactions SET removed = 1, updated_at = ? WHERE user_id = ? AND id = ?`
	return r.execOne(ctx, query, r.now(), userID, txID)
}

// SetReview records a human review decision.
func (r *SQLRepository) SetReview(ctx context.Context, userID string, txID int64, status domain.ReviewStatus, reviewer, note string) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if _, err := domain.ParseReviewStatus(string(status)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := r.now()
	var reviewedAt any = now
	if status == domain.ReviewPending {
		reviewedAt = nil
	}

	query := `
		UPDATE transactions
		SET fraud_review_status = ?, fraud_reviewed_at = ?, fraud_reviewed_by = ?,
			fraud_review_note = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`
	return r.execOne(ctx, query, string(status), reviewedAt, nullString(reviewer), nullString(note), now, userID, txID)
}

// ListPendingReview returns suspected transactions awaiting review, highest
// score first.
func (r *SQLRepository) ListPendingReview(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND removed = 0 AND is_fraud_suspected = 1
		  AND fraud_review_status = 'pending'
		ORDER BY fraud_score DESC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// RiskRollup counts suspected transactions still pending review.
func (r *SQLRepository) RiskRollup(ctx context.Context, userID string) (*domain.RiskRollup, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT account_id, COALESCE(risk_level, ''), COUNT(*)
		FROM transactions
		WHERE user_id = ? AND removed = 0 AND is_fraud_suspected = 1
		  AND fraud_review_status = 'pending'
		GROUP BY account_id, risk_level
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rollup := &domain.RiskRollup{ByAccount: make(map[string]domain.AccountRisks)}
	for rows.Next() {
		var account, tier string
		var n int
		if err := rows.Scan(&account, &tier, &n); err != nil {
			return nil, err
		}

		acct := rollup.ByAccount[account]
		acct.PendingTotal += n
		rollup.Risks.PendingTotal += n

		switch domain.RiskTier(tier) {
		case domain.RiskHigh:
			acct.PendingHigh += n
			rollup.Risks.PendingHigh += n
		case domain.RiskMedium:
			rollup.Risks.PendingMedium += n
		case domain.RiskLow:
			rollup.Risks.PendingLow += n
		}
		rollup.ByAccount[account] = acct
	}
	return rollup, rows.Err()
}

// BeginScoring reserves a connection for one scoring unit. Reads run on it in
// autocommit mode; the write transaction opens only when results are persisted,
// so a commit landing between fetch and persist cannot invalidate the unit.
func (r *SQLRepository) BeginScoring(ctx context.Context) (domain.ScoringSession, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &scoringSession{repo: r, conn: conn}, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// scoringSession implements domain.ScoringSession over one pooled connection.
// tx is nil until PersistResults has something to write.
type scoringSession struct {
	repo *SQLRepository
	conn *sql.Conn
	tx   *sql.Tx
}

// FetchRows reads the scoring projection of non-removed rows, ordered by ID.
func (s *scoringSession) FetchRows(ctx context.Context, ids []int64) ([]domain.ScoringRow, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)

	out := make([]domain.ScoringRow, 0, len(ids))
	for start := 0; start < len(ids); start += fetchChunk {
		end := min(start+fetchChunk, len(ids))
		rows, err := s.fetchChunk(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *scoringSession) fetchChunk(ctx context.Context, ids []int64) ([]domain.ScoringRow, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `
		SELECT id, user_id, amount, payment_channel, pending, date, merchant_name
		FROM transactions
		WHERE removed = 0 AND id IN (` + placeholders(len(ids)) + `)
		ORDER BY id
	`

	rows, err := s.conn.QueryContext(ctx, s.repo.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScoringRow
	for rows.Next() {
		var (
			row                     domain.ScoringRow
			amount                  sql.NullFloat64
			channel, date, merchant sql.NullString
			pending                 int
		)
		if err := rows.Scan(&row.ID, &row.UserID, &amount, &channel, &pending, &date, &merchant); err != nil {
			return nil, err
		}
		if amount.Valid {
			v := amount.Float64
			row.Amount = &v
		}
		row.PaymentChannel = stringPtr(channel)
		row.Pending = pending != 0
		row.Date = stringPtr(date)
		row.MerchantName = stringPtr(merchant)
		out = append(out, row)
	}
	return out, rows.Err()
}

// PersistResults writes scores only to rows whose review is still pending.
func (s *scoringSession) PersistResults(ctx context.Context, results []domain.ScoringResult) (bool, error) {
	if len(results) == 0 {
		return false, nil
	}

	if s.tx == nil {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return false, fmt.Errorf("begin: %w", err)
		}
		s.tx = tx
	}

	query := `
		UPDATE transactions
		SET fraud_score = ?, is_fraud_suspected = ?, risk_level = ?, updated_at = ?
		WHERE id = ? AND fraud_review_status = 'pending'
	`
	stmt, err := s.tx.PrepareContext(ctx, s.repo.rebind(query))
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	now := s.repo.now()
	var changed int64
	for _, res := range results {
		result, err := stmt.ExecContext(ctx,
			res.FraudScore, boolInt(res.IsFraudSuspected), string(res.RiskTier), now, res.TransactionID,
		)
		if err != nil {
			return false, fmt.Errorf("update transaction %d: %w", res.TransactionID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		changed += n
	}
	return changed > 0, nil
}

// Commit commits pending writes, if any, and releases the connection.
func (s *scoringSession) Commit() error {
	var err error
	if s.tx != nil {
		err = s.tx.Commit()
		s.tx = nil
	}
	return errors.Join(err, s.release())
}

// Rollback discards pending writes, if any, and releases the connection.
func (s *scoringSession) Rollback() error {
	var err error
	if s.tx != nil {
		err = s.tx.Rollback()
		s.tx = nil
	}
	return errors.Join(err, s.release())
}

func (s *scoringSession) release() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (r *SQLRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
