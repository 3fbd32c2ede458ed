// Package audit persists the append-only collections that live outside the
// ledger document: the prize distribution log and the withdrawal-request
// log. Rows are written with multi-row INSERT and conflict-ignore so a
// retried write stays idempotent.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PotLedger/internal/observability"
	"PotLedger/internal/prize"
)

// ErrPayoutNotFound is returned when an approval targets a payout row that
// does not exist or is not pending.
var ErrPayoutNotFound = errors.New("audit: pending payout not found")

// WithdrawalStatus tracks a withdrawal request's lifecycle in the log.
type WithdrawalStatus string

const (
	WithdrawalPending WithdrawalStatus = "pending"
)

// WithdrawalRequest is one row of the withdrawal-request log.
type WithdrawalRequest struct {
	RequestID uuid.UUID
	Address   string
	Amount    decimal.Decimal
	Status    WithdrawalStatus
	CreatedAt time.Time
}

// Store writes audit rows to Postgres.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewStore wraps a database handle. metrics may be nil.
func NewStore(db *sql.DB, metrics *observability.Metrics) *Store {
	return &Store{db: db, metrics: metrics}
}

// AppendDistribution writes every payout of a distribution as one multi-row
// INSERT. A payout is keyed by (distribution_id, address); replays are
// ignored.
func (s *Store) AppendDistribution(ctx context.Context, dist *prize.Distribution) error {
	if len(dist.Payouts) == 0 {
		return nil
	}

	query := `INSERT INTO pot_audit.prize_distributions
		(distribution_id, address, amount, rank, status, pool_amount, created_at)
		VALUES `

	values := make([]string, 0, len(dist.Payouts))
	args := make([]interface{}, 0, len(dist.Payouts)*7)

	for i, p := range dist.Payouts {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			dist.ID, p.Address, p.Amount.String(), p.Rank,
			string(p.Status), dist.PoolAmount.String(), p.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (distribution_id, address) DO NOTHING"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.countError("prize_distributions")
		return fmt.Errorf("append distribution %s: %w", dist.ID, err)
	}
	s.countRows("prize_distributions", len(dist.Payouts))
	return nil
}

// ApprovePayout flips one payout row from pending to approved and returns
// its amount. Pending to approved is the only transition the log records;
// the actual fund movement is external.
func (s *Store) ApprovePayout(ctx context.Context, distributionID uuid.UUID, address string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`UPDATE pot_audit.prize_distributions
		 SET status = 'approved', approved_at = NOW()
		 WHERE distribution_id = $1 AND lower(address) = lower($2) AND status = 'pending'
		 RETURNING amount`,
		distributionID, address,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: distribution %s address %s", ErrPayoutNotFound, distributionID, address)
	}
	if err != nil {
		s.countError("prize_distributions")
		return decimal.Zero, fmt.Errorf("approve payout: %w", err)
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode payout amount %q: %w", raw, err)
	}
	return amount, nil
}

// RevertPayoutApproval flips an approved payout row back to pending. It is
// the compensation for a ledger move that failed after the row was already
// flipped; reverting a row that is not approved is a no-op.
func (s *Store) RevertPayoutApproval(ctx context.Context, distributionID uuid.UUID, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pot_audit.prize_distributions
		 SET status = 'pending', approved_at = NULL
		 WHERE distribution_id = $1 AND lower(address) = lower($2) AND status = 'approved'`,
		distributionID, address,
	)
	if err != nil {
		s.countError("prize_distributions")
		return fmt.Errorf("revert payout approval: %w", err)
	}
	return nil
}

// ListPayouts returns the payout rows of one distribution in rank order.
func (s *Store) ListPayouts(ctx context.Context, distributionID uuid.UUID) ([]prize.Payout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, amount, rank, status, created_at
		 FROM pot_audit.prize_distributions
		 WHERE distribution_id = $1
		 ORDER BY rank`,
		distributionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	var out []prize.Payout
	for rows.Next() {
		var p prize.Payout
		var raw, status string
		if err := rows.Scan(&p.Address, &raw, &p.Rank, &status, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		p.Amount, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode payout amount %q: %w", raw, err)
		}
		p.Status = prize.PayoutStatus(status)
		p.DistributionID = distributionID
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertWithdrawalRequest appends one withdrawal request row.
func (s *Store) InsertWithdrawalRequest(ctx context.Context, req WithdrawalRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pot_audit.withdrawal_requests
		 (request_id, address, amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (request_id) DO NOTHING`,
		req.RequestID, req.Address, req.Amount.String(), string(req.Status), req.CreatedAt,
	)
	if err != nil {
		s.countError("withdrawal_requests")
		return fmt.Errorf("insert withdrawal request %s: %w", req.RequestID, err)
	}
	s.countRows("withdrawal_requests", 1)
	return nil
}

func (s *Store) countRows(table string, n int) {
	if s.metrics != nil {
		s.metrics.AuditRowsWritten.WithLabelValues(table).Add(float64(n))
	}
}

func (s *Store) countError(table string) {
	if s.metrics != nil {
		s.metrics.AuditErrors.WithLabelValues(table).Inc()
	}
}
