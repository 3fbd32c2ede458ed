// Package engine composes the store, ranker, balance ledger, deposit
// verifier, and prize calculator into the operations the API layer calls.
// Every write is a single store mutation so the load-modify-save triplet is
// atomic relative to this instance's control flow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PotLedger/internal/audit"
	"PotLedger/internal/deposit"
	"PotLedger/internal/event"
	"PotLedger/internal/ledger"
	"PotLedger/internal/observability"
	"PotLedger/internal/prize"
	"PotLedger/internal/publish"
	"PotLedger/internal/rank"
	"PotLedger/internal/store"
)

var (
	// ErrVerifierUnavailable is returned when deposits are requested but no
	// chain RPC is configured.
	ErrVerifierUnavailable = errors.New("engine: deposit verification not configured")
	// ErrInvalidPartition is returned for an unknown leaderboard partition.
	ErrInvalidPartition = errors.New("engine: unknown leaderboard partition")
	// ErrInvalidUsername is returned for an empty or oversized username.
	ErrInvalidUsername = errors.New("engine: invalid username")
)

const maxUsernameLen = 32

// DepositVerifier abstracts the on-chain verification gate so tests can
// substitute a canned verdict.
type DepositVerifier interface {
	Verify(ctx context.Context, claimedAddress, txRef string, expectedAmount decimal.Decimal, currency string) (deposit.Verified, error)
}

// AuditStore is the subset of the Postgres audit log the engine writes to.
// *audit.Store satisfies it.
type AuditStore interface {
	AppendDistribution(ctx context.Context, dist *prize.Distribution) error
	ApprovePayout(ctx context.Context, distributionID uuid.UUID, address string) (decimal.Decimal, error)
	RevertPayoutApproval(ctx context.Context, distributionID uuid.UUID, address string) error
	InsertWithdrawalRequest(ctx context.Context, req audit.WithdrawalRequest) error
}

// Config tunes the engine.
type Config struct {
	// EntryFee is debited when a player joins the prize pool; the full fee
	// goes into the pot.
	EntryFee decimal.Decimal
	// LeaderboardCap bounds each persisted partition. <= 0 means uncapped.
	LeaderboardCap int
}

// Service exposes the game-state operations. Verifier, auditStore, and
// publisher are optional; a nil publisher drops events, a nil audit store
// logs and skips audit rows, a nil verifier refuses deposits.
type Service struct {
	store      *store.Engine
	verifier   DepositVerifier
	auditStore AuditStore
	publisher  *publish.Publisher
	cfg        Config
	log        zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func New(st *store.Engine, verifier DepositVerifier, auditStore AuditStore, publisher *publish.Publisher, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Service {
	if cfg.LeaderboardCap == 0 {
		cfg.LeaderboardCap = rank.DefaultCap
	}
	return &Service{
		store:      st,
		verifier:   verifier,
		auditStore: auditStore,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Initialize creates the ledger document if absent. Safe to call from every
// cold start; a concurrent initializer that loses the race skips.
func (s *Service) Initialize(ctx context.Context) (bool, error) {
	return s.store.InitializeIfAbsent(ctx, ledger.NewDocument())
}

// RecordTriggerPull counts a survived pull: streak extends, board updates.
func (s *Service) RecordTriggerPull(ctx context.Context, address string) error {
	defer s.observe("record_trigger_pull")()

	now := s.now()
	doc, err := s.store.Mutate(ctx, store.Mutation{
		Name: "record_trigger_pull",
		Apply: func(doc *ledger.Document) error {
			st := doc.StatsFor(address)
			st.TriggerPulls++
			st.CurrentStreak++
			if st.CurrentStreak > st.MaxStreak {
				st.MaxStreak = st.CurrentStreak
			}
			st.LastPlayed = now
			s.reseatPlayer(doc, address)
			return nil
		},
	})
	if err != nil {
		return s.reject("record_trigger_pull", err)
	}

	s.publishPlay(ctx, event.TypeTriggerPull, address, doc)
	return nil
}

// RecordDeath counts a lost pull: the current streak resets to zero.
func (s *Service) RecordDeath(ctx context.Context, address string) error {
	defer s.observe("record_death")()

	now := s.now()
	doc, err := s.store.Mutate(ctx, store.Mutation{
		Name: "record_death",
		Apply: func(doc *ledger.Document) error {
			st := doc.StatsFor(address)
			st.Deaths++
			st.CurrentStreak = 0
			st.LastPlayed = now
			s.reseatPlayer(doc, address)
			return nil
		},
	})
	if err != nil {
		return s.reject("record_death", err)
	}

	s.publishPlay(ctx, event.TypeDeath, address, doc)
	return nil
}

// RecordCashout banks a streak: maxStreak absorbs the cashed-out streak and
// the current streak resets.
func (s *Service) RecordCashout(ctx context.Context, address string, streakAtCashout int64) error {
	defer s.observe("record_cashout")()

	if streakAtCashout < 0 {
		return fmt.Errorf("negative streak %d", streakAtCashout)
	}

	now := s.now()
	doc, err := s.store.Mutate(ctx, store.Mutation{
		Name: "record_cashout",
		Apply: func(doc *ledger.Document) error {
			st := doc.StatsFor(address)
			if streakAtCashout > st.MaxStreak {
				st.MaxStreak = streakAtCashout
			}
			st.CurrentStreak = 0
			st.LastPlayed = now
			s.reseatPlayer(doc, address)
			return nil
		},
	})
	if err != nil {
		return s.reject("record_cashout", err)
	}

	s.publishPlay(ctx, event.TypeCashout, address, doc)
	return nil
}

// SetUsername updates the display name on stats and any board entries.
func (s *Service) SetUsername(ctx context.Context, address, username string) error {
	defer s.observe("set_username")()

	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLen {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	_, err := s.store.Mutate(ctx, store.Mutation{
		Name: "set_username",
		Apply: func(doc *ledger.Document) error {
			st := doc.StatsFor(address)
			st.Username = username
			s.reseatPlayer(doc, address)
			return nil
		},
	})
	if err != nil {
		return s.reject("set_username", err)
	}

	s.publish(ctx, event.Outbound{
		Type:      event.TypeUsernameSet,
		Address:   ledger.NormalizeAddress(address),
		Timestamp: s.now(),
	})
	return nil
}

// JoinPrizePool debits the entry fee, adds it to the pot, and seats the
// player on the paid board. Joining twice is a no-op. The fee debit and the
// pool increment land in the same mutation so neither can be lost alone.
func (s *Service) JoinPrizePool(ctx context.Context, address string) error {
	defer s.observe("join_prize_pool")()

	now := s.now()
	joined := false
	doc, err := s.store.Mutate(ctx, store.Mutation{
		Name:     "join_prize_pool",
		MaxDebit: s.cfg.EntryFee,
		Apply: func(doc *ledger.Document) error {
			st := doc.StatsFor(address)
			if st.IsPaid {
				return nil
			}
			if err := doc.Debit(address, s.cfg.EntryFee, ledger.TxEntryFee, now); err != nil {
				return err
			}
			doc.IncrementPool(s.cfg.EntryFee, 1, now)
			st.IsPaid = true
			joined = true
			s.reseatPlayer(doc, address)
			return nil
		},
	})
	if err != nil {
		return s.reject("join_prize_pool", err)
	}
	if !joined {
		return nil
	}

	if s.metrics != nil {
		s.metrics.PrizePoolJoins.Inc()
	}
	s.publish(ctx, event.Outbound{
		Type:      event.TypePoolJoined,
		Address:   ledger.NormalizeAddress(address),
		Timestamp: now,
		Payload: event.PoolJoined{
			EntryFee:     s.cfg.EntryFee,
			PoolTotal:    doc.PrizePool.TotalAmount,
			Participants: doc.PrizePool.Participants,
		},
	})
	return nil
}

// Deposit verifies a claimed on-chain transaction and credits the verified
// amount. The transaction reference is the idempotency key: a duplicate
// delivery fails with DuplicateTransaction and credits nothing.
func (s *Service) Deposit(ctx context.Context, address, txRef string, expectedAmount decimal.Decimal, currency string) (decimal.Decimal, error) {
	defer s.observe("deposit")()

	if s.verifier == nil {
		return decimal.Zero, ErrVerifierUnavailable
	}

	verified, err := s.verifier.Verify(ctx, address, txRef, expectedAmount, currency)
	if err != nil {
		return decimal.Zero, s.reject("deposit", err)
	}

	now := s.now()
	_, err = s.store.Mutate(ctx, store.Mutation{
		Name: "deposit",
		Apply: func(doc *ledger.Document) error {
			return doc.Credit(address, verified.Amount, ledger.TxDeposit, verified.TxRef, now)
		},
	})
	if err != nil {
		return decimal.Zero, s.reject("deposit", err)
	}

	s.publish(ctx, event.Outbound{
		Type:      event.TypeDepositCredited,
		Address:   ledger.NormalizeAddress(address),
		Timestamp: now,
		Payload: event.DepositCredited{
			Amount:   verified.Amount,
			Currency: verified.Currency,
			TxRef:    verified.TxRef,
		},
	})
	return verified.Amount, nil
}

// Withdraw debits the balance and records a pending withdrawal request in
// the audit log. The actual fund movement is an external concern.
func (s *Service) Withdraw(ctx context.Context, address string, amount decimal.Decimal) (uuid.UUID, error) {
	defer s.observe("withdraw")()

	now := s.now()
	_, err := s.store.Mutate(ctx, store.Mutation{
		Name:     "withdraw",
		MaxDebit: amount,
		Apply: func(doc *ledger.Document) error {
			return doc.Debit(address, amount, ledger.TxWithdrawal, now)
		},
	})
	if err != nil {
		return uuid.Nil, s.reject("withdraw", err)
	}

	requestID := uuid.New()
	if s.auditStore != nil {
		req := audit.WithdrawalRequest{
			RequestID: requestID,
			Address:   ledger.NormalizeAddress(address),
			Amount:    amount,
			Status:    audit.WithdrawalPending,
			CreatedAt: now,
		}
		if err := s.auditStore.InsertWithdrawalRequest(ctx, req); err != nil {
			// The debit is committed; losing the audit row is operator-visible
			// but must not fail the withdrawal.
			s.log.Error().Err(err).Str("request_id", requestID.String()).Msg("withdrawal audit row failed")
		}
	}

	s.publish(ctx, event.Outbound{
		Type:      event.TypeWithdrawalRequested,
		Address:   ledger.NormalizeAddress(address),
		Timestamp: now,
		Payload:   event.WithdrawalRequested{RequestID: requestID, Amount: amount},
	})
	return requestID, nil
}

// ApprovePendingPrize moves a pending prize into the spendable balance.
func (s *Service) ApprovePendingPrize(ctx context.Context, address string, amount decimal.Decimal) error {
	defer s.observe("approve_pending_prize")()

	now := s.now()
	_, err := s.store.Mutate(ctx, store.Mutation{
		Name: "approve_pending_prize",
		Apply: func(doc *ledger.Document) error {
			return doc.ApprovePendingPrize(address, amount, now)
		},
	})
	if err != nil {
		return s.reject("approve_pending_prize", err)
	}

	s.publish(ctx, event.Outbound{
		Type:      event.TypePrizeApproved,
		Address:   ledger.NormalizeAddress(address),
		Timestamp: now,
		Payload:   event.PrizeApproved{Amount: amount},
	})
	return nil
}

// DistributePrizes snapshots the pool, computes the payout schedule, adds
// each payout to the winner's pending prizes, and drains the pool by exactly
// the snapshot amount. Joins that land between snapshot and reset survive
// because the pool update is a relative decrement.
func (s *Service) DistributePrizes(ctx context.Context) (*prize.Distribution, error) {
	defer s.observe("distribute_prizes")()

	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, s.reject("distribute_prizes", err)
	}
	if snap.FromFallback {
		// A distribution computed off a stale pool could pay the wrong
		// people; refuse rather than degrade.
		return nil, s.reject("distribute_prizes",
			fmt.Errorf("%w: refusing to distribute from fallback data", store.ErrBackendUnavailable))
	}

	poolAmount := snap.Doc.PrizePool.TotalAmount
	poolParticipants := snap.Doc.PrizePool.Participants

	var participants []prize.Participant
	for addr, st := range snap.Doc.PlayerStats {
		if !st.IsPaid {
			continue
		}
		participants = append(participants, prize.Participant{
			Address:     addr,
			MaxStreak:   st.MaxStreak,
			TotalPulls:  st.TriggerPulls,
			TotalDeaths: st.Deaths,
		})
	}

	now := s.now()
	dist, err := prize.Compute(poolAmount, participants, now)
	if err != nil {
		return nil, s.reject("distribute_prizes", err)
	}

	_, err = s.store.Mutate(ctx, store.Mutation{
		Name: "distribute_prizes",
		Apply: func(doc *ledger.Document) error {
			for _, p := range dist.Payouts {
				if err := doc.AddPendingPrize(p.Address, p.Amount, now); err != nil {
					return err
				}
			}
			doc.IncrementPool(poolAmount.Neg(), -poolParticipants, now)

			// The round is over: paid status clears and paid-board players
			// reseat onto the free board so the next pool starts empty.
			for _, st := range doc.PlayerStats {
				st.IsPaid = false
			}
			for _, e := range doc.Leaderboard.Paid {
				e.IsPaid = false
				doc.Leaderboard.Free = rank.Upsert(doc.Leaderboard.Free, e, s.cfg.LeaderboardCap)
			}
			doc.Leaderboard.Paid = []ledger.LeaderboardEntry{}
			return nil
		},
	})
	if err != nil {
		return nil, s.reject("distribute_prizes", err)
	}

	if s.auditStore != nil {
		if err := s.auditStore.AppendDistribution(ctx, dist); err != nil {
			s.log.Error().Err(err).Str("distribution_id", dist.ID.String()).Msg("distribution audit rows failed")
		}
	}

	if s.metrics != nil {
		s.metrics.DistributionsTotal.Inc()
		s.metrics.DistributionPayouts.Observe(float64(len(dist.Payouts)))
	}
	s.publish(ctx, event.Outbound{
		Type:      event.TypePrizesDistributed,
		Timestamp: now,
		Payload: event.PrizesDistributed{
			DistributionID: dist.ID,
			PoolAmount:     poolAmount,
			Payouts:        len(dist.Payouts),
		},
	})
	return dist, nil
}

// ApproveDistribution signs off one payout of a recorded distribution: the
// audit row flips pending to approved and the pending prize moves into the
// player's balance. A failed ledger move flips the row back so the payout
// stays approvable on retry.
func (s *Service) ApproveDistribution(ctx context.Context, distributionID uuid.UUID, address string) error {
	defer s.observe("approve_distribution")()

	if s.auditStore == nil {
		return fmt.Errorf("audit store not configured")
	}

	amount, err := s.auditStore.ApprovePayout(ctx, distributionID, address)
	if err != nil {
		return s.reject("approve_distribution", err)
	}

	if err := s.ApprovePendingPrize(ctx, address, amount); err != nil {
		if revertErr := s.auditStore.RevertPayoutApproval(ctx, distributionID, address); revertErr != nil {
			// The row is stranded as approved with no matching ledger move;
			// an operator has to reconcile it by hand.
			s.log.Error().Err(revertErr).
				Str("distribution_id", distributionID.String()).
				Str("address", ledger.NormalizeAddress(address)).
				Msg("payout approval revert failed after ledger move failed")
		}
		return err
	}
	return nil
}

// reseatPlayer rebuilds the player's board entry from authoritative stats
// and re-inserts it into the partition they belong to. A player sits on
// exactly one board: paid once they joined the pool, free otherwise.
func (s *Service) reseatPlayer(doc *ledger.Document, address string) {
	addr := ledger.NormalizeAddress(address)
	st := doc.StatsFor(addr)

	entry := ledger.LeaderboardEntry{
		Address:      addr,
		Username:     st.Username,
		TriggerPulls: st.TriggerPulls,
		Deaths:       st.Deaths,
		MaxStreak:    st.MaxStreak,
		IsPaid:       st.IsPaid,
		LastPlayed:   st.LastPlayed,
	}

	if st.IsPaid {
		doc.Leaderboard.Free = rank.Remove(doc.Leaderboard.Free, addr)
		doc.Leaderboard.Paid = rank.Upsert(doc.Leaderboard.Paid, entry, s.cfg.LeaderboardCap)
	} else {
		doc.Leaderboard.Paid = rank.Remove(doc.Leaderboard.Paid, addr)
		doc.Leaderboard.Free = rank.Upsert(doc.Leaderboard.Free, entry, s.cfg.LeaderboardCap)
	}
}

func (s *Service) publishPlay(ctx context.Context, t event.Type, address string, doc *ledger.Document) {
	evt := event.Outbound{
		Type:      t,
		Address:   ledger.NormalizeAddress(address),
		Timestamp: s.now(),
	}
	if st, ok := doc.LookupStats(address); ok {
		evt.Payload = event.GamePlay{
			CurrentStreak: st.CurrentStreak,
			MaxStreak:     st.MaxStreak,
			TriggerPulls:  st.TriggerPulls,
			Deaths:        st.Deaths,
		}
	}
	s.publish(ctx, evt)
}

func (s *Service) publish(ctx context.Context, evt event.Outbound) {
	s.publisher.Publish(ctx, evt)
}

func (s *Service) observe(operation string) func() {
	start := s.now()
	if s.metrics != nil {
		s.metrics.OpsTotal.WithLabelValues(operation).Inc()
	}
	return func() {
		if s.metrics != nil {
			s.metrics.OpsDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Service) reject(operation string, err error) error {
	if s.metrics != nil {
		s.metrics.OpsRejected.WithLabelValues(operation, rejectReason(err)).Inc()
	}
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientPending):
		return "insufficient_pending"
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return "duplicate_transaction"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, prize.ErrNothingToDistribute):
		return "nothing_to_distribute"
	case errors.Is(err, store.ErrGuardRejected):
		return "guard_rejected"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, audit.ErrPayoutNotFound):
		return "payout_not_found"
	case errors.Is(err, deposit.ErrInvalidTxRef),
		errors.Is(err, deposit.ErrTransactionNotFound),
		errors.Is(err, deposit.ErrTransactionPending),
		errors.Is(err, deposit.ErrTransactionReverted),
		errors.Is(err, deposit.ErrSenderMismatch),
		errors.Is(err, deposit.ErrRecipientMismatch),
		errors.Is(err, deposit.ErrTransferEventNotFound):
		return "verification_failed"
	default:
		return "internal"
	}
}
