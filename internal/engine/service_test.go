package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PotLedger/internal/audit"
	"PotLedger/internal/deposit"
	"PotLedger/internal/engine"
	"PotLedger/internal/ledger"
	"PotLedger/internal/prize"
	"PotLedger/internal/store"
)

// stubVerifier returns a canned verdict without touching any chain.
type stubVerifier struct {
	err error
}

func (v *stubVerifier) Verify(_ context.Context, address, txRef string, expectedAmount decimal.Decimal, currency string) (deposit.Verified, error) {
	if v.err != nil {
		return deposit.Verified{}, v.err
	}
	return deposit.Verified{Amount: expectedAmount, Currency: currency, TxRef: txRef}, nil
}

// stubAuditStore records calls so the audit interplay is testable without
// Postgres.
type stubAuditStore struct {
	payout   decimal.Decimal
	approved int
	reverted int
}

func (a *stubAuditStore) AppendDistribution(_ context.Context, _ *prize.Distribution) error {
	return nil
}

func (a *stubAuditStore) ApprovePayout(_ context.Context, _ uuid.UUID, _ string) (decimal.Decimal, error) {
	a.approved++
	return a.payout, nil
}

func (a *stubAuditStore) RevertPayoutApproval(_ context.Context, _ uuid.UUID, _ string) error {
	a.reverted++
	return nil
}

func (a *stubAuditStore) InsertWithdrawalRequest(_ context.Context, _ audit.WithdrawalRequest) error {
	return nil
}

func newTestService(t *testing.T, verifier engine.DepositVerifier) *engine.Service {
	t.Helper()
	return newTestServiceWithAudit(t, verifier, nil)
}

func newTestServiceWithAudit(t *testing.T, verifier engine.DepositVerifier, auditStore engine.AuditStore) *engine.Service {
	t.Helper()

	eng := store.NewEngine(store.NewMemBackend(), store.Config{
		Retries:    1,
		RetryDelay: time.Millisecond,
	}, zerolog.Nop(), nil)

	svc := engine.New(eng, verifier, auditStore, nil, engine.Config{
		EntryFee: decimal.NewFromInt(1),
	}, zerolog.Nop(), nil)

	if _, err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	return svc
}

func fundPlayer(t *testing.T, svc *engine.Service, address string, amount int64, txRef string) {
	t.Helper()
	if _, err := svc.Deposit(context.Background(), address, txRef, decimal.NewFromInt(amount), "USDC"); err != nil {
		t.Fatalf("fund %s: %v", address, err)
	}
}

// ============================================================================
// Test: gameplay and ranking
// ============================================================================

func TestGameplay_StreakAndRanking(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()

	// 0xaaa survives three pulls, dies, survives one more.
	for i := 0; i < 3; i++ {
		if err := svc.RecordTriggerPull(ctx, "0xaaa"); err != nil {
			t.Fatalf("pull failed: %v", err)
		}
	}
	if err := svc.RecordDeath(ctx, "0xaaa"); err != nil {
		t.Fatalf("death failed: %v", err)
	}
	if err := svc.RecordTriggerPull(ctx, "0xaaa"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	stats, err := svc.GetPlayerStats(ctx, "0xAAA")
	if err != nil {
		t.Fatalf("get stats failed: %v", err)
	}
	if stats.Stats.TriggerPulls != 4 {
		t.Errorf("pulls = %d, want 4", stats.Stats.TriggerPulls)
	}
	if stats.Stats.Deaths != 1 {
		t.Errorf("deaths = %d, want 1", stats.Stats.Deaths)
	}
	if stats.Stats.MaxStreak != 3 {
		t.Errorf("maxStreak = %d, want 3", stats.Stats.MaxStreak)
	}
	if stats.Stats.CurrentStreak != 1 {
		t.Errorf("currentStreak = %d, want 1", stats.Stats.CurrentStreak)
	}

	// 0xbbb puts up a longer streak and takes rank one.
	for i := 0; i < 5; i++ {
		if err := svc.RecordTriggerPull(ctx, "0xbbb"); err != nil {
			t.Fatalf("pull failed: %v", err)
		}
	}

	board, err := svc.GetLeaderboard(ctx, ledger.PartitionFree)
	if err != nil {
		t.Fatalf("get leaderboard failed: %v", err)
	}
	if len(board.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(board.Entries))
	}
	if board.Entries[0].Address != "0xbbb" || board.Entries[0].Rank != 1 {
		t.Errorf("rank 1 = %s (%d), want 0xbbb", board.Entries[0].Address, board.Entries[0].Rank)
	}
	if board.Entries[1].Address != "0xaaa" || board.Entries[1].Rank != 2 {
		t.Errorf("rank 2 = %s (%d), want 0xaaa", board.Entries[1].Address, board.Entries[1].Rank)
	}
}

func TestCashout_BanksStreak(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()

	if err := svc.RecordCashout(ctx, "0xaaa", 7); err != nil {
		t.Fatalf("cashout failed: %v", err)
	}

	stats, err := svc.GetPlayerStats(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("get stats failed: %v", err)
	}
	if stats.Stats.MaxStreak != 7 {
		t.Errorf("maxStreak = %d, want 7", stats.Stats.MaxStreak)
	}
	if stats.Stats.CurrentStreak != 0 {
		t.Errorf("currentStreak = %d, want 0 after cashout", stats.Stats.CurrentStreak)
	}
}

func TestSetUsername_Validates(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()

	if err := svc.SetUsername(ctx, "0xaaa", "  "); !errors.Is(err, engine.ErrInvalidUsername) {
		t.Errorf("blank username: want ErrInvalidUsername, got %v", err)
	}
	long := make([]byte, 40)
	for i := range long {
		long[i] = 'x'
	}
	if err := svc.SetUsername(ctx, "0xaaa", string(long)); !errors.Is(err, engine.ErrInvalidUsername) {
		t.Errorf("long username: want ErrInvalidUsername, got %v", err)
	}

	if err := svc.SetUsername(ctx, "0xaaa", "dicey"); err != nil {
		t.Fatalf("set username failed: %v", err)
	}
	if err := svc.RecordTriggerPull(ctx, "0xaaa"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	board, err := svc.GetLeaderboard(ctx, "free")
	if err != nil {
		t.Fatalf("get leaderboard failed: %v", err)
	}
	if board.Entries[0].Username != "dicey" {
		t.Errorf("board username = %q, want dicey", board.Entries[0].Username)
	}
}

func TestGetLeaderboard_UnknownPartition(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})

	_, err := svc.GetLeaderboard(context.Background(), "platinum")
	if !errors.Is(err, engine.ErrInvalidPartition) {
		t.Errorf("want ErrInvalidPartition, got %v", err)
	}
}

// ============================================================================
// Test: deposits
// ============================================================================

func TestDeposit_CreditsVerifiedAmount(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()

	credited, err := svc.Deposit(ctx, "0xaaa", "0xhash1", decimal.NewFromInt(50), "USDC")
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !credited.Equal(decimal.NewFromInt(50)) {
		t.Errorf("credited = %s, want 50", credited)
	}

	bal, err := svc.GetBalance(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !bal.Balance.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50", bal.Balance.Balance)
	}
}

func TestDeposit_DuplicateTxRefRejected(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "0xaaa", "0xhash1", decimal.NewFromInt(50), "USDC"); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	_, err := svc.Deposit(ctx, "0xaaa", "0xhash1", decimal.NewFromInt(50), "USDC")
	if !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Fatalf("want ErrDuplicateTransaction, got %v", err)
	}

	bal, err := svc.GetBalance(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !bal.Balance.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("duplicate deposit changed balance: %s", bal.Balance.Balance)
	}
}

func TestDeposit_VerificationFailureCreditsNothing(t *testing.T) {
	svc := newTestService(t, &stubVerifier{err: deposit.ErrSenderMismatch})
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "0xaaa", "0xhash1", decimal.NewFromInt(50), "USDC")
	if !errors.Is(err, deposit.ErrSenderMismatch) {
		t.Fatalf("want ErrSenderMismatch, got %v", err)
	}

	bal, err := svc.GetBalance(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !bal.Balance.Balance.IsZero() {
		t.Errorf("failed verification credited %s", bal.Balance.Balance)
	}
}

func TestDeposit_NoVerifierConfigured(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Deposit(context.Background(), "0xaaa", "0xhash1", decimal.NewFromInt(50), "USDC")
	if !errors.Is(err, engine.ErrVerifierUnavailable) {
		t.Errorf("want ErrVerifierUnavailable, got %v", err)
	}
}

// ============================================================================
// Test: withdrawals
// ============================================================================

func TestWithdraw_DebitsAndReturnsRequestID(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()
	fundPlayer(t, svc, "0xaaa", 50, "0xhash1")

	requestID, err := svc.Withdraw(ctx, "0xaaa", decimal.NewFromInt(20))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if requestID == uuid.Nil {
		t.Error("withdraw should return a request id")
	}

	bal, err := svc.GetBalance(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !bal.Balance.Balance.Equal(decimal.NewFromInt(30)) {
		t.Errorf("balance = %s, want 30", bal.Balance.Balance)
	}
	if !bal.Balance.TotalWithdrawn.Equal(decimal.NewFromInt(20)) {
		t.Errorf("totalWithdrawn = %s, want 20", bal.Balance.TotalWithdrawn)
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()
	fundPlayer(t, svc, "0xaaa", 10, "0xhash1")

	_, err := svc.Withdraw(ctx, "0xaaa", decimal.NewFromInt(11))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}

	bal, err := svc.GetBalance(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !bal.Balance.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("failed withdrawal changed balance: %s", bal.Balance.Balance)
	}
}

// ============================================================================
// Test: prize pool
// ============================================================================

func TestJoinPrizePool_DebitsFeeAndSeatsPaidBoard(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()
	fundPlayer(t, svc, "0xaaa", 10, "0xhash1")

	if err := svc.RecordTriggerPull(ctx, "0xaaa"); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if err := svc.JoinPrizePool(ctx, "0xaaa"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	bal, err := svc.GetBalance(ctx, "0xaaa")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !bal.Balance.Balance.Equal(decimal.NewFromInt(9)) {
		t.Errorf("balance = %s, want 9 after entry fee", bal.Balance.Balance)
	}

	pool, err := svc.GetPrizePool(ctx)
	if err != nil {
		t.Fatalf("get pool failed: %v", err)
	}
	if !pool.Pool.TotalAmount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("pool = %s, want 1", pool.Pool.TotalAmount)
	}
	if pool.Pool.Participants != 1 {
		t.Errorf("participants = %d, want 1", pool.Pool.Participants)
	}

	// The player moved off the free board onto the paid board.
	free, _ := svc.GetLeaderboard(ctx, ledger.PartitionFree)
	paid, _ := svc.GetLeaderboard(ctx, ledger.PartitionPaid)
	if len(free.Entries) != 0 {
		t.Errorf("free board has %d entries, want 0", len(free.Entries))
	}
	if len(paid.Entries) != 1 || !paid.Entries[0].IsPaid {
		t.Error("paid board should hold the joined player")
	}
}

func TestJoinPrizePool_SecondJoinIsNoOp(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()
	fundPlayer(t, svc, "0xaaa", 10, "0xhash1")

	if err := svc.JoinPrizePool(ctx, "0xaaa"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := svc.JoinPrizePool(ctx, "0xaaa"); err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	bal, _ := svc.GetBalance(ctx, "0xaaa")
	if !bal.Balance.Balance.Equal(decimal.NewFromInt(9)) {
		t.Errorf("second join charged again: balance = %s, want 9", bal.Balance.Balance)
	}
	pool, _ := svc.GetPrizePool(ctx)
	if pool.Pool.Participants != 1 {
		t.Errorf("participants = %d, want 1", pool.Pool.Participants)
	}
}

func TestJoinPrizePool_NoFunds(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})

	err := svc.JoinPrizePool(context.Background(), "0xbroke")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("want ErrInsufficientBalance, got %v", err)
	}
}

// ============================================================================
// Test: distribution
// ============================================================================

func TestDistributePrizes_FullRound(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})
	ctx := context.Background()

	// Four funded players join; streaks descend with join order.
	players := []string{"0xp1", "0xp2", "0xp3", "0xp4"}
	for i, p := range players {
		fundPlayer(t, svc, p, 100, fmt.Sprintf("0xhash%d", i))
		for j := 0; j < 10-i; j++ {
			if err := svc.RecordTriggerPull(ctx, p); err != nil {
				t.Fatalf("pull failed: %v", err)
			}
		}
		if err := svc.JoinPrizePool(ctx, p); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	dist, err := svc.DistributePrizes(ctx)
	if err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	if len(dist.Payouts) != 4 {
		t.Fatalf("got %d payouts, want 4", len(dist.Payouts))
	}
	// Pool was 4; rank 1 gets 40%.
	if dist.Payouts[0].Address != "0xp1" {
		t.Errorf("rank 1 = %s, want 0xp1", dist.Payouts[0].Address)
	}
	if !dist.Payouts[0].Amount.Equal(decimal.RequireFromString("1.6")) {
		t.Errorf("rank 1 amount = %s, want 1.6", dist.Payouts[0].Amount)
	}

	// Payouts land as pending prizes, not spendable balance.
	bal, _ := svc.GetBalance(ctx, "0xp1")
	if !bal.Balance.PendingPrizes.Equal(decimal.RequireFromString("1.6")) {
		t.Errorf("pending = %s, want 1.6", bal.Balance.PendingPrizes)
	}
	if !bal.Balance.Balance.Equal(decimal.NewFromInt(99)) {
		t.Errorf("balance = %s, want 99 untouched by distribution", bal.Balance.Balance)
	}

	// The pool drained and the paid board reseated onto the free board.
	pool, _ := svc.GetPrizePool(ctx)
	if !pool.Pool.TotalAmount.IsZero() || pool.Pool.Participants != 0 {
		t.Errorf("pool = %s/%d, want 0/0", pool.Pool.TotalAmount, pool.Pool.Participants)
	}
	paid, _ := svc.GetLeaderboard(ctx, ledger.PartitionPaid)
	free, _ := svc.GetLeaderboard(ctx, ledger.PartitionFree)
	if len(paid.Entries) != 0 {
		t.Errorf("paid board has %d entries after distribution, want 0", len(paid.Entries))
	}
	if len(free.Entries) != 4 {
		t.Errorf("free board has %d entries after distribution, want 4", len(free.Entries))
	}

	// Approval moves the pending prize into the balance.
	if err := svc.ApprovePendingPrize(ctx, "0xp1", decimal.RequireFromString("1.6")); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	bal, _ = svc.GetBalance(ctx, "0xp1")
	if !bal.Balance.Balance.Equal(decimal.RequireFromString("100.6")) {
		t.Errorf("balance after approval = %s, want 100.6", bal.Balance.Balance)
	}
	if !bal.Balance.PendingPrizes.IsZero() {
		t.Errorf("pending after approval = %s, want 0", bal.Balance.PendingPrizes)
	}
}

func TestDistributePrizes_EmptyPool(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})

	_, err := svc.DistributePrizes(context.Background())
	if err == nil {
		t.Fatal("distributing an empty pool should fail")
	}

	// The pool stays untouched.
	pool, perr := svc.GetPrizePool(context.Background())
	if perr != nil {
		t.Fatalf("get pool failed: %v", perr)
	}
	if !pool.Pool.TotalAmount.IsZero() {
		t.Errorf("pool changed on failed distribution: %s", pool.Pool.TotalAmount)
	}
}

func TestApproveDistribution_MovesPendingToBalance(t *testing.T) {
	auditStore := &stubAuditStore{}
	svc := newTestServiceWithAudit(t, &stubVerifier{}, auditStore)
	ctx := context.Background()

	// One funded player joins and the round is distributed: pool 1, rank-1
	// payout 0.4 pending.
	fundPlayer(t, svc, "0xaaa", 10, "0xhash1")
	if err := svc.JoinPrizePool(ctx, "0xaaa"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	dist, err := svc.DistributePrizes(ctx)
	if err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	auditStore.payout = dist.Payouts[0].Amount

	if err := svc.ApproveDistribution(ctx, dist.ID, "0xaaa"); err != nil {
		t.Fatalf("approve distribution failed: %v", err)
	}
	if auditStore.approved != 1 {
		t.Errorf("audit approvals = %d, want 1", auditStore.approved)
	}
	if auditStore.reverted != 0 {
		t.Errorf("audit reverts = %d, want 0 on success", auditStore.reverted)
	}

	bal, _ := svc.GetBalance(ctx, "0xaaa")
	if !bal.Balance.Balance.Equal(decimal.RequireFromString("9.4")) {
		t.Errorf("balance = %s, want 9.4", bal.Balance.Balance)
	}
	if !bal.Balance.PendingPrizes.IsZero() {
		t.Errorf("pending = %s, want 0", bal.Balance.PendingPrizes)
	}
}

func TestApproveDistribution_RevertsRowWhenLedgerMoveFails(t *testing.T) {
	auditStore := &stubAuditStore{payout: decimal.NewFromInt(5)}
	svc := newTestServiceWithAudit(t, &stubVerifier{}, auditStore)
	ctx := context.Background()

	// The row approves for 5 but the player has no pending prize, so the
	// ledger move fails and the row must flip back to pending.
	err := svc.ApproveDistribution(ctx, uuid.New(), "0xaaa")
	if !errors.Is(err, ledger.ErrInsufficientPending) {
		t.Fatalf("want ErrInsufficientPending, got %v", err)
	}
	if auditStore.approved != 1 {
		t.Errorf("audit approvals = %d, want 1", auditStore.approved)
	}
	if auditStore.reverted != 1 {
		t.Errorf("audit reverts = %d, want 1 after failed ledger move", auditStore.reverted)
	}

	bal, _ := svc.GetBalance(ctx, "0xaaa")
	if !bal.Balance.Balance.IsZero() {
		t.Errorf("failed approval credited %s", bal.Balance.Balance)
	}
}

func TestApprovePendingPrize_MoreThanPending(t *testing.T) {
	svc := newTestService(t, &stubVerifier{})

	err := svc.ApprovePendingPrize(context.Background(), "0xaaa", decimal.NewFromInt(5))
	if !errors.Is(err, ledger.ErrInsufficientPending) {
		t.Errorf("want ErrInsufficientPending, got %v", err)
	}
}
