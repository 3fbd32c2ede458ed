package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Balance ledger invariants. Every operation here either applies fully or
// returns an error with the document untouched; no partial debit exists.
var (
	ErrInvalidAmount        = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrInsufficientPending  = errors.New("ledger: insufficient pending prizes")
	ErrDuplicateTransaction = errors.New("ledger: transaction reference already credited")
)

// Credit adds amount to a player's balance and appends a transaction record.
// A deposit additionally bumps the TotalDeposited audit counter. When an
// external transaction reference is supplied, crediting the same reference a
// second time fails with ErrDuplicateTransaction and changes nothing.
func (d *Document) Credit(addr string, amount decimal.Decimal, kind TransactionKind, externalTxRef string, now time.Time) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if externalTxRef != "" {
		if d.hasTransactionRef(addr, externalTxRef) {
			return fmt.Errorf("%w: ref %s", ErrDuplicateTransaction, externalTxRef)
		}
	}

	b := d.BalanceFor(addr)
	b.Balance = b.Balance.Add(amount)
	if kind == TxDeposit {
		b.TotalDeposited = b.TotalDeposited.Add(amount)
	}
	b.LastUpdated = now
	b.Transactions = append(b.Transactions, TransactionRecord{
		Kind:          kind,
		Amount:        amount,
		Timestamp:     now,
		ExternalTxRef: externalTxRef,
	})
	return nil
}

// Debit removes amount from a player's balance. Fails with
// ErrInsufficientBalance if the balance would go negative. A withdrawal
// additionally bumps the TotalWithdrawn audit counter.
func (d *Document) Debit(addr string, amount decimal.Decimal, kind TransactionKind, now time.Time) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	b := d.BalanceFor(addr)
	if b.Balance.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b.Balance, amount)
	}

	b.Balance = b.Balance.Sub(amount)
	if kind == TxWithdrawal {
		b.TotalWithdrawn = b.TotalWithdrawn.Add(amount)
	}
	b.LastUpdated = now
	b.Transactions = append(b.Transactions, TransactionRecord{
		Kind:      kind,
		Amount:    amount,
		Timestamp: now,
	})
	return nil
}

// AddPendingPrize records a not-yet-approved prize. Balance is untouched
// until approval.
func (d *Document) AddPendingPrize(addr string, amount decimal.Decimal, now time.Time) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b := d.BalanceFor(addr)
	b.PendingPrizes = b.PendingPrizes.Add(amount)
	b.LastUpdated = now
	return nil
}

// ApprovePendingPrize moves amount from pending prizes into the spendable
// balance. Fails with ErrInsufficientPending if the pending bucket is short.
func (d *Document) ApprovePendingPrize(addr string, amount decimal.Decimal, now time.Time) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	b := d.BalanceFor(addr)
	if b.PendingPrizes.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientPending, b.PendingPrizes, amount)
	}

	b.PendingPrizes = b.PendingPrizes.Sub(amount)
	b.Balance = b.Balance.Add(amount)
	b.LastUpdated = now
	b.Transactions = append(b.Transactions, TransactionRecord{
		Kind:      TxPrizeApproval,
		Amount:    amount,
		Timestamp: now,
	})
	return nil
}

// IncrementPool applies a relative delta to the prize pool. Negative deltas
// are how a distribution drains the pot; joins that landed between the
// distribution snapshot and its reset survive because the decrement is
// relative, never an unconditional zero-set.
func (d *Document) IncrementPool(deltaAmount decimal.Decimal, deltaParticipants int64, now time.Time) {
	d.PrizePool.TotalAmount = d.PrizePool.TotalAmount.Add(deltaAmount)
	if d.PrizePool.TotalAmount.Sign() < 0 {
		d.PrizePool.TotalAmount = decimal.Zero
	}
	d.PrizePool.Participants += deltaParticipants
	if d.PrizePool.Participants < 0 {
		d.PrizePool.Participants = 0
	}
	d.PrizePool.LastUpdated = now
}

func (d *Document) hasTransactionRef(addr, ref string) bool {
	b, ok := d.LookupBalance(addr)
	if !ok {
		return false
	}
	for _, tx := range b.Transactions {
		if tx.ExternalTxRef != "" && tx.ExternalTxRef == ref {
			return true
		}
	}
	return false
}
