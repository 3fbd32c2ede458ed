package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Partition identifies one of the two leaderboard sub-lists.
type Partition string

const (
	PartitionFree Partition = "free"
	PartitionPaid Partition = "paid"
)

// Valid reports whether p names a known partition.
func (p Partition) Valid() bool {
	return p == PartitionFree || p == PartitionPaid
}

// NormalizeAddress canonicalizes a player address for use as a map key and
// for case-insensitive matching.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// LeaderboardEntry is a single ranked row in a leaderboard partition.
// Rank is derived from position after every sort and is never authoritative
// on its own.
type LeaderboardEntry struct {
	Address      string    `json:"address"`
	Username     string    `json:"username,omitempty"`
	TriggerPulls int64     `json:"triggerPulls"`
	Deaths       int64     `json:"deaths"`
	MaxStreak    int64     `json:"maxStreak"`
	Rank         int       `json:"rank"`
	IsPaid       bool      `json:"isPaid"`
	LastPlayed   time.Time `json:"lastPlayed"`
}

// Leaderboard holds the two ordered partitions. Order is rank order.
type Leaderboard struct {
	Free []LeaderboardEntry `json:"free"`
	Paid []LeaderboardEntry `json:"paid"`
}

// Entries returns the slice for a partition.
func (l *Leaderboard) Entries(p Partition) []LeaderboardEntry {
	if p == PartitionPaid {
		return l.Paid
	}
	return l.Free
}

// SetEntries replaces the slice for a partition.
func (l *Leaderboard) SetEntries(p Partition, entries []LeaderboardEntry) {
	if p == PartitionPaid {
		l.Paid = entries
	} else {
		l.Free = entries
	}
}

// Len returns the total entry count across both partitions.
func (l *Leaderboard) Len() int {
	return len(l.Free) + len(l.Paid)
}

// PrizePool is the running pot. All updates are relative deltas applied to a
// freshly loaded document; an absolute overwrite computed from a stale read
// is the lost-update bug this design exists to prevent.
type PrizePool struct {
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Participants int64           `json:"participants"`
	LastUpdated  time.Time       `json:"lastUpdated"`
}

// PlayerStats is the authoritative, uncapped per-player record. Leaderboard
// entries are a capped projection of these.
type PlayerStats struct {
	TriggerPulls  int64     `json:"triggerPulls"`
	Deaths        int64     `json:"deaths"`
	MaxStreak     int64     `json:"maxStreak"`
	CurrentStreak int64     `json:"currentStreak"`
	Username      string    `json:"username,omitempty"`
	IsPaid        bool      `json:"isPaid"`
	LastPlayed    time.Time `json:"lastPlayed"`
}

// TransactionKind classifies a balance movement.
type TransactionKind string

const (
	TxDeposit       TransactionKind = "deposit"
	TxWithdrawal    TransactionKind = "withdrawal"
	TxEntryFee      TransactionKind = "entry_fee"
	TxPrizeCredit   TransactionKind = "prize_credit"
	TxPrizeApproval TransactionKind = "prize_approval"
)

// TransactionRecord is one row of a player's append-only transaction history.
// ExternalTxRef carries the on-chain transaction hash for deposits and is the
// idempotency key for the deposit path.
type TransactionRecord struct {
	Kind          TransactionKind `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	ExternalTxRef string          `json:"externalTxRef,omitempty"`
}

// PlayerBalance tracks a player's funds. TotalDeposited and TotalWithdrawn
// are monotone audit counters, not caches of Balance.
type PlayerBalance struct {
	Balance        decimal.Decimal     `json:"balance"`
	PendingPrizes  decimal.Decimal     `json:"pendingPrizes"`
	TotalDeposited decimal.Decimal     `json:"totalDeposited"`
	TotalWithdrawn decimal.Decimal     `json:"totalWithdrawn"`
	LastUpdated    time.Time           `json:"lastUpdated"`
	Transactions   []TransactionRecord `json:"transactions"`
}

// Document is the single persisted aggregate: leaderboard, prize pool,
// player stats, and balances. It is created once and mutated in place for
// the lifetime of the deployment.
type Document struct {
	Leaderboard    Leaderboard               `json:"leaderboard"`
	PrizePool      PrizePool                 `json:"prizePool"`
	PlayerStats    map[string]*PlayerStats   `json:"playerStats"`
	PlayerBalances map[string]*PlayerBalance `json:"playerBalances"`
}

// NewDocument returns an empty, valid document suitable for first
// initialization.
func NewDocument() *Document {
	return &Document{
		Leaderboard: Leaderboard{
			Free: []LeaderboardEntry{},
			Paid: []LeaderboardEntry{},
		},
		PrizePool: PrizePool{
			TotalAmount:  decimal.Zero,
			Participants: 0,
		},
		PlayerStats:    make(map[string]*PlayerStats),
		PlayerBalances: make(map[string]*PlayerBalance),
	}
}

// Normalize repairs nil maps and slices after JSON decoding so callers can
// rely on non-nil containers. Run at the store boundary on every load.
func (d *Document) Normalize() {
	if d.Leaderboard.Free == nil {
		d.Leaderboard.Free = []LeaderboardEntry{}
	}
	if d.Leaderboard.Paid == nil {
		d.Leaderboard.Paid = []LeaderboardEntry{}
	}
	if d.PlayerStats == nil {
		d.PlayerStats = make(map[string]*PlayerStats)
	}
	if d.PlayerBalances == nil {
		d.PlayerBalances = make(map[string]*PlayerBalance)
	}
}

// StatsFor returns the stats record for an address, creating it lazily on
// first activity.
func (d *Document) StatsFor(addr string) *PlayerStats {
	key := NormalizeAddress(addr)
	s, ok := d.PlayerStats[key]
	if !ok {
		s = &PlayerStats{}
		d.PlayerStats[key] = s
	}
	return s
}

// BalanceFor returns the balance record for an address, creating it lazily.
func (d *Document) BalanceFor(addr string) *PlayerBalance {
	key := NormalizeAddress(addr)
	b, ok := d.PlayerBalances[key]
	if !ok {
		b = &PlayerBalance{
			Balance:        decimal.Zero,
			PendingPrizes:  decimal.Zero,
			TotalDeposited: decimal.Zero,
			TotalWithdrawn: decimal.Zero,
			Transactions:   []TransactionRecord{},
		}
		d.PlayerBalances[key] = b
	}
	return b
}

// LookupBalance returns the balance record without creating one.
func (d *Document) LookupBalance(addr string) (*PlayerBalance, bool) {
	b, ok := d.PlayerBalances[NormalizeAddress(addr)]
	return b, ok
}

// LookupStats returns the stats record without creating one.
func (d *Document) LookupStats(addr string) (*PlayerStats, bool) {
	s, ok := d.PlayerStats[NormalizeAddress(addr)]
	return s, ok
}

// TotalBalance sums every player's balance. Used by the store engine's
// destructive-write guard.
func (d *Document) TotalBalance() decimal.Decimal {
	total := decimal.Zero
	for _, b := range d.PlayerBalances {
		total = total.Add(b.Balance)
	}
	return total
}

// Clone returns a deep copy. Mutations run against a clone so a failed
// operation never leaves a half-applied document behind.
func (d *Document) Clone() *Document {
	out := &Document{
		Leaderboard: Leaderboard{
			Free: append([]LeaderboardEntry{}, d.Leaderboard.Free...),
			Paid: append([]LeaderboardEntry{}, d.Leaderboard.Paid...),
		},
		PrizePool:      d.PrizePool,
		PlayerStats:    make(map[string]*PlayerStats, len(d.PlayerStats)),
		PlayerBalances: make(map[string]*PlayerBalance, len(d.PlayerBalances)),
	}
	for addr, s := range d.PlayerStats {
		copied := *s
		out.PlayerStats[addr] = &copied
	}
	for addr, b := range d.PlayerBalances {
		copied := *b
		copied.Transactions = append([]TransactionRecord{}, b.Transactions...)
		out.PlayerBalances[addr] = &copied
	}
	return out
}
