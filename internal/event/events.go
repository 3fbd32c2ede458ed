// Package event defines the outbound events emitted after a mutation has
// been persisted. Downstream consumers (notifications, analytics) subscribe
// via NATS; nothing in the write path depends on them.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type discriminates outbound event payloads. The string form doubles as
// the NATS subject suffix.
type Type string

const (
	TypeTriggerPull         Type = "trigger_pull"
	TypeDeath               Type = "death"
	TypeCashout             Type = "cashout"
	TypeUsernameSet         Type = "username_set"
	TypePoolJoined          Type = "pool_joined"
	TypeDepositCredited     Type = "deposit_credited"
	TypeWithdrawalRequested Type = "withdrawal_requested"
	TypePrizesDistributed   Type = "prizes_distributed"
	TypePrizeApproved       Type = "prize_approved"
)

// Outbound is the envelope published for every processed operation.
type Outbound struct {
	Type      Type        `json:"type"`
	Address   string      `json:"address,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// GamePlay carries the per-play context for trigger pulls, deaths and
// cashouts.
type GamePlay struct {
	CurrentStreak int64 `json:"currentStreak"`
	MaxStreak     int64 `json:"maxStreak"`
	TriggerPulls  int64 `json:"triggerPulls"`
	Deaths        int64 `json:"deaths"`
}

// PoolJoined is emitted when a player pays the entry fee.
type PoolJoined struct {
	EntryFee     decimal.Decimal `json:"entryFee"`
	PoolTotal    decimal.Decimal `json:"poolTotal"`
	Participants int64           `json:"participants"`
}

// DepositCredited is emitted after an on-chain deposit was verified and
// credited. Amount is the verified on-chain amount.
type DepositCredited struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	TxRef    string          `json:"txRef"`
}

// WithdrawalRequested is emitted when a withdrawal request is recorded.
type WithdrawalRequested struct {
	RequestID uuid.UUID       `json:"requestId"`
	Amount    decimal.Decimal `json:"amount"`
}

// PrizesDistributed is emitted once per completed distribution.
type PrizesDistributed struct {
	DistributionID uuid.UUID       `json:"distributionId"`
	PoolAmount     decimal.Decimal `json:"poolAmount"`
	Payouts        int             `json:"payouts"`
}

// PrizeApproved is emitted when a pending prize moves into a balance.
type PrizeApproved struct {
	Amount decimal.Decimal `json:"amount"`
}
