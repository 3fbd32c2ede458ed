// Package prize computes payout schedules from a pool snapshot. The
// calculation is a pure function of its inputs and is independently testable.
package prize

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PotLedger/internal/rank"
)

// ErrNothingToDistribute is returned when the pool is empty or has no
// participants. The caller must leave the pool untouched in that case.
var ErrNothingToDistribute = errors.New("prize: nothing to distribute")

// Share split, in percent of the pool snapshot. First three ranks take fixed
// shares, ranks four and below split the lower share equally, and the
// operator share is retained, never paid out. If there is no rank four, the
// lower share is retained too rather than redistributed upward.
var (
	firstShare    = decimal.NewFromFloat(0.40)
	secondShare   = decimal.NewFromFloat(0.25)
	thirdShare    = decimal.NewFromFloat(0.15)
	lowerShare    = decimal.NewFromFloat(0.10)
	operatorShare = decimal.NewFromFloat(0.10)
)

// payoutPlaces bounds payout precision so equal splits of the lower share
// terminate; the sub-cent residue stays with the retained share.
const payoutPlaces = 6

// Participant is one paid player considered for payouts.
type Participant struct {
	Address     string
	MaxStreak   int64
	TotalPulls  int64
	TotalDeaths int64
}

// PayoutStatus tracks the lifecycle of a single payout record. Pending to
// approved is the only transition; actual fund movement is external.
type PayoutStatus string

const (
	StatusPending  PayoutStatus = "pending"
	StatusApproved PayoutStatus = "approved"
)

// Payout is one computed prize for one address.
type Payout struct {
	Address        string          `json:"address"`
	Amount         decimal.Decimal `json:"amount"`
	Rank           int             `json:"rank"`
	Status         PayoutStatus    `json:"status"`
	DistributionID uuid.UUID       `json:"distributionId"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Distribution is the full outcome of one pool distribution.
type Distribution struct {
	ID          uuid.UUID       `json:"distributionId"`
	PoolAmount  decimal.Decimal `json:"poolAmount"`
	Distributed decimal.Decimal `json:"distributed"`
	Retained    decimal.Decimal `json:"retained"`
	Payouts     []Payout        `json:"payouts"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Compute maps a pool snapshot to a payout schedule. Participants are
// re-ranked with the leaderboard ordering before shares are assigned, so a
// caller passing them in any order gets the same result.
func Compute(totalAmount decimal.Decimal, participants []Participant, now time.Time) (*Distribution, error) {
	if totalAmount.Sign() <= 0 || len(participants) == 0 {
		return nil, ErrNothingToDistribute
	}

	ranked := append([]Participant{}, participants...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		ka := rank.Key{MaxStreak: a.MaxStreak, TriggerPulls: a.TotalPulls, Deaths: a.TotalDeaths}
		kb := rank.Key{MaxStreak: b.MaxStreak, TriggerPulls: b.TotalPulls, Deaths: b.TotalDeaths}
		return ka.Less(kb)
	})

	dist := &Distribution{
		ID:          uuid.New(),
		PoolAmount:  totalAmount,
		Distributed: decimal.Zero,
		Timestamp:   now,
	}

	topShares := []decimal.Decimal{firstShare, secondShare, thirdShare}
	for i := 0; i < len(ranked) && i < 3; i++ {
		amount := totalAmount.Mul(topShares[i]).Round(payoutPlaces)
		dist.Payouts = append(dist.Payouts, newPayout(ranked[i].Address, amount, i+1, dist.ID, now))
		dist.Distributed = dist.Distributed.Add(amount)
	}

	if lower := len(ranked) - 3; lower > 0 {
		each := totalAmount.Mul(lowerShare).
			Div(decimal.NewFromInt(int64(lower))).
			RoundDown(payoutPlaces)
		for i := 3; i < len(ranked); i++ {
			dist.Payouts = append(dist.Payouts, newPayout(ranked[i].Address, each, i+1, dist.ID, now))
			dist.Distributed = dist.Distributed.Add(each)
		}
	}

	dist.Retained = totalAmount.Sub(dist.Distributed)
	return dist, nil
}

func newPayout(addr string, amount decimal.Decimal, position int, id uuid.UUID, now time.Time) Payout {
	return Payout{
		Address:        addr,
		Amount:         amount,
		Rank:           position,
		Status:         StatusPending,
		DistributionID: id,
		Timestamp:      now,
	}
}
