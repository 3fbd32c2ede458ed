package engine

import (
	"context"
	"fmt"

	"PotLedger/internal/ledger"
)

// Reads are served from a fresh backend load whenever possible. Every read
// result carries a FromFallback flag; callers that need correctness (the
// write paths do their own loads) must not treat a fallback answer as truth.

// LeaderboardResult is a partition read.
type LeaderboardResult struct {
	Entries      []ledger.LeaderboardEntry `json:"entries"`
	FromFallback bool                      `json:"fromFallback,omitempty"`
}

// BalanceResult is a balance read. A player with no activity reads as all
// zeros rather than an error.
type BalanceResult struct {
	Balance      ledger.PlayerBalance `json:"balance"`
	FromFallback bool                 `json:"fromFallback,omitempty"`
}

// PoolResult is a prize pool read.
type PoolResult struct {
	Pool         ledger.PrizePool `json:"pool"`
	FromFallback bool             `json:"fromFallback,omitempty"`
}

// StatsResult is a player stats read.
type StatsResult struct {
	Stats        ledger.PlayerStats `json:"stats"`
	FromFallback bool               `json:"fromFallback,omitempty"`
}

// GetLeaderboard returns one partition in rank order.
func (s *Service) GetLeaderboard(ctx context.Context, partition ledger.Partition) (LeaderboardResult, error) {
	defer s.observe("get_leaderboard")()

	if !partition.Valid() {
		return LeaderboardResult{}, fmt.Errorf("%w: %q", ErrInvalidPartition, partition)
	}

	snap, err := s.store.Load(ctx)
	if err != nil {
		return LeaderboardResult{}, err
	}
	return LeaderboardResult{
		Entries:      snap.Doc.Leaderboard.Entries(partition),
		FromFallback: snap.FromFallback,
	}, nil
}

// GetBalance returns a player's balance record.
func (s *Service) GetBalance(ctx context.Context, address string) (BalanceResult, error) {
	defer s.observe("get_balance")()

	snap, err := s.store.Load(ctx)
	if err != nil {
		return BalanceResult{}, err
	}

	out := BalanceResult{FromFallback: snap.FromFallback}
	if b, ok := snap.Doc.LookupBalance(address); ok {
		out.Balance = *b
	} else {
		out.Balance = *ledger.NewDocument().BalanceFor(address)
	}
	return out, nil
}

// GetPrizePool returns the current pot.
func (s *Service) GetPrizePool(ctx context.Context) (PoolResult, error) {
	defer s.observe("get_prize_pool")()

	snap, err := s.store.Load(ctx)
	if err != nil {
		return PoolResult{}, err
	}
	if s.metrics != nil && !snap.FromFallback {
		f, _ := snap.Doc.PrizePool.TotalAmount.Float64()
		s.metrics.PrizePoolAmount.Set(f)
	}
	return PoolResult{Pool: snap.Doc.PrizePool, FromFallback: snap.FromFallback}, nil
}

// GetPlayerStats returns the authoritative stats record. Entries dropped
// from a capped board stay reachable here.
func (s *Service) GetPlayerStats(ctx context.Context, address string) (StatsResult, error) {
	defer s.observe("get_player_stats")()

	snap, err := s.store.Load(ctx)
	if err != nil {
		return StatsResult{}, err
	}

	out := StatsResult{FromFallback: snap.FromFallback}
	if st, ok := snap.Doc.LookupStats(address); ok {
		out.Stats = *st
	}
	return out, nil
}
