// Package rank maintains the total order of a leaderboard partition.
package rank

import (
	"sort"

	"PotLedger/internal/ledger"
)

// DefaultCap bounds a persisted partition. Entries past the cap are dropped
// from the document; playerStats remains authoritative and uncapped.
const DefaultCap = 50

// Key is the sort key shared by the leaderboard and the prize calculator,
// so payout order can never drift from display order.
type Key struct {
	MaxStreak    int64
	TriggerPulls int64
	Deaths       int64
}

// Less orders by maxStreak desc, then triggerPulls desc, then deaths asc.
// Ties beyond that are left to the caller's stable sort, i.e. arrival order.
func (k Key) Less(other Key) bool {
	if k.MaxStreak != other.MaxStreak {
		return k.MaxStreak > other.MaxStreak
	}
	if k.TriggerPulls != other.TriggerPulls {
		return k.TriggerPulls > other.TriggerPulls
	}
	return k.Deaths < other.Deaths
}

func entryKey(e ledger.LeaderboardEntry) Key {
	return Key{MaxStreak: e.MaxStreak, TriggerPulls: e.TriggerPulls, Deaths: e.Deaths}
}

// Upsert removes any existing entry for the same address (case-insensitive),
// inserts the new entry, re-sorts, reassigns ranks 1..N, and applies the cap.
// cap <= 0 means uncapped.
func Upsert(entries []ledger.LeaderboardEntry, entry ledger.LeaderboardEntry, cap int) []ledger.LeaderboardEntry {
	key := ledger.NormalizeAddress(entry.Address)

	out := make([]ledger.LeaderboardEntry, 0, len(entries)+1)
	for _, e := range entries {
		if ledger.NormalizeAddress(e.Address) == key {
			continue
		}
		out = append(out, e)
	}
	out = append(out, entry)

	sort.SliceStable(out, func(i, j int) bool {
		return entryKey(out[i]).Less(entryKey(out[j]))
	})

	if cap > 0 && len(out) > cap {
		out = out[:cap]
	}

	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Remove drops an address from a partition and recompacts ranks.
func Remove(entries []ledger.LeaderboardEntry, address string) []ledger.LeaderboardEntry {
	key := ledger.NormalizeAddress(address)
	out := make([]ledger.LeaderboardEntry, 0, len(entries))
	for _, e := range entries {
		if ledger.NormalizeAddress(e.Address) == key {
			continue
		}
		out = append(out, e)
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Find returns the entry for an address, if present.
func Find(entries []ledger.LeaderboardEntry, address string) (ledger.LeaderboardEntry, bool) {
	key := ledger.NormalizeAddress(address)
	for _, e := range entries {
		if ledger.NormalizeAddress(e.Address) == key {
			return e, true
		}
	}
	return ledger.LeaderboardEntry{}, false
}
