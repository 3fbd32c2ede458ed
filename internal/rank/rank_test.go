package rank_test

import (
	"fmt"
	"testing"

	"PotLedger/internal/ledger"
	"PotLedger/internal/rank"
)

func entry(addr string, maxStreak, pulls, deaths int64) ledger.LeaderboardEntry {
	return ledger.LeaderboardEntry{
		Address:      addr,
		MaxStreak:    maxStreak,
		TriggerPulls: pulls,
		Deaths:       deaths,
	}
}

// ============================================================================
// Test: ordering
// ============================================================================

func TestUpsert_OrdersByStreakThenPullsThenDeaths(t *testing.T) {
	var entries []ledger.LeaderboardEntry
	entries = rank.Upsert(entries, entry("0xlowstreak", 3, 100, 0), 0)
	entries = rank.Upsert(entries, entry("0xfewdeaths", 5, 20, 1), 0)
	entries = rank.Upsert(entries, entry("0xmanydeaths", 5, 20, 9), 0)
	entries = rank.Upsert(entries, entry("0xmanypulls", 5, 40, 5), 0)

	want := []string{"0xmanypulls", "0xfewdeaths", "0xmanydeaths", "0xlowstreak"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, addr := range want {
		if entries[i].Address != addr {
			t.Errorf("position %d: got %s, want %s", i, entries[i].Address, addr)
		}
		if entries[i].Rank != i+1 {
			t.Errorf("position %d: rank = %d, want %d", i, entries[i].Rank, i+1)
		}
	}
}

func TestUpsert_TiesKeepArrivalOrder(t *testing.T) {
	var entries []ledger.LeaderboardEntry
	entries = rank.Upsert(entries, entry("0xfirst", 4, 10, 2), 0)
	entries = rank.Upsert(entries, entry("0xsecond", 4, 10, 2), 0)

	if entries[0].Address != "0xfirst" || entries[1].Address != "0xsecond" {
		t.Errorf("tied entries reordered: [%s, %s]", entries[0].Address, entries[1].Address)
	}
}

// ============================================================================
// Test: upsert replaces, case-insensitive
// ============================================================================

func TestUpsert_ReplacesExistingAddressCaseInsensitive(t *testing.T) {
	var entries []ledger.LeaderboardEntry
	entries = rank.Upsert(entries, entry("0xAAA", 2, 5, 0), 0)
	entries = rank.Upsert(entries, entry("0xaaa", 6, 12, 1), 0)

	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].MaxStreak != 6 {
		t.Errorf("maxStreak = %d, want the updated value 6", entries[0].MaxStreak)
	}
}

// ============================================================================
// Test: cap
// ============================================================================

func TestUpsert_CapDropsTail(t *testing.T) {
	var entries []ledger.LeaderboardEntry
	for i := 0; i < rank.DefaultCap+10; i++ {
		entries = rank.Upsert(entries, entry(fmt.Sprintf("0xplayer%03d", i), int64(i), 1, 0), rank.DefaultCap)
	}

	if len(entries) != rank.DefaultCap {
		t.Fatalf("got %d entries, want cap %d", len(entries), rank.DefaultCap)
	}
	// Highest streak sorts first; the weakest rows fell off the end.
	if entries[0].MaxStreak != int64(rank.DefaultCap+9) {
		t.Errorf("top streak = %d, want %d", entries[0].MaxStreak, rank.DefaultCap+9)
	}
	if entries[len(entries)-1].Rank != rank.DefaultCap {
		t.Errorf("last rank = %d, want %d", entries[len(entries)-1].Rank, rank.DefaultCap)
	}
}

func TestUpsert_ZeroCapMeansUncapped(t *testing.T) {
	var entries []ledger.LeaderboardEntry
	for i := 0; i < 60; i++ {
		entries = rank.Upsert(entries, entry(fmt.Sprintf("0xplayer%03d", i), int64(i), 1, 0), 0)
	}
	if len(entries) != 60 {
		t.Errorf("got %d entries, want 60", len(entries))
	}
}

// ============================================================================
// Test: Remove / Find
// ============================================================================

func TestRemove_RecompactsRanks(t *testing.T) {
	var entries []ledger.LeaderboardEntry
	entries = rank.Upsert(entries, entry("0xaaa", 9, 1, 0), 0)
	entries = rank.Upsert(entries, entry("0xbbb", 8, 1, 0), 0)
	entries = rank.Upsert(entries, entry("0xccc", 7, 1, 0), 0)

	entries = rank.Remove(entries, "0xBBB")

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Rank != 1 || entries[1].Rank != 2 {
		t.Errorf("ranks not recompacted: %d, %d", entries[0].Rank, entries[1].Rank)
	}
	if _, ok := rank.Find(entries, "0xbbb"); ok {
		t.Error("removed address still found")
	}
	if e, ok := rank.Find(entries, "0xCCC"); !ok || e.Address != "0xccc" {
		t.Error("surviving address not found case-insensitively")
	}
}
