package workflow

import (
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/forms_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the quantity math
// and the at-most-once application semantics the engine relies on:
// - delta vs set mode produce the documented next/delta pairs
// - retried/concurrent applies for the same (item, entry) land exactly once
//
// The full MySQL-backed path is covered by entry_lifecycle_regression_test.go.

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func TestComputeNextQty_DeltaMode(t *testing.T) {
	cases := []struct {
		prev, qty, next, delta string
	}{
		{"0", "3", "3", "3"},
		{"10", "-4", "6", "-4"},
		{"2.5", "0.25", "2.75", "0.25"},
		{"0.1", "0.2", "0.3", "0.2"}, // exact, no float drift
		{"5", "0", "5", "0"},
	}
	for _, c := range cases {
		next, delta := ComputeNextQty(models.LedgerUpdateModeDelta, mustDec(t, c.prev), mustDec(t, c.qty))
		if !next.Equal(mustDec(t, c.next)) || !delta.Equal(mustDec(t, c.delta)) {
			t.Errorf("delta mode prev=%s qty=%s: got next=%s delta=%s, want next=%s delta=%s",
				c.prev, c.qty, next, delta, c.next, c.delta)
		}
	}
}

func TestComputeNextQty_SetMode(t *testing.T) {
	cases := []struct {
		prev, qty, next, delta string
	}{
		{"0", "3", "3", "3"},
		{"10", "4", "4", "-6"},
		{"4", "4", "4", "0"},
		{"2.5", "0.1", "0.1", "-2.4"},
	}
	for _, c := range cases {
		next, delta := ComputeNextQty(models.LedgerUpdateModeSet, mustDec(t, c.prev), mustDec(t, c.qty))
		if !next.Equal(mustDec(t, c.next)) || !delta.Equal(mustDec(t, c.delta)) {
			t.Errorf("set mode prev=%s qty=%s: got next=%s delta=%s, want next=%s delta=%s",
				c.prev, c.qty, next, delta, c.next, c.delta)
		}
	}
}

// fakeLedger mirrors the engine's idempotency shape: a unique (item, entry)
// movement key guarding a running item quantity.
type fakeLedger struct {
	mu       sync.Mutex
	applied  map[[2]int]bool // (itemId, entryId)
	qty      decimal.Decimal
	attempts int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{applied: map[[2]int]bool{}}
}

func (l *fakeLedger) apply(itemId, entryId int, qty decimal.Decimal) (applied bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	key := [2]int{itemId, entryId}
	if l.applied[key] {
		return false // duplicate movement, skip
	}
	l.applied[key] = true
	l.qty = l.qty.Add(qty)
	return true
}

func TestLedgerApply_DuplicateDelivery_AppliesOnce(t *testing.T) {
	l := newFakeLedger()
	qty := decimal.NewFromInt(3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.apply(1, 42, qty) {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if appliedCount != 1 {
		t.Fatalf("expected exactly 1 successful application, got %d (attempts=%d)", appliedCount, l.attempts)
	}
	if !l.qty.Equal(qty) {
		t.Fatalf("expected final qty %s, got %s", qty, l.qty)
	}
}

func TestLedgerApply_Property_DeterministicUnderConcurrency(t *testing.T) {
	for run := 0; run < 100; run++ {
		l := newFakeLedger()
		var wg sync.WaitGroup

		// same two entries retried concurrently
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.apply(1, 100, decimal.NewFromInt(3))
				l.apply(1, 101, decimal.NewFromInt(2))
				l.apply(1, 100, decimal.NewFromInt(3)) // duplicate
			}()
		}
		wg.Wait()

		if want := decimal.NewFromInt(5); !l.qty.Equal(want) {
			t.Fatalf("run=%d expected final qty %s, got %s", run, want, l.qty)
		}
		if len(l.applied) != 2 {
			t.Fatalf("run=%d expected 2 unique movements, got %d", run, len(l.applied))
		}
	}
}
