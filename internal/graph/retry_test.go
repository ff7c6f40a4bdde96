package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("some other error"), false},
		{fmt.Errorf("database is locked"), true},
		{fmt.Errorf("database table is locked"), true},
		{fmt.Errorf("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("begin write group: %w", errors.New("database is locked")), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_NonBusyErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and an error, got %d calls (%v)", calls, err)
	}
}

func TestRetryOnBusy_ExhaustedRetries(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 2, func() error {
		calls++
		return fmt.Errorf("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := retryOnBusy(ctx, 5, func() error {
		cancel()
		return fmt.Errorf("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC)
	b := time.Date(2026, 1, 1, 0, 0, 0, 40, time.UTC)
	fa, fb := formatTime(a), formatTime(b)
	if len(fa) != len(fb) || fa >= fb {
		t.Fatalf("expected fixed-width ascending strings, got %q and %q", fa, fb)
	}
	back, err := parseTime(fa)
	if err != nil || !back.Equal(a) {
		t.Fatalf("round trip failed: %v (%v)", back, err)
	}
}

func TestStoreClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Store{clock: func() time.Time { return fixed }}
	first := s.now()
	second := s.now()
	if !second.After(first) {
		t.Fatalf("expected %v after %v", second, first)
	}
}

func TestSameStateIgnoresKeyOrder(t *testing.T) {
	same, err := sameState([]byte(`{"a":1,"b":{"c":2}}`), []byte(`{"b":{"c":2.0},"a":1}`))
	if err != nil || !same {
		t.Fatalf("expected equal states, got %v (%v)", same, err)
	}
	same, _ = sameState([]byte(`{"a":1}`), []byte(`{"a":2}`))
	if same {
		t.Fatal("expected different states")
	}
}
