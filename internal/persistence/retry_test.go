package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{ErrClaimConflict, false},
		{fmt.Errorf("%w: t1", ErrNotClaimable), false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("claim task t1: %w", errors.New("database is locked")), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

// busyFor returns an operation that reports a locked database for the first n
// calls and then succeeds, counting calls into *calls.
func busyFor(n int, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return errors.New("database is locked")
		}
		return nil
	}
}

func TestRetryOnBusy(t *testing.T) {
	tests := []struct {
		name      string
		busy      int
		retries   int
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", busy: 0, retries: 3, wantCalls: 1},
		{name: "recovers", busy: 2, retries: 3, wantCalls: 3},
		{name: "exhausted", busy: 10, retries: 2, wantCalls: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tt.retries, busyFor(tt.busy, &calls))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_ClaimConflictReturnedAsIs(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("%w: task t1", ErrClaimConflict)
	})
	if !errors.Is(err, ErrClaimConflict) || calls != 1 {
		t.Fatalf("expected one call ending in claim conflict, got %d calls, err %v", calls, err)
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected cancel after one call, got %d calls, err %v", calls, err)
	}
}
