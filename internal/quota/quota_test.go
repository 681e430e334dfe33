package quota

import (
	"errors"
	"testing"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
)

func newManager(t *testing.T, limits Limits) *Manager {
	t.Helper()
	m, err := NewManager(limits)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestAllowRateLimit(t *testing.T) {
	m := newManager(t, Limits{Rate: 1, Burst: 3})
	clock := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if err := m.Allow("alice"); err != nil {
			t.Fatalf("request %d: Allow() error = %v", i, err)
		}
	}
	err := m.Allow("alice")
	if !errors.Is(err, api.ErrQuotaExceeded) {
		t.Errorf("burst exhausted: Allow() error = %v, want ErrQuotaExceeded", err)
	}
	if got := Reason(err); got != "rate" {
		t.Errorf("Reason() = %q, want rate", got)
	}
	if err := m.Allow("bob"); err != nil {
		t.Errorf("other user must have an independent limiter, got %v", err)
	}

	clock = clock.Add(time.Second)
	if err := m.Allow("alice"); err != nil {
		t.Errorf("after refill: Allow() error = %v", err)
	}
}

func TestAllowDailyQuota(t *testing.T) {
	m := newManager(t, Limits{DailyQuota: 2})
	clock := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		if err := m.Allow("alice"); err != nil {
			t.Fatalf("request %d: Allow() error = %v", i, err)
		}
	}
	err := m.Allow("alice")
	if !errors.Is(err, api.ErrQuotaExceeded) {
		t.Errorf("Allow() error = %v, want ErrQuotaExceeded", err)
	}
	if got := Reason(err); got != "daily" {
		t.Errorf("Reason() = %q, want daily", got)
	}
	if got := m.Usage("alice"); got != 2 {
		t.Errorf("Usage() = %d, want 2", got)
	}

	clock = clock.Add(25 * time.Hour)
	if got := m.Usage("alice"); got != 0 {
		t.Errorf("Usage() after a day = %d, want 0", got)
	}
	if err := m.Allow("alice"); err != nil {
		t.Errorf("Allow() after reset error = %v", err)
	}
}

func TestUnlimited(t *testing.T) {
	m := newManager(t, Limits{})
	for i := 0; i < 1000; i++ {
		if err := m.Allow("alice"); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}
	if got := m.Usage("nobody"); got != 0 {
		t.Errorf("Usage(unknown) = %d, want 0", got)
	}
}

func TestTrackedUsersAreBounded(t *testing.T) {
	m := newManager(t, Limits{DailyQuota: 10, MaxUsers: 2})

	for _, id := range []string{"alice", "bob", "carol"} {
		if err := m.Allow(id); err != nil {
			t.Fatalf("Allow(%s) error = %v", id, err)
		}
	}
	if got := m.Tracked(); got != 2 {
		t.Errorf("Tracked() = %d, want 2", got)
	}
	if got := m.Usage("alice"); got != 0 {
		t.Errorf("least recently seen user kept, Usage() = %d", got)
	}
	if got := m.Usage("carol"); got != 1 {
		t.Errorf("Usage(carol) = %d, want 1", got)
	}
}

func TestIdleUserIsForgotten(t *testing.T) {
	// One token, refilled roughly every eleven days.
	m := newManager(t, Limits{Rate: 1e-6, Burst: 1})
	clock := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return clock }

	if err := m.Allow("alice"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	clock = clock.Add(time.Hour)
	if err := m.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow() error = %v, want ErrRateLimited", err)
	}

	// A rejected request still counts as activity.
	clock = clock.Add(23 * time.Hour)
	if err := m.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow() error = %v, want ErrRateLimited", err)
	}

	clock = clock.Add(24*time.Hour + time.Second)
	if err := m.Allow("alice"); err != nil {
		t.Errorf("Allow() after an idle day error = %v", err)
	}
}

func TestReasonOfUnrelatedError(t *testing.T) {
	if got := Reason(errors.New("boom")); got != "other" {
		t.Errorf("Reason() = %q, want other", got)
	}
}
