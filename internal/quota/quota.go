// Package quota enforces per-user request rates and optional daily quotas.
package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
	"github.com/guardian-ai/guardian/internal/cache"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxUsers bounds the tracked users when Limits.MaxUsers is unset.
	DefaultMaxUsers = 10000
	// idleTTL drops users with no request for a day. By then their token
	// bucket is full again and their daily window has rolled, so nothing
	// is lost.
	idleTTL = 24 * time.Hour
)

// Both wrap api.ErrQuotaExceeded.
var (
	ErrRateLimited = fmt.Errorf("%w: rate limit", api.ErrQuotaExceeded)
	ErrDailyQuota  = fmt.Errorf("%w: daily quota", api.ErrQuotaExceeded)
)

// Reason names which limit rejected a request, for metric labels.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrDailyQuota):
		return "daily"
	case errors.Is(err, ErrRateLimited):
		return "rate"
	default:
		return "other"
	}
}

// Limits are applied to every user. A non-positive Rate disables rate
// limiting; a zero DailyQuota means unlimited.
type Limits struct {
	Rate       float64 // requests/second
	Burst      int
	DailyQuota int64
	// MaxUsers caps the users tracked at once; the least recently seen
	// user is forgotten first.
	MaxUsers int
}

// DefaultLimits matches the server defaults.
func DefaultLimits() Limits {
	return Limits{Rate: 50, Burst: 100, MaxUsers: DefaultMaxUsers}
}

// Manager lazily creates one limiter and usage counter per user and drops
// users that stay idle for a day or fall out of the MaxUsers bound.
type Manager struct {
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	users *cache.LRU[string, *userState]
}

type userState struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// NewManager creates a manager enforcing limits.
func NewManager(limits Limits) (*Manager, error) {
	if limits.MaxUsers <= 0 {
		limits.MaxUsers = DefaultMaxUsers
	}
	m := &Manager{limits: limits, now: time.Now}

	users, err := cache.New[string, *userState](limits.MaxUsers, idleTTL,
		cache.WithClock(func() time.Time { return m.now() }))
	if err != nil {
		return nil, fmt.Errorf("quota users: %w", err)
	}
	m.users = users
	return m, nil
}

// user returns userID's state, creating it on first sight. Every call
// restarts the idle clock.
func (m *Manager) user(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users.Get(userID)
	if !ok {
		limit := rate.Inf
		if m.limits.Rate > 0 {
			limit = rate.Limit(m.limits.Rate)
		}
		u = &userState{
			limiter: rate.NewLimiter(limit, m.limits.Burst),
			resetAt: m.now().Add(24 * time.Hour),
		}
	}
	m.users.Set(userID, u)
	return u
}

// Allow consumes one request for userID or returns an error wrapping
// api.ErrQuotaExceeded.
func (m *Manager) Allow(userID string) error {
	u := m.user(userID)

	if !u.limiter.AllowN(m.now(), 1) {
		return fmt.Errorf("%w for user %q", ErrRateLimited, userID)
	}

	if m.limits.DailyQuota <= 0 {
		return nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.roll(m.now())
	if u.count >= m.limits.DailyQuota {
		return fmt.Errorf("%w of %d for user %q", ErrDailyQuota, m.limits.DailyQuota, userID)
	}
	u.count++
	return nil
}

// Usage returns the requests counted against userID's daily quota.
func (m *Manager) Usage(userID string) int64 {
	m.mu.Lock()
	u, ok := m.users.Get(userID)
	m.mu.Unlock()
	if !ok {
		return 0
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.roll(m.now())
	return u.count
}

// Tracked returns the number of users currently held, idle ones not yet
// swept included.
func (m *Manager) Tracked() int {
	return m.users.Len()
}

func (u *userState) roll(now time.Time) {
	if now.After(u.resetAt) {
		u.count = 0
		u.resetAt = now.Add(24 * time.Hour)
	}
}
