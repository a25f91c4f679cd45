package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
)

// fakePoolStore implements storage.UpstreamStore with canned selection
// results and call recording.
type fakePoolStore struct {
	eligible  []*gateway.Upstream
	exhausted []*gateway.Upstream

	touched       []string
	healthy       []string
	unhealthy     []string
	quotaUpdates  []string
	selectErr     error
	exhaustedSeen bool
}

func (f *fakePoolStore) CreateUpstream(context.Context, *gateway.Upstream) error { return nil }
func (f *fakePoolStore) GetUpstream(context.Context, string) (*gateway.Upstream, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakePoolStore) GetUpstreamByUUID(context.Context, string) (*gateway.Upstream, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakePoolStore) ListUpstreams(context.Context) ([]*gateway.Upstream, error) {
	return nil, nil
}
func (f *fakePoolStore) UpdateUpstream(context.Context, *gateway.Upstream) error { return nil }
func (f *fakePoolStore) DeleteUpstream(context.Context, string) error            { return nil }

func (f *fakePoolStore) SelectEligibleUpstreams(_ context.Context, _, _ string, includeExhausted bool) ([]*gateway.Upstream, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if includeExhausted {
		f.exhaustedSeen = true
		return append(append([]*gateway.Upstream{}, f.eligible...), f.exhausted...), nil
	}
	return f.eligible, nil
}

func (f *fakePoolStore) TouchUpstreamUsed(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakePoolStore) MarkUpstreamUnhealthy(_ context.Context, id, _ string, _ int) error {
	f.unhealthy = append(f.unhealthy, id)
	return nil
}

func (f *fakePoolStore) MarkUpstreamHealthy(_ context.Context, id string, _ bool) error {
	f.healthy = append(f.healthy, id)
	return nil
}

func (f *fakePoolStore) UpdateUpstreamCredentials(context.Context, string, *gateway.Credentials) error {
	return nil
}

func (f *fakePoolStore) UpdateUpstreamQuota(_ context.Context, id string, q gateway.Quota, _, _, _ string) error {
	if q.Exhausted {
		f.quotaUpdates = append(f.quotaUpdates, id)
	}
	return nil
}

func (f *fakePoolStore) ListUpstreamsForUsageSync(context.Context, time.Time) ([]*gateway.Upstream, error) {
	return nil, nil
}

func (f *fakePoolStore) ListUpstreamsForHealthCheck(context.Context, bool) ([]*gateway.Upstream, error) {
	return nil, nil
}

func (f *fakePoolStore) TouchUpstreamHealthCheck(context.Context, string) error { return nil }

func ups(ids ...string) []*gateway.Upstream {
	out := make([]*gateway.Upstream, len(ids))
	for i, id := range ids {
		out[i] = &gateway.Upstream{ID: id, Name: id}
	}
	return out
}

func newTestSelector(store *fakePoolStore, breaker *circuitbreaker.Breaker) *Selector {
	return NewSelector(store, breaker, Config{
		MaxErrorCount: 3,
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
	}, nil)
}

func TestAcquireReturnsFirstAndTouches(t *testing.T) {
	t.Parallel()
	store := &fakePoolStore{eligible: ups("up-1", "up-2")}
	s := newTestSelector(store, nil)

	u, err := s.Acquire(context.Background(), "claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "up-1" {
		t.Errorf("acquired %s, want up-1", u.ID)
	}
	if len(store.touched) != 1 || store.touched[0] != "up-1" {
		t.Errorf("touched = %v", store.touched)
	}
	if store.exhaustedSeen {
		t.Error("fallback query should not run when eligible upstreams exist")
	}
}

func TestAcquireFallsBackToExhausted(t *testing.T) {
	t.Parallel()
	store := &fakePoolStore{exhausted: ups("up-spent")}
	s := newTestSelector(store, nil)

	u, err := s.Acquire(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "up-spent" {
		t.Errorf("acquired %s, want up-spent", u.ID)
	}
}

func TestAcquireNoUpstream(t *testing.T) {
	t.Parallel()
	s := newTestSelector(&fakePoolStore{}, nil)
	if _, err := s.Acquire(context.Background(), ""); !errors.Is(err, gateway.ErrNoUpstream) {
		t.Fatalf("err = %v, want ErrNoUpstream", err)
	}
}

func TestAcquireSkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	store := &fakePoolStore{eligible: ups("up-1", "up-2")}
	breaker := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 1, Cooldown: time.Hour})
	s := newTestSelector(store, breaker)

	breaker.Failure("up-1")
	u, err := s.Acquire(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "up-2" {
		t.Errorf("acquired %s, want up-2 while up-1 breaker is open", u.ID)
	}
}

func TestExecuteWithRetryDistinctUpstreams(t *testing.T) {
	t.Parallel()
	store := &fakePoolStore{eligible: ups("up-1", "up-2", "up-3")}
	s := newTestSelector(store, nil)

	var tried []string
	err := s.ExecuteWithRetry(context.Background(), "", func(_ context.Context, u *gateway.Upstream) error {
		tried = append(tried, u.ID)
		if u.ID != "up-3" {
			return fmt.Errorf("%w: 502", gateway.ErrUpstreamError)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tried) != 3 || tried[0] != "up-1" || tried[1] != "up-2" || tried[2] != "up-3" {
		t.Errorf("tried = %v, want distinct upstreams in order", tried)
	}
	if len(store.unhealthy) != 2 {
		t.Errorf("unhealthy reports = %v", store.unhealthy)
	}
	if len(store.healthy) != 1 || store.healthy[0] != "up-3" {
		t.Errorf("healthy reports = %v", store.healthy)
	}
}

func TestExecuteWithRetryQuotaFailover(t *testing.T) {
	t.Parallel()
	store := &fakePoolStore{eligible: ups("up-1", "up-2")}
	s := newTestSelector(store, nil)

	err := s.ExecuteWithRetry(context.Background(), "", func(_ context.Context, u *gateway.Upstream) error {
		if u.ID == "up-1" {
			return gateway.ErrQuotaExhausted
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.quotaUpdates) != 1 || store.quotaUpdates[0] != "up-1" {
		t.Errorf("exhausted marks = %v, want [up-1]", store.quotaUpdates)
	}
	if len(store.unhealthy) != 0 {
		t.Errorf("quota exhaustion must not count as an upstream error: %v", store.unhealthy)
	}
}

func TestExecuteWithRetryBadRequestSurfaces(t *testing.T) {
	t.Parallel()
	store := &fakePoolStore{eligible: ups("up-1", "up-2")}
	s := newTestSelector(store, nil)

	var attempts int
	err := s.ExecuteWithRetry(context.Background(), "", func(context.Context, *gateway.Upstream) error {
		attempts++
		return fmt.Errorf("%w: empty messages", gateway.ErrBadRequest)
	})
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on caller errors)", attempts)
	}
}

func TestExecuteWithRetryReturnsLastError(t *testing.T) {
	t.Parallel()
	store := &fakePoolStore{eligible: ups("up-1", "up-2", "up-3", "up-4")}
	s := newTestSelector(store, nil)

	var attempts int
	err := s.ExecuteWithRetry(context.Background(), "", func(_ context.Context, u *gateway.Upstream) error {
		attempts++
		return fmt.Errorf("%w: %s down", gateway.ErrUpstreamError, u.ID)
	})
	if !errors.Is(err, gateway.ErrUpstreamError) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want MaxRetries", attempts)
	}
	if err.Error() != "upstream error: up-3 down" {
		t.Errorf("err = %q, want the last upstream's error", err)
	}
}
