package worker

import (
	"context"
	"sync"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// fakeUpstreamStore implements storage.UpstreamStore with canned lists and
// call recording for the sweep workers.
type fakeUpstreamStore struct {
	mu sync.Mutex

	stale         []*gateway.Upstream
	checkable     []*gateway.Upstream
	unhealthy     []*gateway.Upstream
	quotaWrites   map[string]gateway.Quota
	healthTouches []string
	usageCutoff   time.Time
}

func newFakeUpstreamStore() *fakeUpstreamStore {
	return &fakeUpstreamStore{quotaWrites: map[string]gateway.Quota{}}
}

func (f *fakeUpstreamStore) CreateUpstream(context.Context, *gateway.Upstream) error { return nil }
func (f *fakeUpstreamStore) GetUpstream(context.Context, string) (*gateway.Upstream, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeUpstreamStore) GetUpstreamByUUID(context.Context, string) (*gateway.Upstream, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeUpstreamStore) ListUpstreams(context.Context) ([]*gateway.Upstream, error) {
	return nil, nil
}
func (f *fakeUpstreamStore) UpdateUpstream(context.Context, *gateway.Upstream) error { return nil }
func (f *fakeUpstreamStore) DeleteUpstream(context.Context, string) error            { return nil }
func (f *fakeUpstreamStore) SelectEligibleUpstreams(context.Context, string, string, bool) ([]*gateway.Upstream, error) {
	return nil, nil
}
func (f *fakeUpstreamStore) TouchUpstreamUsed(context.Context, string) error { return nil }
func (f *fakeUpstreamStore) MarkUpstreamUnhealthy(context.Context, string, string, int) error {
	return nil
}
func (f *fakeUpstreamStore) MarkUpstreamHealthy(context.Context, string, bool) error { return nil }
func (f *fakeUpstreamStore) UpdateUpstreamCredentials(context.Context, string, *gateway.Credentials) error {
	return nil
}

func (f *fakeUpstreamStore) UpdateUpstreamQuota(_ context.Context, id string, q gateway.Quota, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotaWrites[id] = q
	return nil
}

func (f *fakeUpstreamStore) ListUpstreamsForUsageSync(_ context.Context, before time.Time) ([]*gateway.Upstream, error) {
	f.mu.Lock()
	f.usageCutoff = before
	f.mu.Unlock()
	return f.stale, nil
}

func (f *fakeUpstreamStore) ListUpstreamsForHealthCheck(_ context.Context, unhealthyOnly bool) ([]*gateway.Upstream, error) {
	if unhealthyOnly {
		return f.unhealthy, nil
	}
	return f.checkable, nil
}

func (f *fakeUpstreamStore) TouchUpstreamHealthCheck(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthTouches = append(f.healthTouches, id)
	return nil
}
