package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// fakeCredStore records UpdateUpstreamCredentials calls; the other
// UpstreamStore methods are unused by the manager.
type fakeCredStore struct {
	mu    sync.Mutex
	saved map[string]*gateway.Credentials
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{saved: map[string]*gateway.Credentials{}}
}

func (s *fakeCredStore) UpdateUpstreamCredentials(_ context.Context, id string, c *gateway.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[id] = c
	return nil
}

func (s *fakeCredStore) CreateUpstream(context.Context, *gateway.Upstream) error { return nil }
func (s *fakeCredStore) GetUpstream(context.Context, string) (*gateway.Upstream, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeCredStore) GetUpstreamByUUID(context.Context, string) (*gateway.Upstream, error) {
	return nil, gateway.ErrNotFound
}
func (s *fakeCredStore) ListUpstreams(context.Context) ([]*gateway.Upstream, error) { return nil, nil }
func (s *fakeCredStore) UpdateUpstream(context.Context, *gateway.Upstream) error    { return nil }
func (s *fakeCredStore) DeleteUpstream(context.Context, string) error               { return nil }
func (s *fakeCredStore) SelectEligibleUpstreams(context.Context, string, string, bool) ([]*gateway.Upstream, error) {
	return nil, nil
}
func (s *fakeCredStore) TouchUpstreamUsed(context.Context, string) error { return nil }
func (s *fakeCredStore) MarkUpstreamUnhealthy(context.Context, string, string, int) error {
	return nil
}
func (s *fakeCredStore) MarkUpstreamHealthy(context.Context, string, bool) error { return nil }
func (s *fakeCredStore) UpdateUpstreamQuota(context.Context, string, gateway.Quota, string, string, string) error {
	return nil
}
func (s *fakeCredStore) ListUpstreamsForUsageSync(context.Context, time.Time) ([]*gateway.Upstream, error) {
	return nil, nil
}
func (s *fakeCredStore) ListUpstreamsForHealthCheck(context.Context, bool) ([]*gateway.Upstream, error) {
	return nil, nil
}
func (s *fakeCredStore) TouchUpstreamHealthCheck(context.Context, string) error { return nil }

func testEndpoints(url string) Endpoints {
	return Endpoints{
		Social: func(string) string { return url },
		OIDC:   func(string) string { return url },
	}
}

func socialUpstream(expiry time.Time) *gateway.Upstream {
	return &gateway.Upstream{
		ID:   "up-1",
		UUID: "uuid-1",
		Credentials: &gateway.Credentials{
			AccessToken:  "old-at",
			RefreshToken: "old-rt",
			ExpiresAt:    expiry,
			AuthMethod:   gateway.AuthMethodSocial,
			Region:       "us-east-1",
		},
	}
}

func TestAcquireFreshTokenNoRefresh(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("refresh endpoint must not be called for a fresh token")
	}))
	defer srv.Close()

	m := NewManager(newFakeCredStore(), srv.Client(), testEndpoints(srv.URL), nil)
	u := socialUpstream(time.Now().Add(time.Hour))

	got, err := m.Acquire(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "old-at" {
		t.Errorf("access token = %q, want old-at", got.AccessToken)
	}
}

func TestAcquireRefreshesNearExpiry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "old-rt" {
			t.Errorf("refresh token sent = %q", body["refreshToken"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "new-at",
			"expiresIn":   3600,
			"profileArn":  "arn:new",
		})
	}))
	defer srv.Close()

	store := newFakeCredStore()
	m := NewManager(store, srv.Client(), testEndpoints(srv.URL), nil)
	u := socialUpstream(time.Now().Add(time.Minute)) // inside the safety window

	got, err := m.Acquire(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "new-at" {
		t.Errorf("access token = %q, want new-at", got.AccessToken)
	}
	// Response omitted refreshToken: the old one must be kept.
	if got.RefreshToken != "old-rt" {
		t.Errorf("refresh token = %q, want old-rt kept", got.RefreshToken)
	}
	if got.ProfileARN != "arn:new" {
		t.Errorf("profileArn = %q, want arn:new", got.ProfileARN)
	}
	if until := time.Until(got.ExpiresAt); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expiresAt %v not ~1h out", got.ExpiresAt)
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}

	store.mu.Lock()
	saved := store.saved["up-1"]
	store.mu.Unlock()
	if saved == nil || saved.AccessToken != "new-at" {
		t.Error("rotated credentials not persisted")
	}

	// Second acquire uses the refreshed in-memory snapshot.
	got2, err := m.Acquire(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}
	if got2 != got {
		t.Error("second acquire should return the same snapshot")
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls after second acquire = %d, want 1", calls.Load())
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-at",
			"refreshToken": "new-rt",
			"expiresIn":    3600,
		})
	}))
	defer srv.Close()

	m := NewManager(newFakeCredStore(), srv.Client(), testEndpoints(srv.URL), nil)
	u := socialUpstream(time.Now().Add(time.Minute))

	const workers = 8
	results := make([]*gateway.Credentials, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Acquire(context.Background(), u)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = c
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("outbound refresh calls = %d, want exactly 1", calls.Load())
	}
	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatal("all waiters must observe the same snapshot")
		}
	}
}

func TestOIDCRefreshSendsClientCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["clientId"] != "cid" || body["clientSecret"] != "csec" {
			t.Errorf("client creds = %q/%q", body["clientId"], body["clientSecret"])
		}
		if body["grantType"] != "refresh_token" {
			t.Errorf("grantType = %q", body["grantType"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-at",
			"refreshToken": "new-rt",
			"expiresIn":    1800,
		})
	}))
	defer srv.Close()

	m := NewManager(newFakeCredStore(), srv.Client(), testEndpoints(srv.URL), nil)
	u := &gateway.Upstream{
		ID:   "up-2",
		UUID: "uuid-2",
		Credentials: &gateway.Credentials{
			AccessToken:  "old-at",
			RefreshToken: "old-rt",
			ExpiresAt:    time.Now().Add(-time.Minute), // already expired
			AuthMethod:   gateway.AuthMethodBuilderID,
			Region:       "us-east-1",
			SSORegion:    "us-east-1",
			ClientID:     "cid",
			ClientSecret: "csec",
		},
	}

	got, err := m.Acquire(context.Background(), u)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "new-at" || got.RefreshToken != "new-rt" {
		t.Errorf("rotated = %q/%q", got.AccessToken, got.RefreshToken)
	}
}

func TestRefreshErrorSurfaced(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewManager(newFakeCredStore(), srv.Client(), testEndpoints(srv.URL), nil)
	u := socialUpstream(time.Now().Add(-time.Minute))

	if _, err := m.Acquire(context.Background(), u); err == nil {
		t.Fatal("want error from failed refresh")
	}
}
