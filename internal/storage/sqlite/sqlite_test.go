package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCreds() *gateway.Credentials {
	return &gateway.Credentials{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		AuthMethod:   gateway.AuthMethodSocial,
		Region:       "us-east-1",
		ProfileARN:   "arn:aws:codewhisperer:us-east-1:1:profile/x",
	}
}

func newUpstream(id string) *gateway.Upstream {
	return &gateway.Upstream{
		ID:          id,
		UUID:        "uuid-" + id,
		Name:        "acct " + id,
		Region:      "us-east-1",
		Credentials: testCreds(),
		IsHealthy:   true,
		CheckHealth: true,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := &gateway.APIKey{
		ID:         "key-1",
		KeyHash:    gateway.HashKey("kp_test"),
		KeyPrefix:  "kp_testABCDE",
		Name:       "ci",
		DailyLimit: -1,
		IsActive:   true,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.ID != key.ID {
		t.Errorf("id = %q, want %q", got.ID, key.ID)
	}
	if !got.IsActive {
		t.Error("is_active should be true")
	}
	if got.LastResetDate == "" {
		t.Error("last_reset_date should default to today")
	}

	keys, err := s.ListKeys(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}

	key.Name = "renamed"
	key.IsActive = false
	if err := s.UpdateKey(ctx, key); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetKeyByHash(ctx, key.KeyHash)
	if got.Name != "renamed" || got.IsActive {
		t.Errorf("update not applied: name=%q active=%v", got.Name, got.IsActive)
	}

	if err := s.IncrementKeyUsage(ctx, "key-1", 3); err != nil {
		t.Fatal("increment:", err)
	}
	got, _ = s.GetKeyByHash(ctx, key.KeyHash)
	if got.TodayUsage != 3 || got.TotalUsage != 3 {
		t.Errorf("usage = %d/%d, want 3/3", got.TodayUsage, got.TotalUsage)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after increment")
	}

	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKey(ctx, "key-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyDailyRollover(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := &gateway.APIKey{
		ID:            "key-roll",
		KeyHash:       gateway.HashKey("kp_roll"),
		KeyPrefix:     "kp_rollABCDE",
		DailyLimit:    100,
		TodayUsage:    42,
		TotalUsage:    500,
		LastResetDate: "2024-01-01",
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.TodayUsage != 0 {
		t.Errorf("today_usage = %d, want 0 after rollover", got.TodayUsage)
	}
	if got.LastResetDate != time.Now().UTC().Format("2006-01-02") {
		t.Errorf("last_reset_date = %q, want today", got.LastResetDate)
	}
	if got.TotalUsage != 500 {
		t.Errorf("total_usage = %d, want 500 (rollover must not touch it)", got.TotalUsage)
	}

	// Second lookup on the same day must not reset again.
	if err := s.IncrementKeyUsage(ctx, "key-roll", 7); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.TodayUsage != 7 {
		t.Errorf("today_usage = %d, want 7", got.TodayUsage)
	}
}

func TestUpstreamRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newUpstream("up-1")
	u.AllowedModels = []string{"claude-haiku-4-5"}
	if err := s.CreateUpstream(ctx, u); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetUpstream(ctx, "up-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.UUID != u.UUID {
		t.Errorf("uuid = %q, want %q", got.UUID, u.UUID)
	}
	if got.Credentials == nil || got.Credentials.AccessToken != "at-1" {
		t.Error("credentials not round-tripped")
	}
	if len(got.AllowedModels) != 1 || got.AllowedModels[0] != "claude-haiku-4-5" {
		t.Errorf("allowed_models = %v", got.AllowedModels)
	}
	if got.AccountType != gateway.AccountTypeUnknown {
		t.Errorf("account_type = %q, want UNKNOWN default", got.AccountType)
	}

	byUUID, err := s.GetUpstreamByUUID(ctx, u.UUID)
	if err != nil || byUUID.ID != "up-1" {
		t.Fatalf("get by uuid: %v %+v", err, byUUID)
	}

	got.Name = "renamed"
	got.IsDisabled = true
	if err := s.UpdateUpstream(ctx, got); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetUpstream(ctx, "up-1")
	if got.Name != "renamed" || !got.IsDisabled {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.DeleteUpstream(ctx, "up-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetUpstream(ctx, "up-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestUpstreamCredentialRotation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newUpstream("up-rot")
	if err := s.CreateUpstream(ctx, u); err != nil {
		t.Fatal(err)
	}

	rotated := testCreds()
	rotated.AccessToken = "at-2"
	rotated.RefreshToken = "rt-2"
	if err := s.UpdateUpstreamCredentials(ctx, "up-rot", rotated); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetUpstream(ctx, "up-rot")
	if err != nil {
		t.Fatal(err)
	}
	if got.Credentials.AccessToken != "at-2" || got.Credentials.RefreshToken != "rt-2" {
		t.Errorf("credentials = %+v, want rotated", got.Credentials)
	}
	if got.UUID != u.UUID {
		t.Error("uuid must stay stable across rotation")
	}
}

func TestMarkUnhealthyTripsAtThreshold(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newUpstream("up-brk")
	if err := s.CreateUpstream(ctx, u); err != nil {
		t.Fatal(err)
	}

	const maxErrors = 3
	for i := 1; i <= maxErrors; i++ {
		if err := s.MarkUpstreamUnhealthy(ctx, "up-brk", "boom", maxErrors); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetUpstream(ctx, "up-brk")
		if got.ErrorCount != i {
			t.Fatalf("error_count = %d, want %d", got.ErrorCount, i)
		}
		wantHealthy := i < maxErrors
		if got.IsHealthy != wantHealthy {
			t.Fatalf("after %d errors healthy = %v, want %v", i, got.IsHealthy, wantHealthy)
		}
	}

	// One success fully resets the breaker.
	if err := s.MarkUpstreamHealthy(ctx, "up-brk", false); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetUpstream(ctx, "up-brk")
	if !got.IsHealthy || got.ErrorCount != 0 || got.LastErrorMessage != "" {
		t.Errorf("after recovery: %+v", got)
	}
}

func TestSelectEligibleUpstreams(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	healthy := newUpstream("up-a")
	unhealthy := newUpstream("up-b")
	unhealthy.IsHealthy = false
	disabled := newUpstream("up-c")
	disabled.IsDisabled = true
	exhausted := newUpstream("up-d")
	exhausted.Quota = gateway.Quota{Used: 100, Limit: 100, Percent: 100, Exhausted: true}

	for _, u := range []*gateway.Upstream{healthy, unhealthy, disabled, exhausted} {
		if err := s.CreateUpstream(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SelectEligibleUpstreams(ctx, gateway.StrategyLRU, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "up-a" {
		t.Fatalf("eligible = %v, want [up-a]", ids(got))
	}

	// Fallback path ignores exhaustion but never health or disablement.
	got, err = s.SelectEligibleUpstreams(ctx, gateway.StrategyLRU, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("fallback eligible = %v, want [up-a up-d]", ids(got))
	}
}

func TestSelectEligibleModelFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	all := newUpstream("up-all") // nil allowed_models serves everything
	haiku := newUpstream("up-haiku")
	haiku.AllowedModels = []string{"claude-haiku-4-5"}

	for _, u := range []*gateway.Upstream{all, haiku} {
		if err := s.CreateUpstream(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SelectEligibleUpstreams(ctx, gateway.StrategyRoundRobin, "claude-sonnet-4-5", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "up-all" {
		t.Fatalf("sonnet-eligible = %v, want [up-all]", ids(got))
	}

	got, err = s.SelectEligibleUpstreams(ctx, gateway.StrategyRoundRobin, "claude-haiku-4-5", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("haiku-eligible = %v, want both", ids(got))
	}
}

func TestStrategyOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)

	// fresh: never used. warm: used recently, low remaining quota.
	// cold: used long ago, high remaining quota.
	fresh := newUpstream("up-fresh")
	fresh.CreatedAt = now

	warm := newUpstream("up-warm")
	warm.LastUsedAt = &now
	warm.UsageCount = 10
	warm.Quota = gateway.Quota{Used: 90, Limit: 100}
	warm.CreatedAt = old

	cold := newUpstream("up-cold")
	cold.LastUsedAt = &old
	cold.UsageCount = 5
	cold.Quota = gateway.Quota{Used: 10, Limit: 100}
	cold.CreatedAt = now.Add(-time.Hour)

	for _, u := range []*gateway.Upstream{warm, cold, fresh} {
		if err := s.CreateUpstream(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		strategy string
		first    string
	}{
		{gateway.StrategyLRU, "up-fresh"},        // never used sorts first
		{gateway.StrategyRoundRobin, "up-fresh"}, // lowest usage_count
		{gateway.StrategyLeastUsage, "up-warm"},  // least remaining quota first, unknown limit last
		{gateway.StrategyMostUsage, "up-cold"},   // most remaining quota first, unknown limit last
		{gateway.StrategyOldestFirst, "up-warm"}, // earliest created_at
	}
	for _, tc := range tests {
		got, err := s.SelectEligibleUpstreams(ctx, tc.strategy, "", false)
		if err != nil {
			t.Fatalf("%s: %v", tc.strategy, err)
		}
		if len(got) != 3 {
			t.Fatalf("%s: count = %d, want 3", tc.strategy, len(got))
		}
		if got[0].ID != tc.first {
			t.Errorf("%s: first = %s, want %s (order %v)", tc.strategy, got[0].ID, tc.first, ids(got))
		}
	}
}

func TestTouchUpstreamUsed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newUpstream("up-touch")
	if err := s.CreateUpstream(ctx, u); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchUpstreamUsed(ctx, "up-touch"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetUpstream(ctx, "up-touch")
	if got.UsageCount != 1 || got.LastUsedAt == nil {
		t.Errorf("after touch: count=%d last_used=%v", got.UsageCount, got.LastUsedAt)
	}
}

func TestUpdateUpstreamQuota(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := newUpstream("up-q")
	if err := s.CreateUpstream(ctx, u); err != nil {
		t.Fatal(err)
	}

	q := gateway.Quota{Used: 45, Limit: 50, Percent: 90, Exhausted: false}
	if err := s.UpdateUpstreamQuota(ctx, "up-q", q, "a@b.c", gateway.AccountTypePro, `{"raw":1}`); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetUpstream(ctx, "up-q")
	if got.Quota != q {
		t.Errorf("quota = %+v, want %+v", got.Quota, q)
	}
	if got.AccountEmail != "a@b.c" || got.AccountType != gateway.AccountTypePro {
		t.Errorf("account = %q/%q", got.AccountEmail, got.AccountType)
	}
	if got.LastUsageSync == nil {
		t.Error("last_usage_sync should be set")
	}

	stale, err := s.ListUpstreamsForUsageSync(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("freshly synced upstream listed as stale: %v", ids(stale))
	}
	stale, err = s.ListUpstreamsForUsageSync(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Errorf("stale count = %d, want 1", len(stale))
	}
}

func TestListUpstreamsForHealthCheck(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	checked := newUpstream("up-hc")
	unchecked := newUpstream("up-nohc")
	unchecked.CheckHealth = false
	down := newUpstream("up-down")
	down.IsHealthy = false

	for _, u := range []*gateway.Upstream{checked, unchecked, down} {
		if err := s.CreateUpstream(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListUpstreamsForHealthCheck(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %v, want [up-down up-hc]", ids(got))
	}

	got, err = s.ListUpstreamsForHealthCheck(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "up-down" {
		t.Fatalf("unhealthy candidates = %v, want [up-down]", ids(got))
	}

	if err := s.TouchUpstreamHealthCheck(ctx, "up-hc"); err != nil {
		t.Fatal(err)
	}
	u, _ := s.GetUpstream(ctx, "up-hc")
	if u.LastHealthCheck == nil {
		t.Error("last_health_check should be set")
	}
}

func TestOAuthSessionLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sess := &gateway.OAuthSession{
		ID:       "sess-1",
		Type:     gateway.OAuthTypeSocial,
		Provider: "google",
		Region:   "us-east-1",
		Status:   gateway.OAuthStatusPending,
		Payload:  json.RawMessage(`{"state":"xyz"}`),
	}
	if err := s.CreateOAuthSession(ctx, sess); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetOAuthSession(ctx, "sess-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Terminal() {
		t.Error("pending session must not be terminal")
	}
	if string(got.Payload) != `{"state":"xyz"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	got.Status = gateway.OAuthStatusCompleted
	got.Credentials = testCreds()
	if err := s.UpdateOAuthSession(ctx, got); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetOAuthSession(ctx, "sess-1")
	if !got.Terminal() || got.Credentials == nil {
		t.Errorf("completed session: %+v", got)
	}

	// Sweeper: nothing older than an hour ago, everything older than +1m.
	n, err := s.DeleteOAuthSessionsBefore(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("sweep old cutoff: n=%d err=%v", n, err)
	}
	n, err = s.DeleteOAuthSessionsBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("sweep future cutoff: n=%d err=%v", n, err)
	}
	if _, err := s.GetOAuthSession(ctx, "sess-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("get after sweep = %v, want ErrNotFound", err)
	}
}

func ids(ups []*gateway.Upstream) []string {
	out := make([]string, len(ups))
	for i, u := range ups {
		out[i] = u.ID
	}
	return out
}
