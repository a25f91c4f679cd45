package worker

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/eugener/shadowfax/internal"
)

type fakeProber struct {
	errs map[string]error
}

func (f *fakeProber) Probe(_ context.Context, u *gateway.Upstream) error {
	return f.errs[u.ID]
}

type fakeReporter struct {
	successes []string
	errors    []string
}

func (f *fakeReporter) ReportSuccess(_ context.Context, id string)  { f.successes = append(f.successes, id) }
func (f *fakeReporter) ReportError(_ context.Context, id, _ string) { f.errors = append(f.errors, id) }

func TestHealthSweepReportsOutcomes(t *testing.T) {
	t.Parallel()
	store := newFakeUpstreamStore()
	store.checkable = []*gateway.Upstream{{ID: "up-ok"}, {ID: "up-bad"}}
	prober := &fakeProber{errs: map[string]error{
		"up-bad": errors.New("connection refused"),
	}}
	rep := &fakeReporter{}
	w := NewHealthCheckWorker(store, prober, rep, nil)

	w.sweep(context.Background(), false)

	if len(rep.successes) != 1 || rep.successes[0] != "up-ok" {
		t.Errorf("successes = %v", rep.successes)
	}
	if len(rep.errors) != 1 || rep.errors[0] != "up-bad" {
		t.Errorf("errors = %v", rep.errors)
	}
	if len(store.healthTouches) != 2 {
		t.Errorf("every probe must touch last_health_check: %v", store.healthTouches)
	}
}

func TestHealthSweepQuotaExhaustedIsAlive(t *testing.T) {
	t.Parallel()
	store := newFakeUpstreamStore()
	store.checkable = []*gateway.Upstream{{ID: "up-dry"}}
	prober := &fakeProber{errs: map[string]error{"up-dry": gateway.ErrQuotaExhausted}}
	rep := &fakeReporter{}
	w := NewHealthCheckWorker(store, prober, rep, nil)

	w.sweep(context.Background(), false)

	if len(rep.successes) != 1 {
		t.Errorf("exhausted quota should still count as healthy: %+v", rep)
	}
}

func TestHealthSweepRecoveryUsesUnhealthyList(t *testing.T) {
	t.Parallel()
	store := newFakeUpstreamStore()
	store.checkable = []*gateway.Upstream{{ID: "up-a"}}
	store.unhealthy = []*gateway.Upstream{{ID: "up-b"}}
	rep := &fakeReporter{}
	w := NewHealthCheckWorker(store, &fakeProber{}, rep, nil)

	w.sweep(context.Background(), true)

	if len(rep.successes) != 1 || rep.successes[0] != "up-b" {
		t.Errorf("recovery sweep should probe unhealthy rows only: %v", rep.successes)
	}
}
