package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clubkeeper/internal/notifier"
	"clubkeeper/internal/storage"
	kit "clubkeeper/internal/transport"
	logx "clubkeeper/pkg/logx"
)

type fakeMessenger struct {
	err   error
	delay time.Duration
}

func (m *fakeMessenger) GetMe(ctx context.Context) (kit.BotIdentity, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return kit.BotIdentity{}, ctx.Err()
		}
	}
	if m.err != nil {
		return kit.BotIdentity{}, m.err
	}
	return kit.BotIdentity{ID: 42, Username: "clubkeeper_bot"}, nil
}

type fakeHealthStore struct {
	mu       sync.Mutex
	pingErr  error
	events   []storage.ClubEvent
	inactive int64
	reports  []storage.HealthReport
}

func (s *fakeHealthStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeHealthStore) UpcomingEvents(context.Context, time.Time, time.Duration) ([]storage.ClubEvent, error) {
	return s.events, nil
}

func (s *fakeHealthStore) CountInactiveUsers(context.Context, time.Time) (int64, error) {
	return s.inactive, nil
}

func (s *fakeHealthStore) AppendHealthReport(_ context.Context, r storage.HealthReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

type fakeRanker struct{ err error }

func (r *fakeRanker) Check(context.Context) error { return r.err }

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (a *fakeAlerter) Notify(_ context.Context, al notifier.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func newTestProber(msg Messenger, store Store, rank Ranker, alerts Alerter) *Prober {
	return NewProber(Config{CheckTimeout: time.Second}, msg, store, rank, alerts, logx.Nop())
}

func TestBasicProbeAllHealthy(t *testing.T) {
	t.Parallel()
	store := &fakeHealthStore{}
	alerts := &fakeAlerter{}
	p := newTestProber(&fakeMessenger{}, store, &fakeRanker{}, alerts)

	r, err := p.Run(context.Background(), LevelBasic)
	if err != nil {
		t.Fatal(err)
	}
	if r.Overall != StatusOK {
		t.Fatalf("overall = %s, want ok", r.Overall)
	}
	if len(r.Results) != 2 {
		t.Fatalf("basic probe ran %d checks, want 2", len(r.Results))
	}
	if len(store.reports) != 1 {
		t.Fatal("report not persisted")
	}
	if alerts.count() != 0 {
		t.Fatal("healthy probe must not alert")
	}
}

func TestComprehensiveProbeRunsAllChecks(t *testing.T) {
	t.Parallel()
	p := newTestProber(&fakeMessenger{}, &fakeHealthStore{inactive: 7}, &fakeRanker{}, nil)

	r, err := p.Run(context.Background(), LevelComprehensive)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Results) != 6 {
		t.Fatalf("comprehensive probe ran %d checks, want 6", len(r.Results))
	}
	res, ok := findResult(r, "inactive_users")
	if !ok || res.Status != StatusOK {
		t.Fatalf("inactive_users result: %+v", res)
	}
	if res, ok := findResult(r, "system_resources"); !ok || res.Status != StatusOK {
		t.Fatalf("system_resources result: %+v", res)
	}
}

func TestResourcePressureDegradesNotFails(t *testing.T) {
	t.Parallel()
	p := NewProber(Config{CheckTimeout: time.Second, MaxGoroutines: 1},
		&fakeMessenger{}, &fakeHealthStore{}, &fakeRanker{}, nil, logx.Nop())

	r, err := p.Run(context.Background(), LevelComprehensive)
	if err != nil {
		t.Fatal(err)
	}
	res, ok := findResult(r, "system_resources")
	if !ok {
		t.Fatal("system_resources check missing")
	}
	if res.Status != StatusDegraded {
		t.Fatalf("system_resources = %s, want degraded", res.Status)
	}
	if res.Message == "" {
		t.Fatal("pressure detail missing from result message")
	}
	if r.Overall != StatusDegraded {
		t.Fatalf("overall = %s, want degraded", r.Overall)
	}
}

func TestFailedCheckDoesNotAbortProbe(t *testing.T) {
	t.Parallel()
	alerts := &fakeAlerter{}
	p := newTestProber(&fakeMessenger{err: errors.New("401 unauthorized")}, &fakeHealthStore{}, nil, alerts)

	r, err := p.Run(context.Background(), LevelBasic)
	if err != nil {
		t.Fatal(err)
	}
	if r.Overall != StatusFailed {
		t.Fatalf("overall = %s, want failed", r.Overall)
	}
	if len(r.Results) != 2 {
		t.Fatal("store check must still run after messaging failure")
	}
	if res, _ := findResult(r, "store"); res.Status != StatusOK {
		t.Fatalf("store check = %s, want ok", res.Status)
	}
	if alerts.count() != 1 {
		t.Fatalf("failing probe sent %d alerts, want 1", alerts.count())
	}
}

func TestSlowCheckIsDegraded(t *testing.T) {
	t.Parallel()
	p := NewProber(Config{CheckTimeout: time.Second, DegradedLatency: 10 * time.Millisecond},
		&fakeMessenger{delay: 50 * time.Millisecond}, &fakeHealthStore{}, nil, nil, logx.Nop())

	r, err := p.Run(context.Background(), LevelBasic)
	if err != nil {
		t.Fatal(err)
	}
	res, _ := findResult(r, "messaging_api")
	if res.Status != StatusDegraded {
		t.Fatalf("slow check = %s, want degraded", res.Status)
	}
	if r.Overall != StatusDegraded {
		t.Fatalf("overall = %s, want degraded", r.Overall)
	}
}

func TestMalformedEventsDegradeIntegrity(t *testing.T) {
	t.Parallel()
	store := &fakeHealthStore{events: []storage.ClubEvent{
		{Title: "Go night", DateTime: time.Now().Add(24 * time.Hour), Location: "Club", CreatedBy: 1},
		{Title: "", DateTime: time.Now().Add(48 * time.Hour), Location: "Club", CreatedBy: 1},
	}}
	p := newTestProber(&fakeMessenger{}, store, &fakeRanker{}, nil)

	r, err := p.Run(context.Background(), LevelComprehensive)
	if err != nil {
		t.Fatal(err)
	}
	res, _ := findResult(r, "data_integrity")
	if res.Status != StatusFailed {
		t.Fatalf("data_integrity = %s, want failed", res.Status)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", LevelBasic, false},
		{"basic", LevelBasic, false},
		{"COMPREHENSIVE", LevelComprehensive, false},
		{" basic ", LevelBasic, false},
		{"full", "", true},
	}
	for _, tt := range tests {
		tt := tt
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestWorseOf(t *testing.T) {
	t.Parallel()
	if got := worseOf(StatusOK, StatusDegraded); got != StatusDegraded {
		t.Fatalf("got %s", got)
	}
	if got := worseOf(StatusDegraded, StatusFailed); got != StatusFailed {
		t.Fatalf("got %s", got)
	}
	if got := worseOf(StatusFailed, StatusOK); got != StatusFailed {
		t.Fatalf("got %s", got)
	}
}
