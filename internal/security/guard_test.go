package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clubkeeper/internal/notifier"
	"clubkeeper/internal/storage"
	logx "clubkeeper/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	counters map[string]storage.ActivityCounter
	blocks   map[int64]storage.BlockRecord
	events   []storage.SecurityEvent
	touched  map[int64]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters: map[string]storage.ActivityCounter{},
		blocks:   map[int64]storage.BlockRecord{},
		touched:  map[int64]time.Time{},
	}
}

func (f *fakeStore) GetCounter(_ context.Context, userID int64, action string) (storage.ActivityCounter, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[storage.CounterKey(userID, action)]
	return c, ok, nil
}

func (f *fakeStore) SaveCounter(_ context.Context, cnt storage.ActivityCounter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[cnt.Key] = cnt
	return nil
}

func (f *fakeStore) GetBlock(_ context.Context, userID int64) (storage.BlockRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[userID]
	return b, ok, nil
}

func (f *fakeStore) PutBlock(_ context.Context, b storage.BlockRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[b.UserID] = b
	return nil
}

func (f *fakeStore) DeleteBlock(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocks[userID]
	delete(f.blocks, userID)
	return ok, nil
}

func (f *fakeStore) DeleteExpiredBlocks(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, b := range f.blocks {
		if b.Expiry != nil && b.Expiry.Before(now) {
			delete(f.blocks, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountBlocks(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.blocks)), nil
}

func (f *fakeStore) AppendSecurityEvent(_ context.Context, ev storage.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) CountSecurityEvents(_ context.Context, userID int64, typ string, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, ev := range f.events {
		if userID != 0 && ev.UserID != userID {
			continue
		}
		if ev.Type != typ || ev.At.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

func (f *fakeStore) TouchActivity(_ context.Context, userID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[userID] = at
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (f *fakeAlerter) Notify(_ context.Context, a notifier.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func newTestGuard(t *testing.T) (*Guard, *fakeStore, *fakeAlerter) {
	t.Helper()
	st := newFakeStore()
	al := &fakeAlerter{}
	g := NewGuard(Config{Secret: "test-secret", AdminIDs: []int64{99}}, st, al, logx.Nop())
	return g, st, al
}

func TestMessageRateLimitBoundary(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		if err := g.CheckAndRecord(ctx, 1, ActionMessage, now); err != nil {
			t.Fatalf("message %d unexpectedly rejected: %v", i+1, err)
		}
	}
	err := g.CheckAndRecord(ctx, 1, ActionMessage, now)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("message 31 expected ErrRateLimited, got %v", err)
	}

	// A fresh window admits again.
	later := now.Add(61 * time.Second)
	if err := g.CheckAndRecord(ctx, 1, ActionMessage, later); err != nil {
		t.Fatalf("first message of new window rejected: %v", err)
	}
}

func TestCallbackRateLimitBoundary(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		if err := g.CheckAndRecord(ctx, 2, ActionCallback, now); err != nil {
			t.Fatalf("callback %d unexpectedly rejected: %v", i+1, err)
		}
	}
	if err := g.CheckAndRecord(ctx, 2, ActionCallback, now); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("callback 21 expected ErrRateLimited, got %v", err)
	}
}

func TestBlockedUserRejectedWithoutCounting(t *testing.T) {
	t.Parallel()
	g, st, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := st.PutBlock(ctx, storage.BlockRecord{UserID: 5, Reason: "spam", BlockedAt: now, BlockedBy: "99"}); err != nil {
		t.Fatal(err)
	}

	if err := g.CheckAndRecord(ctx, 5, ActionMessage, now); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if _, ok, _ := st.GetCounter(ctx, 5, ActionMessage); ok {
		t.Fatal("counter must not be touched for blocked user")
	}
}

func TestExpiredTemporaryBlockAdmits(t *testing.T) {
	t.Parallel()
	g, st, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	expiry := now.Add(-time.Hour)
	if err := st.PutBlock(ctx, storage.BlockRecord{UserID: 6, Reason: "old", BlockedAt: now.Add(-25 * time.Hour), BlockedBy: BlockedBySystem, Expiry: &expiry}); err != nil {
		t.Fatal(err)
	}

	if err := g.CheckAndRecord(ctx, 6, ActionMessage, now); err != nil {
		t.Fatalf("expired block should admit, got %v", err)
	}
}

func TestThreeStrikesBlockOnceAlertOnce(t *testing.T) {
	t.Parallel()
	g, st, al := newTestGuard(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	payload := "<script>alert(1)</script>"
	for i := 0; i < 3; i++ {
		if err := g.FlagSuspicious(ctx, 7, payload, now.Add(time.Duration(i)*time.Minute)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("strike %d expected ErrInvalidInput, got %v", i+1, err)
		}
	}

	b, ok, _ := st.GetBlock(ctx, 7)
	if !ok {
		t.Fatal("user not blocked after three strikes")
	}
	if b.BlockedBy != BlockedBySystem {
		t.Fatalf("blocked_by = %q, want %q", b.BlockedBy, BlockedBySystem)
	}
	if b.Expiry == nil {
		t.Fatal("auto block must be temporary")
	}
	if got := al.count(); got != 1 {
		t.Fatalf("alert count = %d, want exactly 1", got)
	}

	// A fourth strike must not create a second block or alert.
	_ = g.FlagSuspicious(ctx, 7, payload, now.Add(4*time.Minute))
	if got := al.count(); got != 1 {
		t.Fatalf("alert count after fourth strike = %d, want 1", got)
	}
}

func TestCleanInputIsNotAStrike(t *testing.T) {
	t.Parallel()
	g, st, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Now()

	if err := g.FlagSuspicious(ctx, 8, "see you at the club on Friday", now); err != nil {
		t.Fatalf("clean input flagged: %v", err)
	}
	if n, _ := st.CountSecurityEvents(ctx, 8, EventSuspicious, now.Add(-time.Hour)); n != 0 {
		t.Fatalf("strike recorded for clean input: %d", n)
	}
}

func TestAdminBlockUnblock(t *testing.T) {
	t.Parallel()
	g, st, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := g.AdminBlock(ctx, 12, 3, 0, "spam", now); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("non-admin block expected ErrNotAdmin, got %v", err)
	}

	// Permanent block.
	if err := g.AdminBlock(ctx, 99, 3, 0, "spam", now); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckAndRecord(ctx, 3, ActionMessage, now.Add(365*24*time.Hour)); !errors.Is(err, ErrBlocked) {
		t.Fatalf("permanent block must not expire, got %v", err)
	}

	// Unblock admits the next action.
	if err := g.AdminUnblock(ctx, 99, 3, now); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckAndRecord(ctx, 3, ActionMessage, now); err != nil {
		t.Fatalf("unblocked user rejected: %v", err)
	}
	if _, ok, _ := st.GetBlock(ctx, 3); ok {
		t.Fatal("block record still present after unblock")
	}
}

func TestSweepExpiredRemovesOnlyLapsed(t *testing.T) {
	t.Parallel()
	g, st, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	_ = st.PutBlock(ctx, storage.BlockRecord{UserID: 1, Expiry: &past})
	_ = st.PutBlock(ctx, storage.BlockRecord{UserID: 2, Expiry: &future})
	_ = st.PutBlock(ctx, storage.BlockRecord{UserID: 3}) // permanent

	n, err := g.SweepExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d blocks, want 1", n)
	}
	if _, ok, _ := st.GetBlock(ctx, 2); !ok {
		t.Fatal("future block must survive sweep")
	}
	if _, ok, _ := st.GetBlock(ctx, 3); !ok {
		t.Fatal("permanent block must survive sweep")
	}
}

func TestSignRoundTrip(t *testing.T) {
	t.Parallel()
	sig := Sign("secret", "confirm:42")
	if !VerifySignature("secret", "confirm:42", sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature("secret", "confirm:43", sig) {
		t.Fatal("tampered data accepted")
	}
	if VerifySignature("other", "confirm:42", sig) {
		t.Fatal("wrong secret accepted")
	}
}

func TestCheckSignedPayload(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGuard(t)
	ctx := context.Background()
	now := time.Now()

	data := "confirm:42"
	if err := g.CheckSignedPayload(ctx, 9, data, Sign("test-secret", data), now); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := g.CheckSignedPayload(ctx, 9, data, "deadbeef", now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("forged payload expected ErrInvalidInput, got %v", err)
	}
}

func TestSuspiciousPatterns(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"script tag", "<script>alert(1)</script>", true},
		{"js scheme", "click javascript:doEvil()", true},
		{"event handler", `<img src=x onerror=alert(1)>`, true},
		{"url encoded script", "%3Cscript%3E", true},
		{"sql tautology", `' OR '1'='1`, true},
		{"sql command", "DROP TABLE users", true},
		{"plain text", "hello from the go club", false},
		{"go rank talk", "I went from 5k to 4k!", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Suspicious(tt.payload); got != tt.want {
				t.Fatalf("Suspicious(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestValidateInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ   string
		value string
		want  bool
	}{
		{"rank", "30k", true},
		{"rank", "1k", true},
		{"rank", "9d", true},
		{"rank", "31k", false},
		{"rank", "0d", false},
		{"ogs_username", "go_player.1", true},
		{"ogs_username", "ab", false},
		{"date", "2025-03-01", true},
		{"date", "03/01/2025", false},
		{"time", "19:30", true},
		{"url", "https://online-go.com/game/1", true},
		{"url", "ftp://example.com", false},
		{"unknown_type", "anything", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.typ+"/"+tt.value, func(t *testing.T) {
			t.Parallel()
			if got := ValidateInput(tt.typ, tt.value); got != tt.want {
				t.Fatalf("ValidateInput(%q, %q) = %v, want %v", tt.typ, tt.value, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	got := Sanitize(`<b>"go" & 'club'</b>`)
	want := "&lt;b&gt;&quot;go&quot; &amp; &#x27;club&#x27;&lt;/b&gt;"
	if got != want {
		t.Fatalf("Sanitize = %q, want %q", got, want)
	}
}
