package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"clubkeeper/internal/security"
	"clubkeeper/internal/storage"
	kit "clubkeeper/internal/transport"
	logx "clubkeeper/pkg/logx"
)

type guardStore struct {
	mu       sync.Mutex
	counters map[string]storage.ActivityCounter
	blocks   map[int64]storage.BlockRecord
	events   []storage.SecurityEvent
}

func newGuardStore() *guardStore {
	return &guardStore{
		counters: map[string]storage.ActivityCounter{},
		blocks:   map[int64]storage.BlockRecord{},
	}
}

func (f *guardStore) GetCounter(_ context.Context, userID int64, action string) (storage.ActivityCounter, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[storage.CounterKey(userID, action)]
	return c, ok, nil
}

func (f *guardStore) SaveCounter(_ context.Context, cnt storage.ActivityCounter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[cnt.Key] = cnt
	return nil
}

func (f *guardStore) GetBlock(_ context.Context, userID int64) (storage.BlockRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[userID]
	return b, ok, nil
}

func (f *guardStore) PutBlock(_ context.Context, b storage.BlockRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[b.UserID] = b
	return nil
}

func (f *guardStore) DeleteBlock(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocks[userID]
	delete(f.blocks, userID)
	return ok, nil
}

func (f *guardStore) DeleteExpiredBlocks(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (f *guardStore) CountBlocks(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.blocks)), nil
}

func (f *guardStore) AppendSecurityEvent(_ context.Context, ev storage.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *guardStore) CountSecurityEvents(_ context.Context, _ int64, _ string, _ time.Time) (int64, error) {
	return 0, nil
}

func (f *guardStore) TouchActivity(_ context.Context, _ int64, _ time.Time) error { return nil }

type stubAdapter struct {
	mu      sync.Mutex
	sent    []string
	answers []string
}

func (s *stubAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (s *stubAdapter) Stop(context.Context) error                     { return nil }

func (s *stubAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return kit.MessageRef{}, nil
}

func (s *stubAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, text)
	return nil
}

func (s *stubAdapter) GetMe(context.Context) (kit.BotIdentity, error) {
	return kit.BotIdentity{ID: 1, Username: "clubkeeper_bot"}, nil
}

func newDispatchApp(st *guardStore) (*App, *stubAdapter) {
	ad := &stubAdapter{}
	g := security.NewGuard(security.Config{
		Secret:             "test-secret",
		MessagesPerMinute:  30,
		CallbacksPerMinute: 20,
		StrikeThreshold:    3,
		StrikeWindow:       24 * time.Hour,
		BlockDuration:      24 * time.Hour,
	}, st, nil, logx.Nop())
	return &App{guard: g, adapter: ad, log: logx.Nop()}, ad
}

func TestBlockedMessageGetsBlockedNotice(t *testing.T) {
	t.Parallel()
	st := newGuardStore()
	st.blocks[42] = storage.BlockRecord{UserID: 42, Reason: "spam", BlockedBy: "system"}
	a, ad := newDispatchApp(st)

	a.handleMessage(context.Background(), &kit.Message{ChatID: 42, FromID: 42, Text: "hello"})

	if len(ad.sent) != 1 || !strings.Contains(ad.sent[0], "blocked") {
		t.Fatalf("sent = %q, want one blocked notice", ad.sent)
	}
	if len(st.counters) != 0 {
		t.Fatalf("counters touched for a blocked user: %v", st.counters)
	}
}

func TestBlockedCallbackAnsweredWithNotice(t *testing.T) {
	t.Parallel()
	st := newGuardStore()
	st.blocks[42] = storage.BlockRecord{UserID: 42, Reason: "spam", BlockedBy: "system"}
	a, ad := newDispatchApp(st)

	a.handleCallback(context.Background(), &kit.Callback{ID: "cb1", FromID: 42, Data: "vote:1|deadbeef"})

	if len(ad.answers) != 1 || !strings.Contains(ad.answers[0], "blocked") {
		t.Fatalf("answers = %q, want one blocked notice", ad.answers)
	}
}

func TestRateLimitedMessageToldToSlowDown(t *testing.T) {
	t.Parallel()
	st := newGuardStore()
	a, ad := newDispatchApp(st)
	a.guard.Apply(security.Config{
		Secret:             "test-secret",
		MessagesPerMinute:  1,
		CallbacksPerMinute: 1,
		StrikeThreshold:    3,
		StrikeWindow:       24 * time.Hour,
		BlockDuration:      24 * time.Hour,
	})

	a.handleMessage(context.Background(), &kit.Message{ChatID: 7, FromID: 7, Text: "one"})
	a.handleMessage(context.Background(), &kit.Message{ChatID: 7, FromID: 7, Text: "two"})

	if len(ad.sent) != 1 || !strings.Contains(ad.sent[0], "Slow down") {
		t.Fatalf("sent = %q, want one rate-limit notice", ad.sent)
	}
}

func TestSplitSignedData(t *testing.T) {
	t.Parallel()
	if p, s := splitSignedData("vote:1|abcd"); p != "vote:1" || s != "abcd" {
		t.Fatalf("got %q %q", p, s)
	}
	if p, s := splitSignedData("unsigned"); p != "unsigned" || s != "" {
		t.Fatalf("got %q %q", p, s)
	}
	if p, s := splitSignedData("a|b|c"); p != "a|b" || s != "c" {
		t.Fatalf("got %q %q", p, s)
	}
}
