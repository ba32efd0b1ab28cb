package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen short-circuits ranking checks while the API keeps failing.
var ErrCircuitOpen = errors.New("ranking api circuit open")

// RankingClient probes the OGS API. Repeated failures open a circuit with an
// exponentially growing cooldown so an outage does not turn every probe run
// into a slow timeout.
type RankingClient struct {
	baseURL string
	http    *http.Client

	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewRankingClient(baseURL string) *RankingClient {
	if baseURL == "" {
		baseURL = "https://online-go.com/api/v1"
	}
	return &RankingClient{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: 15 * time.Second},
		trip:       3,
		baseDelay:  30 * time.Second,
		maxDelay:   10 * time.Minute,
		resetAfter: 30 * time.Minute,
	}
}

// Check hits the lightweight /ui/config endpoint. It returns ErrCircuitOpen
// without a network round trip while the circuit is open.
func (c *RankingClient) Check(ctx context.Context) error {
	now := time.Now()
	if until, open := c.isOpen(now); open {
		return fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
	}

	err := c.probe(ctx)
	c.recordResult(time.Now(), err)
	return err
}

func (c *RankingClient) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ui/config", nil)
	if err != nil {
		return fmt.Errorf("ranking api request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ranking api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ranking api: http %d", resp.StatusCode)
	}
	return nil
}

func (c *RankingClient) isOpen(now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic reset if the last failure was long ago.
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > c.resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return c.openUntil, true
	}
	return time.Time{}, false
}

func (c *RankingClient) recordResult(now time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return
	}

	c.fails++
	c.lastFailure = now
	if c.fails < c.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := c.baseDelay
	for i := 0; i < c.fails-c.trip; i++ {
		d *= 2
		if d >= c.maxDelay {
			d = c.maxDelay
			break
		}
	}
	if d > c.maxDelay {
		d = c.maxDelay
	}
	c.openUntil = now.Add(d)
}
