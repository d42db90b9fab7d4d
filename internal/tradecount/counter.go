// Package tradecount tracks how many combos have been opened per symbol during
// the current trading day.
package tradecount

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrLimitReached is returned by Reserve when the symbol has no slot left.
var ErrLimitReached = errors.New("trade limit reached")

// Interface is the trade counter consumed by the strategy.
//
// Implementations must be safe for concurrent use. Increment must be an atomic
// increment-and-read so that two submissions for the same symbol never see the
// same count. Reserve checks the limit and takes a slot under the same lock;
// Release gives back a slot that never turned into a live order.
type Interface interface {
	Increment(symbol string) (int, error)
	Reserve(symbol string, limit int) (int, error)
	Release(symbol string) error
	Count(symbol string) int
}

// Counter is the process-wide trade counter. When a path is configured the
// counts are mirrored to a JSON file so several runs on the same day share
// them; a file written on another day is ignored.
type Counter struct {
	mu       sync.RWMutex
	filepath string
	loc      *time.Location
	now      func() time.Time
	data     *counterData
}

type counterData struct {
	Date        string         `json:"date"`
	Counts      map[string]int `json:"counts"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// WithLocation sets the timezone that defines the trading day.
func WithLocation(loc *time.Location) Option {
	return func(c *Counter) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// NewCounter returns a Counter. An empty filepath keeps counts in memory only.
func NewCounter(filepath string, opts ...Option) (*Counter, error) {
	c := &Counter{
		filepath: filepath,
		loc:      time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.data = &counterData{Date: c.today(), Counts: make(map[string]int)}

	if filepath == "" {
		return c, nil
	}
	if err := c.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading trade counts: %w", err)
	}
	return c, nil
}

func (c *Counter) today() string {
	return c.now().In(c.loc).Format("2006-01-02")
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Load reads the counts file. Counts from a previous day are discarded.
func (c *Counter) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.filepath)
	if err != nil {
		return err
	}
	var loaded counterData
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("decoding %s: %w", c.filepath, err)
	}
	if loaded.Date != c.today() || loaded.Counts == nil {
		return nil
	}
	c.data = &loaded
	return nil
}

// rollover resets the counts when the trading day has changed. Caller holds mu.
func (c *Counter) rollover() {
	if today := c.today(); c.data.Date != today {
		c.data = &counterData{Date: today, Counts: make(map[string]int)}
	}
}

// saveLocked writes the counts through a temp file and rename. Caller holds mu.
func (c *Counter) saveLocked() error {
	if c.filepath == "" {
		return nil
	}
	c.data.LastUpdated = c.now()

	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return err
	}
	tmpFile := c.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, c.filepath)
}

// Increment adds one trade for symbol and returns the new count. When the
// file write fails the in-memory count is rolled back.
func (c *Counter) Increment(symbol string) (int, error) {
	symbol = normalize(symbol)
	if symbol == "" {
		return 0, errors.New("symbol is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover()
	c.data.Counts[symbol]++
	n := c.data.Counts[symbol]
	if err := c.saveLocked(); err != nil {
		c.data.Counts[symbol]--
		return n - 1, fmt.Errorf("persisting trade count for %s: %w", symbol, err)
	}
	return n, nil
}

// Reserve takes one trade slot for symbol when fewer than limit are in use and
// returns the new count. A full symbol returns its count and ErrLimitReached.
func (c *Counter) Reserve(symbol string, limit int) (int, error) {
	symbol = normalize(symbol)
	if symbol == "" {
		return 0, errors.New("symbol is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover()
	n := c.data.Counts[symbol]
	if n >= limit {
		return n, fmt.Errorf("%s has %d of %d trades: %w", symbol, n, limit, ErrLimitReached)
	}
	c.data.Counts[symbol] = n + 1
	if err := c.saveLocked(); err != nil {
		c.data.Counts[symbol] = n
		return n, fmt.Errorf("persisting trade count for %s: %w", symbol, err)
	}
	return n + 1, nil
}

// Release returns a slot taken by Reserve. Counts never go below zero.
func (c *Counter) Release(symbol string) error {
	symbol = normalize(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover()
	n := c.data.Counts[symbol]
	if n == 0 {
		return nil
	}
	c.data.Counts[symbol] = n - 1
	if err := c.saveLocked(); err != nil {
		c.data.Counts[symbol] = n
		return fmt.Errorf("persisting trade count for %s: %w", symbol, err)
	}
	return nil
}

// Count returns today's trade count for symbol.
func (c *Counter) Count(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.data.Date != c.today() {
		return 0
	}
	return c.data.Counts[normalize(symbol)]
}

// Snapshot returns a copy of today's counts.
func (c *Counter) Snapshot() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int, len(c.data.Counts))
	if c.data.Date != c.today() {
		return out
	}
	for k, v := range c.data.Counts {
		out[k] = v
	}
	return out
}

var _ Interface = (*Counter)(nil)
