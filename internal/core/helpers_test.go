package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docledger/internal/infra/persistence/memory"
	"docledger/pkg/domain"
)

// steppingClock advances by one second on every call so history dates are
// distinct and predictable.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func sequentialIDs(prefix string) IDGenerator {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// flakyHistoryStore fails history appends while failing is set. Embedding the
// interface hides the atomic ledger methods, so writes go through the
// two-step path.
type flakyHistoryStore struct {
	domain.PersistentStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyHistoryStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyHistoryStore) AppendHistory(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryRecord, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return domain.HistoryRecord{}, errors.New("ledger unavailable")
	}
	return f.PersistentStore.AppendHistory(ctx, entry)
}

// pausingSwapStore holds the first successful compare-and-swap after it has
// committed until release is closed.
type pausingSwapStore struct {
	*memory.Store
	once      sync.Once
	committed chan struct{}
	release   chan struct{}
}

func newPausingSwapStore() *pausingSwapStore {
	return &pausingSwapStore{
		Store:     memory.NewStore(),
		committed: make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (p *pausingSwapStore) CompareAndSwapWithHistory(ctx context.Context, id string, expected int64, fields map[string]any, at time.Time, entry domain.HistoryEntry) (domain.Document, domain.HistoryRecord, bool, error) {
	doc, rec, ok, err := p.Store.CompareAndSwapWithHistory(ctx, id, expected, fields, at, entry)
	if ok {
		p.once.Do(func() {
			close(p.committed)
			<-p.release
		})
	}
	return doc, rec, ok, err
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetrics struct {
	mu        sync.Mutex
	calls     []metricsCall
	conflicts []string
	failures  []string
}

func (c *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
	c.mu.Unlock()
}

func (c *captureMetrics) Conflict(op string) {
	c.mu.Lock()
	c.conflicts = append(c.conflicts, op)
	c.mu.Unlock()
}

func (c *captureMetrics) HistoryAppendFailed(action string) {
	c.mu.Lock()
	c.failures = append(c.failures, action)
	c.mu.Unlock()
}

func (c *captureMetrics) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *captureLogger) Debug(string, ...any) {}
func (l *captureLogger) Info(string, ...any)  {}
func (l *captureLogger) Warn(string, ...any)  {}
func (l *captureLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func newTestService(opts ...Option) (*Service, *memory.Store) {
	store := memory.NewStore()
	base := []Option{WithClock(newSteppingClock())}
	return NewService(store, append(base, opts...)...), store
}
