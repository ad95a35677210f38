// Package ratelimit bounds calls per upstream category by concurrency and
// minimum spacing between grants.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Category names a class of upstream service.
type Category string

const (
	Thread Category = "thread"
	Link   Category = "link"
	Vision Category = "vision"
	LLM    Category = "llm"
	Video  Category = "video"
)

// Config bounds one category.
type Config struct {
	RPS         float64
	Concurrency int
}

// Interval returns the minimum spacing between grants.
func (c Config) Interval() time.Duration {
	if c.RPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.RPS)
}

// DefaultConfigs returns the per-category defaults.
func DefaultConfigs() map[Category]Config {
	return map[Category]Config{
		Video:  {RPS: 1, Concurrency: 1},
		Thread: {RPS: 2, Concurrency: 2},
		Link:   {RPS: 5, Concurrency: 3},
		LLM:    {RPS: 2, Concurrency: 2},
		Vision: {RPS: 5, Concurrency: 5},
	}
}

// CategoryStats describes one bucket.
type CategoryStats struct {
	RPS         float64 `json:"rps"`
	Concurrency int     `json:"concurrency"`
	Grants      int64   `json:"grants"`
	InFlight    int64   `json:"in_flight"`
}

type bucket struct {
	cfg      Config
	interval time.Duration
	sem      *semaphore.Weighted

	// mu is held across the interval check and the wait, serializing grants
	// within the category only.
	mu        sync.Mutex
	lastGrant time.Time

	grants   atomic.Int64
	inFlight atomic.Int64
}

// Limiter holds one bucket per category for the life of the process.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[Category]*bucket
	fallback Config
	now      func() time.Time
}

// New returns a limiter with the given per-category configs. Categories not
// listed are created on first use with the link defaults.
func New(configs map[Category]Config) *Limiter {
	l := &Limiter{
		buckets:  make(map[Category]*bucket, len(configs)),
		fallback: DefaultConfigs()[Link],
		now:      time.Now,
	}
	for cat, cfg := range configs {
		l.buckets[cat] = newBucket(cfg)
	}
	return l
}

func newBucket(cfg Config) *bucket {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &bucket{
		cfg:      cfg,
		interval: cfg.Interval(),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

func (l *Limiter) bucket(cat Category) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[cat]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[cat]; ok {
		return b
	}
	b = newBucket(l.fallback)
	l.buckets[cat] = b
	return b
}

// Acquire blocks until a slot in cat is free and the minimum interval since
// the previous grant has elapsed. Every successful Acquire must be paired
// with Release.
func (l *Limiter) Acquire(ctx context.Context, cat Category) error {
	b := l.bucket(cat)
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire %s slot: %w", cat, err)
	}

	b.mu.Lock()
	if !b.lastGrant.IsZero() {
		if wait := b.interval - l.now().Sub(b.lastGrant); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				b.mu.Unlock()
				b.sem.Release(1)
				return fmt.Errorf("wait for %s interval: %w", cat, ctx.Err())
			}
		}
	}
	b.lastGrant = l.now()
	b.mu.Unlock()

	b.grants.Add(1)
	b.inFlight.Add(1)
	return nil
}

// Release frees a slot acquired with Acquire. Releasing a category with
// nothing in flight is a no-op.
func (l *Limiter) Release(cat Category) {
	b := l.bucket(cat)
	for {
		n := b.inFlight.Load()
		if n <= 0 {
			return
		}
		if b.inFlight.CompareAndSwap(n, n-1) {
			break
		}
	}
	b.sem.Release(1)
}

// Do runs fn while holding a slot in cat. The slot is released when fn
// returns or panics.
func (l *Limiter) Do(ctx context.Context, cat Category, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, cat); err != nil {
		return err
	}
	defer l.Release(cat)
	return fn(ctx)
}

// Stats returns a snapshot of every bucket.
func (l *Limiter) Stats() map[Category]CategoryStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[Category]CategoryStats, len(l.buckets))
	for cat, b := range l.buckets {
		out[cat] = CategoryStats{
			RPS:         b.cfg.RPS,
			Concurrency: b.cfg.Concurrency,
			Grants:      b.grants.Load(),
			InFlight:    b.inFlight.Load(),
		}
	}
	return out
}
