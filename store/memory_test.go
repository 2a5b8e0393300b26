package store

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMemory(clk *fakeClock) *Memory {
	return NewMemory(WithClock(clk.Now), WithCleanupInterval(0))
}

func TestMemory_Take(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Memory, time.Time)
		limit       int64
		wantCount   int64
		wantLimited bool
	}{
		{
			name:      "first take creates new window",
			limit:     10,
			wantCount: 1,
		},
		{
			name: "take increments existing window",
			setup: func(m *Memory, now time.Time) {
				m.shard("test:key").entries["test:key"] = &memoryEntry{count: 5, resetAt: now.Add(time.Minute)}
			},
			limit:     10,
			wantCount: 6,
		},
		{
			name: "take at limit is refused without incrementing",
			setup: func(m *Memory, now time.Time) {
				m.shard("test:key").entries["test:key"] = &memoryEntry{count: 10, resetAt: now.Add(time.Minute)}
			},
			limit:       10,
			wantCount:   10,
			wantLimited: true,
		},
		{
			name: "expired window resets counter",
			setup: func(m *Memory, now time.Time) {
				m.shard("test:key").entries["test:key"] = &memoryEntry{count: 10, resetAt: now.Add(-time.Millisecond)}
			},
			limit:     10,
			wantCount: 1,
		},
		{
			name: "take exactly at reset time stays in current window",
			setup: func(m *Memory, now time.Time) {
				m.shard("test:key").entries["test:key"] = &memoryEntry{count: 10, resetAt: now}
			},
			limit:       10,
			wantCount:   10,
			wantLimited: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newFakeClock()
			m := newTestMemory(clk)
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m, clk.Now())
			}

			got, err := m.Take(context.Background(), "test:key", tt.limit, time.Minute)
			if err != nil {
				t.Fatalf("Take() error = %v", err)
			}
			if got.Count != tt.wantCount {
				t.Errorf("Take() count = %d, want %d", got.Count, tt.wantCount)
			}
			if got.Limited != tt.wantLimited {
				t.Errorf("Take() limited = %v, want %v", got.Limited, tt.wantLimited)
			}
		})
	}
}

func TestMemory_Take_NewWindowResetAt(t *testing.T) {
	clk := newFakeClock()
	m := newTestMemory(clk)
	defer m.Close()

	got, err := m.Take(context.Background(), "k", 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if want := clk.Now().Add(15 * time.Minute); !got.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", got.ResetAt, want)
	}
}

func TestMemory_Take_Sequential(t *testing.T) {
	clk := newFakeClock()
	m := newTestMemory(clk)
	defer m.Close()

	ctx := context.Background()
	first, _ := m.Take(ctx, "seq", 5, time.Minute)

	for i := int64(2); i <= 5; i++ {
		clk.Advance(time.Second)
		got, err := m.Take(ctx, "seq", 5, time.Minute)
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if got.Count != i || got.Limited {
			t.Errorf("Take() #%d = %+v, want count %d not limited", i, got, i)
		}
		if !got.ResetAt.Equal(first.ResetAt) {
			t.Errorf("Take() #%d moved ResetAt to %v", i, got.ResetAt)
		}
	}

	for i := 0; i < 3; i++ {
		got, _ := m.Take(ctx, "seq", 5, time.Minute)
		if !got.Limited || got.Count != 5 {
			t.Errorf("Take() over limit = %+v, want limited with count 5", got)
		}
		if !got.ResetAt.Equal(first.ResetAt) {
			t.Errorf("refused Take() extended window to %v", got.ResetAt)
		}
	}
}

func TestMemory_Take_WindowExpiry(t *testing.T) {
	clk := newFakeClock()
	m := newTestMemory(clk)
	defer m.Close()

	ctx := context.Background()
	window := 200 * time.Millisecond

	if got, _ := m.Take(ctx, "exp", 1, window); got.Limited {
		t.Fatal("first Take() limited")
	}
	clk.Advance(window)
	if got, _ := m.Take(ctx, "exp", 1, window); !got.Limited {
		t.Error("Take() at reset time should still be limited")
	}
	clk.Advance(time.Millisecond)
	got, _ := m.Take(ctx, "exp", 1, window)
	if got.Limited || got.Count != 1 {
		t.Errorf("Take() after expiry = %+v, want fresh window", got)
	}
}

func TestMemory_Take_Concurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	const (
		goroutines = 20
		perRoutine = 10
		limit      = 50
	)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perRoutine; j++ {
				w, err := m.Take(ctx, "test:concurrent", limit, time.Minute)
				if err != nil {
					t.Errorf("Take() error = %v", err)
					return
				}
				if !w.Limited {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("admitted = %d, want %d", got, limit)
	}
	if got, _ := m.Get(ctx, "test:concurrent"); got != limit {
		t.Errorf("Get() = %d, want %d", got, limit)
	}
}

func TestMemory_Take_ConcurrentDifferentKeys(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	keys := 10
	perKey := 5

	var wg sync.WaitGroup
	wg.Add(keys)
	for i := 0; i < keys; i++ {
		go func(k string) {
			defer wg.Done()
			for j := 0; j < perKey; j++ {
				if _, err := m.Take(ctx, k, 100, time.Minute); err != nil {
					t.Errorf("Take() error = %v", err)
				}
			}
		}("test:key:" + strconv.Itoa(i))
	}
	wg.Wait()

	for i := 0; i < keys; i++ {
		key := "test:key:" + strconv.Itoa(i)
		if got, _ := m.Get(ctx, key); got != int64(perKey) {
			t.Errorf("Get(%s) = %d, want %d", key, got, perKey)
		}
	}
}

func TestMemory_Get(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Memory, time.Time)
		want  int64
	}{
		{
			name: "non-existent key returns zero",
			want: 0,
		},
		{
			name: "existing key returns count",
			setup: func(m *Memory, now time.Time) {
				m.shard("test:key").entries["test:key"] = &memoryEntry{count: 7, resetAt: now.Add(time.Minute)}
			},
			want: 7,
		},
		{
			name: "expired key returns zero",
			setup: func(m *Memory, now time.Time) {
				m.shard("test:key").entries["test:key"] = &memoryEntry{count: 7, resetAt: now.Add(-time.Second)}
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newFakeClock()
			m := newTestMemory(clk)
			defer m.Close()

			if tt.setup != nil {
				tt.setup(m, clk.Now())
			}

			got, err := m.Get(context.Background(), "test:key")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Get() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMemory_Reset(t *testing.T) {
	clk := newFakeClock()
	m := newTestMemory(clk)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = m.Take(ctx, "test:reset", 3, time.Minute)
	}
	if got, _ := m.Take(ctx, "test:reset", 3, time.Minute); !got.Limited {
		t.Fatal("expected limited before Reset()")
	}

	if err := m.Reset(ctx, "test:reset"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := m.Reset(ctx, "test:missing"); err != nil {
		t.Fatalf("Reset() on missing key error = %v", err)
	}

	got, _ := m.Take(ctx, "test:reset", 3, time.Minute)
	if got.Limited || got.Count != 1 {
		t.Errorf("Take() after Reset() = %+v, want fresh window", got)
	}
}

func TestMemory_RunCleanup(t *testing.T) {
	clk := newFakeClock()
	m := newTestMemory(clk)
	defer m.Close()

	ctx := context.Background()
	_, _ = m.Take(ctx, "short", 10, time.Second)
	_, _ = m.Take(ctx, "long", 10, time.Hour)

	clk.Advance(2 * time.Second)
	m.runCleanup()

	if got := m.len(); got != 1 {
		t.Fatalf("len() after cleanup = %d, want 1", got)
	}
	if got, _ := m.Get(ctx, "long"); got != 1 {
		t.Errorf("Get(long) = %d, want 1", got)
	}
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory()

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case <-m.stopCh:
	case <-time.After(100 * time.Millisecond):
		t.Error("Close() did not close stopCh")
	}
}

func TestMemory_WithShards(t *testing.T) {
	m := NewMemory(WithShards(1), WithCleanupInterval(0))
	defer m.Close()

	if len(m.shards) != 1 {
		t.Fatalf("shards = %d, want 1", len(m.shards))
	}

	ctx := context.Background()
	_, _ = m.Take(ctx, "a", 1, time.Minute)
	if got, _ := m.Take(ctx, "b", 1, time.Minute); got.Limited {
		t.Error("keys sharing a shard affected each other")
	}
}

func BenchmarkMemory_Take(b *testing.B) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Take(ctx, "bench:key", 1<<62, time.Minute)
	}
}

func BenchmarkMemory_Take_ParallelKeys(b *testing.B) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	var n atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		key := "bench:" + strconv.FormatInt(n.Add(1), 10)
		for pb.Next() {
			_, _ = m.Take(ctx, key, 1<<62, time.Minute)
		}
	})
}
