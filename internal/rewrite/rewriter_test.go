package rewrite

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/scopedrag/internal/engine"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (m *mockChatter) Chat(ctx context.Context, _ string, _ []engine.Message) (string, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRewrite_Success(t *testing.T) {
	m := &mockChatter{response: "  \"capital city of France\"\nextra line"}
	r := New(m, Config{Model: "llama3.2", Logger: quietLogger()})

	got := r.Rewrite(context.Background(), "france capital?", Options{})
	want := Result{Query: "capital city of France", Rewritten: true}
	if got != want {
		t.Errorf("Rewrite() = %+v, want %+v", got, want)
	}
}

func TestRewrite_Unchanged(t *testing.T) {
	r := New(&mockChatter{response: "capital of France"}, Config{Logger: quietLogger()})
	got := r.Rewrite(context.Background(), "capital of France", Options{})
	if got.Rewritten || got.Degraded || got.Query != "capital of France" {
		t.Errorf("Rewrite() = %+v", got)
	}
}

func TestRewrite_TimeoutFallsBack(t *testing.T) {
	var logs bytes.Buffer
	m := &mockChatter{response: "late", delay: 5 * time.Second}
	r := New(m, Config{Timeout: 50 * time.Millisecond, Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	start := time.Now()
	got := r.Rewrite(context.Background(), "capital of France", Options{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Rewrite took %v, want fast fallback", elapsed)
	}
	if got.Query != "capital of France" || !got.Degraded || got.Rewritten {
		t.Errorf("Rewrite() = %+v, want degraded raw query", got)
	}
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("expected a WARN log, got %q", logs.String())
	}
}

func TestRewrite_ErrorFallsBack(t *testing.T) {
	r := New(&mockChatter{err: fmt.Errorf("connection refused")}, Config{Logger: quietLogger()})
	got := r.Rewrite(context.Background(), "hello", Options{})
	if got.Query != "hello" || !got.Degraded {
		t.Errorf("Rewrite() = %+v, want degraded raw query", got)
	}
}

func TestRewrite_EmptyOutputFallsBack(t *testing.T) {
	r := New(&mockChatter{response: "  \n \"\" "}, Config{Logger: quietLogger()})
	got := r.Rewrite(context.Background(), "hello", Options{})
	if got.Query != "hello" || !got.Degraded {
		t.Errorf("Rewrite() = %+v, want degraded raw query", got)
	}
}

func TestRewrite_ServiceCache(t *testing.T) {
	m := &mockChatter{response: "rewritten"}
	r := New(m, Config{Cache: NewMemoryCache(time.Minute), Logger: quietLogger()})

	for i := 0; i < 3; i++ {
		got := r.Rewrite(context.Background(), "q", Options{})
		if got.Query != "rewritten" || !got.Rewritten {
			t.Fatalf("call %d: Rewrite() = %+v", i, got)
		}
	}
	if n := m.calls.Load(); n != 1 {
		t.Errorf("chat calls = %d, want 1", n)
	}
}

func TestRewrite_DegradedNotCached(t *testing.T) {
	m := &mockChatter{err: fmt.Errorf("down")}
	r := New(m, Config{Cache: NewMemoryCache(time.Minute), Logger: quietLogger()})

	r.Rewrite(context.Background(), "q", Options{})
	r.Rewrite(context.Background(), "q", Options{})
	if n := m.calls.Load(); n != 2 {
		t.Errorf("chat calls = %d, want 2", n)
	}
}

func TestRewrite_PinnedCacheOncePerQuery(t *testing.T) {
	m := &mockChatter{response: "rewritten", delay: 20 * time.Millisecond}
	r := New(m, Config{Logger: quietLogger()})
	pinned := NewPinnedCache()

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Rewrite(context.Background(), "same query", Options{Cache: pinned})
		}(i)
	}
	wg.Wait()

	if n := m.calls.Load(); n != 1 {
		t.Errorf("chat calls = %d, want 1", n)
	}
	for i, res := range results {
		if res != results[0] {
			t.Errorf("result %d = %+v, want %+v", i, res, results[0])
		}
	}
	if pinned.Len() != 1 {
		t.Errorf("pinned entries = %d, want 1", pinned.Len())
	}
}

func TestRewrite_PinnedCacheKeepsDegraded(t *testing.T) {
	m := &mockChatter{err: fmt.Errorf("down")}
	r := New(m, Config{Logger: quietLogger()})
	pinned := NewPinnedCache()

	first := r.Rewrite(context.Background(), "q", Options{Cache: pinned})
	m.err = nil
	m.response = "now it works"
	second := r.Rewrite(context.Background(), "q", Options{Cache: pinned})

	if first != second {
		t.Errorf("pinned results differ: %+v vs %+v", first, second)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(context.Background(), "k", "v")
	if v, ok, _ := c.Get(context.Background(), "k"); !ok || v != "v" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(context.Background(), "k"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestBuildPrompt_QueryLast(t *testing.T) {
	msgs := BuildPrompt("capital of France")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "capital of France" {
		t.Errorf("last message = %+v", last)
	}
}
