package fn

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

// --- Result ---

func TestResult(t *testing.T) {
	v, err := Ok(42).Unwrap()
	if v != 42 || err != nil {
		t.Fatalf("Ok: got %d, %v", v, err)
	}
	if !Err[int](errors.New("x")).IsErr() {
		t.Fatal("Err should fail")
	}
	if Err[int](nil).IsOk() {
		t.Fatal("Err(nil) must still fail")
	}
	if _, err := Errf[string]("page %d", 3).Unwrap(); err == nil || err.Error() != "page 3" {
		t.Fatalf("Errf: %v", err)
	}
	if r := FromPair("a", nil); !r.IsOk() {
		t.Fatal("FromPair with nil error should be ok")
	}
	if r := FromPair("", errors.New("x")); r.IsOk() {
		t.Fatal("FromPair with error should fail")
	}
}

// --- Pipeline ---

func appendStage(s string) Stage[[]string, []string] {
	return func(_ context.Context, in []string) Result[[]string] {
		return Ok(append(in, s))
	}
}

func TestPipeline(t *testing.T) {
	p := Pipeline(appendStage("read"), appendStage("chunk"), appendStage("store"))
	got, err := p(context.Background(), nil).Unwrap()
	if err != nil || !slices.Equal(got, []string{"read", "chunk", "store"}) {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestPipeline_StopsOnError(t *testing.T) {
	var ran atomic.Bool
	boom := errors.New("embed failed")
	p := Pipeline(
		appendStage("read"),
		func(context.Context, []string) Result[[]string] { return Err[[]string](boom) },
		func(_ context.Context, in []string) Result[[]string] { ran.Store(true); return Ok(in) },
	)
	if _, err := p(context.Background(), nil).Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if ran.Load() {
		t.Fatal("stage after a failure must not run")
	}
}

func TestPipeline_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Pipeline(
		func(_ context.Context, in []string) Result[[]string] { cancel(); return Ok(in) },
		appendStage("never"),
	)
	got, err := p(ctx, nil).Unwrap()
	if !errors.Is(err, context.Canceled) || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestTracedStage(t *testing.T) {
	boom := errors.New("boom")
	s := TracedStage("test.fail", func(context.Context, int) Result[int] { return Err[int](boom) })
	if _, err := s(context.Background(), 1).Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("traced stage must pass the error through, got %v", err)
	}
	ok := TracedStage("test.ok", func(_ context.Context, n int) Result[int] { return Ok(n * 2) })
	if v, _ := ok(context.Background(), 21).Unwrap(); v != 42 {
		t.Fatalf("got %d", v)
	}
}

// --- Retry ---

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[string] {
		calls++
		if calls < 3 {
			return Err[string](errors.New("transient"))
		}
		return Ok("vec")
	})
	if v, err := r.Unwrap(); err != nil || v != "vec" || calls != 3 {
		t.Fatalf("got %q, %v after %d calls", v, err, calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	last := errors.New("still down")
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond}, func(context.Context) Result[int] {
		calls++
		return Err[int](last)
	})
	if _, err := r.Unwrap(); !errors.Is(err, last) || calls != 2 {
		t.Fatalf("got %v after %d calls", err, calls)
	}
}

func TestRetry_ZeroAttemptsCallsOnce(t *testing.T) {
	calls := 0
	Retry(context.Background(), RetryOpts{}, func(context.Context) Result[int] {
		calls++
		return Err[int](errors.New("x"))
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetry_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retry(ctx, RetryOpts{MaxAttempts: 5, InitialWait: time.Hour, MaxWait: time.Hour}, func(context.Context) Result[int] {
		cancel()
		return Err[int](errors.New("x"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryOpts_Wait(t *testing.T) {
	o := RetryOpts{InitialWait: 100 * time.Millisecond, MaxWait: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{70, time.Second},
	}
	for _, tt := range tests {
		if got := o.wait(tt.attempt); got != tt.want {
			t.Errorf("wait(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	o.Jitter = true
	for i := range 20 {
		if got := o.wait(1); got < 100*time.Millisecond || got >= 300*time.Millisecond {
			t.Fatalf("jittered wait %d out of range: %v", i, got)
		}
	}
}

// --- Parallel ---

func TestParMap_OrderAndBound(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	var running, peak atomic.Int32
	got := ParMap(items, 3, func(n int) int {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return n * n
	})
	if !slices.Equal(got, []int{1, 4, 9, 16, 25, 36, 49, 64}) {
		t.Fatalf("got %v", got)
	}
	if peak.Load() > 3 {
		t.Fatalf("ran %d at once, limit 3", peak.Load())
	}
}

func TestParMap_Empty(t *testing.T) {
	if got := ParMap([]int(nil), 4, func(n int) int { return n }); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestFanOut(t *testing.T) {
	got := FanOut(
		func() string { time.Sleep(10 * time.Millisecond); return "qdrant" },
		func() string { return "pgvector" },
	)
	if !slices.Equal(got, []string{"qdrant", "pgvector"}) {
		t.Fatalf("got %v", got)
	}
}

// --- Slices ---

func TestMap(t *testing.T) {
	got := Map([]string{"a", "bb"}, func(s string) int { return len(s) })
	if !slices.Equal(got, []int{1, 2}) {
		t.Fatalf("got %v", got)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		n    int
		in   []int
		want [][]int
	}{
		{2, []int{1, 2, 3, 4, 5}, [][]int{{1, 2}, {3, 4}, {5}}},
		{5, []int{1, 2}, [][]int{{1, 2}}},
		{3, nil, [][]int{}},
		{0, []int{1}, nil},
	}
	for _, tt := range tests {
		got := Chunk(tt.in, tt.n)
		if len(got) != len(tt.want) || (tt.want == nil) != (got == nil) {
			t.Fatalf("Chunk(%v, %d) = %v, want %v", tt.in, tt.n, got, tt.want)
		}
		for i := range got {
			if !slices.Equal(got[i], tt.want[i]) {
				t.Fatalf("Chunk(%v, %d) = %v, want %v", tt.in, tt.n, got, tt.want)
			}
		}
	}
}

func TestChunk_AppendDoesNotClobber(t *testing.T) {
	items := []int{1, 2, 3, 4}
	parts := Chunk(items, 2)
	_ = append(parts[0], 99)
	if items[2] != 3 {
		t.Fatal("appending to a chunk overwrote the next one")
	}
}
