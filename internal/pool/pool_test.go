package pool

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genomed/internal/composer"
	"genomed/internal/fault"
	"genomed/internal/layer"
	"genomed/internal/wire"
	"genomed/internal/worker"
)

const helperEnv = "GENOMED_POOL_HELPER"

// TestMain doubles as the worker binary for the exec spawner tests.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		err := worker.Serve(context.Background(), os.Stdin, os.Stdout, &worker.EchoEngine{}, worker.Options{Version: "helper"})
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func echoServe(delay time.Duration) ServeFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer) error {
		return worker.Serve(ctx, r, w, &worker.EchoEngine{Delay: delay}, worker.Options{Version: "test"})
	}
}

// silentServe never announces readiness.
func silentServe(_ context.Context, r io.Reader, _ io.Writer) error {
	_, _ = io.Copy(io.Discard, r)
	return nil
}

// stubbornServe announces readiness and then ignores every request,
// including shutdown.
func stubbornServe(_ context.Context, r io.Reader, w io.Writer) error {
	if err := wire.WriteReply(w, 0, wire.Ready{PID: 1}); err != nil {
		return err
	}
	for {
		if _, _, err := wire.ReadRequest(r); err != nil {
			return nil
		}
	}
}

// crashOnLoadServe announces readiness and exits on the first load-genome.
func crashOnLoadServe(_ context.Context, r io.Reader, w io.Writer) error {
	if err := wire.WriteReply(w, 0, wire.Ready{PID: 1}); err != nil {
		return err
	}
	for {
		_, req, err := wire.ReadRequest(r)
		if err != nil {
			return nil
		}
		if _, ok := req.(wire.LoadGenome); ok {
			return errors.New("segfault while loading")
		}
	}
}

type failSpawner struct{}

func (failSpawner) Spawn(context.Context, string) (Handle, error) {
	return nil, errors.New("exec format error")
}

// flakySpawner fails its first n spawns, then defers to next.
type flakySpawner struct {
	n    atomic.Int32
	next Spawner
}

func (s *flakySpawner) Spawn(ctx context.Context, id string) (Handle, error) {
	if s.n.Add(-1) >= 0 {
		return nil, errors.New("transient exec failure")
	}
	return s.next.Spawn(ctx, id)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) find(name string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Name == name {
			return ev, true
		}
	}
	return Event{}, false
}

func testConfig() Config {
	return Config{
		MaxProcesses:   2,
		SpawnTimeout:   2 * time.Second,
		AcquireTimeout: 2 * time.Second,
		ShutdownGrace:  500 * time.Millisecond,
		HealthInterval: time.Hour,
		HealthTimeout:  time.Second,
	}
}

func newTestPool(t *testing.T, cfg Config, sp Spawner, opts ...Option) *Pool {
	t.Helper()
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	p := New(cfg, sp, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func resolverFor(t *testing.T, calls *atomic.Int32) Resolver {
	t.Helper()
	payload := layer.EncodeWeights([]float32{0.5, 1})
	l := &layer.Layer{ID: "base", Size: int64(len(payload)), Payload: payload,
		Descriptor: layer.Descriptor{BaseFamily: "llama", Rank: 4, Modules: []string{"q_proj"}}}
	return func(ctx context.Context) (*composer.Composite, error) {
		calls.Add(1)
		c, _, err := composer.Compose([]composer.Weighted{{Layer: l, Weight: 1}}, composer.Options{})
		return c, err
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpawnTimeoutLeavesNoProcess(t *testing.T) {
	cfg := testConfig()
	cfg.SpawnTimeout = 50 * time.Millisecond
	rec := &recorder{}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: silentServe}, WithEvents(rec.record))

	_, err := p.SpawnProcess(context.Background(), Warm)
	if !errors.Is(err, fault.SpawnTimeout) {
		t.Fatalf("expected spawn timeout, got %v", err)
	}
	s := p.Stats()
	if s.Total != 0 || s.Pending != 0 || s.SpawnFailures != 1 {
		t.Fatalf("stats after timeout = %+v", s)
	}
	if _, ok := rec.find("spawn_timeout"); !ok {
		t.Fatalf("spawn_timeout not published: %+v", rec.events)
	}
}

func TestSpawnEarlyExit(t *testing.T) {
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: func(context.Context, io.Reader, io.Writer) error {
		return errors.New("model file missing")
	}})
	_, err := p.SpawnProcess(context.Background(), Warm)
	if !errors.Is(err, fault.SpawnFailed) || !strings.Contains(err.Error(), "model file missing") {
		t.Fatalf("expected spawn failure with cause, got %v", err)
	}
	if p.Stats().Total != 0 {
		t.Fatalf("failed worker was registered")
	}
}

func TestInitializeShortfallIsSpawnFailed(t *testing.T) {
	cfg := testConfig()
	cfg.StartupGrace = 100 * time.Millisecond
	cfg.Tiers = map[Tier]TierLimits{Warm: {Min: 1}}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: silentServe})

	err := p.Initialize(context.Background())
	if !errors.Is(err, fault.SpawnFailed) {
		t.Fatalf("expected spawn failure, got %v (kind %s)", err, fault.KindOf(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause lost: %v", err)
	}
	if s := p.Stats(); s.Total != 0 {
		t.Fatalf("silent worker registered: %+v", s)
	}
}

func TestInitializeMeetsMinimumsAndCapsTotal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 3
	cfg.Tiers = map[Tier]TierLimits{Warm: {Min: 2}}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)})

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	s := p.Stats()
	if s.Total != 2 || s.ByTier["warm"] != 2 || s.ByState["idle"] != 2 {
		t.Fatalf("after init: %+v", s)
	}
	if _, err := p.SpawnProcess(context.Background(), Cold); err != nil {
		t.Fatalf("third spawn: %v", err)
	}
	_, err := p.SpawnProcess(context.Background(), Cold)
	if !errors.Is(err, fault.SpawnFailed) || !errors.Is(err, errAtCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestConcurrentSpawnsNeverExceedMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 3
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)})

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.SpawnProcess(context.Background(), Cold); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 3 || p.Stats().Total != 3 {
		t.Fatalf("spawned %d, total %d; want 3", ok.Load(), p.Stats().Total)
	}
}

func TestTierMaxCapsSpawns(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 4
	cfg.Tiers = map[Tier]TierLimits{Hot: {Max: 1}}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)})
	if _, err := p.SpawnProcess(context.Background(), Hot); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SpawnProcess(context.Background(), Hot); !errors.Is(err, errAtCapacity) {
		t.Fatalf("expected tier cap, got %v", err)
	}
}

func TestTerminateGraceful(t *testing.T) {
	rec := &recorder{}
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: echoServe(0)}, WithEvents(rec.record))
	info, err := p.SpawnProcess(context.Background(), Warm)
	if err != nil {
		t.Fatal(err)
	}
	id := info.ID
	if err := p.TerminateProcess(id, "test"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	ev, ok := rec.find("process_terminated")
	if !ok || ev.Fields["forced"] != false || ev.Fields["reason"] != "test" {
		t.Fatalf("terminated event = %+v", ev)
	}
	if p.Stats().Total != 0 {
		t.Fatalf("process still registered")
	}
	if err := p.TerminateProcess(id, "again"); err == nil {
		t.Fatalf("terminating an unknown process should fail")
	}
}

func TestTerminateForcedAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownGrace = 50 * time.Millisecond
	rec := &recorder{}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: stubbornServe}, WithEvents(rec.record))
	info, err := p.SpawnProcess(context.Background(), Warm)
	if err != nil {
		t.Fatal(err)
	}
	id := info.ID
	if err := p.TerminateProcess(id, "test"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	ev, _ := rec.find("process_terminated")
	if ev.Fields["forced"] != true {
		t.Fatalf("expected forced termination, got %+v", ev)
	}
}

func TestTerminateBusyProcess(t *testing.T) {
	var calls atomic.Int32
	rec := &recorder{}
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: echoServe(0)}, WithEvents(rec.record))
	l, err := p.Acquire(context.Background(), "g1", resolverFor(t, &calls))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if err := p.TerminateProcess(l.ProcessID(), "test"); err != nil {
		t.Fatalf("terminate busy: %v", err)
	}
	if s := p.Stats(); s.Total != 0 {
		t.Fatalf("busy process still registered: %+v", s)
	}
	if p.IsHot("g1") {
		t.Fatalf("terminated process still counts as hot")
	}
	if _, err := l.Infer(context.Background(), wire.Infer{Prompt: "x"}); !errors.Is(err, fault.ProcessCrashed) {
		t.Fatalf("infer on terminated lease: %v", err)
	}
	if ev, ok := rec.find("process_terminated"); !ok || ev.ProcessID != l.ProcessID() {
		t.Fatalf("terminated event = %+v", ev)
	}
}

func TestCrashedProcessIsReplaced(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers = map[Tier]TierLimits{Warm: {Min: 1}}
	rec := &recorder{}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)}, WithEvents(rec.record))
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := p.Stats().Processes[0].ID

	p.mu.Lock()
	h := p.procs[first].h
	p.mu.Unlock()
	_ = h.Kill()

	waitFor(t, "replacement", func() bool {
		s := p.Stats()
		return s.Total == 1 && s.Processes[0].ID != first && s.Processes[0].State == "idle"
	})
	if _, ok := rec.find("process_crashed"); !ok {
		t.Fatalf("process_crashed not published")
	}
}

func TestHealthCheckRecordsMemory(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.Tiers = map[Tier]TierLimits{Warm: {Min: 1}}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "health check", func() bool {
		s := p.Stats()
		return s.MemoryBytes > 0 && !s.Processes[0].LastHealthCheck.IsZero()
	})
}

func TestUnresponsiveWorkerFailsHealthCheck(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.HealthTimeout = 30 * time.Millisecond
	cfg.ShutdownGrace = 30 * time.Millisecond
	rec := &recorder{}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: stubbornServe}, WithEvents(rec.record))
	info, err := p.SpawnProcess(context.Background(), Warm)
	if err != nil {
		t.Fatal(err)
	}
	id := info.ID
	p.healthOnce.Do(func() { go p.healthLoop() })
	waitFor(t, "unhealthy termination", func() bool {
		ev, ok := rec.find("process_terminated")
		return ok && ev.ProcessID == id && ev.Fields["reason"] == "health_check_failed"
	})
}

func TestAcquireBindsThenReusesHotProcess(t *testing.T) {
	var calls atomic.Int32
	resolve := resolverFor(t, &calls)
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: echoServe(0)})

	l1, err := p.Acquire(context.Background(), "g1", resolve)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l1.Hot() {
		t.Fatalf("first lease cannot be hot")
	}
	res, err := l1.Infer(context.Background(), wire.Infer{Prompt: "hello world", MaxTokens: 8})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if !strings.HasPrefix(res.Output, "[g1@") || !strings.HasSuffix(res.Output, "hello world") {
		t.Fatalf("output = %q", res.Output)
	}
	procID := l1.ProcessID()
	l1.Release()
	l1.Release()

	if !p.IsHot("g1") {
		t.Fatalf("g1 should be hot after release")
	}
	l2, err := p.Acquire(context.Background(), "g1", resolve)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Release()
	if !l2.Hot() || l2.ProcessID() != procID || calls.Load() != 1 {
		t.Fatalf("hot reuse: hot=%v proc=%s/%s resolves=%d", l2.Hot(), l2.ProcessID(), procID, calls.Load())
	}
	s := p.Stats()
	if s.ByTier["hot"] != 1 || s.Requests != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestAcquireTimeoutCarriesSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 1
	cfg.AcquireTimeout = 100 * time.Millisecond
	var calls atomic.Int32
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)})

	held, err := p.Acquire(context.Background(), "g1", resolverFor(t, &calls))
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	_, err = p.Acquire(context.Background(), "g2", resolverFor(t, &calls))
	if !errors.Is(err, fault.AcquireTimeout) {
		t.Fatalf("expected acquire timeout, got %v", err)
	}
	snap, ok := fault.SnapshotOf(err)
	if !ok {
		t.Fatalf("no snapshot on %v", err)
	}
	s, ok := snap.(Stats)
	if !ok || s.Total != 1 || s.ByState["busy"] != 1 {
		t.Fatalf("snapshot = %#v", snap)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 1
	var calls atomic.Int32
	resolve := resolverFor(t, &calls)
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)})

	held, err := p.Acquire(context.Background(), "g1", resolve)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()
	l, err := p.Acquire(context.Background(), "g1", resolve)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l.Release()
}

func TestAcquireRebindsLeastRecentlyUsed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 1
	var calls atomic.Int32
	resolve := resolverFor(t, &calls)
	rec := &recorder{}
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(0)}, WithEvents(rec.record))

	l1, err := p.Acquire(context.Background(), "g1", resolve)
	if err != nil {
		t.Fatal(err)
	}
	first := l1.ProcessID()
	l1.Release()

	l2, err := p.Acquire(context.Background(), "g2", resolve)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Release()
	if l2.ProcessID() != first {
		t.Fatalf("expected rebind of %s, got %s", first, l2.ProcessID())
	}
	if p.IsHot("g1") || !p.IsHot("g2") {
		t.Fatalf("hot set after rebind: g1=%v g2=%v", p.IsHot("g1"), p.IsHot("g2"))
	}
	waitFor(t, "unbind event", func() bool {
		ev, ok := rec.find("unbind")
		return ok && ev.GenomeID == "g1"
	})
}

func TestResolveFailureLeavesPoolUntouched(t *testing.T) {
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: echoServe(0)})
	want := fault.New(fault.KindLayerNotFound, "layer.load", "missing", nil)
	_, err := p.Acquire(context.Background(), "g1", func(context.Context) (*composer.Composite, error) {
		return nil, want
	})
	if !errors.Is(err, fault.LayerNotFound) {
		t.Fatalf("expected resolver error, got %v", err)
	}
	if s := p.Stats(); s.Total != 0 || s.Pending != 0 {
		t.Fatalf("resolver failure touched the pool: %+v", s)
	}
}

func TestUnbindDemotes(t *testing.T) {
	var calls atomic.Int32
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: echoServe(0)})
	l, err := p.Acquire(context.Background(), "g1", resolverFor(t, &calls))
	if err != nil {
		t.Fatal(err)
	}
	if n := p.Unbind("g1"); n != 0 {
		t.Fatalf("busy process must keep its binding, unbound %d", n)
	}
	l.Release()
	if n := p.Unbind("g1"); n != 1 {
		t.Fatalf("unbound %d, want 1", n)
	}
	s := p.Stats()
	if p.IsHot("g1") || s.ByTier["warm"] != 1 || s.Processes[0].GenomeID != "" {
		t.Fatalf("after unbind: %+v", s)
	}
}

func TestDegradedAfterRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBudget = 2
	rec := &recorder{}
	p := newTestPool(t, cfg, failSpawner{}, WithEvents(rec.record))

	for i := 0; i < 2; i++ {
		if _, err := p.SpawnProcess(context.Background(), Warm); !errors.Is(err, fault.SpawnFailed) {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	err := p.Degraded()
	if !errors.Is(err, fault.PoolDegraded) {
		t.Fatalf("expected degraded, got %v", err)
	}
	if _, ok := fault.SnapshotOf(err); !ok {
		t.Fatalf("degraded error carries no snapshot")
	}
	var calls atomic.Int32
	if _, err := p.Acquire(context.Background(), "g1", resolverFor(t, &calls)); !errors.Is(err, fault.PoolDegraded) {
		t.Fatalf("acquire on degraded pool: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("degraded pool should not resolve")
	}
	waitFor(t, "pool_degraded event", func() bool {
		_, ok := rec.find("pool_degraded")
		return ok
	})
}

func TestAcquireAbsorbsSingleSpawnFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBudget = 5
	sp := &flakySpawner{next: &PipeSpawner{Serve: echoServe(0)}}
	sp.n.Store(1)
	p := newTestPool(t, cfg, sp)

	var calls atomic.Int32
	l, err := p.Acquire(context.Background(), "g1", resolverFor(t, &calls))
	if err != nil {
		t.Fatalf("acquire after one spawn failure: %v", err)
	}
	defer l.Release()
	s := p.Stats()
	if s.SpawnFailures != 1 || s.Degraded || s.Total != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if calls.Load() != 1 {
		t.Fatalf("resolved %d times, want 1", calls.Load())
	}
}

func TestAcquireReplacesWorkerThatCrashesWhileLoading(t *testing.T) {
	var spawned atomic.Int32
	serve := func(ctx context.Context, r io.Reader, w io.Writer) error {
		if spawned.Add(1) == 1 {
			return crashOnLoadServe(ctx, r, w)
		}
		return echoServe(0)(ctx, r, w)
	}
	rec := &recorder{}
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: serve}, WithEvents(rec.record))
	info, err := p.SpawnProcess(context.Background(), Warm)
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	l, err := p.Acquire(context.Background(), "g1", resolverFor(t, &calls))
	if err != nil {
		t.Fatalf("acquire after crash during load: %v", err)
	}
	defer l.Release()
	if l.ProcessID() == info.ID {
		t.Fatalf("lease on crashed process %s", info.ID)
	}
	if _, err := l.Infer(context.Background(), wire.Infer{Prompt: "hi"}); err != nil {
		t.Fatalf("infer on replacement: %v", err)
	}
	if ev, ok := rec.find("bind_failed"); !ok || ev.ProcessID != info.ID {
		t.Fatalf("bind_failed event = %+v", ev)
	}
	waitFor(t, "crashed process removal", func() bool {
		for _, pi := range p.Stats().Processes {
			if pi.ID == info.ID {
				return false
			}
		}
		return true
	})
}

func TestInferOnCrashedWorker(t *testing.T) {
	var calls atomic.Int32
	p := newTestPool(t, testConfig(), &PipeSpawner{Serve: echoServe(500 * time.Millisecond)})
	l, err := p.Acquire(context.Background(), "g1", resolverFor(t, &calls))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.mu.Lock()
		h := p.procs[l.ProcessID()].h
		p.mu.Unlock()
		_ = h.Kill()
	}()
	_, err = l.Infer(context.Background(), wire.Infer{Prompt: "x"})
	if !errors.Is(err, fault.ProcessCrashed) {
		t.Fatalf("expected process crashed, got %v", err)
	}
}

func TestCanceledInferenceHoldsProcessUntilReply(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 1
	var calls atomic.Int32
	resolve := resolverFor(t, &calls)
	p := newTestPool(t, cfg, &PipeSpawner{Serve: echoServe(200 * time.Millisecond)})
	l, err := p.Acquire(context.Background(), "g1", resolve)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Infer(ctx, wire.Infer{Prompt: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	l.Release()
	if got := p.Stats().ByState["busy"]; got != 1 {
		t.Fatalf("process should stay busy until the abandoned reply arrives, busy=%d", got)
	}
	waitFor(t, "process idle", func() bool { return p.Stats().ByState["idle"] == 1 })
}

func TestShutdownTerminatesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers = map[Tier]TierLimits{Warm: {Min: 2}}
	p := New(cfg, &PipeSpawner{Serve: echoServe(0)}, WithLogger(zerolog.Nop()))
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if s := p.Stats(); s.Total != 0 {
		t.Fatalf("processes left after shutdown: %+v", s)
	}
	if _, err := p.SpawnProcess(context.Background(), Warm); !errors.Is(err, ErrClosed) {
		t.Fatalf("spawn after shutdown: %v", err)
	}
}

func TestExecSpawnerIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	sp := &ExecSpawner{Path: os.Args[0], Env: []string{helperEnv + "=1"}}
	var calls atomic.Int32
	resolve := resolverFor(t, &calls)
	p := newTestPool(t, testConfig(), sp)

	a, err := p.Acquire(context.Background(), "g1", resolve)
	if err != nil {
		t.Fatalf("acquire g1: %v", err)
	}
	b, err := p.Acquire(context.Background(), "g2", resolve)
	if err != nil {
		t.Fatalf("acquire g2: %v", err)
	}
	defer b.Release()
	if a.ProcessID() == b.ProcessID() {
		t.Fatalf("both genomes on one process")
	}

	p.mu.Lock()
	h := p.procs[a.ProcessID()].h
	p.mu.Unlock()
	if h.PID() <= 0 {
		t.Fatalf("exec handle pid = %d", h.PID())
	}
	_ = h.Kill()
	if _, err := a.Infer(context.Background(), wire.Infer{Prompt: "dead"}); !errors.Is(err, fault.ProcessCrashed) {
		t.Fatalf("infer on killed worker: %v", err)
	}
	a.Release()

	res, err := b.Infer(context.Background(), wire.Infer{Prompt: "still alive"})
	if err != nil || !strings.HasSuffix(res.Output, "still alive") {
		t.Fatalf("sibling worker affected: %q %v", res.Output, err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateSpawning, StateIdle, true},
		{StateIdle, StateLoading, true},
		{StateLoading, StateReady, true},
		{StateLoading, StateIdle, true},
		{StateReady, StateBusy, true},
		{StateBusy, StateIdle, true},
		{StateIdle, StateBusy, true},
		{StateBusy, StateTerminating, false},
		{StateLoading, StateTerminating, false},
		{StateTerminating, StateIdle, false},
		{StateUnhealthy, StateIdle, false},
		{StateUnhealthy, StateTerminating, true},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
	for s := StateSpawning; s < StateTerminating; s++ {
		if !canTransition(s, StateUnhealthy) && s != StateUnhealthy {
			t.Errorf("%s cannot become unhealthy", s)
		}
	}
}

func TestTierMoves(t *testing.T) {
	if moveTier(Cold, tierBind) != Hot || moveTier(Warm, tierBind) != Hot {
		t.Fatalf("bind must promote to hot")
	}
	if moveTier(Hot, tierUnbind) != Warm || moveTier(Cold, tierUnbind) != Cold {
		t.Fatalf("unbind must demote hot to warm only")
	}
	if tr, err := ParseTier(" Warm "); err != nil || tr != Warm {
		t.Fatalf("ParseTier = %v %v", tr, err)
	}
	if _, err := ParseTier("lukewarm"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestConfigValidate(t *testing.T) {
	bad := Config{MaxProcesses: 2, Tiers: map[Tier]TierLimits{Warm: {Min: 2}, Hot: {Min: 1}}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("minimums above max should be rejected")
	}
	if err := (Config{Tiers: map[Tier]TierLimits{Hot: {Min: 3, Max: 1}}}).Validate(); err == nil {
		t.Fatalf("min above tier max should be rejected")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("zero config: %v", err)
	}
}
