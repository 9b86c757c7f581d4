package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"genomed/internal/composer"
	"genomed/internal/layer"
	"genomed/internal/wire"
)

type harness struct {
	toWorker   *io.PipeWriter
	fromWorker *io.PipeReader
	done       chan error
}

func start(t *testing.T, eng Engine) *harness {
	t.Helper()
	reqR, reqW := io.Pipe()
	repR, repW := io.Pipe()
	h := &harness{toWorker: reqW, fromWorker: repR, done: make(chan error, 1)}
	go func() {
		err := Serve(context.Background(), reqR, repW, eng, Options{Version: "test"})
		_ = repW.Close()
		h.done <- err
	}()
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = repR.Close()
	})
	id, rep, err := wire.ReadReply(repR)
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if r, ok := rep.(wire.Ready); !ok || id != 0 || r.Version != "test" {
		t.Fatalf("first message = %#v id=%d", rep, id)
	}
	return h
}

func (h *harness) send(t *testing.T, id uint64, req wire.Request) {
	t.Helper()
	if err := wire.WriteRequest(h.toWorker, id, req); err != nil {
		t.Fatalf("write %s: %v", req.Kind(), err)
	}
}

func (h *harness) recv(t *testing.T) (uint64, wire.Reply) {
	t.Helper()
	id, rep, err := wire.ReadReply(h.fromWorker)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return id, rep
}

func writeAdapter(t *testing.T) string {
	t.Helper()
	p := layer.EncodeWeights([]float32{1, 2})
	l := &layer.Layer{ID: "a", Size: int64(len(p)), Payload: p,
		Descriptor: layer.Descriptor{BaseFamily: "llama", Rank: 4, Modules: []string{"q_proj"}}}
	c, _, err := composer.Compose([]composer.Weighted{{Layer: l, Weight: 1}}, composer.Options{})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	b, err := composer.MarshalArtifact(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), c.Checksum+".adapter")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServeLifecycle(t *testing.T) {
	h := start(t, &EchoEngine{})

	h.send(t, 1, wire.Infer{Prompt: "too early"})
	if _, rep := h.recv(t); rep.Kind() != wire.KindError {
		t.Fatalf("infer before load should fail, got %#v", rep)
	}

	h.send(t, 2, wire.LoadGenome{GenomeID: "p1", AdapterRef: writeAdapter(t)})
	id, rep := h.recv(t)
	if l, ok := rep.(wire.Loaded); !ok || id != 2 || l.GenomeID != "p1" {
		t.Fatalf("load reply = %#v id=%d", rep, id)
	}

	h.send(t, 3, wire.Infer{Prompt: "hello there world", MaxTokens: 2})
	id, rep = h.recv(t)
	res, ok := rep.(wire.Result)
	if !ok || id != 3 || !strings.HasPrefix(res.Output, "[p1@") || !strings.HasSuffix(res.Output, "hello there") {
		t.Fatalf("result = %#v id=%d", rep, id)
	}

	h.send(t, 4, wire.HealthCheck{})
	id, rep = h.recv(t)
	if hl, ok := rep.(wire.Health); !ok || id != 4 || hl.GenomeID != "p1" || hl.MemoryBytes == 0 {
		t.Fatalf("health = %#v", rep)
	}

	h.send(t, 5, wire.Shutdown{})
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after shutdown")
	}
}

func TestServeBadAdapter(t *testing.T) {
	h := start(t, &EchoEngine{})
	h.send(t, 1, wire.LoadGenome{GenomeID: "p1", AdapterRef: filepath.Join(t.TempDir(), "missing.adapter")})
	if _, rep := h.recv(t); rep.Kind() != wire.KindError {
		t.Fatalf("expected error reply, got %#v", rep)
	}
}

// rejectEngine refuses every adapter, like an engine that cannot apply the
// composite's payload format.
type rejectEngine struct{ EchoEngine }

func (*rejectEngine) Load(context.Context, string, *composer.Composite) error {
	return errors.New("unsupported adapter format")
}

func TestEngineLoadFailureIsReported(t *testing.T) {
	h := start(t, &rejectEngine{})
	h.send(t, 1, wire.LoadGenome{GenomeID: "p1", AdapterRef: writeAdapter(t)})
	id, rep := h.recv(t)
	we, ok := rep.(wire.Error)
	if !ok || id != 1 || !strings.Contains(we.Detail, "unsupported adapter format") {
		t.Fatalf("load reply = %#v id=%d", rep, id)
	}
	h.send(t, 2, wire.Infer{Prompt: "hi"})
	if _, rep := h.recv(t); rep.Kind() != wire.KindError {
		t.Fatalf("infer after rejected load should fail, got %#v", rep)
	}
}

func TestHealthAnsweredDuringInference(t *testing.T) {
	h := start(t, &EchoEngine{Delay: 300 * time.Millisecond})
	h.send(t, 1, wire.LoadGenome{GenomeID: "p1", AdapterRef: writeAdapter(t)})
	h.recv(t)

	h.send(t, 2, wire.Infer{Prompt: "slow"})
	h.send(t, 3, wire.HealthCheck{})
	id, rep := h.recv(t)
	if id != 3 || rep.Kind() != wire.KindHealth {
		t.Fatalf("expected health first, got id=%d %#v", id, rep)
	}
	id, rep = h.recv(t)
	if id != 2 || rep.Kind() != wire.KindResult {
		t.Fatalf("expected result second, got id=%d %#v", id, rep)
	}
}

func TestServeStopsOnClose(t *testing.T) {
	h := start(t, &EchoEngine{})
	_ = h.toWorker.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned %v on clean close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after stdin closed")
	}
}
