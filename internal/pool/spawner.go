package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// Handle is a running worker as seen by the pool. Stdin carries requests,
// Stdout carries replies; both speak the wire protocol.
type Handle interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Exited is closed once the worker has gone away; ExitErr is valid
	// afterwards.
	Exited() <-chan struct{}
	ExitErr() error
	// Interrupt asks the worker to stop (SIGTERM for real processes).
	Interrupt() error
	Kill() error
	// Diagnostics returns a short tail of the worker's stderr, if any.
	Diagnostics() string
}

// Spawner starts workers. Spawn must return promptly; the pool waits for the
// ready message itself.
type Spawner interface {
	Spawn(ctx context.Context, id string) (Handle, error)
}

const stderrTailBytes = 4096

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// ExecSpawner runs each worker as a child process with stdin/stdout wired to
// the protocol and stderr captured for diagnostics.
type ExecSpawner struct {
	Path string
	Args []string
	// Env is appended to the coordinator's environment.
	Env []string
	Dir string
	// Stderr, when set, also receives the worker's stderr.
	Stderr io.Writer
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	tail   *tailBuffer
	done   chan struct{}
	err    error
}

func (s *ExecSpawner) Spawn(_ context.Context, id string) (Handle, error) {
	if s.Path == "" {
		return nil, errors.New("worker path is empty")
	}
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...), "GENOMED_WORKER_ID="+id)

	tail := &tailBuffer{max: stderrTailBytes}
	if s.Stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, s.Stderr)
	} else {
		cmd.Stderr = tail
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain os.Pipe keeps the read side open after Wait so the reader
	// drains every frame the worker wrote before exiting.
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = outW
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	_ = outW.Close()

	h := &execHandle{cmd: cmd, stdin: stdin, stdout: outR, tail: tail, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

func (h *execHandle) PID() int                { return h.cmd.Process.Pid }
func (h *execHandle) Stdin() io.WriteCloser   { return h.stdin }
func (h *execHandle) Stdout() io.Reader       { return h.stdout }
func (h *execHandle) Exited() <-chan struct{} { return h.done }
func (h *execHandle) Diagnostics() string     { return h.tail.String() }

func (h *execHandle) ExitErr() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *execHandle) Interrupt() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// ServeFunc runs a worker over an in-memory pipe pair. It must return when
// ctx is canceled or stdin reaches EOF.
type ServeFunc func(ctx context.Context, stdin io.Reader, stdout io.Writer) error

// PipeSpawner runs workers as goroutines connected by io.Pipe. It is used by
// tests and by single-binary deployments that trade isolation for startup
// latency.
type PipeSpawner struct {
	Serve ServeFunc
}

var pipePIDs atomic.Int64

type pipeHandle struct {
	pid    int
	inW    *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *PipeSpawner) Spawn(_ context.Context, _ string) (Handle, error) {
	if s.Serve == nil {
		return nil, errors.New("pipe spawner has no serve func")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	h := &pipeHandle{
		pid:    -int(pipePIDs.Add(1)),
		inW:    inW,
		outR:   outR,
		outW:   outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		h.err = s.Serve(ctx, inR, outW)
		_ = inR.Close()
		_ = outW.Close()
		close(h.done)
	}()
	return h, nil
}

func (h *pipeHandle) PID() int                { return h.pid }
func (h *pipeHandle) Stdin() io.WriteCloser   { return h.inW }
func (h *pipeHandle) Stdout() io.Reader       { return h.outR }
func (h *pipeHandle) Exited() <-chan struct{} { return h.done }
func (h *pipeHandle) Diagnostics() string     { return "" }

func (h *pipeHandle) ExitErr() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *pipeHandle) Interrupt() error {
	h.cancel()
	return nil
}

func (h *pipeHandle) Kill() error {
	h.cancel()
	_ = h.inW.CloseWithError(io.ErrClosedPipe)
	_ = h.outW.CloseWithError(io.ErrClosedPipe)
	return nil
}
