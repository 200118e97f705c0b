package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

const stderrTailLines = 8

// StdioTransportConfig configures a subprocess transport. Timeout bounds each
// Receive wait; QueueLimit caps replies buffered ahead of the reader.
type StdioTransportConfig struct {
	Command    string
	Args       []string
	Env        map[string]string
	Timeout    time.Duration
	QueueLimit int
}

// StdioTransport speaks newline-delimited JSON-RPC with a subprocess over its
// stdin/stdout pipes. The last few stderr lines are kept and attached to the
// error when the process dies, since MCP servers tend to log their reason
// there before exiting.
type StdioTransport struct {
	cfg   StdioTransportConfig
	cmd   *exec.Cmd
	inbox *inbox

	writeMu sync.Mutex
	stdin   io.WriteCloser

	stateMu sync.Mutex
	closed  bool

	tailMu sync.Mutex
	tail   []string

	exited chan struct{}
}

// NewStdioTransport launches the configured command and wires its pipes.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}

	// #nosec G204 -- commands come from operator-supplied registrations.
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), sortedEnv(cfg.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdio stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: stdio start %q: %w", cfg.Command, err)
	}

	t := &StdioTransport{
		cfg:    cfg,
		cmd:    cmd,
		inbox:  newInbox(cfg.QueueLimit),
		stdin:  stdin,
		exited: make(chan struct{}),
	}

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		t.readFrames(stdout)
	}()
	go func() {
		defer close(stderrDone)
		t.collectStderr(stderr)
	}()
	go t.reap(stdoutDone, stderrDone)

	return t, nil
}

// readFrames decodes one JSON-RPC message per stdout line. Blank lines are
// tolerated; anything else that fails to parse poisons the transport.
func (t *StdioTransport) readFrames(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		frame := bytes.TrimSpace(scanner.Bytes())
		if len(frame) == 0 {
			continue
		}
		var message Message
		if err := json.Unmarshal(frame, &message); err != nil {
			t.inbox.fail(fmt.Errorf("mcp: stdio malformed frame: %w", err))
			return
		}
		if err := t.inbox.put(message); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.inbox.fail(fmt.Errorf("mcp: stdio read: %w", err))
	}
	// Plain EOF means the process is going away; reap reports it.
}

func (t *StdioTransport) collectStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.tailMu.Lock()
		t.tail = append(t.tail, line)
		if len(t.tail) > stderrTailLines {
			t.tail = t.tail[1:]
		}
		t.tailMu.Unlock()
	}
}

// reap waits for the pipe readers and the process, then surfaces the exit as
// a receive fault unless Close initiated it.
func (t *StdioTransport) reap(stdoutDone, stderrDone <-chan struct{}) {
	<-stdoutDone
	<-stderrDone
	waitErr := t.cmd.Wait()
	defer close(t.exited)

	t.stateMu.Lock()
	closed := t.closed
	t.stateMu.Unlock()
	if closed {
		return
	}

	exitErr := errors.New("mcp: stdio server exited")
	if waitErr != nil {
		exitErr = fmt.Errorf("mcp: stdio server exited: %v", waitErr)
	}
	if tail := t.stderrTail(); tail != "" {
		exitErr = fmt.Errorf("%w (stderr: %s)", exitErr, tail)
	}
	t.inbox.fail(exitErr)
}

func (t *StdioTransport) stderrTail() string {
	t.tailMu.Lock()
	defer t.tailMu.Unlock()
	return strings.Join(t.tail, "; ")
}

// Send writes one newline-terminated JSON-RPC frame to the subprocess.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	t.stateMu.Lock()
	closed := t.closed
	t.stateMu.Unlock()
	if closed {
		return ErrClosed
	}

	frame, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("mcp: stdio write: %w", err)
	}
	return nil
}

// Receive returns the next buffered server message, waiting up to the
// configured timeout when one is set.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	return t.inbox.get(ctx)
}

// Close kills the subprocess and waits for it to be reaped. Idempotent.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.stateMu.Lock()
	if t.closed {
		t.stateMu.Unlock()
		return nil
	}
	t.closed = true
	t.stateMu.Unlock()

	t.inbox.shutdown()
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}

	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(env))
	for key, value := range env {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return pairs
}

var _ Transport = (*StdioTransport)(nil)
