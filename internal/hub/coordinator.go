// Package hub dispatches swap, txMonitor and targetList jobs with
// at-most-one in-flight per namespace and re-emits lifecycle events.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solana-warchest/internal/blockchain"
)

// Command identifies the job kind.
type Command string

const (
	CommandSwap      Command = "swap"
	CommandTxMonitor Command = "txMonitor"
	CommandTargets   Command = "targetList"
)

// ErrAlreadyRunning is returned when a namespace is busy. Jobs never
// queue.
var ErrAlreadyRunning = fmt.Errorf("job already running for namespace")

// Event is one lifecycle notification: start, result or error.
type Event struct {
	Type      string      `json:"type"` // start | result | error
	Command   Command     `json:"command"`
	Namespace string      `json:"namespace"`
	JobID     string      `json:"jobId"`
	Payload   interface{} `json:"payload,omitempty"`
	Err       string      `json:"err,omitempty"`
	At        int64       `json:"at"` // unix ms
}

// Worker executes one job kind. The payload is command-specific.
type Worker func(ctx context.Context, payload interface{}) (interface{}, error)

// Options tune a single run.
type Options struct {
	// Detached launches the worker as a fire-and-forget sibling
	// process; the coordinator returns a descriptor without awaiting.
	Detached bool
	// TimeoutMs cancels the job when positive; expiry surfaces as a
	// Timeout error.
	TimeoutMs int64
}

// Detached describes a fire-and-forget sibling process.
type Detached struct {
	DetachedFlag bool   `json:"detached"`
	Pid          int    `json:"pid"`
	PayloadFile  string `json:"payloadFile"`
}

// Coordinator is the single-owner job registry. One per process.
type Coordinator struct {
	mu      sync.Mutex
	active  map[string]string // namespace -> jobId
	workers map[Command]Worker

	listeners []func(Event)

	cleanupMu sync.Mutex
	cleanups  []func()
	ranOnce   bool
	sigCh     chan os.Signal

	// payloadDir holds detached-job payload files.
	payloadDir string
	// detachedArg0 is the executable to spawn for detached jobs;
	// defaults to the current binary.
	detachedArg0 string
}

// New creates a coordinator. payloadDir receives detached-job payload
// files; attachSignals installs the SIGINT/SIGTERM cleanup hook.
func New(payloadDir string, attachSignals bool) *Coordinator {
	c := &Coordinator{
		active:     make(map[string]string),
		workers:    make(map[Command]Worker),
		payloadDir: payloadDir,
	}
	if attachSignals {
		c.sigCh = make(chan os.Signal, 1)
		signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig, ok := <-c.sigCh
			if !ok {
				return
			}
			log.Info().Str("signal", sig.String()).Msg("🛑 shutdown signal received")
			c.RunCleanups()
		}()
	}
	return c
}

// RegisterWorker binds the executor for a command.
func (c *Coordinator) RegisterWorker(cmd Command, w Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[cmd] = w
}

// Subscribe adds a lifecycle event listener. Listeners must not block.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Namespace derives the lock key for a command and payload identity.
func Namespace(cmd Command, ident string) string {
	switch cmd {
	case CommandSwap:
		return "wallet:" + ident
	case CommandTxMonitor:
		return "tx:" + ident
	default:
		return string(CommandTargets)
	}
}

// Run executes a job. The namespace is registered before the worker
// starts and always released on completion, success or not.
func (c *Coordinator) Run(ctx context.Context, cmd Command, namespace string, payload interface{}, opts Options) (interface{}, error) {
	c.mu.Lock()
	worker, ok := c.workers[cmd]
	if !ok {
		c.mu.Unlock()
		return nil, blockchain.Errorf(blockchain.KindInvalidInput, "hub.Run", "no worker for command %q", cmd)
	}
	if jobID, busy := c.active[namespace]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (job %s)", ErrAlreadyRunning, namespace, jobID)
	}
	jobID := uuid.NewString()
	c.active[namespace] = jobID
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.active, namespace)
		c.mu.Unlock()
	}

	if opts.Detached {
		desc, err := c.spawnDetached(cmd, namespace, jobID, payload)
		release()
		if err != nil {
			return nil, err
		}
		return desc, nil
	}

	c.emit(Event{Type: "start", Command: cmd, Namespace: namespace, JobID: jobID, At: nowMs()})

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := worker(runCtx, payload)
	release()

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = blockchain.E(blockchain.KindTimeout, "hub.Run", err)
		}
		c.emit(Event{Type: "error", Command: cmd, Namespace: namespace, JobID: jobID, Err: err.Error(), At: nowMs()})
		return nil, err
	}
	c.emit(Event{Type: "result", Command: cmd, Namespace: namespace, JobID: jobID, Payload: result, At: nowMs()})
	return result, nil
}

// Active returns a copy of the busy namespaces.
func (c *Coordinator) Active() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.active))
	for ns, id := range c.active {
		out[ns] = id
	}
	return out
}

// RegisterCleanup adds a shutdown hook. Hooks run at most once, in
// reverse registration order.
func (c *Coordinator) RegisterCleanup(fn func()) {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	c.cleanups = append(c.cleanups, fn)
}

// RunCleanups fires every registered cleanup exactly once and removes
// the signal handlers.
func (c *Coordinator) RunCleanups() {
	c.cleanupMu.Lock()
	if c.ranOnce {
		c.cleanupMu.Unlock()
		return
	}
	c.ranOnce = true
	hooks := make([]func(), len(c.cleanups))
	copy(hooks, c.cleanups)
	c.cleanupMu.Unlock()

	if c.sigCh != nil {
		signal.Stop(c.sigCh)
		close(c.sigCh)
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// spawnDetached writes the payload to a recoverable file and launches
// the current binary as a sibling worker process.
func (c *Coordinator) spawnDetached(cmd Command, namespace, jobID string, payload interface{}) (*Detached, error) {
	if err := os.MkdirAll(c.payloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}
	payloadFile := filepath.Join(c.payloadDir, fmt.Sprintf("job-%s.json", jobID))

	doc := map[string]interface{}{
		"command":   cmd,
		"namespace": namespace,
		"jobId":     jobID,
		"payload":   payload,
		"createdAt": nowMs(),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := os.WriteFile(payloadFile, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write payload: %w", err)
	}

	arg0 := c.detachedArg0
	if arg0 == "" {
		arg0, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	proc := exec.Command(arg0, "__detached", "--payload", payloadFile)
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("spawn detached worker: %w", err)
	}
	// Reap the child in the background so it never zombies.
	go func() { _ = proc.Wait() }()

	log.Info().
		Str("command", string(cmd)).
		Str("namespace", namespace).
		Int("pid", proc.Process.Pid).
		Msg("detached worker started")

	return &Detached{DetachedFlag: true, Pid: proc.Process.Pid, PayloadFile: payloadFile}, nil
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	listeners := make([]func(Event), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
