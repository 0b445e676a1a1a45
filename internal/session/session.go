// Package session is the process-wide orchestrator of a trace run: it
// loads configuration, builds the symbol index, compiles the filter
// spec, installs patches, and carries the session through its lifecycle
// states, mirroring the shape of the teacher's Agent orchestrator
// (internal/agent) generalized from watcher/queue/transport wiring to
// module/filter/patcher/mcount wiring.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/ftrace/internal/arch"
	"github.com/tripwire/ftrace/internal/config"
	"github.com/tripwire/ftrace/internal/filter"
	"github.com/tripwire/ftrace/internal/mcount"
	"github.com/tripwire/ftrace/internal/module"
	"github.com/tripwire/ftrace/internal/patcher"
	"github.com/tripwire/ftrace/internal/sidecar"
)

// State is one node of the session lifecycle FSM.
type State int

const (
	Init State = iota
	Armed
	Tracing
	Flushing
	Done
	// Detached is reachable from any state on a fatal error.
	Detached
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Armed:
		return "armed"
	case Tracing:
		return "tracing"
	case Flushing:
		return "flushing"
	case Done:
		return "done"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// monotonicClock implements mcount.Clock using time.Now's monotonic
// reading, the simplest Clock that still satisfies the interface's
// nanosecond contract.
type monotonicClock struct{ start time.Time }

func (c monotonicClock) Now() uint64 { return uint64(time.Since(c.start)) }

// resolver adapts a *module.Module to filter.SymbolResolver, supporting a
// literal-name or trailing-`*`-glob pattern as described for the filter
// spec grammar.
type resolver struct{ mod *module.Module }

func (r resolver) Resolve(pattern string) ([]module.Symbol, error) {
	var out []module.Symbol
	for _, s := range r.mod.Symbols() {
		if globMatch(pattern, s.Name) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no symbol matches %q", pattern)
	}
	return out, nil
}

func globMatch(pattern, s string) bool {
	if pattern == s {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(s) >= len(prefix) && s[:len(prefix)] == prefix
	}
	return false
}

// Controller drives one trace session end to end: Init builds the symbol
// index and filter engine; Arm installs patches; the mcount engine then
// records entries/exits until Finish (or a fatal signal) begins Flushing,
// which drains every thread's ring before the session reaches Done.
type Controller struct {
	cfg    *config.Config
	logger *slog.Logger

	outputDir string

	mu    sync.RWMutex
	state State

	mod     *module.Module
	filter  *filter.Engine
	backend arch.Backend
	patches *patcher.Table
	engine  *mcount.Engine

	startTime time.Time
	detachErr error
}

// Options carries the inputs Init needs beyond the YAML-layered Config:
// the traced binary's path, the attached pid, and the output directory
// the sidecar and per-tid *.dat files are written under.
type Options struct {
	BinaryPath string
	Pid        int
	OutputDir  string
	GOARCH     string
}

// New creates a Controller in state Init. Call Init to load the symbol
// index and compile the filter spec before Arm.
func New(cfg *config.Config, logger *slog.Logger) *Controller {
	return &Controller{cfg: cfg, logger: logger, state: Init}
}

// Init parses the module's ELF symbol table, compiles the configured
// filter/trigger spec against it, selects the architecture backend, and
// creates the output directory and patch journal. It does not install any
// patches; call Arm for that once Init succeeds.
func (c *Controller) Init(ctx context.Context, opt Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Init {
		return fmt.Errorf("session: Init called in state %s, want %s", c.state, Init)
	}

	backend, err := arch.For(opt.GOARCH)
	if err != nil {
		return c.detach(fmt.Errorf("session: %w", err))
	}
	c.backend = backend

	mod, err := module.Load(opt.BinaryPath)
	if err != nil {
		return c.detach(fmt.Errorf("session: load module: %w", err))
	}
	c.mod = mod

	eng, err := filter.Compile(c.cfg.FilterSpec, resolver{mod: mod})
	if err != nil {
		return c.detach(fmt.Errorf("session: compile filter: %w", err))
	}
	c.filter = eng

	if err := os.MkdirAll(opt.OutputDir, 0o755); err != nil {
		return c.detach(fmt.Errorf("session: create output dir: %w", err))
	}
	c.outputDir = opt.OutputDir

	journalPath := filepath.Join(opt.OutputDir, "patch.journal")
	table, err := patcher.Open(opt.Pid, backend, journalPath)
	if err != nil {
		return c.detach(fmt.Errorf("session: open patch table: %w", err))
	}
	c.patches = table

	c.engine = mcount.New(eng, monotonicClock{start: time.Now()}, c.cfg.Buffer.RingSize)
	c.startTime = time.Now()

	c.logger.Info("session initialised",
		slog.String("binary", opt.BinaryPath),
		slog.Int("pid", opt.Pid),
		slog.String("arch", backend.Name()),
		slog.Int("symbols", len(mod.Symbols())),
	)

	if err := ctx.Err(); err != nil {
		return c.detach(fmt.Errorf("session: init cancelled: %w", err))
	}
	return nil
}

// Arm installs prologue/PLT patches at every filter-selected address and
// transitions Init to Armed. sites is the caller-resolved (addr, stubAddr)
// pair list; the session controller does not itself decide which mode
// (prologue vs. PLT) applies to a given symbol, since that depends on
// whether the call site is direct or goes through the PLT, a distinction
// §4.5 leaves to the patcher's caller.
func (c *Controller) Arm(sites []PatchSite) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Init {
		return fmt.Errorf("session: Arm called in state %s, want %s", c.state, Init)
	}

	for _, s := range sites {
		var err error
		if s.PLT {
			err = c.patches.PatchPLT(s.Addr, s.StubAddr)
		} else {
			err = c.patches.PatchPrologue(s.Addr, s.StubAddr)
		}
		if err != nil {
			return c.detach(fmt.Errorf("session: patch %#x: %w", s.Addr, err))
		}
	}

	c.state = Armed
	c.logger.Info("session armed", slog.Int("patch_sites", len(sites)))
	return nil
}

// PatchSite is one target address Arm installs a patch at.
type PatchSite struct {
	Addr     uint64
	StubAddr uint64
	PLT      bool
}

// OnReturn transitions Armed to Tracing: control has returned to the
// traced program past the patch sites and entries may now be recorded.
func (c *Controller) OnReturn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Armed {
		return fmt.Errorf("session: OnReturn called in state %s, want %s", c.state, Armed)
	}
	c.state = Tracing
	return nil
}

// Engine returns the mcount engine the breakpoint handler dispatches
// entry/exit calls into. It is valid only once the session has reached
// Tracing.
func (c *Controller) Engine() *mcount.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Module returns the traced binary's parsed symbol index, valid once Init
// has succeeded. The caller (cmd/ftrace) sets its LoadBase field once the
// runtime mapping address is known from /proc/<pid>/maps, since that
// address cannot be known until after the tracee is attached.
func (c *Controller) Module() *module.Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mod
}

// Patches returns the patch table installed by Arm, so the breakpoint
// dispatch loop can look up original bytes for each armed site.
func (c *Controller) Patches() *patcher.Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patches
}

// Finish begins the Flushing transition: the traced process exited, a
// `finish` trigger fired, or a fatal signal arrived. It disables further
// recording immediately so in-flight exits don't race a drain.
func (c *Controller) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Tracing {
		return fmt.Errorf("session: Finish called in state %s (%w)", c.state, ErrNotArmed)
	}
	if c.engine != nil {
		c.engine.SetDisabled(true)
	}
	c.state = Flushing
	c.logger.Info("session flushing")
	return nil
}

// Disable sets the engine's process-wide disable flag without changing
// the lifecycle state, mirroring the `disable` trigger and the trace
// control API's POST /v1/disable.
func (c *Controller) Disable() {
	c.mu.RLock()
	eng := c.engine
	c.mu.RUnlock()
	if eng != nil {
		eng.SetDisabled(true)
	}
}

// Enable clears the engine's process-wide disable flag.
func (c *Controller) Enable() {
	c.mu.RLock()
	eng := c.engine
	c.mu.RUnlock()
	if eng != nil {
		eng.SetDisabled(false)
	}
}

// WaitDone drains the sidecar metadata to disk and transitions Flushing to
// Done. Ring drain itself is the consumer's job (package consumer); by the
// time WaitDone is called the caller has already confirmed every thread's
// ring is empty or the drain timeout elapsed.
func (c *Controller) WaitDone(exitStatus int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Flushing {
		return fmt.Errorf("session: WaitDone called in state %s, want %s", c.state, Flushing)
	}

	w := sidecar.NewInfoWriter()
	w.Set("exename", c.mod.Path)
	w.Set("build_id", c.mod.BuildID)
	w.Set("exit_status", fmt.Sprintf("%d", exitStatus))
	w.Set("record_date", time.Now().UTC().Format(time.RFC3339))
	w.Set("elapsed_time", time.Since(c.startTime).String())
	if err := w.WriteTo(c.outputDir); err != nil {
		c.logger.Warn("session: write sidecar info failed", slog.Any("error", err))
	}

	c.state = Done
	c.logger.Info("session done")
	return nil
}

// Detach forces a transition to Detached from any state, used when a
// fatal error makes further tracing unsafe (e.g. a patch write failed
// mid-session). The original error is retained for Status.
func (c *Controller) Detach(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.detach(cause)
}

// detach is the lock-held implementation shared by Detach and the Init/Arm
// error paths.
func (c *Controller) detach(cause error) error {
	c.state = Detached
	c.detachErr = cause
	if c.engine != nil {
		c.engine.SetDisabled(true)
	}
	c.logger.Error("session detached", slog.Any("error", cause))
	return cause
}

// Status is a point-in-time snapshot of the session, served by the trace
// control API's GET /v1/session and by the gRPC control service's Status.
type Status struct {
	State       string
	ModuleCount int
	ThreadCount int
	DetachError string
}

// Status returns a snapshot of the current lifecycle state. ThreadCount
// reflects only threads the mcount engine has already touched via
// ThreadFor, not every OS thread in the tracee.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{State: c.state.String()}
	if c.mod != nil {
		st.ModuleCount = 1
	}
	if c.engine != nil {
		st.ThreadCount = c.engine.ThreadCount()
	}
	if c.detachErr != nil {
		st.DetachError = c.detachErr.Error()
	}
	return st
}

// Close releases the patch table's journal. It does not unpatch any site;
// call UnpatchAll on the patch table first for a clean detach.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patches == nil {
		return nil
	}
	return c.patches.Close()
}

// ErrNotArmed is returned by operations that require the session to have
// already reached at least the Armed state.
var ErrNotArmed = errors.New("session: not armed")
