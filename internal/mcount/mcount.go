// Package mcount implements the engine-side behavior invoked at every
// patched function entry and exit: consulting the filter engine, pushing
// and popping the per-thread shadow stack, and writing entry/exit records
// to the thread's ring buffer. Because the traced binary is external and
// unmodified, the actual register save/restore and control-flow redirect
// happen in the ptrace breakpoint handler (package traploop); this package
// is the portable engine logic that handler calls into on every trap,
// mirroring the fan-out/dispatch shape of the teacher's event-processing
// loop generalized from file-system events to entry/exit events.
package mcount

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tripwire/ftrace/internal/filter"
	"github.com/tripwire/ftrace/internal/pmu"
	"github.com/tripwire/ftrace/internal/record"
	"github.com/tripwire/ftrace/internal/ring"
	"github.com/tripwire/ftrace/internal/shadowstack"
)

// Clock abstracts the monotonic timestamp source so tests can supply
// deterministic readings, per SPEC_FULL's added Clock abstraction.
type Clock interface {
	Now() uint64 // nanoseconds, monotonic
}

// Thread holds the per-thread state the engine needs: its shadow stack and
// ring buffer. One Thread exists per traced thread, created lazily on
// first touch.
type Thread struct {
	TID   int
	Stack *shadowstack.Stack
	Ring  *ring.Buffer
}

// Engine ties the filter engine, per-thread state, and clock together to
// implement the entry/exit contract of §4.1.
type Engine struct {
	mu      sync.RWMutex
	filter  *filter.Engine
	threads map[int]*Thread
	clock   Clock
	ringCap int

	// disabled is a process-wide flag observed at every entry, set only
	// through SetDisabled by the session controller; a `disable` trigger
	// action matched in Entry does not set it.
	disabled bool

	// pmuGroup is the optional grouped PMU counter source armed via
	// SetPMUGroup; nil disables §4.6 sampling entirely.
	pmuGroup *pmu.Group
}

// pmuEventID is the reserved record.Header.EventID value for a grouped PMU
// sample, distinct from the SDT user-event ids cmd/ftrace allocates
// starting from 0x80.
const pmuEventID = 0xFE

// SetPMUGroup arms grouped PMU sampling (§4.6): from this call on, every
// recorded entry and exit issues one grouped counter read and appends it as
// a TypeEvent record alongside the entry/exit record it samples at. Passing
// nil disables sampling.
func (e *Engine) SetPMUGroup(g *pmu.Group) {
	e.mu.Lock()
	e.pmuGroup = g
	e.mu.Unlock()
}

// samplePMU issues one grouped read and writes its counters as a TypeEvent
// record for th. A read failure (or no group armed) is silent: PMU sampling
// is observability, never allowed to perturb the trace it's sampling.
func (e *Engine) samplePMU(th *Thread) {
	e.mu.RLock()
	g := e.pmuGroup
	e.mu.RUnlock()
	if g == nil {
		return
	}
	readings, err := g.Read()
	if err != nil {
		return
	}

	buf := make([]byte, 0, 8*len(readings))
	for _, r := range readings {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], r.Value)
		buf = append(buf, tmp[:]...)
	}
	h := record.Header{Timestamp: e.clock.Now(), Type: record.TypeEvent, EventID: pmuEventID, Flags: record.FlagHasPayload}
	if err := th.Ring.Write(h, &record.Payload{Raw: buf}); err != nil {
		e.bumpLost(th)
	}
}

// Event writes a single-point TypeEvent record for tid, used by an armed
// SDT probe hit (package sdt): unlike Entry/Exit it never touches the
// shadow stack, since a probe point is not a call boundary.
func (e *Engine) Event(tid int, eventID uint8, payload *record.Payload) error {
	if e.isDisabled() {
		return nil
	}
	th, err := e.ThreadFor(tid)
	if err != nil {
		return err
	}

	h := record.Header{Timestamp: e.clock.Now(), Type: record.TypeEvent, EventID: eventID, Depth: uint8(th.Stack.Depth())}
	if payload != nil {
		h.Flags |= record.FlagHasPayload
	}
	if err := th.Ring.Write(h, payload); err != nil {
		e.bumpLost(th)
	}
	return nil
}

// New creates an Engine evaluating against compiled filter f, using clock
// for timestamps and ringCap bytes for each newly created thread's ring.
func New(f *filter.Engine, clock Clock, ringCap int) *Engine {
	return &Engine{filter: f, threads: map[int]*Thread{}, clock: clock, ringCap: ringCap}
}

// ThreadFor returns the Thread for tid, lazily creating its shadow stack
// and ring buffer on first touch (§4.1 step 1).
func (e *Engine) ThreadFor(tid int) (*Thread, error) {
	e.mu.RLock()
	th, ok := e.threads[tid]
	e.mu.RUnlock()
	if ok {
		return th, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if th, ok := e.threads[tid]; ok {
		return th, nil
	}

	rb, err := ring.New(e.ringCap)
	if err != nil {
		return nil, fmt.Errorf("mcount: create ring for tid %d: %w", tid, err)
	}
	th = &Thread{TID: tid, Stack: shadowstack.New(shadowstack.DefaultCap), Ring: rb}
	e.threads[tid] = th
	return th, nil
}

// ThreadCount returns the number of threads touched so far via ThreadFor,
// whether or not they have recorded anything.
func (e *Engine) ThreadCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.threads)
}

// Threads returns a snapshot slice of every thread touched so far, in no
// particular order. Callers (package consumer) use this to enumerate the
// rings that need draining; it is safe to call concurrently with Entry and
// Exit, which may add new threads after the snapshot is taken.
func (e *Engine) Threads() []*Thread {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Thread, 0, len(e.threads))
	for _, th := range e.threads {
		out = append(out, th)
	}
	return out
}

// SetDisabled toggles the process-wide disable flag observed at every
// entry.
func (e *Engine) SetDisabled(v bool) {
	e.mu.Lock()
	e.disabled = v
	e.mu.Unlock()
}

func (e *Engine) isDisabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.disabled
}

// EntryResult reports what Entry decided, so the caller (the breakpoint
// handler) knows whether to plant the exit trampoline.
type EntryResult struct {
	Recorded   bool
	FrameDepth int
}

// Entry implements §4.1's "Engine behavior on entry" steps 2-6, plus
// argument capture and PMU sampling. childAddr is module-relative;
// realReturnAddr is the value that must eventually be restored at exit.
// regs carries the argument registers already read by the breakpoint
// handler; mem resolves string-typed argspec entries. Both are ignored
// (zero value, nil) by callers not attempting capture.
func (e *Engine) Entry(tid int, childAddr, realReturnAddr uint64, parentTriggers filter.TriggerState, regs RegSnapshot, mem MemReader) (EntryResult, error) {
	if e.isDisabled() {
		return EntryResult{}, nil
	}

	th, err := e.ThreadFor(tid)
	if err != nil {
		return EntryResult{}, err
	}

	if th.Stack.Depth() >= shadowstack.DefaultCap {
		th.Stack.PushMinimal(realReturnAddr)
		_ = th.Ring.Write(record.Header{
			Timestamp: e.clock.Now(), Type: record.TypeLost, EventID: uint8(record.LostStackOverflow),
		}, nil)
		return EntryResult{}, nil
	}

	decision := e.filter.Evaluate(childAddr)
	triggers := parentTriggers.Inherit(decision)

	recorded := decision.Record && !triggers.TraceDisabled
	lazyTime := decision.Trigger.Mask != 0 && triggers.MinTime != 0

	var argsPayload *record.Payload
	if recorded && decision.Trigger.Mask&filter.ActionArgspec != 0 {
		argsPayload = buildArgsPayload(decision.Trigger.Argspec, regs, mem)
	}

	ts := e.clock.Now()
	if recorded && !lazyTime {
		h := record.Header{Timestamp: ts, Type: record.TypeEntry, Addr: childAddr, Depth: uint8(triggers.Depth)}
		if argsPayload != nil {
			h.Flags |= record.FlagHasPayload
		}
		if err := th.Ring.Write(h, argsPayload); err != nil {
			e.bumpLost(th)
		}
	}

	frame := shadowstack.Frame{
		RealReturnAddr: realReturnAddr,
		EntryTimestamp: ts,
		RecordedDepth:  triggers.Depth,
		Triggers:       triggers,
		Recorded:       recorded,
	}
	if recorded && lazyTime {
		frame.BufferedEntryAddr = childAddr
		frame.BufferedArgs = argsPayload
	}
	if recorded && decision.Trigger.Mask&filter.ActionRetspec != 0 {
		frame.Retspec = decision.Trigger.Retspec
	}
	if err := th.Stack.Push(frame); err != nil {
		th.Stack.PushMinimal(realReturnAddr)
	}

	if recorded {
		e.samplePMU(th)
	}

	return EntryResult{Recorded: recorded, FrameDepth: th.Stack.Depth()}, nil
}

// ExitResult carries the real return address the breakpoint handler must
// restore so the tracee's control flow is unaffected.
type ExitResult struct {
	RealReturnAddr uint64
	FinishPending  bool
}

// Exit implements §4.1's "Engine behavior on exit", plus return-value
// capture and PMU sampling. tid must match a thread previously seen by
// Entry. regs carries the return-value register already read by the
// breakpoint handler; mem resolves a string-typed retspec.
func (e *Engine) Exit(tid int, regs RegSnapshot, mem MemReader) (ExitResult, error) {
	th, err := e.ThreadFor(tid)
	if err != nil {
		return ExitResult{}, err
	}
	if th.Stack.Depth() == 0 {
		return ExitResult{}, fmt.Errorf("mcount: exit with empty shadow stack for tid %d", tid)
	}

	frame := th.Stack.Pop()
	ts := e.clock.Now()
	elapsed := ts - frame.EntryTimestamp

	meetsTime := frame.Triggers.MinTime == 0 || int64(elapsed) >= frame.Triggers.MinTime

	if frame.Recorded {
		e.samplePMU(th)
	}

	if frame.Recorded && frame.BufferedEntryAddr != 0 && meetsTime {
		// Lazy-record policy: flush the deferred entry now that we know
		// the elapsed time meets the threshold, then the exit.
		entryHdr := record.Header{
			Timestamp: frame.EntryTimestamp, Type: record.TypeEntry,
			Addr: frame.BufferedEntryAddr, Depth: uint8(frame.RecordedDepth),
		}
		if frame.BufferedArgs != nil {
			entryHdr.Flags |= record.FlagHasPayload
		}
		if err := th.Ring.Write(entryHdr, frame.BufferedArgs); err != nil {
			e.bumpLost(th)
		}
	}

	if frame.Recorded && (frame.BufferedEntryAddr == 0 || meetsTime) {
		retval := buildRetvalPayload(frame.Retspec, regs, mem)
		exitHdr := record.Header{Timestamp: ts, Type: record.TypeExit, Depth: uint8(frame.RecordedDepth)}
		if retval != nil {
			exitHdr.Flags |= record.FlagHasPayload
		}
		if err := th.Ring.Write(exitHdr, retval); err != nil {
			e.bumpLost(th)
		}
	}

	return ExitResult{RealReturnAddr: frame.RealReturnAddr, FinishPending: frame.Triggers.FinishPending}, nil
}

func (e *Engine) bumpLost(th *Thread) {
	_ = th.Ring.Write(record.Header{
		Timestamp: e.clock.Now(), Type: record.TypeLost, EventID: uint8(record.LostRingFull),
	}, nil)
}
