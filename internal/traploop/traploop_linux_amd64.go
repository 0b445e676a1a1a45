//go:build linux && amd64

// Package traploop implements the ptrace breakpoint handler described for
// §4.1: the loop that waits for the traced process to stop, decides whether
// the stop is a patched function entry or the shared exit trampoline, and
// dispatches into the mcount engine. It plays the role the teacher's
// watcher goroutines play for filesystem/process/network events (a single
// blocking wait loop translating OS-level notifications into typed calls
// into the rest of the system), retargeted from inotify/netlink events to
// ptrace stops.
//
// Entry dispatch follows the classic "return-address interposition"
// technique used by userspace function tracers attaching to unmodified
// binaries: at a patched entry point, the real return address is read off
// the stack, handed to mcount.Entry for safekeeping in the shadow stack,
// and overwritten with the address of a single shared trampoline page
// containing one trap instruction. When the traced function eventually
// returns, control lands in the trampoline instead; the handler there
// calls mcount.Exit, which hands back the real return address, and the
// tracee's program counter is rewritten to it before resuming — the
// tracee's own control flow is never visibly altered.
//
// This file implements the amd64/Linux backend only; see
// traploop_other.go for the stub returned on every other platform.
package traploop

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tripwire/ftrace/internal/filter"
	"github.com/tripwire/ftrace/internal/mcount"
	"github.com/tripwire/ftrace/internal/patcher"
	"github.com/tripwire/ftrace/internal/session"
)

// trapByte is the injected breakpoint opcode for amd64 (INT3).
const trapByte = 0xCC

// Loop drives one tracee's ptrace wait loop.
type Loop struct {
	pid        int
	engine     *mcount.Engine
	controller *session.Controller
	loadBase   uint64
	trampoline uint64
	logger     *slog.Logger

	origBytes map[uint64][]byte
	sdtSites  map[uint64]uint8
}

// SetSDTSites registers the absolute addresses of armed static-probe
// points and the event ID each reports under. A trap at one of these
// addresses is dispatched as an untracked mcount.Engine.Event rather than
// a function entry: SDT probes are inline markers, not calls, so there is
// no return address on the stack to redirect through the exit trampoline.
func (l *Loop) SetSDTSites(sites map[uint64]uint8) {
	l.sdtSites = sites
}

// New creates a Loop dispatching traps for the already-attached and
// already-armed tracee pid. trampoline is the address returned by
// InstallTrampoline. loadBase is the runtime base address the traced
// module was mapped at, used to translate absolute trap addresses back to
// the module-relative addresses the filter engine was compiled against.
func New(pid int, sites *patcher.Table, engine *mcount.Engine, controller *session.Controller, loadBase, trampoline uint64, logger *slog.Logger) *Loop {
	orig := make(map[uint64][]byte, len(sites.Sites()))
	for _, s := range sites.Sites() {
		orig[s.Addr] = s.OriginalByte
	}
	return &Loop{
		pid: pid, engine: engine, controller: controller,
		loadBase: loadBase, trampoline: trampoline, logger: logger,
		origBytes: orig,
	}
}

// Run blocks, dispatching every ptrace stop for pid until the tracee exits
// or a fatal ptrace error occurs. It returns nil on a clean exit.
func (l *Loop) Run() error {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(l.pid, &ws, 0, nil)
		if err != nil {
			return fmt.Errorf("traploop: wait4: %w", err)
		}

		if ws.Exited() || ws.Signaled() {
			return nil
		}
		if !ws.Stopped() {
			continue
		}
		if ws.StopSignal() != unix.SIGTRAP {
			// A real signal destined for the tracee (e.g. SIGSEGV);
			// forward it unmodified and keep waiting.
			if err := unix.PtraceCont(wpid, int(ws.StopSignal())); err != nil {
				return fmt.Errorf("traploop: forward signal: %w", err)
			}
			continue
		}

		if err := l.handleTrap(wpid); err != nil {
			return err
		}
	}
}

func (l *Loop) handleTrap(tid int) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return fmt.Errorf("traploop: getregs: %w", err)
	}

	// INT3 advances RIP past the trap byte; the logical trap address is
	// one byte earlier.
	trapAddr := regs.Rip - 1

	eventID, isSDT := l.sdtSites[trapAddr]

	switch {
	case trapAddr == l.trampoline:
		return l.handleExit(tid, &regs)
	case isSDT:
		return l.handleSDT(tid, eventID, trapAddr)
	case l.isEntrySite(trapAddr):
		return l.handleEntry(tid, &regs, trapAddr)
	default:
		// A SIGTRAP we didn't arm ourselves; rewind RIP and continue
		// rather than risk corrupting the tracee's control flow.
		regs.Rip = trapAddr
		if err := unix.PtraceSetRegs(tid, &regs); err != nil {
			return fmt.Errorf("traploop: setregs: %w", err)
		}
		return unix.PtraceCont(tid, 0)
	}
}

// handleSDT reports an untracked event record for a static probe hit, then
// steps over the trap exactly as a prologue patch would, without touching
// the return address: the probe site is a marker instruction inline in
// the tracee's normal control flow, not a call.
func (l *Loop) handleSDT(tid int, eventID uint8, trapAddr uint64) error {
	if err := l.engine.Event(tid, eventID, nil); err != nil {
		l.logger.Warn("traploop: sdt event dispatch failed",
			slog.Int("tid", tid), slog.Uint64("addr", trapAddr), slog.Any("error", err))
	}
	if err := l.stepOverTrap(tid, trapAddr); err != nil {
		return err
	}
	return unix.PtraceCont(tid, 0)
}

func (l *Loop) isEntrySite(addr uint64) bool {
	_, ok := l.origBytes[addr]
	return ok
}

func (l *Loop) handleEntry(tid int, regs *unix.PtraceRegs, trapAddr uint64) error {
	var retBuf [8]byte
	if _, err := unix.PtracePeekData(tid, uintptr(regs.Rsp), retBuf[:]); err != nil {
		return fmt.Errorf("traploop: peek return address: %w", err)
	}
	realReturn := binary.LittleEndian.Uint64(retBuf[:])

	th, err := l.engine.ThreadFor(tid)
	if err != nil {
		return fmt.Errorf("traploop: thread for tid %d: %w", tid, err)
	}
	var parent filter.TriggerState
	if top, ok := th.Stack.Peek(0); ok {
		parent = top.Triggers
	}

	snap := mcount.RegSnapshot{
		IntArgs: []uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.Rcx, regs.R8, regs.R9},
	}
	mem := func(addr uint64, max int) ([]byte, error) { return peekText(tid, addr, max) }

	if _, err := l.engine.Entry(tid, trapAddr-l.loadBase, realReturn, parent, snap, mem); err != nil {
		l.logger.Warn("traploop: entry dispatch failed",
			slog.Int("tid", tid), slog.Uint64("addr", trapAddr), slog.Any("error", err))
	}

	var stub [8]byte
	binary.LittleEndian.PutUint64(stub[:], l.trampoline)
	if _, err := unix.PtracePokeData(tid, uintptr(regs.Rsp), stub[:]); err != nil {
		return fmt.Errorf("traploop: redirect return address: %w", err)
	}

	if err := l.stepOverTrap(tid, trapAddr); err != nil {
		return err
	}
	return unix.PtraceCont(tid, 0)
}

// stepOverTrap restores the patched site's original byte, single-steps the
// tracee across it, then re-arms the trap so the next call to the same
// function is caught again.
func (l *Loop) stepOverTrap(tid int, addr uint64) error {
	orig, ok := l.origBytes[addr]
	if !ok {
		return fmt.Errorf("traploop: no original bytes recorded for %#x", addr)
	}
	if err := pokeText(tid, addr, orig); err != nil {
		return fmt.Errorf("traploop: restore original byte at %#x: %w", addr, err)
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return fmt.Errorf("traploop: getregs before step: %w", err)
	}
	regs.Rip = addr
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return fmt.Errorf("traploop: setregs before step: %w", err)
	}

	if err := unix.PtraceSingleStep(tid); err != nil {
		return fmt.Errorf("traploop: single step at %#x: %w", addr, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return fmt.Errorf("traploop: wait after single step: %w", err)
	}

	if err := pokeText(tid, addr, []byte{trapByte}); err != nil {
		return fmt.Errorf("traploop: re-arm trap at %#x: %w", addr, err)
	}
	return nil
}

func (l *Loop) handleExit(tid int, regs *unix.PtraceRegs) error {
	snap := mcount.RegSnapshot{RetVal: regs.Rax}
	mem := func(addr uint64, max int) ([]byte, error) { return peekText(tid, addr, max) }

	res, err := l.engine.Exit(tid, snap, mem)
	if err != nil {
		return fmt.Errorf("traploop: exit dispatch: %w", err)
	}

	regs.Rip = res.RealReturnAddr
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return fmt.Errorf("traploop: setregs after exit: %w", err)
	}

	if res.FinishPending {
		if err := l.controller.Finish(); err != nil {
			l.logger.Warn("traploop: finish trigger failed", slog.Any("error", err))
		}
	}

	return unix.PtraceCont(tid, 0)
}

// InstallTrampoline allocates a one-page, read/execute trampoline inside
// the tracee by injecting a remote mmap(2) call at entryPoint — the
// inferior-function-call technique ptrace-based debuggers use to run code
// inside a stopped tracee without a cooperating stub. entryPoint only needs
// to be an address the tracee is currently stopped at with a full set of
// saved registers to restore afterwards; the caller passes the ELF entry
// point for a freshly execve'd tracee, or the current RIP for an
// attach-to-running-pid session, since the original bytes and registers are
// restored exactly once the injected call returns.
func InstallTrampoline(pid int, entryPoint uint64) (uint64, error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &saved); err != nil {
		return 0, fmt.Errorf("traploop: getregs: %w", err)
	}

	origCode, err := peekText(pid, entryPoint, 8)
	if err != nil {
		return 0, fmt.Errorf("traploop: peek entry point: %w", err)
	}

	// "syscall; int3": the syscall runs with the registers we set below,
	// then traps straight back to us so we never hand control to the
	// tracee's real code with bogus registers.
	if err := pokeText(pid, entryPoint, []byte{0x0f, 0x05, trapByte}); err != nil {
		return 0, fmt.Errorf("traploop: poke mmap stub: %w", err)
	}

	regs := saved
	regs.Rip = entryPoint
	regs.Rax = unix.SYS_MMAP
	regs.Rdi = 0
	regs.Rsi = uint64(unix.Getpagesize())
	regs.Rdx = uint64(unix.PROT_READ | unix.PROT_EXEC)
	regs.R10 = uint64(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS)
	regs.R8 = ^uint64(0) // fd -1
	regs.R9 = 0

	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return 0, fmt.Errorf("traploop: setregs for mmap stub: %w", err)
	}
	if err := unix.PtraceCont(pid, 0); err != nil {
		return 0, fmt.Errorf("traploop: cont into mmap stub: %w", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("traploop: wait for mmap stub: %w", err)
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &after); err != nil {
		return 0, fmt.Errorf("traploop: getregs after mmap stub: %w", err)
	}
	page := after.Rax
	if signed := int64(page); signed < 0 && signed > -4096 {
		return 0, fmt.Errorf("traploop: remote mmap failed: errno %d", -signed)
	}

	if err := pokeText(pid, entryPoint, origCode); err != nil {
		return 0, fmt.Errorf("traploop: restore entry point: %w", err)
	}
	if err := unix.PtraceSetRegs(pid, &saved); err != nil {
		return 0, fmt.Errorf("traploop: restore registers: %w", err)
	}

	if err := pokeText(pid, page, []byte{trapByte}); err != nil {
		return 0, fmt.Errorf("traploop: arm trampoline trap: %w", err)
	}
	return page, nil
}

func peekText(pid int, addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	got := 0
	for got < n {
		c, err := unix.PtracePeekText(pid, uintptr(addr)+uintptr(got), out[got:])
		if err != nil {
			return nil, err
		}
		if c == 0 {
			return nil, fmt.Errorf("traploop: peektext at %#x: read zero bytes", addr)
		}
		got += c
	}
	return out, nil
}

func pokeText(pid int, addr uint64, data []byte) error {
	_, err := unix.PtracePokeText(pid, uintptr(addr), data)
	return err
}
