// Package patcher installs and removes the two patch modes described for
// the tracer: PLT hooking for library calls and prologue patching for
// direct calls. Because the tracee is an unmodified, external process, the
// patcher operates entirely through ptrace rather than in-process
// mprotect/self-modifying code: it writes replacement bytes via
// PTRACE_POKETEXT into a tracee the caller has already attached to and
// stopped; attaching, resuming and detaching are left to the caller.
// Every mutation is recorded in a patchjournal so a crash mid-patch can be
// diagnosed and the original bytes recovered.
package patcher

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tripwire/ftrace/internal/arch"
	"github.com/tripwire/ftrace/internal/patchjournal"
)

// Site is one patched location: the original bytes and the stub address
// installed in their place.
type Site struct {
	Addr         uint64
	OriginalByte []byte
	StubAddr     uint64
	Kind         patchjournal.EventKind
}

// textMem abstracts the tracee's address space so the Table's bookkeeping
// can be exercised without a real ptrace attach in tests.
type textMem interface {
	peekText(addr uint64, n int) ([]byte, error)
	pokeText(addr uint64, data []byte) error
}

// Table is the patcher's in-memory record of every live patch, keyed by
// address, matching the "patch table" of §4.5. It is immutable after the
// session reaches Armed except for hot re-patch, which takes the Table's
// lock under a stop-the-world rendezvous arranged by the caller.
type Table struct {
	mu      sync.RWMutex
	sites   map[uint64]Site
	journal *patchjournal.Journal
	backend arch.Backend
	mem     textMem
}

// Open creates a Table that journals its mutations to journalPath and
// issues ptrace writes against the already-attached process pid.
func Open(pid int, backend arch.Backend, journalPath string) (*Table, error) {
	j, err := patchjournal.Open(journalPath)
	if err != nil {
		return nil, fmt.Errorf("patcher: open journal: %w", err)
	}
	return &Table{sites: map[uint64]Site{}, journal: j, backend: backend, mem: ptraceMem{pid: pid}}, nil
}

// Close closes the underlying journal. It does not unpatch any site; call
// UnpatchAll first if a clean detach is required.
func (t *Table) Close() error {
	return t.journal.Close()
}

// PatchPrologue replaces the first len(trap) bytes at addr with the
// architecture's trap instruction, recording the original bytes and stub
// address so Unpatch can restore them atomically. The caller is
// responsible for having already quiesced all threads via the session-wide
// barrier described in §4.5.
func (t *Table) PatchPrologue(addr, stubAddr uint64) error {
	trap := t.backend.TrapInstruction()

	orig, err := t.mem.peekText(addr, len(trap))
	if err != nil {
		return fmt.Errorf("patcher: read original bytes at %#x: %w", addr, err)
	}

	if err := t.mem.pokeText(addr, trap); err != nil {
		return fmt.Errorf("patcher: write trap at %#x: %w", addr, err)
	}

	t.mu.Lock()
	t.sites[addr] = Site{Addr: addr, OriginalByte: orig, StubAddr: stubAddr, Kind: patchjournal.EventProloguePatch}
	t.mu.Unlock()

	_, err = t.journal.Append(patchjournal.Event{
		Kind: patchjournal.EventProloguePatch, Addr: addr, OriginalByte: orig, StubAddr: stubAddr,
	})
	return err
}

// PatchPLT installs a trap at pltAddr, the runtime address of an imported
// symbol's own PLT stub (the load base plus module.Module.PLTAddr), rather
// than at the resolver slot in PLT0. A call through foo@plt lands on
// this trap exactly like a direct prologue-patched call: the real return
// address is still sitting at [RSP], so the same entry/exit trampoline in
// package traploop handles both patch kinds without knowing which one fired.
// Only Kind distinguishes a PLT hook from a prologue patch in the patch
// journal.
func (t *Table) PatchPLT(pltAddr, stubAddr uint64) error {
	trap := t.backend.TrapInstruction()

	orig, err := t.mem.peekText(pltAddr, len(trap))
	if err != nil {
		return fmt.Errorf("patcher: read original bytes at PLT stub %#x: %w", pltAddr, err)
	}

	if err := t.mem.pokeText(pltAddr, trap); err != nil {
		return fmt.Errorf("patcher: write trap at PLT stub %#x: %w", pltAddr, err)
	}

	t.mu.Lock()
	t.sites[pltAddr] = Site{Addr: pltAddr, OriginalByte: orig, StubAddr: stubAddr, Kind: patchjournal.EventPLTHook}
	t.mu.Unlock()

	_, err = t.journal.Append(patchjournal.Event{
		Kind: patchjournal.EventPLTHook, Addr: pltAddr, OriginalByte: orig, StubAddr: stubAddr,
	})
	return err
}

// Unpatch restores the original bytes at addr, if a patch is recorded
// there.
func (t *Table) Unpatch(addr uint64) error {
	t.mu.Lock()
	site, ok := t.sites[addr]
	if ok {
		delete(t.sites, addr)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("patcher: no patch recorded at %#x", addr)
	}

	if err := t.mem.pokeText(addr, site.OriginalByte); err != nil {
		return fmt.Errorf("patcher: restore original bytes at %#x: %w", addr, err)
	}

	_, err := t.journal.Append(patchjournal.Event{Kind: patchjournal.EventUnpatch, Addr: addr})
	return err
}

// UnpatchAll restores every currently patched site, e.g. on clean detach.
func (t *Table) UnpatchAll() error {
	t.mu.RLock()
	addrs := make([]uint64, 0, len(t.sites))
	for addr := range t.sites {
		addrs = append(addrs, addr)
	}
	t.mu.RUnlock()

	var firstErr error
	for _, addr := range addrs {
		if err := t.Unpatch(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sites returns a snapshot of every currently patched site.
func (t *Table) Sites() []Site {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Site, 0, len(t.sites))
	for _, s := range t.sites {
		out = append(out, s)
	}
	return out
}

// ptraceMem is the production textMem backend, issuing real
// PTRACE_PEEKTEXT/PTRACE_POKETEXT requests against an attached tracee.
type ptraceMem struct {
	pid int
}

func (m ptraceMem) peekText(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	got := 0
	for got < n {
		c, err := unix.PtracePeekText(m.pid, uintptr(addr)+uintptr(got), out[got:])
		if err != nil {
			return nil, err
		}
		if c == 0 {
			return nil, fmt.Errorf("ptrace peektext at %#x: read zero bytes", addr)
		}
		got += c
	}
	return out, nil
}

func (m ptraceMem) pokeText(addr uint64, data []byte) error {
	_, err := unix.PtracePokeText(m.pid, uintptr(addr), data)
	return err
}
