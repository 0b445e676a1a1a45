// Package pmu opens grouped hardware performance counter events via the
// kernel's perf_event_open(2) syscall: one leader per requested group
// (cycles+instructions, cache refs+misses, branches+misses), with
// followers joined to the leader's group so a single grouped read returns
// every counter atomically. The raw syscall plumbing mirrors the
// perf_event_open/ioctl wrapper in the teacher's BPF loader, generalized
// from eBPF program attachment to counter groups.
package pmu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EventType identifies one counter within a Group.
type EventType struct {
	// Type is the perf_type_id (PERF_TYPE_HARDWARE, PERF_TYPE_HW_CACHE, ...).
	Type uint32
	// Config is the perf_event_attr.config value identifying the specific
	// counter (e.g. PERF_COUNT_HW_CPU_CYCLES).
	Config uint64
	Name   string
}

// Predefined groups matching the spec's three examples.
var (
	GroupCyclesInstructions = []EventType{
		{Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CPU_CYCLES, Name: "cycles"},
		{Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_INSTRUCTIONS, Name: "instructions"},
	}
	GroupCacheRefsMisses = []EventType{
		{Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CACHE_REFERENCES, Name: "cache-references"},
		{Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CACHE_MISSES, Name: "cache-misses"},
	}
	GroupBranchesMisses = []EventType{
		{Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, Name: "branch-instructions"},
		{Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_MISSES, Name: "branch-misses"},
	}
)

// Group is one opened PMU event group: a leader fd plus follower fds, all
// sharing the leader's counter group so Read returns every member
// atomically.
type Group struct {
	leaderFd int
	members  []int
	names    []string
}

// Open opens the leader via perf_event_open with exclude_kernel=1 and
// group-read format, then opens each remaining event as a follower joined
// to the leader's group. Failure to open a follower degrades gracefully:
// that event is omitted from the group rather than failing the whole Open.
// Failure to open the leader (the first event) makes Open return an error.
func Open(events []EventType, pid, cpu int) (*Group, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("pmu: no events requested")
	}

	g := &Group{leaderFd: -1}

	leaderAttr := newAttr(events[0])
	leaderFd, err := openEvent(leaderAttr, pid, cpu, -1)
	if err != nil {
		return nil, fmt.Errorf("pmu: open leader %s: %w", events[0].Name, err)
	}
	g.leaderFd = leaderFd
	g.members = append(g.members, leaderFd)
	g.names = append(g.names, events[0].Name)

	for _, ev := range events[1:] {
		attr := newAttr(ev)
		fd, err := openEvent(attr, pid, cpu, leaderFd)
		if err != nil {
			// Degrade gracefully: omit this event, keep the group usable.
			continue
		}
		g.members = append(g.members, fd)
		g.names = append(g.names, ev.Name)
	}

	if len(g.members) == 1 && len(events) > 1 {
		// Every follower failed; the group still works with just the
		// leader, so this is not itself fatal.
		return g, nil
	}
	return g, nil
}

func newAttr(ev EventType) *unix.PerfEventAttr {
	return &unix.PerfEventAttr{
		Type:        ev.Type,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      ev.Config,
		Bits:        unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
		Read_format: unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_ID,
	}
}

func openEvent(attr *unix.PerfEventAttr, pid, cpu, groupFd int) (int, error) {
	fd, err := unix.PerfEventOpen(attr, pid, cpu, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Enable arms the leader (and, transitively, the whole group) for
// counting.
func (g *Group) Enable() error {
	return ioctlNoArg(g.leaderFd, unix.PERF_EVENT_IOC_ENABLE)
}

// Disable stops the whole group from counting.
func (g *Group) Disable() error {
	return ioctlNoArg(g.leaderFd, unix.PERF_EVENT_IOC_DISABLE)
}

// Reading is one grouped read result: parallel to Group's member order.
type Reading struct {
	Name  string
	Value uint64
}

// Read issues one grouped read of the leader fd, returning every member
// counter's value atomically as required by §4.6's "grouped read" rule.
func (g *Group) Read() ([]Reading, error) {
	// PERF_FORMAT_GROUP layout: u64 nr; then nr pairs of {u64 value; u64
	// id} (PERF_FORMAT_ID was requested, so each value is followed by an
	// id, which is discarded here).
	buf := make([]byte, 8+16*len(g.members))
	n, err := unix.Read(g.leaderFd, buf)
	if err != nil {
		return nil, fmt.Errorf("pmu: grouped read: %w", err)
	}
	if n < 8 {
		return nil, fmt.Errorf("pmu: short grouped read: %d bytes", n)
	}

	nr := le64(buf[0:8])
	out := make([]Reading, 0, nr)
	off := 8
	for i := uint64(0); i < nr && off+16 <= len(buf); i++ {
		val := le64(buf[off : off+8])
		name := "event"
		if int(i) < len(g.names) {
			name = g.names[i]
		}
		out = append(out, Reading{Name: name, Value: val})
		off += 16
	}
	return out, nil
}

// Close closes every fd in the group.
func (g *Group) Close() error {
	var firstErr error
	for _, fd := range g.members {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func ioctlNoArg(fd int, req uint) error {
	return unix.IoctlSetInt(fd, req, 0)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
