// Package sidecar writes the trace directory's metadata files: info,
// task.txt, and events.txt. These are out-of-scope for the core tracing
// logic (per §1) but are consumed by downstream analysis tooling, so the
// session controller still writes them the way the teacher writes its
// line-oriented, self-describing audit format: plain text, one
// self-contained record per write, flushed promptly so a partial trace is
// still readable after a crash.
package sidecar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// InfoWriter accumulates key:value pairs and multi-line sections for the
// trace directory's `info` file.
type InfoWriter struct {
	mu       sync.Mutex
	scalars  map[string]string
	order    []string
	sections map[string][]string
}

// NewInfoWriter creates an empty InfoWriter.
func NewInfoWriter() *InfoWriter {
	return &InfoWriter{scalars: map[string]string{}, sections: map[string][]string{}}
}

// Set records a scalar key:value pair, e.g. exename, build_id, exit_status.
func (w *InfoWriter) Set(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.scalars[key]; !exists {
		w.order = append(w.order, key)
	}
	w.scalars[key] = value
}

// SetLines records a multi-line section (e.g. cpuinfo, meminfo) that will
// be preceded by a `lines=N` count when written.
func (w *InfoWriter) SetLines(section string, lines []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.sections[section]; !exists {
		w.order = append(w.order, section)
	}
	w.sections[section] = lines
}

// WriteTo writes the accumulated info file to dir/info, creating it if
// necessary, in first-set order.
func (w *InfoWriter) WriteTo(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Create(filepath.Join(dir, "info"))
	if err != nil {
		return fmt.Errorf("sidecar: create info file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, key := range w.order {
		if lines, ok := w.sections[key]; ok {
			fmt.Fprintf(bw, "%s:lines=%d\n", key, len(lines))
			for _, line := range lines {
				fmt.Fprintf(bw, "%s:%s\n", key, line)
			}
			continue
		}
		fmt.Fprintf(bw, "%s:%s\n", key, w.scalars[key])
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("sidecar: flush info file: %w", err)
	}
	return f.Sync()
}

// Task is one thread's bookkeeping row in task.txt.
type Task struct {
	TID       int
	ParentTID int
	Comm      string
	SessionID string
}

// WriteTasks writes dir/task.txt, one line per Task:
// "{tid} {parent-tid} {comm} {session-id}".
func WriteTasks(dir string, tasks []Task) error {
	f, err := os.Create(filepath.Join(dir, "task.txt"))
	if err != nil {
		return fmt.Errorf("sidecar: create task.txt: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, t := range tasks {
		fmt.Fprintf(bw, "%d %d %s %s\n", t.TID, t.ParentTID, t.Comm, t.SessionID)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("sidecar: flush task.txt: %w", err)
	}
	return f.Sync()
}

// Event is one discovered or declared event row in events.txt.
type Event struct {
	ID       int
	Provider string
	Name     string
}

// WriteEvents writes dir/events.txt: "EVENT: {id} {provider}:{event}".
func WriteEvents(dir string, events []Event) error {
	f, err := os.Create(filepath.Join(dir, "events.txt"))
	if err != nil {
		return fmt.Errorf("sidecar: create events.txt: %w", err)
	}
	defer f.Close()

	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	bw := bufio.NewWriter(f)
	for _, e := range events {
		fmt.Fprintf(bw, "EVENT: %d %s:%s\n", e.ID, e.Provider, e.Name)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("sidecar: flush events.txt: %w", err)
	}
	return f.Sync()
}

// QuoteCmdline renders argv as the quoted, NUL-to-space converted form the
// `cmdline` info key expects.
func QuoteCmdline(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "\x00", " ")
		parts[i] = fmt.Sprintf("%q", a)
	}
	return strings.Join(parts, " ")
}
