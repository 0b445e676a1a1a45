package sidecar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInfoWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewInfoWriter()
	w.Set("exename", "/bin/foo")
	w.Set("build_id", "deadbeef")
	w.SetLines("cpuinfo", []string{"model : Foo CPU", "cores : 4"})

	if err := w.WriteTo(dir); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "info"))
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "exename:/bin/foo") {
		t.Fatalf("missing exename line: %s", content)
	}
	if !strings.Contains(content, "cpuinfo:lines=2") {
		t.Fatalf("missing lines=N header: %s", content)
	}
	if !strings.Contains(content, "cpuinfo:model : Foo CPU") {
		t.Fatalf("missing cpuinfo line: %s", content)
	}
}

func TestWriteTasks(t *testing.T) {
	dir := t.TempDir()
	err := WriteTasks(dir, []Task{
		{TID: 100, ParentTID: 1, Comm: "worker", SessionID: "sess-1"},
	})
	if err != nil {
		t.Fatalf("WriteTasks: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "task.txt"))
	if err != nil {
		t.Fatalf("read task.txt: %v", err)
	}
	if strings.TrimSpace(string(data)) != "100 1 worker sess-1" {
		t.Fatalf("unexpected task.txt contents: %q", data)
	}
}

func TestWriteEventsSortedByID(t *testing.T) {
	dir := t.TempDir()
	err := WriteEvents(dir, []Event{
		{ID: 2, Provider: "myapp", Name: "b"},
		{ID: 1, Provider: "myapp", Name: "a"},
	})
	if err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "events.txt"))
	if err != nil {
		t.Fatalf("read events.txt: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "EVENT: 1 myapp:a" || lines[1] != "EVENT: 2 myapp:b" {
		t.Fatalf("unexpected ordering: %v", lines)
	}
}

func TestQuoteCmdline(t *testing.T) {
	got := QuoteCmdline([]string{"foo", "bar baz"})
	if got != `"foo" "bar baz"` {
		t.Fatalf("unexpected quoting: %q", got)
	}
}
