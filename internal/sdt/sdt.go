// Package sdt discovers Systemtap-style static probe points (SDT) recorded
// in a module's ELF .note.stapsdt section: the tracer's user-event source
// alongside PMU counters. Discovery walks the note section the same way
// the teacher's BPF loader walks ELF sections to find maps and programs,
// reusing the note container parser from package module.
package sdt

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/tripwire/ftrace/internal/module"
)

// Probe is one discovered static probe point.
type Probe struct {
	Module     string
	ProbeAddr  uint64
	LinkAddr   uint64
	SemaAddr   uint64
	Provider   string
	Event      string
	ArgsFormat string
}

// noteNameStapsdt is the note-name field used by every stapsdt note.
const noteNameStapsdt = "stapsdt"

// noteTypeStapsdt is the ELF note type identifying an SDT probe descriptor.
const noteTypeStapsdt = 3

// Discover walks path's .note.stapsdt section (if present) and returns
// every probe it describes. A module with no such section returns an
// empty, non-error result: SDT probes are optional.
func Discover(modPath string) ([]Probe, error) {
	f, err := elf.Open(modPath)
	if err != nil {
		return nil, fmt.Errorf("sdt: open %s: %w", modPath, err)
	}
	defer f.Close()

	section := f.Section(".note.stapsdt")
	if section == nil {
		return nil, nil
	}

	data, err := section.Data()
	if err != nil {
		return nil, fmt.Errorf("sdt: read .note.stapsdt in %s: %w", modPath, err)
	}

	notes, err := module.ParseNotes(data)
	if err != nil {
		return nil, fmt.Errorf("sdt: parse notes in %s: %w", modPath, err)
	}

	is64 := f.Class == elf.ELFCLASS64
	var probes []Probe
	for _, n := range notes {
		if n.Name != noteNameStapsdt || n.Type != noteTypeStapsdt {
			continue
		}
		p, err := decodeProbe(n.Desc, is64)
		if err != nil {
			continue // malformed note: skip, do not fail discovery
		}
		p.Module = path.Base(modPath)
		probes = append(probes, p)
	}
	return probes, nil
}

// decodeProbe parses a stapsdt note descriptor: three address-sized fields
// (probe, link, semaphore) followed by three NUL-terminated strings
// (provider, event name, argument format).
func decodeProbe(desc []byte, is64 bool) (Probe, error) {
	addrSize := 4
	if is64 {
		addrSize = 8
	}
	if len(desc) < addrSize*3 {
		return Probe{}, fmt.Errorf("sdt: short probe descriptor")
	}

	readAddr := func(b []byte) uint64 {
		if is64 {
			return binary.LittleEndian.Uint64(b)
		}
		return uint64(binary.LittleEndian.Uint32(b))
	}

	p := Probe{
		ProbeAddr: readAddr(desc[0*addrSize:]),
		LinkAddr:  readAddr(desc[1*addrSize:]),
		SemaAddr:  readAddr(desc[2*addrSize:]),
	}

	rest := desc[3*addrSize:]
	fields := splitNulStrings(rest, 3)
	if len(fields) < 2 {
		return Probe{}, fmt.Errorf("sdt: missing provider/event strings")
	}
	p.Provider = fields[0]
	p.Event = fields[1]
	if len(fields) >= 3 {
		p.ArgsFormat = fields[2]
	}
	return p, nil
}

func splitNulStrings(b []byte, max int) []string {
	var out []string
	for len(b) > 0 && len(out) < max {
		i := indexByte(b, 0)
		if i < 0 {
			out = append(out, string(b))
			break
		}
		out = append(out, string(b[:i]))
		b = b[i+1:]
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// MatchPattern reports whether a probe's "provider:event" identity matches
// a user-supplied glob pattern such as "myapp:*" or "*:request_start".
func MatchPattern(p Probe, pattern string) bool {
	identity := p.Provider + ":" + p.Event
	return globMatch(pattern, identity)
}

// globMatch implements the small subset of glob syntax SDT patterns use:
// '*' matches any run of characters, everything else is literal.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}

	return strings.HasSuffix(s, parts[len(parts)-1])
}
