// Package filter compiles user-facing filter/trigger/argument specs (e.g.
// "foo", "!bar", "baz@arg1/i32,arg2/s", "main@depth=3,time=10us,finish")
// into a compact, address-keyed lookup table and evaluates it on every
// mcount entry. Compilation and lookup follow the same
// validate-then-default shape as the teacher's YAML config loader: parse,
// apply defaults, then reject anything malformed up front rather than at
// trace time.
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tripwire/ftrace/internal/module"
)

// Action is a bitmask of side effects a matched pattern applies.
type Action uint32

const (
	ActionNotrace Action = 1 << iota
	ActionDepth
	ActionTime
	ActionArgspec
	ActionRetspec
	ActionFinish
	ActionDisable
	ActionEnable
	ActionRecover
	ActionTraceOn
	ActionTraceOff
	ActionSizeAbove
)

// Entry is one compiled, address-keyed filter record.
type Entry struct {
	Low, High uint64 // inclusive address range, module-relative
	Mask      Action
	Depth     int
	Time      time.Duration
	Size      uint64
	Argspec   string
	Retspec   string
	Negate    bool
	// Name is the resolved symbol name this entry was compiled from. It is
	// carried only so Engine.Decompile can reconstruct a spec string; lookup
	// itself never uses it.
	Name string
}

// Engine is the compiled, queryable form of a full filter/trigger spec: an
// address-sorted slice of non-overlapping Entry ranges, searched by binary
// lookup to approximate the interval tree described for the spec's O(log n)
// lookup requirement (one range per resolved symbol, spanning its address
// through address+size-1, so a sorted slice gives the same bound without
// extra structure).
type Engine struct {
	entries []Entry
	// anyPositive is true if at least one non-negated pattern was
	// compiled; it governs the default action for unmatched addresses.
	anyPositive bool
}

// Compile tokenizes spec by ';', resolves each pattern against the symbol
// index, and keeps one entry per symbol address. When several patterns
// resolve to the same address, the last one replaces the earlier entry
// whole: action masks and parameters of duplicate ranges are not merged.
func Compile(spec string, symbols SymbolResolver) (*Engine, error) {
	eng := &Engine{}
	if strings.TrimSpace(spec) == "" {
		return eng, nil
	}

	byAddr := map[uint64]*Entry{}
	var order []uint64

	for _, tok := range strings.Split(spec, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		pattern, actions, ok := strings.Cut(tok, "@")
		negate := strings.HasPrefix(pattern, "!")
		if negate {
			pattern = pattern[1:]
		}

		addrs, err := symbols.Resolve(pattern)
		if err != nil {
			return nil, fmt.Errorf("filter: resolve %q: %w", pattern, err)
		}

		mask, params, err := parseActions(actions, ok)
		if err != nil {
			return nil, fmt.Errorf("filter: parse actions for %q: %w", pattern, err)
		}

		if !negate {
			eng.anyPositive = true
		}

		for _, sym := range addrs {
			e := &Entry{
				Low: sym.Addr, High: sym.Addr + maxU64(sym.Size, 1) - 1,
				Mask: mask, Negate: negate, Name: sym.Name,
			}
			params.applyTo(e)
			if _, exists := byAddr[sym.Addr]; !exists {
				order = append(order, sym.Addr)
			}
			byAddr[sym.Addr] = e // later entries override earlier, by design
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, addr := range order {
		eng.entries = append(eng.entries, *byAddr[addr])
	}
	return eng, nil
}

// SymbolResolver resolves a filter pattern (literal name, glob, or regex per
// policy) to zero or more matching symbols. It is implemented by the
// module-index lookup in production and by a stub in tests.
type SymbolResolver interface {
	Resolve(pattern string) ([]module.Symbol, error)
}

type actionParams struct {
	depth   int
	dur     time.Duration
	size    uint64
	argspec string
	retspec string
}

func (p actionParams) applyTo(e *Entry) {
	e.Depth = p.depth
	e.Time = p.dur
	e.Size = p.size
	e.Argspec = p.argspec
	e.Retspec = p.retspec
}

func parseActions(actions string, has bool) (Action, actionParams, error) {
	var mask Action
	var params actionParams
	if !has || actions == "" {
		return mask, params, nil
	}

	for _, part := range strings.Split(actions, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "notrace":
			mask |= ActionNotrace
		case part == "finish":
			mask |= ActionFinish
		case part == "disable":
			mask |= ActionDisable
		case part == "enable":
			mask |= ActionEnable
		case part == "recover":
			mask |= ActionRecover
		case part == "trace-on":
			mask |= ActionTraceOn
		case part == "trace-off":
			mask |= ActionTraceOff
		case strings.HasPrefix(part, "depth="):
			n, err := strconv.Atoi(strings.TrimPrefix(part, "depth="))
			if err != nil {
				return 0, params, fmt.Errorf("bad depth: %w", err)
			}
			mask |= ActionDepth
			params.depth = n
		case strings.HasPrefix(part, "time="), strings.HasPrefix(part, "time>="):
			val := strings.TrimPrefix(strings.TrimPrefix(part, "time>="), "time=")
			d, err := parseDuration(val)
			if err != nil {
				return 0, params, fmt.Errorf("bad time: %w", err)
			}
			mask |= ActionTime
			params.dur = d
		case strings.HasPrefix(part, "size>="):
			n, err := strconv.ParseUint(strings.TrimPrefix(part, "size>="), 10, 64)
			if err != nil {
				return 0, params, fmt.Errorf("bad size: %w", err)
			}
			mask |= ActionSizeAbove
			params.size = n
		case strings.HasPrefix(part, "arg"):
			mask |= ActionArgspec
			params.argspec = appendSpec(params.argspec, part)
		case strings.HasPrefix(part, "ret"):
			mask |= ActionRetspec
			params.retspec = appendSpec(params.retspec, part)
		default:
			return 0, params, fmt.Errorf("unknown action %q", part)
		}
	}
	return mask, params, nil
}

func appendSpec(existing, part string) string {
	if existing == "" {
		return part
	}
	return existing + "," + part
}

// parseDuration accepts uftrace-style suffixes (us, ms, s) in addition to
// Go's native duration grammar.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if strings.HasSuffix(s, "us") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "us"), 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Microsecond, nil
	}
	return 0, fmt.Errorf("unrecognized duration %q", s)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Decision is the result of evaluating an address against the compiled
// engine.
type Decision struct {
	Record  bool
	Trigger Entry
}

// Evaluate implements the lookup described for §4.3: if no entry matches,
// record when the filter set is empty or holds no positive pattern;
// suppress when a positive pattern exists and this address was not
// matched.
func (e *Engine) Evaluate(addr uint64) Decision {
	i := sort.Search(len(e.entries), func(i int) bool { return e.entries[i].Low > addr })
	if i > 0 {
		cand := e.entries[i-1]
		if addr >= cand.Low && addr <= cand.High {
			return Decision{Record: !cand.Negate && cand.Mask&ActionNotrace == 0, Trigger: cand}
		}
	}
	return Decision{Record: !e.anyPositive}
}

// Empty reports whether the engine has no compiled entries at all.
func (e *Engine) Empty() bool {
	return len(e.entries) == 0
}

// String reconstructs the pattern[@action,...] spec token this entry was
// compiled from, inverting parseActions. It round-trips through Compile: a
// fresh Engine compiled from it evaluates addresses within this entry's
// range identically to the Engine the entry came from.
func (e Entry) String() string {
	pattern := e.Name
	if e.Negate {
		pattern = "!" + pattern
	}

	var actions []string
	if e.Mask&ActionNotrace != 0 {
		actions = append(actions, "notrace")
	}
	if e.Mask&ActionDepth != 0 {
		actions = append(actions, fmt.Sprintf("depth=%d", e.Depth))
	}
	if e.Mask&ActionTime != 0 {
		actions = append(actions, "time="+e.Time.String())
	}
	if e.Mask&ActionSizeAbove != 0 {
		actions = append(actions, fmt.Sprintf("size>=%d", e.Size))
	}
	if e.Mask&ActionArgspec != 0 && e.Argspec != "" {
		actions = append(actions, e.Argspec)
	}
	if e.Mask&ActionRetspec != 0 && e.Retspec != "" {
		actions = append(actions, e.Retspec)
	}
	if e.Mask&ActionFinish != 0 {
		actions = append(actions, "finish")
	}
	if e.Mask&ActionDisable != 0 {
		actions = append(actions, "disable")
	}
	if e.Mask&ActionEnable != 0 {
		actions = append(actions, "enable")
	}
	if e.Mask&ActionRecover != 0 {
		actions = append(actions, "recover")
	}
	if e.Mask&ActionTraceOn != 0 {
		actions = append(actions, "trace-on")
	}
	if e.Mask&ActionTraceOff != 0 {
		actions = append(actions, "trace-off")
	}

	if len(actions) == 0 {
		return pattern
	}
	return pattern + "@" + strings.Join(actions, ",")
}

// Decompile reconstructs a ';'-joined spec string equivalent to the one
// Compile produced this Engine from, per symbol name rather than the
// original glob or regex pattern (compilation already expanded those to
// concrete addresses, so the reverse direction names each match literally).
func (e *Engine) Decompile() string {
	tokens := make([]string, len(e.entries))
	for i, entry := range e.entries {
		tokens[i] = entry.String()
	}
	return strings.Join(tokens, ";")
}
