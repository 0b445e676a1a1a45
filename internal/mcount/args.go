package mcount

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/tripwire/ftrace/internal/record"
)

// RegSnapshot captures the tracee's argument and return-value registers at
// a single entry or exit trap, already read off the architecture's calling
// convention registers (see package arch) by the breakpoint handler. The
// zero value is valid for callers not attempting argument capture, e.g.
// tests exercising only the filter/shadow-stack path.
type RegSnapshot struct {
	// IntArgs holds the integer/pointer argument registers in calling
	// order (rdi, rsi, rdx, rcx, r8, r9 on amd64). Floating-point argument
	// registers are not captured.
	IntArgs []uint64
	// RetVal is the primary return-value register (rax on amd64), valid
	// only at exit.
	RetVal uint64
}

// MemReader reads up to max bytes of the tracee's memory at addr, used to
// resolve string-typed argspec/retspec entries ("arg1/s"). A nil MemReader
// makes string captures silently produce no bytes for that entry rather
// than failing the whole capture.
type MemReader func(addr uint64, max int) ([]byte, error)

// maxStringCapture bounds how many bytes a "/s" argspec entry reads before
// giving up on finding a NUL terminator.
const maxStringCapture = 64

// buildArgsPayload formats regs.IntArgs per a compiled argspec string (e.g.
// "arg1/i32,arg2/s") into one packed Payload, fields in spec order. An
// argspec naming a register index the architecture doesn't provide is
// skipped rather than erroring: a stale argspec against a rebuilt binary
// should degrade, not abort the trace.
func buildArgsPayload(argspec string, regs RegSnapshot, mem MemReader) *record.Payload {
	if argspec == "" {
		return nil
	}
	var buf []byte
	for _, tok := range strings.Split(argspec, ",") {
		name, typ, ok := strings.Cut(tok, "/")
		if !ok {
			continue
		}
		idx, err := argIndex(name)
		if err != nil || idx < 0 || idx >= len(regs.IntArgs) {
			continue
		}
		buf = appendSpecValue(buf, typ, regs.IntArgs[idx], mem)
	}
	if buf == nil {
		return nil
	}
	return &record.Payload{Raw: buf}
}

// buildRetvalPayload formats regs.RetVal per a compiled retspec string
// (e.g. "retval/i64") into one packed Payload.
func buildRetvalPayload(retspec string, regs RegSnapshot, mem MemReader) *record.Payload {
	if retspec == "" {
		return nil
	}
	var buf []byte
	for _, tok := range strings.Split(retspec, ",") {
		_, typ, ok := strings.Cut(tok, "/")
		if !ok {
			typ = tok
		}
		buf = appendSpecValue(buf, typ, regs.RetVal, mem)
	}
	if buf == nil {
		return nil
	}
	return &record.Payload{Raw: buf}
}

// argIndex parses the 1-based "argN" register name into a 0-based index
// into RegSnapshot.IntArgs.
func argIndex(name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "arg"))
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

// appendSpecValue formats one captured register value per its argspec/
// retspec type token and appends it to buf. Only the integer/pointer
// argspec types uftrace ships by default are supported: i8/i16/i32/i64,
// u8/u16/u32/u64, x32/x64 (hex-width markers, same encoding as their
// unsigned counterpart), and s (a NUL-terminated string dereferenced
// through mem, length-prefixed in the payload). Floating-point argspec
// types are not supported.
func appendSpecValue(buf []byte, typ string, val uint64, mem MemReader) []byte {
	switch typ {
	case "i8", "u8":
		return append(buf, byte(val))
	case "i16", "u16":
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(val))
		return append(buf, tmp[:]...)
	case "i32", "u32", "x32":
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(val))
		return append(buf, tmp[:]...)
	case "i64", "u64", "x64":
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], val)
		return append(buf, tmp[:]...)
	case "s":
		if mem == nil {
			return buf
		}
		raw, err := mem(val, maxStringCapture)
		if err != nil {
			return buf
		}
		if i := indexNUL(raw); i >= 0 {
			raw = raw[:i]
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(raw)))
		buf = append(buf, lenBuf[:]...)
		return append(buf, raw...)
	default:
		return buf
	}
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
