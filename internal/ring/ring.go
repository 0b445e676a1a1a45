// Package ring implements the per-thread mmap-backed SPSC ring buffer that
// the mcount hot path writes into and the consumer drains. The layout and
// cursor discipline follow the teacher's perf-style ring reader: a single
// mmap region split into a header page (producer/consumer cursors) and a
// power-of-two-sized data region, with atomic cursor publication so the
// writer never blocks on the reader.
package ring

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tripwire/ftrace/internal/record"
)

// Buffer is a single-producer/single-consumer ring backed by an anonymous
// mmap region. One Buffer exists per traced thread.
type Buffer struct {
	mem []byte
	// data is mem[headerSize:], sized to a power of two.
	data []byte
	mask uint64

	// producerPos and consumerPos are cache-line-separated atomic cursors
	// into data, counted in bytes modulo len(data).
	producerPos *uint64
	consumerPos *uint64

	// lost counts records dropped because the ring was full; surfaced via
	// Lost. Writing a TypeLost marker is left to the caller.
	lost uint64
}

const headerSize = 64 // one cache line reserved for cursors, rest padding

// New creates a ring buffer of the given data size, which must be a power of
// two. It is backed by an anonymous, shared mmap region so that, if the
// tracer ever forks a helper, the mapping can be shared without copying.
func New(size int) (*Buffer, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring: size %d is not a positive power of two", size)
	}

	total := headerSize + size
	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap %d bytes: %w", total, err)
	}

	b := &Buffer{
		mem:  mem,
		data: mem[headerSize:],
		mask: uint64(size - 1),
	}
	b.producerPos = (*uint64)(atomicPtr(mem, 0))
	b.consumerPos = (*uint64)(atomicPtr(mem, 8))
	return b, nil
}

// Close unmaps the ring's backing memory. It must only be called after both
// the writer and reader sides have stopped using the buffer.
func (b *Buffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// Write appends a header and optional payload as a single atomic slot. It
// never blocks: if there is insufficient space, it increments the lost
// counter and returns ErrFull so the caller can decide whether to emit a
// TypeLost marker on the next successful write.
var ErrFull = fmt.Errorf("ring: buffer full")

func (b *Buffer) Write(h record.Header, payload *record.Payload) error {
	var buf []byte
	buf = h.Encode(buf)
	if payload != nil {
		buf = payload.Encode(buf)
	}

	prod := atomic.LoadUint64(b.producerPos)
	cons := atomic.LoadUint64(b.consumerPos)
	used := prod - cons
	free := uint64(len(b.data)) - used

	if uint64(len(buf)) > free {
		atomic.AddUint64(&b.lost, 1)
		return ErrFull
	}

	b.copyIn(prod, buf)
	// Release-publish: consumer must see the copied bytes before the new
	// cursor.
	atomic.StoreUint64(b.producerPos, prod+uint64(len(buf)))
	return nil
}

func (b *Buffer) copyIn(pos uint64, buf []byte) {
	off := pos & b.mask
	n := copy(b.data[off:], buf)
	if n < len(buf) {
		copy(b.data, buf[n:])
	}
}

func (b *Buffer) copyOut(pos uint64, n int) []byte {
	off := pos & b.mask
	out := make([]byte, n)
	first := copy(out, b.data[off:])
	if first < n {
		copy(out[first:], b.data[:n-first])
	}
	return out
}

// Lost returns the number of records dropped due to insufficient space since
// the ring was created.
func (b *Buffer) Lost() uint64 {
	return atomic.LoadUint64(&b.lost)
}

// Available reports the number of unread bytes currently in the ring.
func (b *Buffer) Available() uint64 {
	prod := atomic.LoadUint64(b.producerPos)
	cons := atomic.LoadUint64(b.consumerPos)
	return prod - cons
}

// ReadOne decodes and consumes the next header (and payload, if
// FlagHasPayload is set) from the ring. It returns false if no full record
// is currently available.
func (b *Buffer) ReadOne() (record.Header, *record.Payload, bool) {
	cons := atomic.LoadUint64(b.consumerPos)
	prod := atomic.LoadUint64(b.producerPos)
	if prod-cons < record.HeaderSize {
		return record.Header{}, nil, false
	}

	raw := b.copyOut(cons, record.HeaderSize)
	h, n, err := record.Decode(raw)
	if err != nil {
		return record.Header{}, nil, false
	}
	advance := uint64(n)

	var payload *record.Payload
	if h.Flags&record.FlagHasPayload != 0 {
		if prod-(cons+advance) < 4 {
			return record.Header{}, nil, false
		}
		// Peek the length prefix, then ensure the full payload has
		// landed before committing the consumer cursor.
		lenBuf := b.copyOut(cons+advance, 4)
		need := uint64(lenBuf[0]) | uint64(lenBuf[1])<<8 | uint64(lenBuf[2])<<16 | uint64(lenBuf[3])<<24
		total := alignUp(4+need, 8)
		if prod-(cons+advance) < total {
			return record.Header{}, nil, false
		}
		raw := b.copyOut(cons+advance, int(total))
		p, pn, err := record.DecodePayload(raw)
		if err != nil {
			return record.Header{}, nil, false
		}
		payload = &p
		advance += uint64(pn)
	}

	atomic.StoreUint64(b.consumerPos, cons+advance)
	return h, payload, true
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
