package protocol

import "bytes"

// DefaultMaxLine bounds a single line when no limit is configured.
const DefaultMaxLine = 4096

// LineBuffer reassembles newline-delimited lines from arbitrary byte chunks.
// A line that grows past the limit is discarded up to its terminator.
type LineBuffer struct {
	buf      []byte
	max      int
	skipping bool
}

// NewLineBuffer creates a buffer that drops lines longer than max bytes.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineBuffer{max: max}
}

// Feed appends chunk and calls emit for every complete line, in order. The
// slice passed to emit is only valid for the duration of the call. Feed
// returns how many overlong lines were discarded.
func (b *LineBuffer) Feed(chunk []byte, emit func(line []byte)) (dropped int) {
	b.buf = append(b.buf, chunk...)

	start := 0
	for {
		i := bytes.IndexByte(b.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := b.buf[start : start+i]
		start += i + 1

		if b.skipping {
			b.skipping = false
			continue
		}
		if len(line) > b.max {
			dropped++
			continue
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		emit(line)
	}

	rest := copy(b.buf, b.buf[start:])
	b.buf = b.buf[:rest]

	if len(b.buf) > b.max {
		b.buf = b.buf[:0]
		if !b.skipping {
			dropped++
		}
		b.skipping = true
	}
	return dropped
}

// Pending returns the number of buffered bytes of an incomplete line.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset discards any partial line, e.g. after the stream was replaced.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.skipping = false
}
