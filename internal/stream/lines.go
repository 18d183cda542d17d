package stream

import (
	"bytes"
	"io"
	"iter"
)

const readChunkSize = 4096

// Reassembler turns arbitrarily split chunks into complete newline-terminated lines.
// Bytes after the last newline are held until a later chunk completes them.
type Reassembler struct {
	partial []byte
}

// Feed consumes chunk and returns every line it completed, without the line terminator.
func (r *Reassembler) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			r.partial = append(r.partial, chunk...)
			break
		}

		line := chunk[:i]
		if len(r.partial) > 0 {
			line = append(r.partial, line...)
			r.partial = r.partial[:0]
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		chunk = chunk[i+1:]
	}
	return lines
}

// Pending reports how many bytes of an unterminated line are buffered
func (r *Reassembler) Pending() int {
	return len(r.partial)
}

// Reset drops any buffered partial line
func (r *Reassembler) Reset() {
	r.partial = r.partial[:0]
}

// Lines reads r until EOF and yields each complete line. A trailing line with no
// newline is dropped. A read error other than io.EOF is yielded once, last.
func Lines(r io.Reader) iter.Seq2[string, error] {
	var ra Reassembler
	return ra.Lines(r)
}

// Lines is the package-level Lines over r. Any partial line left from earlier
// input is dropped first; an unterminated tail stays buffered for Pending.
func (r *Reassembler) Lines(src io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		r.Reset()
		buf := make([]byte, readChunkSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				for _, line := range r.Feed(buf[:n]) {
					if !yield(line, nil) {
						return
					}
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}
