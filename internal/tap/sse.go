package tap

import "bytes"

// sseParser splits a text/event-stream body into event payloads as bytes
// arrive. Writes may cut lines and events at any point; the parser keeps the
// unterminated tail between calls.
type sseParser struct {
	// maxLine bounds the unterminated tail; a longer line is discarded.
	maxLine int

	partial []byte
	data    [][]byte
	// dropping is set while discarding the remainder of an oversized line.
	dropping bool
}

func newSSEParser(maxLine int) *sseParser {
	return &sseParser{maxLine: maxLine}
}

// feed consumes one write and calls fn for every event completed by it.
// It reports the number of oversized lines discarded.
func (p *sseParser) feed(chunk []byte, fn func(payload []byte)) (dropped int) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if p.dropping {
				return dropped
			}
			p.partial = append(p.partial, chunk...)
			if p.maxLine > 0 && len(p.partial) > p.maxLine {
				p.partial = p.partial[:0]
				p.dropping = true
				dropped++
			}
			return dropped
		}

		line := chunk[:i]
		chunk = chunk[i+1:]
		if p.dropping {
			p.dropping = false
			continue
		}
		if len(p.partial) > 0 {
			line = append(p.partial, line...)
			p.partial = p.partial[:0]
		}
		p.line(bytes.TrimSuffix(line, []byte{'\r'}), fn)
	}
	return dropped
}

// flush dispatches whatever is pending when the stream ends without the
// final blank line.
func (p *sseParser) flush(fn func(payload []byte)) {
	if len(p.partial) > 0 && !p.dropping {
		p.line(bytes.TrimSuffix(p.partial, []byte{'\r'}), fn)
	}
	p.partial = nil
	p.dropping = false
	p.dispatch(fn)
}

func (p *sseParser) line(line []byte, fn func(payload []byte)) {
	if len(line) == 0 {
		p.dispatch(fn)
		return
	}
	if line[0] == ':' {
		return
	}
	field, value, found := bytes.Cut(line, []byte{':'})
	if !found || string(field) != "data" {
		return
	}
	value = bytes.TrimPrefix(value, []byte{' '})
	p.data = append(p.data, append([]byte(nil), value...))
}

func (p *sseParser) dispatch(fn func(payload []byte)) {
	if len(p.data) == 0 {
		return
	}
	payload := bytes.Join(p.data, []byte{'\n'})
	p.data = p.data[:0]
	fn(payload)
}
