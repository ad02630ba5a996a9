package sheet

// text.go normalizes delimited text before it reaches encoding/csv.
//
//   - bomReader drops a leading UTF-8 byte order mark written by Excel on Windows
//   - sanitizingReader replaces invalid UTF-8 bytes with '?'
//   - CountingReader tracks bytes consumed for logging and previews
//
// NewTextReader stacks them in that order.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomReader skips a UTF-8 BOM at the start of the stream.
type bomReader struct {
	r       *bufio.Reader
	checked bool
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{r: bufio.NewReader(r)}
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.r.Peek(len(utf8BOM))
		if err != nil && err != io.EOF {
			return 0, err
		}
		if bytes.Equal(head, utf8BOM) {
			_, _ = b.r.Discard(len(utf8BOM))
		}
	}
	return b.r.Read(p)
}

// sanitizingReader rewrites invalid UTF-8 to '?' one rune at a time. A
// multi-byte sequence split across underlying reads is decoded whole because
// bufio.Reader.ReadRune buffers until the rune is complete.
type sanitizingReader struct {
	r   *bufio.Reader
	buf []byte // encoded runes not yet returned
}

func newSanitizingReader(r io.Reader) *sanitizingReader {
	return &sanitizingReader{r: bufio.NewReader(r)}
}

func (s *sanitizingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for len(s.buf) < len(p) {
		r, size, err := s.r.ReadRune()
		if err != nil {
			if len(s.buf) == 0 {
				return 0, err
			}
			break
		}
		if r == utf8.RuneError && size == 1 {
			s.buf = append(s.buf, '?')
			continue
		}
		s.buf = utf8.AppendRune(s.buf, r)
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// CountingReader counts the bytes read through it.
type CountingReader struct {
	r     io.Reader
	Bytes int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.Bytes += int64(n)
	return n, err
}

// NewTextReader strips a BOM and sanitizes UTF-8 from r.
func NewTextReader(r io.Reader) io.Reader {
	return newSanitizingReader(newBOMReader(r))
}
