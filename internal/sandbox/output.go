package sandbox

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"
)

const truncationMarker = "\n... [output truncated]"

// cappedBuffer keeps at most max bytes and silently discards the rest, so a
// chatty program cannot exhaust host memory. It never returns a write error:
// the producer (a container stream or child process pipe) keeps draining.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = len(p) > 0 || c.truncated
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// WriteString lets the buffer back print builtins without a []byte copy at the call site.
func (c *cappedBuffer) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return string(trimPartialRune(c.buf.Bytes())) + truncationMarker
	}
	return c.buf.String()
}

// trimPartialRune drops a multi-byte character the byte cap cut in half.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}

// truncateOutput cuts s to at most maxBytes on a character boundary. Output
// a cappedBuffer already truncated passes through unchanged.
func truncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	if body, ok := strings.CutSuffix(s, truncationMarker); ok && len(body) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

// appendLine adds a diagnostic on its own line after whatever s holds.
func appendLine(s, line string) string {
	if s == "" || s[len(s)-1] == '\n' {
		return s + line
	}
	return s + "\n" + line
}
