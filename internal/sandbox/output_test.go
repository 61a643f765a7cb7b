package sandbox

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(8)

	n, err := b.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := b.String(); got != "hello" {
		t.Errorf("String() = %q, want hello", got)
	}

	// Overflow is swallowed, never reported as a short write.
	n, err = b.Write([]byte(" world"))
	if n != 6 || err != nil {
		t.Fatalf("overflow Write = %d, %v", n, err)
	}
	if got := b.String(); got != "hello wo"+truncationMarker {
		t.Errorf("String() = %q", got)
	}

	if _, err := b.WriteString("more"); err != nil {
		t.Fatal(err)
	}
	if got := b.String(); !strings.HasPrefix(got, "hello wo") || !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("String() after full = %q", got)
	}
}

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under limit", "abc", 10, "abc"},
		{"at limit", "abcde", 5, "abcde"},
		{"over limit", "abcdef", 3, "abc" + truncationMarker},
		{"no limit", "abcdef", 0, "abcdef"},
		{"inside multibyte", "aé€", 4, "aé" + truncationMarker},
		{"inside first rune", "€uro", 2, truncationMarker},
		{"already truncated", "ab" + truncationMarker, 3, "ab" + truncationMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateOutput(tt.in, tt.max); got != tt.want {
				t.Errorf("truncateOutput(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestCappedBuffer_KeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; the cap lands between them.
	b := newCappedBuffer(4)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("éz"))

	got := b.String()
	if got != "abc"+truncationMarker {
		t.Errorf("String() = %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("String() is not valid UTF-8: %q", got)
	}

	// A rune split across two writes survives when it fits.
	b = newCappedBuffer(16)
	_, _ = b.Write([]byte("€")[:2])
	_, _ = b.Write([]byte("€")[2:])
	if got := b.String(); got != "€" {
		t.Errorf("String() = %q, want €", got)
	}
}

func TestAppendLine(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "killed"},
		{"trace\n", "trace\nkilled"},
		{"trace", "trace\nkilled"},
	}
	for _, tt := range tests {
		if got := appendLine(tt.in, "killed"); got != tt.want {
			t.Errorf("appendLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
