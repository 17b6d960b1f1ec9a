package utils

import (
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"milliseconds", 45 * time.Millisecond, "45ms"},
		{"under second", 500 * time.Millisecond, "500ms"},
		{"one second", 1 * time.Second, "1.0s"},
		{"seconds with decimal", 1500 * time.Millisecond, "1.5s"},
		{"under minute", 45 * time.Second, "45.0s"},
		{"one minute", 1 * time.Minute, "1m"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m 30s"},
		{"just minutes", 5 * time.Minute, "5m"},
		{"one hour", 1 * time.Hour, "1h"},
		{"hours and minutes", 1*time.Hour + 15*time.Minute, "1h 15m"},
		{"just hours", 2 * time.Hour, "2h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("FormatDuration(%v) = %s; want %s", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxLen   int
		expected string
	}{
		{"empty string", "", 10, ""},
		{"short string", "hello", 10, "hello"},
		{"exact length", "hello", 5, "hello"},
		{"needs truncation", "hello world", 8, "hello..."},
		{"very short max", "hello", 3, "..."},
		{"with newlines", "hello\nworld", 20, "hello world"},
		{"multiline truncate", "hello\nworld\nfoo", 10, "hello w..."},
		{"multibyte runes", "héllo wörld", 8, "héllo..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateText(tt.text, tt.maxLen)
			if result != tt.expected {
				t.Errorf("TruncateText(%q, %d) = %q; want %q", tt.text, tt.maxLen, result, tt.expected)
			}
		})
	}
}

func TestEscapeForLogging(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxLen   int
		expected string
	}{
		{"plain", "payload", 20, "payload"},
		{"line breaks", "a\nb\r\tc", 20, `a\nb\r\tc`},
		{"truncated", "abcdefgh", 4, "abcd..."},
		{"truncated before escaping", "ab\ncd", 3, `ab\n...`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeForLogging(tt.text, tt.maxLen); got != tt.expected {
				t.Errorf("EscapeForLogging(%q, %d) = %q; want %q", tt.text, tt.maxLen, got, tt.expected)
			}
		})
	}
}
