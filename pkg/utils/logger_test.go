package utils

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestMaskSensitiveString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "short", input: "abc", want: "***"},
		{name: "exactly eight", input: "abcdefgh", want: "********"},
		{name: "token", input: "sk-1234567890abcd", want: "sk-1*********abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskSensitiveString(tt.input); got != tt.want {
				t.Errorf("MaskSensitiveString(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("DEBUG"); got != slog.LevelDebug {
		t.Fatalf("ParseLevel(DEBUG) = %v", got)
	}
	if got := ParseLevel("nonsense"); got != slog.LevelInfo {
		t.Fatalf("ParseLevel(nonsense) = %v", got)
	}
}

func TestInitLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := InitLogger(LogOptions{Level: "info", Format: "json", Output: &buf})
	l.Info("hello", "key", "value")
	if !strings.Contains(buf.String(), `"key":"value"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
	if GetLogger() != l {
		t.Fatalf("GetLogger did not return the initialized logger")
	}
}
