package main

import (
	"io"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.raw); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestNewBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"", "anacrolix", false},
		{"anacrolix", "anacrolix", false},
		{"Memory", "memory", false},
		{"libtorrent", "", true},
	}
	for _, tt := range tests {
		backend, err := newBackend(tt.name, logger)
		if tt.wantErr {
			if err == nil {
				t.Errorf("newBackend(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("newBackend(%q): %v", tt.name, err)
		}
		if backend.Name() != tt.wantName {
			t.Errorf("newBackend(%q).Name() = %q, want %q", tt.name, backend.Name(), tt.wantName)
		}
	}
}
