package logger

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			log, err := New(level, format)
			if err != nil {
				t.Fatalf("New(%q, %q): %v", level, format, err)
			}
			_ = log.Sync()
		}
	}
}

func TestNewRejectsUnknownValues(t *testing.T) {
	if _, err := New("loud", "console"); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestSafeHeadersRedactsCredentials(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Origin", "http://localhost:3000")

	got := SafeHeaders(req)
	if strings.Contains(got, "secret") {
		t.Fatalf("credentials leaked: %s", got)
	}
	if !strings.Contains(got, "Origin=http://localhost:3000") {
		t.Fatalf("origin missing: %s", got)
	}
}
