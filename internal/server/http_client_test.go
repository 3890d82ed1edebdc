package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/any-hub/shellcache/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewUpstreamClient(nil).Timeout != defaultUpstreamTimeout {
		t.Fatalf("nil config should use default timeout")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive, X-Session-Hint")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Session-Hint", "abc")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	for _, key := range []string{"Connection", "Keep-Alive", "X-Session-Hint"} {
		if _, exists := dst[key]; exists {
			t.Fatalf("%s header should not be copied", key)
		}
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}
