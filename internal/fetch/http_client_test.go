package fetch

import (
	"net/http"
	"testing"
	"time"
)

func TestCopyHeadersDropsHopByHopAndConnectionTokens(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive, X-Trace-Hop")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("X-Trace-Hop", "1")
	src.Set("Transfer-Encoding", "chunked")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Set("Content-Type", "text/html")

	dst := http.Header{}
	CopyHeaders(dst, src)

	for _, key := range []string{"Connection", "Keep-Alive", "X-Trace-Hop", "Transfer-Encoding"} {
		if dst.Get(key) != "" {
			t.Fatalf("%s should not be forwarded", key)
		}
	}
	if got := dst.Values("Set-Cookie"); len(got) != 2 {
		t.Fatalf("multi-value headers must survive, got %v", got)
	}
	if dst.Get("Content-Type") != "text/html" {
		t.Fatalf("end-to-end header lost")
	}
}

func TestNewUpstreamClientTimeout(t *testing.T) {
	if c := NewUpstreamClient(0); c.Timeout != 0 {
		t.Fatalf("zero timeout should leave client unbounded, got %s", c.Timeout)
	}
	if c := NewUpstreamClient(2 * time.Second); c.Timeout != 2*time.Second {
		t.Fatalf("unexpected timeout %s", c.Timeout)
	}
	if _, ok := NewUpstreamClient(0).Transport.(*http.Transport); !ok {
		t.Fatalf("expected tuned *http.Transport")
	}
}
