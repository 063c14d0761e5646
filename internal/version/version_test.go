package version

import (
	"strings"
	"testing"
)

func TestFullIncludesCommit(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	Version, Commit = "1.2.3", "abc123"
	if got := Full(); got != "offcache 1.2.3 (abc123)" {
		t.Fatalf("unexpected version string: %s", got)
	}
	if !strings.HasPrefix(UserAgent(), "offcache/1.2.3 (") {
		t.Fatalf("unexpected user agent: %s", UserAgent())
	}
}
