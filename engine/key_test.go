// ABOUTME: Tests for branch key parsing and rendering.
package engine

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	cases := []struct {
		key  Key
		wire string
	}{
		{NodeKey("fetch"), "fetch"},
		{BranchKey("work", 0), "work_0"},
		{BranchKey("work", 12), "work_12"},
		{NodeKey("node.with:chars-ok"), "node.with:chars-ok"},
	}
	for _, c := range cases {
		if got := c.key.String(); got != c.wire {
			t.Errorf("String(%+v) = %q, want %q", c.key, got, c.wire)
		}
		parsed, err := ParseKey(c.wire)
		if err != nil {
			t.Errorf("ParseKey(%q) failed: %v", c.wire, err)
			continue
		}
		if parsed != c.key {
			t.Errorf("ParseKey(%q) = %+v, want %+v", c.wire, parsed, c.key)
		}
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "_0", "work_", "work_-1", "work_x_"} {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q) succeeded, wanted an error", s)
		}
	}
}

func TestSynthetic(t *testing.T) {
	if NodeKey("a").Synthetic() {
		t.Error("node key reported synthetic")
	}
	if !BranchKey("a", 0).Synthetic() {
		t.Error("branch key not reported synthetic")
	}
}
