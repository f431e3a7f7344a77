package util

import (
	"strings"
	"testing"
)

func TestIn(t *testing.T) {
	ss := []string{"r1", "r2"}
	if !In(ss, "r2") || In(ss, "r3") || In(nil, "") {
		t.Errorf("In mismatch")
	}
}

func TestDedupe(t *testing.T) {
	cases := []struct {
		in      []string
		exclude []string
		exp     string
	}{
		{[]string{"b", "a", "b", "", "c"}, nil, "b,a,c"},
		{[]string{"r1", "r2", "r1"}, []string{"r1"}, "r2"},
		{nil, nil, ""},
	}

	for i, c := range cases {
		if got := strings.Join(Dedupe(c.in, c.exclude...), ","); got != c.exp {
			t.Errorf("[%d] got %q expected %q", i, got, c.exp)
		}
	}

	if got := strings.Join(Without([]string{"a", "b", "a"}, "a"), ","); got != "b" {
		t.Errorf("Without got %q", got)
	}
}

func TestSigner(t *testing.T) {
	s := NewSigner("secret")
	sig := s.Sign("conf_1", "t1", "R1")

	if len(sig) != 64 {
		t.Errorf("unexpected signature length %d", len(sig))
	}

	if !s.Verify(sig, "conf_1", "t1", "R1") {
		t.Errorf("signature did not verify")
	}

	if s.Verify(sig, "conf_1", "t1", "R2") || NewSigner("other").Verify(sig, "conf_1", "t1", "R1") {
		t.Errorf("signature verified with wrong fields or key")
	}

	// long secrets are accepted
	long := NewSigner(strings.Repeat("k", 100))
	if !long.Verify(long.Sign("x"), "x") {
		t.Errorf("long key signer failed")
	}
}
