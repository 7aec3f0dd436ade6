package utils

import (
	"testing"
)

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string unchanged")
	}
	if Truncate("hello world", 5) != "hello..." {
		t.Errorf("got %s", Truncate("hello world", 5))
	}
	if Truncate("x", 0) != "x" {
		t.Error("maxLen 0 returns as-is")
	}
}

func TestSanitizeCourseID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"cs101", "CS101"},
		{"  math 201  ", "MATH_201"},
		{"phys-2b", "PHYS-2B"},
		{"intro!to@ml", "INTROTOML"},
		{"", "MISC"},
		{"###", "MISC"},
	}
	for _, c := range cases {
		if got := SanitizeCourseID(c.in); got != c.want {
			t.Errorf("SanitizeCourseID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
