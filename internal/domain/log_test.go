package domain

import "testing"

func TestCleanLogText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain\n", "plain\n"},
		{"nul\x00byte", "nulbyte"},
		{"cut \xe2\x82", "cut �"},
		{"bad \xff tail", "bad � tail"},
		{"euro € stays", "euro € stays"},
	}
	for _, tc := range cases {
		if got := CleanLogText(tc.in); got != tc.want {
			t.Errorf("CleanLogText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
