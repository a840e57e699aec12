package common

import "testing"

func TestHasAny(t *testing.T) {
	tests := []struct {
		s    string
		subs []string
		want bool
	}{
		{"read tcp: Connection Reset by peer", []string{"connection reset"}, true},
		{"write: broken pipe", []string{"timeout", "broken pipe"}, true},
		{"schema mismatch", []string{"connection reset", "broken pipe"}, false},
		{"anything", nil, false},
	}
	for _, tt := range tests {
		if got := HasAny(tt.s, tt.subs...); got != tt.want {
			t.Errorf("HasAny(%q, %v) = %v, want %v", tt.s, tt.subs, got, tt.want)
		}
	}
}
