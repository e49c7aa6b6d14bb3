package flag_test

import (
	"testing"

	"github.com/govpmem/govpmem/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		unit string
		want int
	}{
		{"64", "m", 64 << 20},
		{"64M", "", 64 << 20},
		{"1g", "", 1 << 30},
		{"512K", "", 512 << 10},
		{"0x10", "", 16},
		{"4096", "", 4096},
	} {
		got, err := flag.ParseSize(tt.in, tt.unit)
		if err != nil {
			t.Fatalf("ParseSize(%q, %q): %v", tt.in, tt.unit, err)
		}

		if got != tt.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.in, tt.unit, got, tt.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "g", "12x", "x12"} {
		if _, err := flag.ParseSize(in, ""); err == nil {
			t.Errorf("ParseSize(%q) should fail", in)
		}
	}
}
