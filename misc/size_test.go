package misc

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"4K", 4096},
		{"4kb", 4096},
		{"1.5M", 1572864},
		{"2G", 2 << 30},
		{"16B", 16},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"", "abc", "-1", "K"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) should fail", bad)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	if s := FormatBytes(512); s != "512 B" {
		t.Errorf("got %q", s)
	}
	if s := FormatBytes(2048); s != "2.0 KiB" {
		t.Errorf("got %q", s)
	}
	if s := FormatBytes(3 << 20); s != "3.0 MiB" {
		t.Errorf("got %q", s)
	}
}
