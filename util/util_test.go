package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ v, b, up, down int }{
		{0, 4096, 0, 0},
		{1, 4096, 4096, 0},
		{4096, 4096, 4096, 4096},
		{4097, 4096, 8192, 4096},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestLog2Ceil(t *testing.T) {
	cases := []struct {
		n    int
		want uint
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {16, 4}, {17, 5},
	}
	for _, c := range cases {
		if got := Log2Ceil(c.n); got != c.want {
			t.Errorf("Log2Ceil(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 || Min(5, 3) != 3 {
		t.Fatal("Min incorrect")
	}
}
