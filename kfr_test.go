package kfr

import (
	"testing"
	"testing/quick"
)

func TestCanReplace(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		f := func(k Kfr) bool {
			return CanReplace(k, nil)
		}
		if err := quick.Check(f, nil); err != nil {
			t.Error(err)
		}
	})

	t.Run("self", func(t *testing.T) {
		f := func(k Kfr) bool {
			k.Path = "/x"
			return !CanReplace(k, &k)
		}
		if err := quick.Check(f, nil); err != nil {
			t.Error(err)
		}
	})

	t.Run("older", func(t *testing.T) {
		f := func(a, b Kfr) bool {
			a.Path, b.Path = "/x", "/x"
			if a.Time == b.Time {
				return true
			}
			if a.Time > b.Time {
				a, b = b, a
			}
			return !CanReplace(a, &b)
		}
		if err := quick.Check(f, nil); err != nil {
			t.Error(err)
		}
	})

	cases := []struct {
		name      string
		cand, cur Kfr
		want      bool
	}{
		{"newer content", Kfr{"/a", 2, 3, 7}, Kfr{"/a", 1, 2, 6}, true},
		{"same time, different content", Kfr{"/a", 1, 3, 7}, Kfr{"/a", 1, 2, 6}, true},
		{"newer, same content", Kfr{"/a", 2, 2, 6}, Kfr{"/a", 1, 2, 6}, false},
		{"delete", Absent("/a", 2), Kfr{"/a", 1, 2, 6}, true},
		{"delete again", Absent("/a", 3), Absent("/a", 2), false},
		{"resurrect", Kfr{"/a", 3, 0, HashBytes(nil)}, Absent("/a", 2), true},
		{"older delete", Absent("/a", 1), Kfr{"/a", 2, 2, 6}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cur := c.cur
			if got := CanReplace(c.cand, &cur); got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestCanReplacePathMismatch(t *testing.T) {
	var err error
	func() {
		defer Recover(&err)
		b := Kfr{Path: "/b"}
		CanReplace(Kfr{Path: "/a"}, &b)
	}()
	if !IsInvariant(err) {
		t.Errorf("got %v, want invariant violation", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		k    Kfr
		good bool
	}{
		{Kfr{Path: "/a", Size: 0, Hash: HashBytes(nil)}, true},
		{Absent("/a", 17), true},
		{Kfr{Path: "/a", Size: -1, Hash: 1}, false},
		{Kfr{Path: "/a", Size: -2}, false},
		{Kfr{Size: 4, Hash: 1}, false},
	}
	for _, c := range cases {
		err := c.k.Validate()
		if c.good && err != nil {
			t.Errorf("%s: unexpected error %s", c.k, err)
		} else if !c.good && !IsInvariant(err) {
			t.Errorf("%s: got %v, want invariant violation", c.k, err)
		}
	}
}
