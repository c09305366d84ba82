package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kfr.yaml")
	const doc = `
root: /srv/tree
peer: http://peer:8420
state_dir: /var/lib/kfr
slice_size: 4096
timeout: 5s
store:
  type: lru
  size: 100
  nested:
    type: sqlite3
    conn: file:/var/lib/kfr/records.db
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KFR_SLICE_SIZE", "8192")
	t.Setenv("KFR_RESCAN", "1m")

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	want := &Config{
		Root:      "/srv/tree",
		Listen:    ":8420",
		Peer:      "http://peer:8420",
		StateDir:  "/var/lib/kfr",
		SliceSize: 8192,
		Timeout:   5 * time.Second,
		Rescan:    time.Minute,
		MergeTTL:  10 * time.Minute,
		LogLevel:  "info",
		Store: map[string]interface{}{
			"type": "lru",
			"size": 100,
			"nested": map[string]interface{}{
				"type": "sqlite3",
				"conn": "file:/var/lib/kfr/records.db",
			},
		},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if err := c.Validate(); err != nil {
		t.Error(err)
	}
	if diff := cmp.Diff(want.Store, c.StoreConfig()); diff != "" {
		t.Errorf("store config mismatch (-want +got):\n%s", diff)
	}
	if got := c.KnownConfig()["type"]; got != "sqlite3" {
		t.Errorf("got known store type %v, want sqlite3", got)
	}
}

func TestValidate(t *testing.T) {
	good := func() *Config {
		c := Defaults()
		c.Root = "/srv/tree"
		c.StateDir = "/var/lib/kfr"
		return c
	}
	if err := good().Validate(); err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(*Config){
		"no root":         func(c *Config) { c.Root = "" },
		"zero slice size": func(c *Config) { c.SliceSize = 0 },
		"negative rescan": func(c *Config) { c.Rescan = -time.Second },
		"bad level":       func(c *Config) { c.LogLevel = "loud" },
		"state in root":   func(c *Config) { c.StateDir = "/srv/tree/.state" },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			c := good()
			mod(c)
			if err := c.Validate(); err == nil {
				t.Error("got no error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, dev := range []bool{false, true} {
		log, err := NewLogger("debug", dev)
		if err != nil {
			t.Fatal(err)
		}
		log.Debugw("test", "dev", dev)
	}
	if _, err := NewLogger("loud", false); err == nil {
		t.Error("got no error for bad level")
	}
}
