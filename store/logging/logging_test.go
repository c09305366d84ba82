package logging

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/bobg/kfr/store"
	"github.com/bobg/kfr/store/mem"
	"github.com/bobg/kfr/testutil"
)

func TestStore(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, New(mem.New(), zaptest.NewLogger(t).Sugar()))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	s, err := store.Create(ctx, "logging", map[string]interface{}{
		"nested": map[string]interface{}{"type": "mem"},
		"logger": zaptest.NewLogger(t).Sugar(),
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(ctx, t, s)
}
