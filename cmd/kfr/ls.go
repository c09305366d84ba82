package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/bobg/kfr"
)

func (c maincmd) ls(ctx context.Context, fs *flag.FlagSet, args []string) error {
	deleted := fs.Bool("deleted", false, "include tombstones")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if err := os.MkdirAll(c.conf.StateDir, 0700); err != nil {
		return errors.Wrapf(err, "creating %s", c.conf.StateDir)
	}

	db, err := c.store(ctx, c.conf.StoreConfig())
	if err != nil {
		return errors.Wrap(err, "opening record store")
	}
	defer db.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	err = db.All(ctx, func(k kfr.Kfr) error {
		if !k.Exists() && !*deleted {
			return nil
		}
		printRecord(w, k)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing records")
	}
	return w.Flush()
}

func printRecord(w *tabwriter.Writer, k kfr.Kfr) {
	if k.Exists() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%016x\n", k.Path, k.T().Format("2006-01-02 15:04:05.000"), k.Size, k.Hash)
	} else {
		fmt.Fprintf(w, "%s\t%s\tdeleted\t\n", k.Path, k.T().Format("2006-01-02 15:04:05.000"))
	}
}
