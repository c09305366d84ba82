package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/remote"
	"github.com/bobg/kfr/store/mem"
	"github.com/bobg/kfr/wire"
)

func (c maincmd) head(ctx context.Context, fs *flag.FlagSet, args []string) error {
	peer := fs.String("peer", c.conf.Peer, "base URL of peer")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *peer == "" {
		return errors.New("no peer")
	}

	m, err := remote.New(*peer, mem.New(), kfr.NewHandles(), nil, remote.WithTimeout(c.conf.Timeout))
	if err != nil {
		return err
	}
	defer m.Close()

	if fs.NArg() == 0 {
		if err := m.Health(ctx); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, arg := range fs.Args() {
		p, err := wire.CleanPath(arg)
		if err != nil {
			return err
		}
		k, err := m.Get(ctx, p)
		if errors.Is(err, kfr.ErrNotFound) {
			fmt.Fprintf(w, "%s\tnot found\n", p)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "getting %s", p)
		}
		printRecord(w, k)
	}
	return w.Flush()
}
