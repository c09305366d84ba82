package main

import (
	"context"
	"flag"

	"github.com/pkg/errors"

	"github.com/bobg/kfr/remote"
	"github.com/bobg/kfr/syncer"
)

func (c maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) error {
	peer := fs.String("peer", c.conf.Peer, "base URL of peer")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *peer == "" {
		return errors.New("no peer")
	}

	r, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer r.close()

	known, err := c.store(ctx, c.conf.KnownConfig())
	if err != nil {
		return errors.Wrap(err, "opening known-record store")
	}
	defer known.Close()

	m, err := remote.New(*peer, known, r.files, r.scratch,
		remote.WithLogger(c.log.Named("remote")),
		remote.WithSliceSize(c.conf.SliceSize),
		remote.WithCompression(c.conf.Compress),
		remote.WithTimeout(c.conf.Timeout),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Health(ctx); err != nil {
		c.log.Warnw("peer not healthy, continuing", "peer", *peer, "err", err)
	}

	if err := r.model.Start(ctx); err != nil {
		return errors.Wrapf(err, "watching %s", r.model.Root())
	}
	m.Start(ctx)

	c.log.Infow("syncing", "root", r.model.Root(), "peer", *peer)
	return syncer.Bidirectional(ctx, r.model, m, r.scratch, c.log.Named("sync"))
}
