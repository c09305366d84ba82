package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/kfr/server"
)

func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	addr := fs.String("addr", c.conf.Listen, "listen address")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	r, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer r.close()

	if err := r.model.Start(ctx); err != nil {
		return errors.Wrapf(err, "watching %s", r.model.Root())
	}

	srv := server.New(r.model, r.files, r.scratch,
		server.WithLogger(c.log.Named("server")),
		server.WithMaxChunk(max(c.conf.SliceSize, 16<<20)),
		server.WithMergeTTL(c.conf.MergeTTL),
	)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", *addr)
	}
	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: c.conf.Timeout,
	}

	c.log.Infow("serving", "addr", lis.Addr().String(), "root", r.model.Root())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Run(ctx)
	})
	eg.Go(func() error {
		err := hs.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return eg.Wait()
}
