package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobg/flock"
	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/config"
	"github.com/bobg/kfr/local"
	"github.com/bobg/kfr/store"
	_ "github.com/bobg/kfr/store/leveldb"
	_ "github.com/bobg/kfr/store/logging"
	_ "github.com/bobg/kfr/store/lru"
	_ "github.com/bobg/kfr/store/mem"
	_ "github.com/bobg/kfr/store/pg"
	_ "github.com/bobg/kfr/store/sqlite3"
)

type maincmd struct {
	conf *config.Config
	log  *zap.SugaredLogger
}

func main() {
	confFile := flag.String("config", os.Getenv("KFR_CONFIG"), "path to YAML config file")
	flag.Parse()

	conf, err := config.Load(*confFile)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := config.NewLogger(conf.LogLevel, conf.Dev)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = subcmd.Run(ctx, maincmd{conf: conf, log: logger}, flag.Args())
	if err != nil {
		logger.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"head":  c.head,
		"ls":    c.ls,
		"serve": c.serve,
		"sync":  c.sync,
	}
}

// replica is the local side of a serve or sync command.
type replica struct {
	lock     flock.Locker
	lockFile string
	db       store.Store
	files    *kfr.Handles
	scratch  *kfr.Scratch
	model    *local.Model
}

// open locks the state dir
// and creates the local model over the configured root.
func (c maincmd) open(ctx context.Context) (*replica, error) {
	if err := c.conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	if err := os.MkdirAll(c.conf.StateDir, 0700); err != nil {
		return nil, errors.Wrapf(err, "creating %s", c.conf.StateDir)
	}

	r := new(replica)
	if err := r.lock.Lock(c.conf.LockFile()); err != nil {
		return nil, errors.Wrapf(err, "locking %s", c.conf.LockFile())
	}
	r.lockFile = c.conf.LockFile()

	var err error
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	if r.db, err = c.store(ctx, c.conf.StoreConfig()); err != nil {
		return nil, errors.Wrap(err, "opening record store")
	}
	if r.scratch, err = kfr.NewScratch(c.conf.ScratchDir()); err != nil {
		return nil, err
	}
	r.files = kfr.NewHandles()

	r.model, err = local.New(c.conf.Root, r.db, r.files, r.scratch,
		local.WithLogger(c.log.Named("local")),
		local.WithRescan(c.conf.Rescan),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", c.conf.Root)
	}
	return r, nil
}

func (r *replica) close() {
	if r.model != nil {
		r.model.Close()
	}
	if r.scratch != nil {
		r.scratch.Close()
	}
	if r.db != nil {
		r.db.Close()
	}
	if r.lockFile != "" {
		r.lock.Unlock(r.lockFile)
	}
}

func (c maincmd) store(ctx context.Context, conf map[string]interface{}) (store.Store, error) {
	if conf["type"] == "logging" {
		if _, ok := conf["logger"]; !ok {
			conf["logger"] = c.log
		}
	}
	return store.FromConfig(ctx, conf)
}
