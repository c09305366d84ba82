package local

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rjeczalik/notify"

	"github.com/bobg/kfr"
)

// Start begins watching the tree,
// scans it,
// and then processes filesystem events until ctx is canceled or the Model is closed.
// The watch is registered before the scan
// so that changes made during the scan are not missed.
// Start returns after the scan.
func (m *Model) Start(ctx context.Context) (err error) {
	if !m.state.CompareAndSwap(int32(Idle), int32(Scanning)) {
		return errors.Errorf("cannot start model in state %s", m.State())
	}
	m.log.Debugw("state", "state", Scanning)

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan notify.EventInfo, m.bufsize)

	m.mu.Lock()
	if m.State() == Closed {
		m.mu.Unlock()
		cancel()
		return kfr.ErrClosed
	}
	m.cancel, m.events = cancel, events
	m.mu.Unlock()

	defer func() {
		if err != nil {
			m.abortStart()
		}
	}()

	if err := notify.Watch(m.root+"/...", events, notify.All); err != nil {
		return errors.Wrapf(err, "watching %s/...", m.root)
	}

	t1 := time.Now()
	if err := m.scan(ctx); err != nil {
		return errors.Wrapf(err, "scanning %s", m.root)
	}
	m.log.Infow("scanned", "elapsed", time.Since(t1), "queued", m.changes.Len())

	// Under the lock so that Close cannot miss the goroutines.
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(int32(Scanning), int32(Watching)) {
		return kfr.ErrClosed
	}
	m.log.Debugw("state", "state", Watching)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(ctx, events)
	}()

	if m.rescan > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.rescanLoop(ctx)
		}()
	}

	return nil
}

// abortStart undoes a failed Start,
// leaving the Model idle (unless it was closed meanwhile).
func (m *Model) abortStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopWatchLocked()
	if m.state.CompareAndSwap(int32(Scanning), int32(Idle)) {
		m.log.Debugw("state", "state", Idle)
	}
}

// Caller must hold m.mu exclusively.
func (m *Model) stopWatchLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.events != nil {
		notify.Stop(m.events)
		m.events = nil
	}
}

func (m *Model) watch(ctx context.Context, events <-chan notify.EventInfo) {
	for {
		select {
		case <-ctx.Done():
			m.log.Debug("context canceled, exiting filesystem watcher")
			return

		case ev, ok := <-events:
			if !ok {
				m.log.Debug("file-events channel closed, exiting filesystem watcher")
				return
			}
			if err := m.FileChanged(ctx, ev.Path()); err != nil {
				m.logErr("handling change", ev.Path(), err)
			}
		}
	}
}

func (m *Model) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(m.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.scan(ctx); err != nil {
				m.logErr("rescanning", m.root, err)
			}
		}
	}
}

func (m *Model) logErr(msg, path string, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, kfr.ErrClosed):
	case errors.Is(err, kfr.ErrStale):
		m.log.Debugw(msg, "path", path, "err", err)
	default:
		m.log.Warnw(msg, "path", path, "err", err)
	}
}
