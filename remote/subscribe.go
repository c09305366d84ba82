package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/wire"
)

// subscribe maintains the websocket subscription until ctx is done.
// Each connection asks for records no older than the last one consumed,
// so nothing is missed across reconnects.
// Repeats are discarded by receive.
func (m *Model) subscribe(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = m.maxWait

	op := func() error {
		err := m.subscribeOnce(ctx, bo)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warnw("subscription lost", "err", err, "retry_in", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	m.log.Debugw("subscription ended", "err", err)
}

func (m *Model) after() *int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	t := *m.last
	return &t
}

func (m *Model) consumed(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil || t > *m.last {
		m.last = &t
	}
}

// subscribeOnce runs one connection to the peer.
// It always returns a non-nil error.
func (m *Model) subscribeOnce(ctx context.Context, bo backoff.BackOff) error {
	u := wire.AllURL(m.base, m.after(), nil)
	conn, _, err := m.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return errors.Wrap(err, "dialing")
	}
	defer conn.Close()

	bo.Reset()
	m.connected.Store(true)
	defer m.connected.Store(false)
	m.log.Infow("subscribed", "url", u)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(m.readWait))
	}
	if err := extend(); err != nil {
		return errors.Wrap(err, "setting read deadline")
	}
	conn.SetPingHandler(func(data string) error {
		if err := extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var rec kfr.Kfr
		if err := conn.ReadJSON(&rec); err != nil {
			return errors.Wrap(err, "reading subscription")
		}
		if err := extend(); err != nil {
			return errors.Wrap(err, "setting read deadline")
		}
		if err := m.receive(ctx, rec); err != nil {
			m.log.Warnw("discarding record", "rec", rec, "err", err)
		}
		m.consumed(rec.Time)
	}
}
