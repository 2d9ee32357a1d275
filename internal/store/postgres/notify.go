package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// Channel is the NOTIFY channel the migration triggers publish on. The
// payload is the table name.
const Channel = "auction_changes"

// ListenerOptions tunes the lib/pq listener.
type ListenerOptions struct {
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// Notifier implements store.Notifier with one pq.Listener per subscription.
type Notifier struct {
	dsn  string
	opts ListenerOptions
}

// NewNotifier returns a Notifier connecting with dsn.
func NewNotifier(dsn string, opts ListenerOptions) *Notifier {
	if opts.MinReconnect <= 0 {
		opts.MinReconnect = 500 * time.Millisecond
	}
	if opts.MaxReconnect < opts.MinReconnect {
		opts.MaxReconnect = 30 * time.Second
	}
	return &Notifier{dsn: dsn, opts: opts}
}

// Subscribe opens a dedicated LISTEN connection for c. The subscription
// ends, and its channel closes, as soon as the connection drops. Reconnection
// is left to the caller so that it re-fetches after every gap.
func (n *Notifier) Subscribe(ctx context.Context, c store.Collection) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	l := pq.NewListener(n.dsn, n.opts.MinReconnect, n.opts.MaxReconnect, func(ev pq.ListenerEventType, _ error) {
		switch ev {
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			lostOnce.Do(func() { close(lost) })
		}
	})

	// Listen blocks until a connection is established, so abandon the
	// listener if the first attempt fails or ctx ends.
	setup := make(chan struct{})
	go func() {
		select {
		case <-lost:
			_ = l.Close()
		case <-ctx.Done():
			_ = l.Close()
		case <-setup:
		}
	}()
	err := l.Listen(Channel)
	close(setup)
	if err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "listening for %s changes", c)
	}
	if err := l.Ping(); err != nil {
		_ = l.Close()
		return nil, errors.Wrapf(err, "pinging %s listener", c)
	}

	sub := &subscription{
		listener:   l,
		collection: c,
		out:        make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go sub.forward(lost)
	return sub, nil
}

type subscription struct {
	listener   *pq.Listener
	collection store.Collection
	out        chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func (s *subscription) Notifications() <-chan struct{} { return s.out }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.listener.Close()
	})
	return s.closeErr
}

func (s *subscription) forward(lost <-chan struct{}) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-lost:
			_ = s.Close()
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; table names filter the
			// shared channel down to this collection.
			if n == nil || n.Extra != string(s.collection) {
				continue
			}
			select {
			case s.out <- struct{}{}:
			default:
			}
		}
	}
}
