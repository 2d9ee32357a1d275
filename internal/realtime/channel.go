package realtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// State is the lifecycle of one collection channel.
type State int32

const (
	Connecting State = iota
	Subscribed
	Delivering
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Delivering:
		return "delivering"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// connected reports whether the channel is attached to the transport.
func (s State) connected() bool {
	return s == Subscribed || s == Delivering
}

// channel keeps one collection of the replica in sync with the store.
type channel struct {
	collection store.Collection
	notifier   store.Notifier
	refresh    func(ctx context.Context) error
	onState    func()
	cfg        config.RealtimeConfig
	logger     *slog.Logger

	state atomic.Int32
}

func (c *channel) State() State {
	return State(c.state.Load())
}

func (c *channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("channel state changed",
		slog.String("collection", string(c.collection)),
		slog.String("state", s.String()),
	)
	c.onState()
}

func (c *channel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// run subscribes, delivers and reconnects until ctx is done. Transport
// failures are never returned; they only move the channel to Reconnecting.
func (c *channel) run(ctx context.Context) error {
	b := c.newBackOff()
	defer c.setState(Closed)

	for {
		c.setState(Connecting)
		sub, err := c.notifier.Subscribe(ctx, c.collection)
		if err == nil {
			c.setState(Subscribed)
			b.Reset()
			c.deliver(ctx, sub)
			_ = sub.Close()
		} else if ctx.Err() == nil {
			c.logger.WarnContext(ctx, "subscribe failed",
				slog.String("collection", string(c.collection)),
				slog.String("error", err.Error()),
			)
		}
		if ctx.Err() != nil {
			return nil
		}

		c.setState(Reconnecting)
		wait := b.NextBackOff()
		c.logger.InfoContext(ctx, "reconnecting",
			slog.String("collection", string(c.collection)),
			slog.Duration("backoff", wait),
		)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// deliver re-fetches the collection once on entry, which covers anything
// missed while disconnected, and again for every notification. The
// subscription buffers at most one signal, so bursts collapse into a
// single re-fetch and a signal arriving mid-fetch triggers one more.
func (c *channel) deliver(ctx context.Context, sub store.Subscription) {
	pending := true
	var retry <-chan time.Time

	for {
		if pending {
			pending = false
			c.setState(Delivering)
			if err := c.refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "refresh failed",
					slog.String("collection", string(c.collection)),
					slog.String("error", err.Error()),
				)
				retry = time.After(c.cfg.RefreshRetry)
			}
			c.setState(Subscribed)
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Notifications():
			if !ok {
				return
			}
			pending = true
		case <-retry:
			retry = nil
			pending = true
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
