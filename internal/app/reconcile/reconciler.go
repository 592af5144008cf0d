// Package reconcile keeps a client-side view of orders consistent with the
// server by combining a pulled snapshot with the pushed event stream.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/YelzhanWeb/pizzasync/internal/interfaces"
	"github.com/cenkalti/backoff/v4"
)

// eventBuffer bounds how many events queue up while a snapshot is being
// fetched; past that the reader blocks and the server may drop the channel.
const eventBuffer = 256

var errSuperseded = errors.New("snapshot superseded by a newer connection")

// Snapshotter is the pull side, normally the REST API client.
type Snapshotter interface {
	ListOrders(ctx context.Context) ([]*domain.Order, error)
}

type Options struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Reconciler owns one event channel connection at a time. Each connection
// gets a new epoch; snapshot results from an older epoch are dropped.
type Reconciler struct {
	dialer interfaces.EventDialer
	source Snapshotter
	view   *View
	join   interfaces.JoinRequest
	opts   Options
	logger logger.Logger

	epoch atomic.Uint64
	// live is the epoch of the connection currently open, 0 between sessions.
	live atomic.Uint64
}

func New(dialer interfaces.EventDialer, source Snapshotter, view *View, join interfaces.JoinRequest, opts Options, logger logger.Logger) *Reconciler {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = 10 * time.Second
	}
	return &Reconciler{
		dialer: dialer,
		source: source,
		view:   view,
		join:   join,
		opts:   opts,
		logger: logger,
	}
}

func (r *Reconciler) View() *View {
	return r.view
}

func (r *Reconciler) Epoch() uint64 {
	return r.epoch.Load()
}

func (r *Reconciler) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BackoffBase
	b.MaxInterval = r.opts.BackoffCap
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Run reconnects until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	reconnect := r.newBackOff(ctx)

	for {
		synced, err := r.session(ctx)
		r.view.MarkStale()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			reconnect.Reset()
		}

		delay := reconnect.NextBackOff()
		r.logger.Warn("event_channel_lost", fmt.Sprintf("Event channel lost, reconnecting in %s", delay.Round(time.Millisecond)), "",
			map[string]interface{}{
				"epoch": r.epoch.Load(),
				"error": err.Error(),
			})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection: dial, buffer events, snapshot, then apply
// events live. synced reports whether the snapshot landed before the end.
func (r *Reconciler) session(ctx context.Context) (synced bool, err error) {
	epoch := r.epoch.Add(1)
	r.live.Store(epoch)
	defer r.live.CompareAndSwap(epoch, 0)

	// 1. Открываем канал событий
	stream, err := r.dialer.Dial(ctx, r.join)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	done := make(chan struct{})
	defer close(done)

	events := make(chan interfaces.OrderEvent, eventBuffer)
	lost := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				lost <- err
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	r.logger.Info("event_channel_joined", "Joined event channel", "", map[string]interface{}{
		"epoch":    epoch,
		"role":     r.join.Role,
		"customer": r.join.Customer,
	})

	// 2. Снимок; канал не рвём, пока идут повторы.
	// ctx is not tied to this session: a reconnect supersedes the fetch
	// rather than cancelling it.
	snapped := make(chan struct{})
	go func() {
		if r.snapshot(ctx, epoch) == nil {
			close(snapped)
		}
	}()

	select {
	case <-snapped:
	case err := <-lost:
		return false, err
	case <-ctx.Done():
		return false, ctx.Err()
	}

	// 3. Буфер и живые события
	for {
		select {
		case ev := <-events:
			r.apply(ev)
		case err := <-lost:
			// drain what arrived before the drop
			for {
				select {
				case ev := <-events:
					r.apply(ev)
				default:
					return true, err
				}
			}
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (r *Reconciler) snapshot(ctx context.Context, epoch uint64) error {
	var orders []*domain.Order
	op := func() error {
		if r.live.Load() != epoch {
			return backoff.Permanent(errSuperseded)
		}
		var err error
		orders, err = r.source.ListOrders(ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("snapshot_retry", fmt.Sprintf("Snapshot fetch failed, retrying in %s", next.Round(time.Millisecond)), "",
			map[string]interface{}{
				"epoch": epoch,
				"error": err.Error(),
			})
	}

	if err := backoff.RetryNotify(op, r.newBackOff(ctx), notify); err != nil {
		return err
	}
	if !r.replaceIfCurrent(epoch, orders) {
		return errSuperseded
	}

	r.logger.Info("snapshot_applied", "Local view replaced from snapshot", "", map[string]interface{}{
		"epoch":  epoch,
		"orders": len(orders),
	})
	return nil
}

// replaceIfCurrent applies a snapshot only while its connection is the
// live one.
func (r *Reconciler) replaceIfCurrent(epoch uint64, orders []*domain.Order) bool {
	applied := r.view.ReplaceIf(func() bool { return r.live.Load() == epoch }, orders)
	if !applied {
		r.logger.Debug("snapshot_discarded", "Discarded snapshot from an older connection", "", map[string]interface{}{
			"epoch":   epoch,
			"current": r.epoch.Load(),
		})
	}
	return applied
}

func (r *Reconciler) apply(ev interfaces.OrderEvent) {
	if r.view.Upsert(ev.Order) {
		return
	}
	r.logger.Debug("event_ignored", "Event did not change the local view", "", map[string]interface{}{
		"order_id": ev.Order.ID,
		"event":    ev.Type,
		"status":   ev.Order.Status,
	})
}
