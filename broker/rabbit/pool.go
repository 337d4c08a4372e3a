package rabbit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ciaranRoche/bifrost-go/broker"
)

const (
	defaultCacheSize       = 16
	defaultCheckoutTimeout = 10 * time.Second
)

// connection is the slice of *amqp.Connection the pool needs; an
// interface so pool behavior is testable without a broker.
type connection interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
}

var _ connection = (*amqp.Connection)(nil)

// channelPool keeps a bounded number of channels alive for one
// connection. Channels are checked out for the duration of one publish
// or declaration and returned afterward, never held across unrelated
// operations.
//
// Invariant: len(permits) == total channels (idle + borrowed) <= capacity.
type channelPool struct {
	conn     connection
	idle     chan *amqp.Channel
	capacity int
	checkout time.Duration

	closed  atomic.Bool
	newChMu sync.Mutex
	permits chan struct{}

	// closeMu serializes Return's send on idle with Close's close of
	// it; the closed flag flips under the same lock, so no send can
	// follow the close.
	closeMu sync.Mutex
}

func newChannelPool(conn connection, capacity int, checkout time.Duration) *channelPool {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	if checkout <= 0 {
		checkout = defaultCheckoutTimeout
	}
	return &channelPool{
		conn:     conn,
		idle:     make(chan *amqp.Channel, capacity),
		capacity: capacity,
		checkout: checkout,
		permits:  make(chan struct{}, capacity),
	}
}

// Borrow checks a channel out of the pool, growing the pool up to
// capacity when no idle channel is available. Waiting beyond the
// checkout timeout fails with broker.ResourceExhaustedError rather than
// blocking indefinitely.
func (cp *channelPool) Borrow(ctx context.Context) (*amqp.Channel, error) {
	if cp.closed.Load() {
		return nil, broker.ErrClosed
	}

	deadline := time.NewTimer(cp.checkout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-deadline.C:
			return nil, &broker.ResourceExhaustedError{Resource: "channel", Timeout: cp.checkout}

		case ch, ok := <-cp.idle:
			if !ok {
				return nil, broker.ErrClosed
			}
			if cp.conn.IsClosed() || ch.IsClosed() {
				safeClose(ch)
				nch, err := cp.newChannel()
				if err != nil {
					cp.releasePermit()
					return nil, &broker.ConnectionLostError{Err: err}
				}
				return nch, nil
			}
			return ch, nil

		default:
			if cp.conn.IsClosed() {
				return nil, &broker.ConnectionLostError{Err: errConnClosed}
			}
			// grow by acquiring a permit, else wait for a return
			select {
			case cp.permits <- struct{}{}:
				nch, err := cp.newChannel()
				if err != nil {
					cp.releasePermit()
					return nil, &broker.ConnectionLostError{Err: err}
				}
				return nch, nil

			case ch, ok := <-cp.idle:
				if !ok {
					return nil, broker.ErrClosed
				}
				if cp.conn.IsClosed() || ch.IsClosed() {
					safeClose(ch)
					continue
				}
				return ch, nil

			case <-ctx.Done():
				return nil, ctx.Err()

			case <-deadline.C:
				return nil, &broker.ResourceExhaustedError{Resource: "channel", Timeout: cp.checkout}
			}
		}
	}
}

// Return puts a channel back into the pool, discarding it if the pool or
// connection has moved on.
func (cp *channelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if cp.conn.IsClosed() || ch.IsClosed() {
		safeClose(ch)
		cp.releasePermit()
		return
	}

	cp.closeMu.Lock()
	if cp.closed.Load() {
		cp.closeMu.Unlock()
		safeClose(ch)
		cp.releasePermit()
		return
	}
	select {
	case cp.idle <- ch:
		cp.closeMu.Unlock()
	default:
		cp.closeMu.Unlock()
		safeClose(ch)
		cp.releasePermit()
	}
}

// Close drains and closes all idle channels.
func (cp *channelPool) Close() {
	cp.closeMu.Lock()
	if cp.closed.Swap(true) {
		cp.closeMu.Unlock()
		return
	}
	close(cp.idle)
	cp.closeMu.Unlock()

	for ch := range cp.idle {
		safeClose(ch)
		cp.releasePermit()
	}
}

func (cp *channelPool) newChannel() (*amqp.Channel, error) {
	cp.newChMu.Lock()
	defer cp.newChMu.Unlock()
	if cp.conn.IsClosed() {
		return nil, errConnClosed
	}
	return cp.conn.Channel()
}

func (cp *channelPool) releasePermit() {
	select {
	case <-cp.permits:
	default:
	}
}

func safeClose(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	defer func() { _ = recover() }()
	_ = ch.Close()
}
