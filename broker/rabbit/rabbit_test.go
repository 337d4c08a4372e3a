package rabbit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ciaranRoche/bifrost-go/broker"
)

func TestNewClient_InvalidProfile(t *testing.T) {
	tests := []struct {
		name    string
		profile *broker.Profile
	}{
		{name: "nil profile", profile: nil},
		{name: "no addresses", profile: &broker.Profile{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(broker.RoleProducer, tt.profile); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNewClientWithDialer_DialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	dialer := func(ctx context.Context, url string, cfg amqp.Config) (*amqp.Connection, error) {
		return nil, dialErr
	}

	_, err := NewClientWithDialer(broker.RoleProducer, &broker.Profile{
		Addresses: []string{"rabbit-1:5672", "rabbit-2:5672"},
	}, dialer)
	if !errors.Is(err, dialErr) {
		t.Errorf("NewClientWithDialer() error = %v, want dial error", err)
	}
}

// Every address is tried before dialing gives up.
func TestDial_TriesAllAddresses(t *testing.T) {
	var attempts []string
	dialer := func(ctx context.Context, url string, cfg amqp.Config) (*amqp.Connection, error) {
		attempts = append(attempts, url)
		return nil, errors.New("connection refused")
	}

	profile := &broker.Profile{Addresses: []string{"rabbit-1:5672", "rabbit-2:5672"}}
	if _, err := dial(context.Background(), profile, dialer); err == nil {
		t.Fatal("Expected error when all addresses fail")
	}

	want := []string{"amqp://rabbit-1:5672/", "amqp://rabbit-2:5672/"}
	if len(attempts) != len(want) {
		t.Fatalf("Attempts = %v, want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Errorf("Attempt[%d] = %q, want %q", i, attempts[i], want[i])
		}
	}
}

func TestDial_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dialer := func(ctx context.Context, url string, cfg amqp.Config) (*amqp.Connection, error) {
		t.Fatal("Dialer should not be called after cancellation")
		return nil, nil
	}

	profile := &broker.Profile{Addresses: []string{"rabbit-1:5672"}}
	if _, err := dial(ctx, profile, dialer); !errors.Is(err, context.Canceled) {
		t.Errorf("dial() error = %v, want context.Canceled", err)
	}
}

// flakyConn reports alive until the first channel open, which fails and
// takes the connection down with it.
type flakyConn struct {
	mu     sync.Mutex
	calls  int
	closed bool
}

func (f *flakyConn) Channel() (*amqp.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.closed = true
	return nil, errors.New("channel exception")
}

func (f *flakyConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *flakyConn) channelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestClient(states ...*consumerState) *Client {
	c := &Client{
		done:      make(chan struct{}),
		consumers: make(map[string]*consumerState),
	}
	for _, s := range states {
		c.consumers[s.sub.Queue] = s
	}
	return c
}

// A consumer whose channel dies while the connection is up must be
// re-established, not abandoned.
func TestRestartConsumer_AttemptsOnLiveConnection(t *testing.T) {
	state := &consumerState{
		ctx:     context.Background(),
		sub:     broker.Subscription{Queue: "orders.billing-0"},
		handler: func(ctx context.Context, d *broker.Delivery) error { return nil },
	}
	c := newTestClient(state)
	conn := &flakyConn{}

	c.restartConsumer(conn, state)

	if conn.channelCalls() != 1 {
		t.Errorf("Channel() called %d times, want 1 restart attempt", conn.channelCalls())
	}
	// The connection died during the attempt; the subscription stays
	// registered for the connection watcher to restart after re-dial.
	if _, ok := c.consumers["orders.billing-0"]; !ok {
		t.Error("Expected subscription to stay registered")
	}
}

func TestRestartConsumer_DeadConnectionLeftToWatcher(t *testing.T) {
	state := &consumerState{
		ctx: context.Background(),
		sub: broker.Subscription{Queue: "orders.billing-0"},
	}
	c := newTestClient(state)
	conn := &flakyConn{closed: true}

	c.restartConsumer(conn, state)

	if conn.channelCalls() != 0 {
		t.Errorf("Channel() called %d times, want none on a dead connection", conn.channelCalls())
	}
	if _, ok := c.consumers["orders.billing-0"]; !ok {
		t.Error("Expected subscription to stay registered for the watcher")
	}
}

func TestRestartConsumer_CanceledContextDeregisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := &consumerState{
		ctx: ctx,
		sub: broker.Subscription{Queue: "orders.billing-0"},
	}
	c := newTestClient(state)
	conn := &flakyConn{}

	c.restartConsumer(conn, state)

	if conn.channelCalls() != 0 {
		t.Errorf("Channel() called %d times, want none after cancellation", conn.channelCalls())
	}
	if _, ok := c.consumers["orders.billing-0"]; ok {
		t.Error("Expected subscription to be deregistered")
	}
}

// A deliveries channel the server closes must route into the restart
// path instead of silently ending consumption.
func TestConsumeLoop_EndedDeliveriesTriggerRestart(t *testing.T) {
	state := &consumerState{
		ctx: context.Background(),
		sub: broker.Subscription{Queue: "orders.billing-0"},
	}
	c := newTestClient(state)
	conn := &fakeConn{closed: true}

	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	closeCh := make(chan *amqp.Error)

	c.wg.Add(1)
	c.consumeLoop(conn, state, &amqp.Channel{}, deliveries, closeCh)
	c.wg.Wait()

	if _, ok := c.consumers["orders.billing-0"]; !ok {
		t.Error("Expected subscription to stay registered for the watcher")
	}
}

func TestConsumeLoop_ChannelCloseTriggersRestart(t *testing.T) {
	state := &consumerState{
		ctx: context.Background(),
		sub: broker.Subscription{Queue: "orders.billing-0"},
	}
	c := newTestClient(state)
	conn := &fakeConn{closed: true}

	deliveries := make(chan amqp.Delivery)
	closeCh := make(chan *amqp.Error, 1)
	closeCh <- &amqp.Error{Reason: "channel closed"}

	c.wg.Add(1)
	c.consumeLoop(conn, state, &amqp.Channel{}, deliveries, closeCh)
	c.wg.Wait()

	if _, ok := c.consumers["orders.billing-0"]; !ok {
		t.Error("Expected subscription to stay registered for the watcher")
	}
}

func TestJitteredDelay(t *testing.T) {
	base := 4 * time.Second
	capd := 30 * time.Second

	for i := 0; i < 100; i++ {
		wait := jitteredDelay(base, capd)
		if wait < 3*time.Second || wait > 5*time.Second {
			t.Fatalf("jitteredDelay() = %v, want within 25%% of %v", wait, base)
		}
	}

	if wait := jitteredDelay(time.Minute, capd); wait > capd {
		t.Errorf("jitteredDelay() = %v, want capped at %v", wait, capd)
	}
}
