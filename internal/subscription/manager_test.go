package subscription

import (
	"binance-trailing-stop-go/internal/exchange"
	"binance-trailing-stop-go/internal/metrics"
	"binance-trailing-stop-go/internal/models"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSub struct {
	symbol string
	cb     exchange.TickCallback
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error

	// held while a callback runs, like the feed's read loop
	inflight sync.Mutex
}

func (s *mockSub) deliver(t models.Tick) {
	s.inflight.Lock()
	defer s.inflight.Unlock()
	s.cb(t)
}

func (s *mockSub) Symbol() string        { return s.symbol }
func (s *mockSub) Done() <-chan struct{} { return s.done }
func (s *mockSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *mockSub) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// mockFeed records subscriptions and lets the test deliver ticks by hand.
type mockFeed struct {
	sync.Mutex
	subs         []*mockSub
	unsubscribed []string
	fail         map[string]error
	// detach makes Unsubscribe give up without waiting for the callback,
	// like the feed does when its unsubscribe timeout expires
	detach bool
}

func newMockFeed() *mockFeed {
	return &mockFeed{fail: make(map[string]error)}
}

func (f *mockFeed) Subscribe(_ context.Context, symbol, _ string, cb exchange.TickCallback) (exchange.Subscription, error) {
	f.Lock()
	defer f.Unlock()
	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	s := &mockSub{symbol: symbol, cb: cb, done: make(chan struct{})}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *mockFeed) Unsubscribe(sub exchange.Subscription) error {
	s := sub.(*mockSub)
	f.Lock()
	f.unsubscribed = append(f.unsubscribed, s.symbol)
	detach := f.detach
	f.Unlock()
	if detach {
		s.end(nil)
		return errors.New("timed out waiting for stream to stop")
	}
	// wait for an in-flight callback before reporting the stream as stopped
	s.inflight.Lock()
	s.end(nil)
	s.inflight.Unlock()
	return nil
}

func (f *mockFeed) sub(i int) *mockSub {
	f.Lock()
	defer f.Unlock()
	return f.subs[i]
}

func (f *mockFeed) subscribeCount() int {
	f.Lock()
	defer f.Unlock()
	return len(f.subs)
}

func (f *mockFeed) unsubscribedSymbols() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type countingCounter struct{ n atomic.Int64 }

func (c *countingCounter) Inc() { c.n.Add(1) }

type recorder struct {
	sync.Mutex
	ticks []models.Tick
}

func (r *recorder) handle(t models.Tick) {
	r.Lock()
	defer r.Unlock()
	r.ticks = append(r.ticks, t)
}

func (r *recorder) all() []models.Tick {
	r.Lock()
	defer r.Unlock()
	return append([]models.Tick(nil), r.ticks...)
}

var (
	ethbtc = models.Instrument{Symbol: "ETHBTC", BaseAsset: "ETH", QuoteAsset: "BTC"}
	bnbbtc = models.Instrument{Symbol: "BNBBTC", BaseAsset: "BNB", QuoteAsset: "BTC"}
)

func tick(symbol string, price int64) models.Tick {
	return models.Tick{Symbol: symbol, Price: decimal.NewFromInt(price), Time: time.Now()}
}

func newTestManager(feed *mockFeed, rec *recorder) (*Manager, *countingCounter, *countingCounter) {
	m := metrics.NewNoop()
	stale := &countingCounter{}
	failures := &countingCounter{}
	m.StaleDropped = stale
	m.SubscriptionFailures = failures
	return NewManager(feed, "1m", rec.handle, m, zap.NewNop()), stale, failures
}

func TestBindForwardsTicks(t *testing.T) {
	feed := newMockFeed()
	rec := &recorder{}
	mgr, _, _ := newTestManager(feed, rec)

	tag, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	assert.Equal(t, Tag(1), tag)

	feed.sub(0).deliver(tick("ETHBTC", 100))
	feed.sub(0).deliver(tick("ETHBTC", 101))

	ticks := rec.all()
	require.Len(t, ticks, 2)
	assert.True(t, ticks[1].Price.Equal(decimal.NewFromInt(101)))

	inst, activeTag, ok := mgr.Active()
	require.True(t, ok)
	assert.Equal(t, ethbtc, inst)
	assert.Equal(t, tag, activeTag)
}

func TestSwitchDropsDeliveriesFromOldSubscription(t *testing.T) {
	feed := newMockFeed()
	rec := &recorder{}
	mgr, stale, _ := newTestManager(feed, rec)

	_, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	tagB, err := mgr.Bind(context.Background(), bnbbtc)
	require.NoError(t, err)
	assert.Equal(t, Tag(2), tagB)
	assert.Equal(t, []string{"ETHBTC"}, feed.unsubscribedSymbols())

	// a late delivery from the superseded stream
	feed.sub(0).deliver(tick("ETHBTC", 500))
	feed.sub(1).deliver(tick("BNBBTC", 7))

	ticks := rec.all()
	require.Len(t, ticks, 1)
	assert.Equal(t, "BNBBTC", ticks[0].Symbol)
	assert.Equal(t, int64(1), stale.n.Load())
}

func TestBindFailureKeepsPreviousSubscription(t *testing.T) {
	feed := newMockFeed()
	feed.fail["BNBBTC"] = errors.New("dial refused")
	rec := &recorder{}
	mgr, stale, failures := newTestManager(feed, rec)

	tagA, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)

	_, err = mgr.Bind(context.Background(), bnbbtc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubscriptionFailure)
	assert.Equal(t, int64(1), failures.n.Load())
	assert.Empty(t, feed.unsubscribedSymbols(), "old subscription must not be torn down on failure")

	feed.sub(0).deliver(tick("ETHBTC", 42))
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, int64(0), stale.n.Load())

	inst, tag, ok := mgr.Active()
	require.True(t, ok)
	assert.Equal(t, ethbtc, inst)
	assert.Equal(t, tagA, tag)
}

func TestBindSameInstrumentIsNoop(t *testing.T) {
	feed := newMockFeed()
	mgr, _, _ := newTestManager(feed, &recorder{})

	tag1, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	tag2, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)

	assert.Equal(t, tag1, tag2)
	assert.Equal(t, 1, feed.subscribeCount())
	assert.Empty(t, feed.unsubscribedSymbols())
}

func TestUnbindAllDropsEverything(t *testing.T) {
	feed := newMockFeed()
	rec := &recorder{}
	mgr, stale, _ := newTestManager(feed, rec)

	_, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	mgr.UnbindAll()

	feed.sub(0).deliver(tick("ETHBTC", 1))
	assert.Empty(t, rec.all())
	assert.Equal(t, int64(1), stale.n.Load())
	_, _, ok := mgr.Active()
	assert.False(t, ok)
	assert.Equal(t, []string{"ETHBTC"}, feed.unsubscribedSymbols())

	// idempotent
	mgr.UnbindAll()
}

func TestLostSubscriptionIsReported(t *testing.T) {
	feed := newMockFeed()
	mgr, _, _ := newTestManager(feed, &recorder{})

	lost := make(chan models.Instrument, 1)
	mgr.OnLost(func(inst models.Instrument, _ string, err error) {
		assert.Error(t, err)
		lost <- inst
	})

	_, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	feed.sub(0).end(errors.New("reconnect attempts exhausted"))

	select {
	case inst := <-lost:
		assert.Equal(t, ethbtc, inst)
	case <-time.After(time.Second):
		t.Fatal("OnLost was not called")
	}
	_, _, ok := mgr.Active()
	assert.False(t, ok)

	// the same instrument can be bound again
	_, err = mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	assert.Equal(t, 2, feed.subscribeCount())
}

func TestReleasedSubscriptionIsNotReportedLost(t *testing.T) {
	feed := newMockFeed()
	mgr, _, _ := newTestManager(feed, &recorder{})

	var called atomic.Bool
	mgr.OnLost(func(models.Instrument, string, error) { called.Store(true) })

	_, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	_, err = mgr.Bind(context.Background(), bnbbtc)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, called.Load())
}

func TestConcurrentDeliveryStopsForwardingOnceSwitchReturns(t *testing.T) {
	feed := newMockFeed()
	var forwarded atomic.Int64
	mgr := NewManager(feed, "1m", func(models.Tick) { forwarded.Add(1) }, metrics.NewNoop(), zap.NewNop())

	_, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first := feed.sub(0)
		for {
			select {
			case <-stop:
				return
			default:
				first.deliver(tick("ETHBTC", 1))
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	_, err = mgr.Bind(context.Background(), bnbbtc)
	require.NoError(t, err)
	after := forwarded.Load()

	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Equal(t, after, forwarded.Load(), "no tick from the old stream may be forwarded after the switch")
}

func TestSwitchWaitsForDeliveryInProgress(t *testing.T) {
	feed := newMockFeed()
	feed.detach = true

	entered := make(chan struct{})
	release := make(chan struct{})
	var forwarded atomic.Int64
	var once sync.Once
	mgr := NewManager(feed, "1m", func(models.Tick) {
		forwarded.Add(1)
		once.Do(func() {
			close(entered)
			<-release
		})
	}, metrics.NewNoop(), zap.NewNop())

	_, err := mgr.Bind(context.Background(), ethbtc)
	require.NoError(t, err)
	go feed.sub(0).deliver(tick("ETHBTC", 1))
	<-entered

	switched := make(chan struct{})
	go func() {
		defer close(switched)
		_, err := mgr.Bind(context.Background(), bnbbtc)
		assert.NoError(t, err)
	}()

	select {
	case <-switched:
		t.Fatal("switch returned while the old stream was still delivering")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-switched:
	case <-time.After(time.Second):
		t.Fatal("switch did not complete after the delivery finished")
	}

	// the old stream ignored the unsubscribe; its next tick is dropped
	feed.sub(0).deliver(tick("ETHBTC", 2))
	assert.Equal(t, int64(1), forwarded.Load())
}
