package engine

import (
	"binance-trailing-stop-go/internal/models"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newBoundEngine(purchase, retrace string, sellEnabled bool) *Engine {
	e := New(models.StrategyConfig{RetraceFraction: d(retrace), SellEnabled: sellEnabled})
	e.Reset("ETHBTC", d(purchase))
	return e
}

func tick(price string) models.Tick {
	return models.Tick{Symbol: "ETHBTC", Price: d(price), Time: time.Now()}
}

// feed runs prices through the engine and returns every signal produced.
func feed(t *testing.T, e *Engine, prices ...string) []models.SellSignal {
	t.Helper()
	var signals []models.SellSignal
	for _, p := range prices {
		sig, err := e.OnTick(tick(p))
		require.NoError(t, err)
		if sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

func TestOnTickScenarioSellsOnceAtThreshold(t *testing.T) {
	e := newBoundEngine("100", "0.10", true)

	sig, err := e.OnTick(tick("90"))
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.True(t, e.Snapshot().PeakPrice.IsZero(), "no peak tracking at or below purchase")

	assert.Empty(t, feed(t, e, "110"))
	assert.True(t, e.Snapshot().PeakPrice.Equal(d("110")))

	assert.Empty(t, feed(t, e, "130"))
	assert.True(t, e.Snapshot().PeakPrice.Equal(d("130")))

	signals := feed(t, e, "117")
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Price.Equal(d("117")))
	assert.True(t, signals[0].PeakPrice.Equal(d("130")))
	assert.True(t, signals[0].PurchasePrice.Equal(d("100")))
	assert.True(t, e.Snapshot().HasSold)

	assert.Empty(t, feed(t, e, "200"))
	state := e.Snapshot()
	assert.True(t, state.PeakPrice.Equal(d("130")), "peak frozen after sell")
	assert.True(t, state.CurrentPrice.Equal(d("200")))
	assert.True(t, state.HasSold)
}

func TestOnTickSellDisabledStillTracksPeak(t *testing.T) {
	e := newBoundEngine("100", "0.10", false)

	assert.Empty(t, feed(t, e, "90", "110", "130", "117", "50"))
	state := e.Snapshot()
	assert.True(t, state.PeakPrice.Equal(d("130")))
	assert.False(t, state.HasSold)
}

func TestOnTickJustAboveThresholdDoesNotSell(t *testing.T) {
	e := newBoundEngine("100", "0.10", true)
	assert.Empty(t, feed(t, e, "130", "117.0001"))
	assert.False(t, e.Snapshot().HasSold)
}

func TestOnTickEqualToPeakFallsThroughToSellEvaluation(t *testing.T) {
	// retrace of 1 makes the threshold 0, so a tie with the peak must not sell,
	// but it must not be treated as a new peak either.
	e := newBoundEngine("0", "1", true)
	assert.Empty(t, feed(t, e, "10", "10"))
	assert.True(t, e.Snapshot().PeakPrice.Equal(d("10")))
	assert.False(t, e.Snapshot().HasSold)
}

func TestOnTickTieIsEvaluatedNotRemarked(t *testing.T) {
	e := newBoundEngine("1", "0.5", true)
	assert.Empty(t, feed(t, e, "4", "4", "3"))
	signals := feed(t, e, "2")
	require.Len(t, signals, 1)
	assert.True(t, signals[0].PeakPrice.Equal(d("4")))
}

func TestOnTickDuplicateBurstsAreHarmless(t *testing.T) {
	e := newBoundEngine("100", "0.10", true)
	for i := 0; i < 100; i++ {
		assert.Empty(t, feed(t, e, "120"))
	}
	assert.True(t, e.Snapshot().PeakPrice.Equal(d("120")))
	signals := feed(t, e, "108", "108", "108")
	assert.Len(t, signals, 1)
}

func TestOnTickRejectsUnboundAndStaleSymbols(t *testing.T) {
	e := New(models.StrategyConfig{RetraceFraction: d("0.1")})
	_, err := e.OnTick(tick("1"))
	assert.ErrorIs(t, err, ErrNotBound)

	e.Reset("BNBUSDT", d("0"))
	_, err = e.OnTick(tick("1"))
	assert.ErrorIs(t, err, ErrSymbolMismatch)
	assert.True(t, e.Snapshot().CurrentPrice.IsZero(), "stale tick must not touch state")
}

func TestResetStartsFreshSession(t *testing.T) {
	e := newBoundEngine("100", "0.10", true)
	require.Len(t, feed(t, e, "130", "100.5"), 1)

	e.Reset("BNBBTC", d("5"))
	state := e.Snapshot()
	assert.Equal(t, "BNBBTC", state.Symbol)
	assert.True(t, state.PeakPrice.IsZero())
	assert.False(t, state.HasSold)
	assert.True(t, state.CurrentPrice.IsZero())
	assert.True(t, e.Config().PurchasePrice.Equal(d("5")))
	assert.True(t, e.Config().SellEnabled, "reset keeps the other strategy parameters")
}

func TestUpdateConfigAppliesFromNextTickOnly(t *testing.T) {
	e := newBoundEngine("100", "0.10", false)
	assert.Empty(t, feed(t, e, "130", "110"))

	e.UpdateConfig(models.StrategyConfig{PurchasePrice: d("100"), RetraceFraction: d("0.10"), SellEnabled: true})
	assert.False(t, e.Snapshot().HasSold, "config change is not retroactive")

	signals := feed(t, e, "116")
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Price.Equal(d("116")))
}

func TestSeedPriceOnlyDisplays(t *testing.T) {
	e := newBoundEngine("100", "0.10", true)
	e.SeedPrice("ETHBTC", d("150"))
	state := e.Snapshot()
	assert.True(t, state.CurrentPrice.Equal(d("150")))
	assert.True(t, state.PeakPrice.IsZero())

	e.SeedPrice("ETHBTC", d("1"))
	assert.True(t, e.Snapshot().CurrentPrice.Equal(d("150")), "seed never overrides a known price")

	e.SeedPrice("BNBBTC", d("1"))
	assert.True(t, e.Snapshot().CurrentPrice.Equal(d("150")))
}

func TestThreshold(t *testing.T) {
	assert.True(t, Threshold(d("130"), d("0.10")).Equal(d("117")))
	assert.True(t, Threshold(d("0"), d("0.5")).IsZero())
}

func TestPropertiesOverRandomWalks(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		purchase := decimal.NewFromInt(int64(50 + rng.Intn(100)))
		retrace := decimal.NewFromFloat(0.01 + rng.Float64()*0.5).Round(4)
		e := newBoundEngine(purchase.String(), retrace.String(), rng.Intn(4) != 0)

		price := decimal.NewFromInt(100)
		prevPeak := decimal.Zero
		sold := false
		signals := 0
		for i := 0; i < 200; i++ {
			price = price.Add(decimal.NewFromInt(int64(rng.Intn(21) - 10)))
			if !price.IsPositive() {
				price = decimal.NewFromInt(1)
			}
			sig, err := e.OnTick(models.Tick{Symbol: "ETHBTC", Price: price, Time: time.Now()})
			require.NoError(t, err)
			state := e.Snapshot()

			assert.True(t, state.PeakPrice.GreaterThanOrEqual(prevPeak), "peak is non-decreasing")
			if price.LessThanOrEqual(purchase) || sold {
				assert.True(t, state.PeakPrice.Equal(prevPeak), "peak unchanged at/below purchase or after sell")
				assert.Nil(t, sig)
			}
			if sold {
				assert.True(t, state.HasSold, "hasSold never reverts")
			}
			if sig != nil {
				signals++
				assert.True(t, sig.Price.LessThanOrEqual(Threshold(sig.PeakPrice, retrace)))
				sold = true
			}
			prevPeak = state.PeakPrice
		}
		assert.LessOrEqual(t, signals, 1, "at most one signal per session")
	}
}

func TestConcurrentTicksAndResets(t *testing.T) {
	e := newBoundEngine("0", "0.10", true)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			_, _ = e.OnTick(models.Tick{Symbol: "ETHBTC", Price: decimal.NewFromInt(int64(i)), Time: time.Now()})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			e.Reset("ETHBTC", decimal.Zero)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			state := e.Snapshot()
			if state.HasSold {
				assert.False(t, state.PeakPrice.IsZero())
			}
		}
	}()
	wg.Wait()
}
