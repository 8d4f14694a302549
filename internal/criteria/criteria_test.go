package criteria

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/market"
)

func enriched(tx market.TxType) *analytics.EnrichedTradeEvent {
	return &analytics.EnrichedTradeEvent{
		TradeEvent: market.TradeEvent{
			Signature: "sig",
			Mint:      "mint",
			TxType:    tx,
		},
		ConsecutiveBuysTimestamps: map[int64]int{},
	}
}

func TestMaxConsecutiveBuysThreshold(t *testing.T) {
	ev := enriched(market.TxBuy)
	list := List{{Name: MaxConsecutiveBuys, Param: Param{2}}}
	eval := NewEvaluator(nil)

	ev.ConsecutiveBuys = 1
	fired, _ := eval.Evaluate(ev, 0.5, list)
	assert.False(t, fired)

	ev.ConsecutiveBuys = 2
	fired, name := eval.Evaluate(ev, 0.5, list)
	assert.True(t, fired)
	assert.Equal(t, MaxConsecutiveBuys, name)
}

func TestEvaluateReportsFirstFiringInOrder(t *testing.T) {
	ev := enriched(market.TxSell)
	ev.ConsecutiveSells = 4
	ev.MarketInactivity = 90
	ev.SellerIsAnUnknownTrader = true

	eval := NewEvaluator(nil)

	fired, name := eval.Evaluate(ev, 1, List{
		{Name: MaxConsecutiveBuys, Param: Param{1}},
		{Name: MarketInactivity, Param: Param{60}},
		{Name: MaxConsecutiveSells, Param: Param{3}},
	})
	assert.True(t, fired)
	assert.Equal(t, MarketInactivity, name)

	fired, name = eval.Evaluate(ev, 1, List{
		{Name: UnknownSeller},
		{Name: MarketInactivity, Param: Param{60}},
	})
	assert.True(t, fired)
	assert.Equal(t, UnknownSeller, name)
}

func TestEvaluateSkipsUnknownNames(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	ev := enriched(market.TxBuy)
	ev.ConsecutiveBuys = 5

	fired, name := NewEvaluator(log).Evaluate(ev, 1, List{
		{Name: "moon_detector", Param: Param{1}},
		{Name: MaxConsecutiveBuys, Param: Param{3}},
	})
	assert.True(t, fired)
	assert.Equal(t, MaxConsecutiveBuys, name)
	assert.Contains(t, buf.String(), "moon_detector")

	fired, _ = NewEvaluator(log).Evaluate(ev, 1, List{{Name: "moon_detector"}})
	assert.False(t, fired)
}

func TestUnknownSellerOnlyFiresOnSells(t *testing.T) {
	ev := enriched(market.TxBuy)
	ev.SellerIsAnUnknownTrader = true
	fired, _ := NewEvaluator(nil).Evaluate(ev, 1, List{{Name: UnknownSeller}})
	assert.False(t, fired)

	ev = enriched(market.TxSell)
	ev.SellerIsAnUnknownTrader = true
	fired, name := NewEvaluator(nil).Evaluate(ev, 1, List{{Name: UnknownSeller}})
	assert.True(t, fired)
	assert.Equal(t, UnknownSeller, name)
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		name      string
		criterion string
		param     Param
		committed float64
		setup     func(ev *analytics.EnrichedTradeEvent)
		tx        market.TxType
		want      bool
	}{
		{"sells below", MaxConsecutiveSells, Param{3}, 1, func(ev *analytics.EnrichedTradeEvent) { ev.ConsecutiveSells = 2 }, market.TxSell, false},
		{"sells at", MaxConsecutiveSells, Param{3}, 1, func(ev *analytics.EnrichedTradeEvent) { ev.ConsecutiveSells = 3 }, market.TxSell, true},
		{"gap between buys", MaxSecondsBetweenBuys, Param{10}, 1, func(ev *analytics.EnrichedTradeEvent) { ev.SecondsBetweenBuys = 12 }, market.TxBuy, true},
		{"tracked trader sold", TraderHasSold, nil, 1, func(ev *analytics.EnrichedTradeEvent) { ev.TraderHasSold = true }, market.TxSell, true},
		{"tracked trader bought", TraderHasSold, nil, 1, func(ev *analytics.EnrichedTradeEvent) { ev.TraderHasSold = true }, market.TxBuy, false},
		{"sols after entry", MaxSolsInTokenAfterBuying, Param{3}, 0.5, func(ev *analytics.EnrichedTradeEvent) { ev.SolsInTokenAfterBuying = 1.6 }, market.TxBuy, true},
		{"sols after entry below", MaxSolsInTokenAfterBuying, Param{3}, 0.5, func(ev *analytics.EnrichedTradeEvent) { ev.SolsInTokenAfterBuying = 1.4 }, market.TxBuy, false},
		{"sols without stake", MaxSolsInTokenAfterBuying, Param{3}, 0, func(ev *analytics.EnrichedTradeEvent) { ev.SolsInTokenAfterBuying = 10 }, market.TxBuy, false},
		{"own timedelta", OwnTradeTimedelta, Param{5}, 1, func(ev *analytics.EnrichedTradeEvent) { ev.IsOwnTrade = true; ev.TradeTimeDelta = 6 }, market.TxBuy, true},
		{"other timedelta", OwnTradeTimedelta, Param{5}, 1, func(ev *analytics.EnrichedTradeEvent) { ev.TradeTimeDelta = 6 }, market.TxBuy, false},
		{"in market too long", MaxSecondsInMarket, Param{300}, 1, func(ev *analytics.EnrichedTradeEvent) { ev.MaxSecondsInMarket = 301 }, market.TxBuy, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := enriched(tc.tx)
			tc.setup(ev)
			pred, ok := Lookup(tc.criterion)
			require.True(t, ok)
			assert.Equal(t, tc.want, pred(tc.param, ev, tc.committed))
		})
	}
}

func TestBurstBuys(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Unix()
	pred, ok := Lookup(BurstBuys)
	require.True(t, ok)

	ev := enriched(market.TxBuy)
	ev.ConsecutiveBuysTimestamps = map[int64]int{base: 1, base + 3: 4, base + 4: 3, base + 5: 5}
	assert.True(t, pred(Param{3, 10, 3}, ev, 1), "three busy seconds in a row")
	assert.False(t, pred(Param{3, 10, 4}, ev, 1), "only three consecutive busy seconds")
	assert.False(t, pred(Param{3, 4, 3}, ev, 1), "burst falls outside the window")

	ev.ConsecutiveBuysTimestamps = map[int64]int{base: 5, base + 2: 5, base + 4: 5}
	assert.False(t, pred(Param{3, 10, 2}, ev, 1), "busy seconds are not adjacent")
	assert.False(t, pred(Param{3, 10}, ev, 1), "missing run length never fires")
}

func TestListKeepsYAMLOrder(t *testing.T) {
	src := []byte(`
max_seconds_in_market: 600
burst_buys: [3, 10, 2]
max_consecutive_buys: 4
unknown_seller: 1
`)
	var l List
	require.NoError(t, yaml.Unmarshal(src, &l))

	assert.Equal(t, []string{MaxSecondsInMarket, BurstBuys, MaxConsecutiveBuys, UnknownSeller}, l.Names())
	assert.Equal(t, Param{3, 10, 2}, l[1].Param)
	assert.Equal(t, 600.0, l[0].Param.Value())
	assert.NoError(t, Compile(l))
}

func TestCompileRejectsUnknownNames(t *testing.T) {
	err := Compile(List{{Name: MaxConsecutiveBuys}, {Name: "to_the_moon"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCriterion))
	assert.Contains(t, err.Error(), "to_the_moon")
}

func TestNamesCoversRegistry(t *testing.T) {
	assert.Len(t, Names(), 10)
	assert.Contains(t, Names(), BurstBuys)
}
