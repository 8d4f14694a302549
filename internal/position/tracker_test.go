package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/market"
)

func rec(sig string) analytics.EnrichedTradeEvent {
	return analytics.EnrichedTradeEvent{
		TradeEvent:                market.TradeEvent{Signature: sig, Mint: "M", TxType: market.TxBuy},
		ConsecutiveBuysTimestamps: map[int64]int{1: 1},
	}
}

func TestUpsertMergesFields(t *testing.T) {
	tr := NewTracker()

	tr.Upsert("M", Patch{Name: Ptr("Frog"), TradingAmount: Ptr(0.5), TrackedTraders: []string{"dev"}})
	tok := tr.Upsert("M", Patch{IsChecked: Ptr(true), TrackedTraders: []string{"dev", "whale"}})

	assert.Equal(t, "Frog", tok.Name, "unset fields are preserved")
	assert.Equal(t, 0.5, tok.TradingAmount)
	assert.True(t, tok.IsChecked)
	assert.False(t, tok.IsTraded)
	assert.Equal(t, []string{"dev", "whale"}, tok.TrackedTraders)
	assert.False(t, tok.CreatedAt.IsZero())
}

func TestUpsertExtendsHistory(t *testing.T) {
	tr := NewTracker()
	tr.Upsert("M", Patch{History: []analytics.EnrichedTradeEvent{rec("a")}})
	tok := tr.Upsert("M", Patch{History: []analytics.EnrichedTradeEvent{rec("b")}})

	require.Len(t, tok.History, 2)
	assert.Equal(t, "a", tok.History[0].Signature)
	assert.Equal(t, "b", tok.History[1].Signature)
}

func TestAppendTradeCopiesHistory(t *testing.T) {
	tr := NewTracker()
	tr.Upsert("M", Patch{IsChecked: Ptr(true)})
	require.True(t, tr.AppendTrade("M", rec("a")))

	before, _ := tr.Get("M")
	require.True(t, tr.AppendTrade("M", rec("b")))
	after, _ := tr.Get("M")

	assert.Len(t, before.History, 1, "earlier copies keep their view")
	assert.Len(t, after.History, 2)

	before.History[0].ConsecutiveBuysTimestamps[99] = 7
	again, _ := tr.Get("M")
	assert.NotContains(t, again.History[0].ConsecutiveBuysTimestamps, int64(99))

	assert.True(t, tr.Seen("M", "a"))
	assert.False(t, tr.Seen("M", "zzz"))
	assert.False(t, tr.AppendTrade("unknown", rec("c")))
}

func TestDeleteAndClear(t *testing.T) {
	tr := NewTracker()
	tr.Upsert("A", Patch{})
	tr.Upsert("B", Patch{})
	tr.AppendTrade("A", rec("x"))

	tr.Delete("A")
	_, ok := tr.Get("A")
	assert.False(t, ok)
	assert.False(t, tr.Seen("A", "x"))
	assert.Equal(t, 1, tr.Len())

	tr.Clear()
	assert.Zero(t, tr.Len())
}

func TestFilterAndMints(t *testing.T) {
	tr := NewTracker()
	tr.Upsert("C", Patch{IsChecked: Ptr(true), IsTraded: Ptr(true)})
	tr.Upsert("A", Patch{IsChecked: Ptr(true), IsTraded: Ptr(true), IsClosed: Ptr(true)})
	tr.Upsert("B", Patch{IsChecked: Ptr(true)})

	assert.Equal(t, []string{"C"}, tr.Mints(Token.IsOpen))
	assert.Equal(t, []string{"A", "B", "C"}, tr.Mints(nil))
	assert.Len(t, tr.Snapshot(), 3)
}

func TestLastOwnActions(t *testing.T) {
	bought := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tok := Token{BuyTimestamp: bought}

	actions := tok.LastOwnActions()
	assert.Equal(t, bought, actions[analytics.BuyTimestampKey])
	_, ok := actions[analytics.SellTimestampKey]
	assert.False(t, ok)
}

func TestCurveFromLastTrade(t *testing.T) {
	tr := NewTracker()
	tr.Upsert("M", Patch{})
	_, ok := tr.Curve("M")
	assert.False(t, ok, "no trades yet")

	ev := rec("a")
	ev.VSolInBondingCurve = 32
	ev.VTokensInBondingCurve = 1_000_000
	tr.AppendTrade("M", ev)

	c, ok := tr.Curve("M")
	require.True(t, ok)
	assert.Equal(t, market.Curve{VirtualSol: 32, VirtualTokens: 1_000_000}, c)
}

func TestTrackersReadAsOne(t *testing.T) {
	a, b := NewTracker(), NewTracker()
	a.Upsert("C", Patch{IsTraded: Ptr(true)})
	b.Upsert("A", Patch{IsChecked: Ptr(true)})

	ts := Trackers{a, b}
	snap := ts.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].Mint)
	assert.Equal(t, "C", snap[1].Mint)

	tok, ok := ts.Get("C")
	require.True(t, ok)
	assert.True(t, tok.IsTraded)

	_, ok = ts.Get("missing")
	assert.False(t, ok)
}
