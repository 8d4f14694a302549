package market

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arrival = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeTrade(t *testing.T) {
	raw := []byte(`{
		"signature": "sig1",
		"mint": "MintAAA",
		"traderPublicKey": "Trader1",
		"txType": "buy",
		"tokenAmount": 10000,
		"solAmount": 0.3,
		"newTokenBalance": 10000,
		"bondingCurveKey": "Curve1",
		"vTokensInBondingCurve": 1000000000,
		"vSolInBondingCurve": 32.0,
		"marketCapSol": 32.5
	}`)

	msg, err := Normalize(raw, arrival)
	require.NoError(t, err)
	require.Equal(t, KindTrade, msg.Kind)
	require.NotNil(t, msg.Trade)

	ev := msg.Trade
	assert.Equal(t, "sig1", ev.Signature)
	assert.Equal(t, TxBuy, ev.TxType)
	assert.Equal(t, 10000.0, ev.TokenAmount)
	assert.Equal(t, 32.0, ev.VSolInBondingCurve)
	assert.Equal(t, arrival, ev.Timestamp)
	assert.Equal(t, TimestampArrival, ev.TimestampSource)
}

func TestNormalizeUsesMessageTimestamp(t *testing.T) {
	raw := []byte(`{"signature":"s","mint":"m","traderPublicKey":"t","txType":"sell",
		"tokenAmount":1,"vTokensInBondingCurve":1,"vSolInBondingCurve":1,"timestamp":1714564800000}`)

	msg, err := Normalize(raw, arrival)
	require.NoError(t, err)
	assert.Equal(t, TimestampMessage, msg.Trade.TimestampSource)
	assert.Equal(t, int64(1714564800000), msg.Trade.Timestamp.UnixMilli())
}

func TestNormalizeRejectsMissingNumericFields(t *testing.T) {
	cases := map[string]string{
		"tokenAmount":           `{"signature":"s","mint":"m","traderPublicKey":"t","txType":"buy","vTokensInBondingCurve":1,"vSolInBondingCurve":1}`,
		"vSolInBondingCurve":    `{"signature":"s","mint":"m","traderPublicKey":"t","txType":"buy","tokenAmount":1,"vTokensInBondingCurve":1}`,
		"vTokensInBondingCurve": `{"signature":"s","mint":"m","traderPublicKey":"t","txType":"buy","tokenAmount":1,"vSolInBondingCurve":1}`,
		"non-numeric":           `{"signature":"s","mint":"m","traderPublicKey":"t","txType":"buy","tokenAmount":"lots","vTokensInBondingCurve":1,"vSolInBondingCurve":1}`,
		"unknown type":          `{"signature":"s","mint":"m","traderPublicKey":"t","txType":"swap","tokenAmount":1,"vTokensInBondingCurve":1,"vSolInBondingCurve":1}`,
		"negative reserve":      `{"signature":"s","mint":"m","traderPublicKey":"t","txType":"buy","tokenAmount":1,"vTokensInBondingCurve":1,"vSolInBondingCurve":-4}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(raw), arrival)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestNormalizeAck(t *testing.T) {
	msg, err := Normalize([]byte(`{"message":"Successfully subscribed to keys."}`), arrival)
	require.NoError(t, err)
	assert.Equal(t, KindAck, msg.Kind)
	assert.Equal(t, "Successfully subscribed to keys.", msg.Ack)
}

func TestNormalizeNewToken(t *testing.T) {
	raw := []byte(`{"signature":"c1","mint":"NewMint","traderPublicKey":"Dev","txType":"create",
		"initialBuy":50000000,"solAmount":1.5,"bondingCurveKey":"bc","vTokensInBondingCurve":1023000000,
		"vSolInBondingCurve":31.5,"marketCapSol":30.8,"name":"Frog Coin","symbol":"FROG","uri":"ipfs://x","pool":"pump"}`)

	msg, err := Normalize(raw, arrival)
	require.NoError(t, err)
	require.Equal(t, KindNewToken, msg.Kind)

	nt := msg.NewToken
	assert.Equal(t, "NewMint", nt.Mint)
	assert.Equal(t, "Dev", nt.Creator)
	assert.Equal(t, "FROG", nt.Symbol)
	assert.Equal(t, arrival, nt.DiscoveredAt)

	trade := nt.Trade()
	assert.Equal(t, TxCreate, trade.TxType)
	assert.True(t, trade.TxType.IsBuy())
	assert.Equal(t, 50000000.0, trade.TokenAmount)
}

func TestCurve(t *testing.T) {
	c := Curve{VirtualSol: 30, VirtualTokens: 1_073_000_000}
	assert.InDelta(t, 30.0/1_073_000_000, c.Price(), 1e-18)

	after, tokens := c.Buy(1)
	assert.Greater(t, tokens, 0.0)
	assert.InDelta(t, 31.0, after.VirtualSol, 1e-9)

	back, sol := after.Sell(tokens)
	assert.InDelta(t, 1.0, sol, 1e-6)
	assert.InDelta(t, c.VirtualSol, back.VirtualSol, 1e-6)

	assert.Zero(t, Curve{}.TokensForSOL(1))
	assert.Zero(t, c.SOLForTokens(0))
}
