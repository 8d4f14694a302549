package market

// Curve is a snapshot of a pump.fun bonding curve's virtual reserves.
// Amounts are in whole SOL and whole tokens, matching the feed.
type Curve struct {
	VirtualSol    float64
	VirtualTokens float64
}

// LaunchCurve is the virtual reserve state of a freshly created token
var LaunchCurve = Curve{VirtualSol: 30, VirtualTokens: 1_073_000_000}

// CurveFromEvent builds the curve as it stood after ev
func CurveFromEvent(ev TradeEvent) Curve {
	return Curve{VirtualSol: ev.VSolInBondingCurve, VirtualTokens: ev.VTokensInBondingCurve}
}

// Price calculates the current price per token in SOL
func (c Curve) Price() float64 {
	if c.VirtualTokens == 0 {
		return 0
	}
	return c.VirtualSol / c.VirtualTokens
}

// TokensForSOL calculates how many tokens can be bought with solAmount
// under the constant product invariant.
func (c Curve) TokensForSOL(solAmount float64) float64 {
	if c.VirtualTokens == 0 || solAmount <= 0 {
		return 0
	}

	k := c.VirtualTokens * c.VirtualSol
	newTokens := k / (c.VirtualSol + solAmount)

	if received := c.VirtualTokens - newTokens; received > 0 {
		return received
	}
	return 0
}

// SOLForTokens calculates SOL received for selling tokenAmount
func (c Curve) SOLForTokens(tokenAmount float64) float64 {
	if c.VirtualTokens == 0 || tokenAmount <= 0 {
		return 0
	}

	k := c.VirtualTokens * c.VirtualSol
	newSol := k / (c.VirtualTokens + tokenAmount)

	if received := c.VirtualSol - newSol; received > 0 {
		return received
	}
	return 0
}

// Buy returns the curve after spending solAmount on tokens
func (c Curve) Buy(solAmount float64) (Curve, float64) {
	tokens := c.TokensForSOL(solAmount)
	return Curve{VirtualSol: c.VirtualSol + solAmount, VirtualTokens: c.VirtualTokens - tokens}, tokens
}

// Sell returns the curve after selling tokenAmount
func (c Curve) Sell(tokenAmount float64) (Curve, float64) {
	sol := c.SOLForTokens(tokenAmount)
	return Curve{VirtualSol: c.VirtualSol - sol, VirtualTokens: c.VirtualTokens + tokenAmount}, sol
}
