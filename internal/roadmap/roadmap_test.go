package roadmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-roadmap-bot/internal/criteria"
	"pump-roadmap-bot/internal/stream"
)

const sniperYAML = `
name: sniper
role: sniper
steps:
  - name: open
    action: start_session
    params: {duration: -1}
  - action: read_next_token
  - action: buy
    on_error_go_to_step: 5
  - name: watch
    kind: subscription
    action: subscribe
    params:
      method: token_trade
      keys: tokens_traded
      monitor: true
      criteria:
        unknown_seller: 1
        max_consecutive_buys: 5
  - action: sell
    on_error_go_to_step: 5
  - action: unsubscribe
    params: {method: token_trade, keys: tokens_closed}
  - action: close_token
`

func TestParse(t *testing.T) {
	rm, err := Parse([]byte(sniperYAML))
	require.NoError(t, err)

	assert.Equal(t, "sniper", rm.Name)
	require.Len(t, rm.Steps, 7)
	assert.Equal(t, 3, rm.Steps[3].Index)
	assert.Equal(t, "3:watch", rm.Steps[3].String())
	assert.Equal(t, "1:read_next_token", rm.Steps[1].String())
	assert.Equal(t, Forever, rm.Steps[0].Params.Duration)
	assert.Equal(t, stream.MethodTokenTrade, rm.Steps[3].Params.Method)
	assert.Equal(t, []string{criteria.UnknownSeller, criteria.MaxConsecutiveBuys}, rm.Steps[3].Params.Criteria.Names())
	require.NotNil(t, rm.Steps[2].OnErrorGoToStep)
	assert.Equal(t, 5, *rm.Steps[2].OnErrorGoToStep)

	n := rm.normalized()
	assert.Equal(t, KindSystem, n.Steps[0].Kind)
	assert.Equal(t, KindTrade, n.Steps[2].Kind)
	assert.Empty(t, rm.Steps[2].Kind)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sniperYAML), 0644))

	rm, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sniper", rm.Role)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing role", "steps: [{action: close_token}]", "role is required"},
		{"no steps", "role: sniper", "no steps"},
		{"unknown action", "role: sniper\nsteps: [{action: moon}]", "unknown action"},
		{"kind mismatch", "role: sniper\nsteps: [{action: buy, kind: system}]", "is a trade step"},
		{"redirect out of range", "role: sniper\nsteps: [{action: buy, on_error_go_to_step: 3}]", "out of range"},
		{"negative redirect", "role: sniper\nsteps: [{action: buy, on_error_go_to_step: -1}]", "out of range"},
		{"zero duration", "role: sniper\nsteps: [{action: start_session}]", "duration"},
		{"bad duration", "role: sniper\nsteps: [{action: start_session, params: {duration: -2}}]", "duration"},
		{"unknown method", "role: sniper\nsteps: [{action: subscribe, params: {method: blocks, keys: accounts}}]", "unknown method"},
		{"missing keys", "role: sniper\nsteps: [{action: subscribe, params: {method: token_trade}}]", "keys are required"},
		{"unknown keys", "role: sniper\nsteps: [{action: close_token, params: {keys: everything}}]", "unknown key set"},
		{"negative idle", "role: sniper\nsteps: [{action: discover_tokens, params: {idle_timeout: -1}}]", "idle_timeout"},
		{"unknown criterion", "role: sniper\nsteps: [{action: subscribe, params: {method: token_trade, keys: tokens_traded, criteria: {to_the_moon: 1}}}]", "to_the_moon"},
		{"bad yaml", "role: [", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewTokenSubscriptionNeedsNoKeys(t *testing.T) {
	_, err := Parse([]byte("role: scanner\nsteps: [{action: subscribe, params: {method: new_token}}]"))
	assert.NoError(t, err)
}

func TestSession(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var none session
	assert.False(t, none.active())
	assert.False(t, none.expired(t0.Add(1000*time.Hour)))

	forever := newSession(t0, Forever)
	assert.True(t, forever.active())
	assert.False(t, forever.expired(t0.Add(1000*time.Hour)))

	timed := newSession(t0, 30)
	assert.False(t, timed.expired(t0.Add(29*time.Second)))
	assert.True(t, timed.expired(t0.Add(30*time.Second)))
}

func TestShippedRoadmapsValidate(t *testing.T) {
	for _, name := range []string{"sniper", "scanner"} {
		rm, err := LoadFile(filepath.Join("..", "..", "configs", "roadmaps", name+".yaml"))
		require.NoError(t, err, name)
		assert.Equal(t, name, rm.Role)
	}
}

func TestShippedSniperWatchesBeforeBuying(t *testing.T) {
	rm, err := LoadFile(filepath.Join("..", "..", "configs", "roadmaps", "sniper.yaml"))
	require.NoError(t, err)

	watch, buy, sell := -1, -1, -1
	for i, step := range rm.Steps {
		switch {
		case step.Action == ActionSubscribe && step.Params.Keys == KeysTokensChecked && watch < 0:
			watch = i
		case step.Action == ActionBuy:
			buy = i
		case step.Action == ActionSell:
			sell = i
		}
	}
	require.GreaterOrEqual(t, watch, 0)
	assert.Less(t, watch, buy, "the own buy must reach the feed")
	require.NotNil(t, rm.Steps[sell].OnErrorGoToStep)
	assert.Equal(t, sell, *rm.Steps[sell].OnErrorGoToStep, "a failed sell is retried in place")
}
