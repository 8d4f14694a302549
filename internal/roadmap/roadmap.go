package roadmap

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pump-roadmap-bot/internal/criteria"
	"pump-roadmap-bot/internal/stream"
)

// ErrConfig marks an invalid roadmap definition
var ErrConfig = errors.New("roadmap configuration error")

// Kind groups step actions
type Kind string

const (
	KindSystem       Kind = "system"
	KindPersistence  Kind = "persistence"
	KindSubscription Kind = "subscription"
	KindTrade        Kind = "trade"
)

// Action is what a step does
type Action string

const (
	ActionStartSession   Action = "start_session"
	ActionStopWorker     Action = "stop_worker"
	ActionReadNextToken  Action = "read_next_token"
	ActionCloseToken     Action = "close_token"
	ActionDiscoverTokens Action = "discover_tokens"
	ActionSubscribe      Action = "subscribe"
	ActionUnsubscribe    Action = "unsubscribe"
	ActionBuy            Action = "buy"
	ActionSell           Action = "sell"
)

var actionKinds = map[Action]Kind{
	ActionStartSession:   KindSystem,
	ActionStopWorker:     KindSystem,
	ActionReadNextToken:  KindPersistence,
	ActionCloseToken:     KindPersistence,
	ActionDiscoverTokens: KindPersistence,
	ActionSubscribe:      KindSubscription,
	ActionUnsubscribe:    KindSubscription,
	ActionBuy:            KindTrade,
	ActionSell:           KindTrade,
}

// KeySet selects which subscription keys a step sends
type KeySet string

const (
	KeysNone          KeySet = ""
	KeysTokensTraded  KeySet = "tokens_traded"
	KeysTokensChecked KeySet = "tokens_checked"
	KeysTokensClosed  KeySet = "tokens_closed"
	KeysAccounts      KeySet = "accounts"
)

func (k KeySet) valid() bool {
	switch k {
	case KeysNone, KeysTokensTraded, KeysTokensChecked, KeysTokensClosed, KeysAccounts:
		return true
	}
	return false
}

// Forever is the session duration that never expires
const Forever = -1

// Params is a step's configuration payload
type Params struct {
	// Duration of a session in seconds; Forever never expires
	Duration int `yaml:"duration"`
	// IdleTimeout in seconds for waiting steps; zero uses the worker default
	IdleTimeout int           `yaml:"idle_timeout"`
	Method      stream.Method `yaml:"method"`
	Keys        KeySet        `yaml:"keys"`
	Accounts    []string      `yaml:"accounts"`
	Monitor     bool          `yaml:"monitor"`
	Criteria    criteria.List `yaml:"criteria"`
	// TargetRole is the trading role discovered tokens are handed to
	TargetRole string `yaml:"target_role"`
}

// Step is one roadmap state
type Step struct {
	Index           int    `yaml:"-"`
	Name            string `yaml:"name"`
	Kind            Kind   `yaml:"kind"`
	Action          Action `yaml:"action"`
	Params          Params `yaml:"params"`
	OnErrorGoToStep *int   `yaml:"on_error_go_to_step"`
}

func (s Step) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%d:%s", s.Index, s.Name)
	}
	return fmt.Sprintf("%d:%s", s.Index, s.Action)
}

// Roadmap is a worker's cyclic duty list
type Roadmap struct {
	Name  string `yaml:"name"`
	Role  string `yaml:"role"`
	Steps []Step `yaml:"steps"`
}

// LoadFile reads and validates a roadmap file
func LoadFile(path string) (*Roadmap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roadmap %s: %w", path, err)
	}
	rm, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("roadmap %s: %w", path, err)
	}
	return rm, nil
}

// Parse decodes and validates a roadmap document
func Parse(data []byte) (*Roadmap, error) {
	var rm Roadmap
	if err := yaml.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	for i := range rm.Steps {
		rm.Steps[i].Index = i
	}
	if err := rm.Validate(); err != nil {
		return nil, err
	}
	return &rm, nil
}

// Validate checks step kinds, parameters and redirect targets
func (rm *Roadmap) Validate() error {
	if rm.Role == "" {
		return fmt.Errorf("%w: role is required", ErrConfig)
	}
	if len(rm.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrConfig)
	}

	for _, s := range rm.Steps {
		kind, ok := actionKinds[s.Action]
		if !ok {
			return fmt.Errorf("%w: step %s: unknown action %q", ErrConfig, s, s.Action)
		}
		if s.Kind != "" && s.Kind != kind {
			return fmt.Errorf("%w: step %s: action %s is a %s step, not %s", ErrConfig, s, s.Action, kind, s.Kind)
		}

		if s.OnErrorGoToStep != nil {
			if target := *s.OnErrorGoToStep; target < 0 || target >= len(rm.Steps) {
				return fmt.Errorf("%w: step %s: on_error_go_to_step %d out of range", ErrConfig, s, target)
			}
		}

		switch s.Action {
		case ActionStartSession:
			if s.Params.Duration == 0 || s.Params.Duration < Forever {
				return fmt.Errorf("%w: step %s: duration must be positive or %d", ErrConfig, s, Forever)
			}
		case ActionSubscribe, ActionUnsubscribe:
			if !s.Params.Method.Valid() {
				return fmt.Errorf("%w: step %s: unknown method %q", ErrConfig, s, s.Params.Method)
			}
			if s.Params.Method != stream.MethodNewToken && s.Params.Keys == KeysNone {
				return fmt.Errorf("%w: step %s: keys are required for %s", ErrConfig, s, s.Params.Method)
			}
		}

		if !s.Params.Keys.valid() {
			return fmt.Errorf("%w: step %s: unknown key set %q", ErrConfig, s, s.Params.Keys)
		}
		if s.Params.IdleTimeout < 0 {
			return fmt.Errorf("%w: step %s: idle_timeout must be non-negative", ErrConfig, s)
		}
		if err := criteria.Compile(s.Params.Criteria); err != nil {
			return fmt.Errorf("%w: step %s: %v", ErrConfig, s, err)
		}
	}
	return nil
}

// normalized fills kinds left implicit in the file
func (rm *Roadmap) normalized() *Roadmap {
	out := *rm
	out.Steps = make([]Step, len(rm.Steps))
	for i, s := range rm.Steps {
		s.Index = i
		if s.Kind == "" {
			s.Kind = actionKinds[s.Action]
		}
		out.Steps[i] = s
	}
	return &out
}
