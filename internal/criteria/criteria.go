package criteria

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"pump-roadmap-bot/internal/analytics"
)

// ErrUnknownCriterion is returned when a configured name has no predicate
var ErrUnknownCriterion = errors.New("unknown criterion")

// Param holds a criterion's configured numbers. Most criteria take one
// value; burst detection takes three.
type Param []float64

// Value returns the first number or zero
func (p Param) Value() float64 {
	return p.At(0)
}

// At returns the i-th number or zero
func (p Param) At(i int) float64 {
	if i < 0 || i >= len(p) {
		return 0
	}
	return p[i]
}

// UnmarshalYAML accepts either a scalar or a sequence of numbers
func (p *Param) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("line %d: criterion parameter: %w", node.Line, err)
		}
		*p = Param{v}
	case yaml.SequenceNode:
		var vs []float64
		if err := node.Decode(&vs); err != nil {
			return fmt.Errorf("line %d: criterion parameter: %w", node.Line, err)
		}
		*p = Param(vs)
	default:
		return fmt.Errorf("line %d: criterion parameter must be a number or a list", node.Line)
	}
	return nil
}

// Predicate decides whether a criterion fires for an enriched event
type Predicate func(p Param, ev *analytics.EnrichedTradeEvent, committed float64) bool

// Criterion names
const (
	MaxConsecutiveBuys        = "max_consecutive_buys"
	MaxConsecutiveSells       = "max_consecutive_sells"
	MaxSecondsBetweenBuys     = "max_seconds_between_buys"
	TraderHasSold             = "trader_has_sold"
	MaxSolsInTokenAfterBuying = "max_sols_in_token_after_buying"
	OwnTradeTimedelta         = "own_trade_timedelta"
	UnknownSeller             = "unknown_seller"
	MarketInactivity          = "market_inactivity"
	BurstBuys                 = "burst_buys"
	MaxSecondsInMarket        = "max_seconds_in_market"
)

var registry = map[string]Predicate{
	MaxConsecutiveBuys: func(p Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return float64(ev.ConsecutiveBuys) >= p.Value()
	},
	MaxConsecutiveSells: func(p Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return float64(ev.ConsecutiveSells) >= p.Value()
	},
	MaxSecondsBetweenBuys: func(p Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return ev.SecondsBetweenBuys > p.Value()
	},
	TraderHasSold: func(_ Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return !ev.TxType.IsBuy() && ev.TraderHasSold
	},
	MaxSolsInTokenAfterBuying: func(p Param, ev *analytics.EnrichedTradeEvent, committed float64) bool {
		return committed > 0 && ev.SolsInTokenAfterBuying >= p.Value()*committed
	},
	OwnTradeTimedelta: func(p Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return ev.IsOwnTrade && ev.TradeTimeDelta > p.Value()
	},
	UnknownSeller: func(_ Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return !ev.TxType.IsBuy() && ev.SellerIsAnUnknownTrader
	},
	MarketInactivity: func(p Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return ev.MarketInactivity > p.Value()
	},
	BurstBuys: func(p Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return burst(ev.ConsecutiveBuysTimestamps, int(p.At(0)), int64(p.At(1)), int(p.At(2)))
	},
	MaxSecondsInMarket: func(p Param, ev *analytics.EnrichedTradeEvent, _ float64) bool {
		return ev.MaxSecondsInMarket > p.Value()
	},
}

// Names lists every registered criterion in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the predicate registered under name
func Lookup(name string) (Predicate, bool) {
	p, ok := registry[name]
	return p, ok
}

// burst reports whether k consecutive one-second buckets each hold at least
// n buy confirmations within window seconds of the first bucket.
func burst(stamps map[int64]int, n int, window int64, k int) bool {
	if len(stamps) == 0 || n <= 0 || k <= 0 {
		return false
	}

	secs := make([]int64, 0, len(stamps))
	for s := range stamps {
		secs = append(secs, s)
	}
	sort.Slice(secs, func(i, j int) bool { return secs[i] < secs[j] })

	genesis := secs[0]
	run := 0
	var last int64
	for _, s := range secs {
		if s > genesis+window {
			break
		}
		if stamps[s] < n {
			run = 0
			continue
		}
		if run > 0 && s == last+1 {
			run++
		} else {
			run = 1
		}
		last = s
		if run >= k {
			return true
		}
	}
	return false
}

// Entry is one named criterion with its parameter
type Entry struct {
	Name  string
	Param Param
}

// List is an ordered set of criteria. Order decides which criterion is
// reported when several would fire.
type List []Entry

// UnmarshalYAML decodes a mapping while keeping its key order
func (l *List) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: criteria must be a mapping of name to parameter", node.Line)
	}

	out := make(List, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var e Entry
		if err := node.Content[i].Decode(&e.Name); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&e.Param); err != nil {
			return fmt.Errorf("criterion %s: %w", e.Name, err)
		}
		out = append(out, e)
	}
	*l = out
	return nil
}

// Names returns the criterion names in order
func (l List) Names() []string {
	names := make([]string, len(l))
	for i, e := range l {
		names[i] = e.Name
	}
	return names
}

// Compile checks every name against the registry
func Compile(l List) error {
	var unknown []string
	for _, e := range l {
		if _, ok := registry[e.Name]; !ok {
			unknown = append(unknown, e.Name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownCriterion, strings.Join(unknown, ", "))
	}
	return nil
}

// Evaluator applies criteria lists to enriched events
type Evaluator struct {
	logger logrus.FieldLogger
}

// NewEvaluator creates an evaluator. Unknown names met during evaluation are
// reported through logger.
func NewEvaluator(logger logrus.FieldLogger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate walks list in order and returns the first criterion that fires.
// Unknown names are skipped, never treated as fired.
func (e *Evaluator) Evaluate(ev *analytics.EnrichedTradeEvent, committed float64, list List) (bool, string) {
	for _, entry := range list {
		pred, ok := registry[entry.Name]
		if !ok {
			if e.logger != nil {
				e.logger.WithFields(logrus.Fields{
					"event":     "config_error",
					"criterion": entry.Name,
				}).Warn("⚠️ Unknown exit criterion skipped")
			}
			continue
		}
		if pred(entry.Param, ev, committed) {
			return true, entry.Name
		}
	}
	return false, ""
}
