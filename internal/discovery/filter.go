package discovery

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"pump-roadmap-bot/internal/config"
	"pump-roadmap-bot/internal/market"
	"pump-roadmap-bot/internal/position"
)

// TokenFilter is one named qualification rule for new tokens
type TokenFilter struct {
	Name  string
	Match func(*market.NewTokenEvent) bool
}

// NameFilter matches token names or symbols containing any of patterns
func NameFilter(patterns []string) TokenFilter {
	return TokenFilter{Name: "name", Match: func(token *market.NewTokenEvent) bool {
		if len(patterns) == 0 {
			return true
		}

		name := strings.ToLower(token.Name)
		symbol := strings.ToLower(token.Symbol)
		for _, pattern := range patterns {
			p := strings.ToLower(pattern)
			if strings.Contains(name, p) || strings.Contains(symbol, p) {
				return true
			}
		}
		return false
	}}
}

// CreatorFilter matches specific creator addresses
func CreatorFilter(creators []string) TokenFilter {
	creatorMap := make(map[string]bool, len(creators))
	for _, creator := range creators {
		creatorMap[creator] = true
	}

	return TokenFilter{Name: "creator", Match: func(token *market.NewTokenEvent) bool {
		if len(creatorMap) == 0 {
			return true
		}
		return creatorMap[token.Creator]
	}}
}

// BlockedCreatorFilter rejects tokens from the listed creators
func BlockedCreatorFilter(creators []string) TokenFilter {
	blocked := make(map[string]bool, len(creators))
	for _, creator := range creators {
		blocked[creator] = true
	}

	return TokenFilter{Name: "blocked_creator", Match: func(token *market.NewTokenEvent) bool {
		return !blocked[token.Creator]
	}}
}

// MinMarketCapFilter requires a minimum market cap in SOL
func MinMarketCapFilter(minSol float64) TokenFilter {
	return TokenFilter{Name: "market_cap", Match: func(token *market.NewTokenEvent) bool {
		return token.MarketCapSol >= minSol
	}}
}

// MinInitialBuyFilter requires the creator to have bought at least minSol
func MinInitialBuyFilter(minSol float64) TokenFilter {
	return TokenFilter{Name: "initial_buy", Match: func(token *market.NewTokenEvent) bool {
		return token.SolAmount >= minSol
	}}
}

// FreshnessFilter only allows tokens discovered within maxAge of now
func FreshnessFilter(maxAge time.Duration, now func() time.Time) TokenFilter {
	return TokenFilter{Name: "freshness", Match: func(token *market.NewTokenEvent) bool {
		return now().Sub(token.DiscoveredAt) <= maxAge
	}}
}

// HourlyLimitFilter admits at most perHour tokens per rolling hour. Place
// it last so rejected tokens do not consume the budget.
func HourlyLimitFilter(perHour int) TokenFilter {
	limiter := rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
	return TokenFilter{Name: "hourly_limit", Match: func(*market.NewTokenEvent) bool {
		return limiter.Allow()
	}}
}

// Qualifier applies filters in order and stops at the first rejection
type Qualifier struct {
	filters []TokenFilter
	logger  *logrus.Logger
}

// NewQualifier creates a qualifier from explicit filters
func NewQualifier(logger *logrus.Logger, filters ...TokenFilter) *Qualifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Qualifier{filters: filters, logger: logger}
}

// FromConfig builds the configured filter chain
func FromConfig(cfg config.DiscoveryConfig, logger *logrus.Logger) *Qualifier {
	filters := []TokenFilter{
		BlockedCreatorFilter(cfg.BlockedCreators),
		CreatorFilter(cfg.Creators),
		NameFilter(cfg.NamePatterns),
	}
	if cfg.MinMarketCapSol > 0 {
		filters = append(filters, MinMarketCapFilter(cfg.MinMarketCapSol))
	}
	if cfg.MinInitialBuySol > 0 {
		filters = append(filters, MinInitialBuyFilter(cfg.MinInitialBuySol))
	}
	if cfg.MaxAgeSec > 0 {
		filters = append(filters, FreshnessFilter(time.Duration(cfg.MaxAgeSec)*time.Second, time.Now))
	}
	if cfg.MaxTokensPerHour > 0 {
		filters = append(filters, HourlyLimitFilter(cfg.MaxTokensPerHour))
	}
	return NewQualifier(logger, filters...)
}

// Qualify reports whether token passes every filter, or the name of the
// filter that rejected it.
func (q *Qualifier) Qualify(token *market.NewTokenEvent) (bool, string) {
	for _, f := range q.filters {
		if !f.Match(token) {
			q.logger.WithFields(logrus.Fields{
				"mint":   token.Mint,
				"filter": f.Name,
				"name":   token.Name,
				"symbol": token.Symbol,
			}).Debug("🚫 Token filtered out")
			return false, f.Name
		}
	}
	return true, ""
}

// NewToken converts a qualified discovery into an unclaimed token for role
func NewToken(token *market.NewTokenEvent, role string, amount float64) position.Token {
	return position.Token{
		Mint:           token.Mint,
		Name:           token.Name,
		Symbol:         token.Symbol,
		Creator:        token.Creator,
		Role:           role,
		TradingAmount:  amount,
		TrackedTraders: []string{token.Creator},
		CreatedAt:      token.DiscoveredAt,
		UpdatedAt:      token.DiscoveredAt,
	}
}
