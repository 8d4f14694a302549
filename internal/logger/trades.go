package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Trade statuses
const (
	TradeSuccess = "success"
	TradeFailed  = "failed"
)

// TradeLog represents a trade journal entry
type TradeLog struct {
	Timestamp       time.Time `json:"timestamp"`
	TradeType       string    `json:"trade_type"` // "buy" or "sell"
	Mint            string    `json:"mint"`
	TokenName       string    `json:"token_name,omitempty"`
	TokenSymbol     string    `json:"token_symbol,omitempty"`
	Creator         string    `json:"creator,omitempty"`
	WorkerID        string    `json:"worker_id"`
	Role            string    `json:"role"`
	AmountSOL       float64   `json:"amount_sol"`
	AmountTokens    float64   `json:"amount_tokens"`
	Price           float64   `json:"price"` // SOL per token
	Signature       string    `json:"signature"`
	Explorer        string    `json:"explorer,omitempty"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Attempts        int       `json:"attempts"`
	SlippagePercent float64   `json:"slippage_percent"`
	PriorityFee     float64   `json:"priority_fee"`
	ExitCriteria    string    `json:"exit_criteria,omitempty"`
	DryRun          bool      `json:"dry_run"`
	ProfitLoss      float64   `json:"profit_loss,omitempty"` // realized, sells only
}

// PositionLog represents a position tracking entry
type PositionLog struct {
	Timestamp     time.Time `json:"timestamp"`
	Mint          string    `json:"mint"`
	TokenName     string    `json:"token_name"`
	TokenSymbol   string    `json:"token_symbol"`
	Position      float64   `json:"position"`      // Token amount held
	AvgBuyPrice   float64   `json:"avg_buy_price"` // SOL paid per token
	TotalInvested float64   `json:"total_invested"`
	RealizedPL    float64   `json:"realized_pl"`
	ExitCriteria  string    `json:"exit_criteria,omitempty"`
}

// TradeSummary is the daily roll-up of the journal
type TradeSummary struct {
	Date            string                  `json:"date"`
	Timestamp       time.Time               `json:"timestamp"`
	TotalTrades     int                     `json:"total_trades"`
	TotalBuys       int                     `json:"total_buys"`
	TotalSells      int                     `json:"total_sells"`
	FailedTrades    int                     `json:"failed_trades"`
	TotalVolume     float64                 `json:"total_volume_sol"`
	TotalProfitLoss float64                 `json:"total_profit_loss"`
	ActivePositions int                     `json:"active_positions"`
	ExitCriteria    map[string]int          `json:"exit_criteria"`
	Positions       map[string]*PositionLog `json:"positions"`
}

// TradeLogger writes the JSONL trade journal and tracks realized results
type TradeLogger struct {
	baseDir string
	logger  *Logger
	now     func() time.Time

	mu        sync.Mutex
	positions map[string]*PositionLog // mint -> position
	summary   TradeSummary
}

// NewTradeLogger creates a new trade logger
func NewTradeLogger(baseDir string, logger *Logger) (*TradeLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trade log directory: %w", err)
	}

	tl := &TradeLogger{
		baseDir:   baseDir,
		logger:    logger,
		now:       time.Now,
		positions: make(map[string]*PositionLog),
	}
	tl.resetSummary()
	return tl, nil
}

func (tl *TradeLogger) resetSummary() {
	tl.summary = TradeSummary{ExitCriteria: make(map[string]int)}
}

// LogTrade appends a trade to the daily journal and updates positions
func (tl *TradeLogger) LogTrade(trade TradeLog) error {
	if trade.Timestamp.IsZero() {
		trade.Timestamp = tl.now()
	}
	if trade.Explorer == "" {
		trade.Explorer = ExplorerURL(trade.Signature)
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.updatePosition(&trade)

	tl.logger.WithFields(map[string]interface{}{
		"event":         "trade_logged",
		"trade_type":    trade.TradeType,
		"mint":          trade.Mint,
		"amount_sol":    trade.AmountSOL,
		"amount_tokens": trade.AmountTokens,
		"signature":     trade.Signature,
		"status":        trade.Status,
		"exit_criteria": trade.ExitCriteria,
	}).Debug("📒 Trade journaled")

	filename := fmt.Sprintf("trades_%s.jsonl", trade.Timestamp.Format("2006-01-02"))
	return appendJSONLine(filepath.Join(tl.baseDir, filename), trade)
}

// updatePosition folds a trade into its position. Sells that do not report
// a token amount close the whole position.
func (tl *TradeLogger) updatePosition(trade *TradeLog) {
	tl.summary.TotalTrades++
	if trade.Status != TradeSuccess {
		tl.summary.FailedTrades++
		return
	}

	position, exists := tl.positions[trade.Mint]
	if !exists {
		position = &PositionLog{
			Mint:        trade.Mint,
			TokenName:   trade.TokenName,
			TokenSymbol: trade.TokenSymbol,
		}
		tl.positions[trade.Mint] = position
	}
	position.Timestamp = trade.Timestamp
	tl.summary.TotalVolume += trade.AmountSOL

	switch trade.TradeType {
	case "buy":
		tl.summary.TotalBuys++
		position.Position += trade.AmountTokens
		position.TotalInvested += trade.AmountSOL
		if position.Position > 0 {
			position.AvgBuyPrice = position.TotalInvested / position.Position
		}
	case "sell":
		tl.summary.TotalSells++
		tokens := trade.AmountTokens
		if tokens <= 0 || tokens > position.Position {
			tokens = position.Position
		}
		cost := tokens * position.AvgBuyPrice
		if trade.AmountSOL > 0 {
			trade.ProfitLoss = trade.AmountSOL - cost
			position.RealizedPL += trade.ProfitLoss
			tl.summary.TotalProfitLoss += trade.ProfitLoss
		}
		position.Position -= tokens
		position.TotalInvested -= cost
		if position.Position <= 0 {
			position.Position = 0
			position.TotalInvested = 0
		}
		if trade.ExitCriteria != "" {
			position.ExitCriteria = trade.ExitCriteria
			tl.summary.ExitCriteria[trade.ExitCriteria]++
		}
	}
}

// GetPosition returns a copy of the position for a token
func (tl *TradeLogger) GetPosition(mint string) (PositionLog, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	position, exists := tl.positions[mint]
	if !exists {
		return PositionLog{}, false
	}
	return *position, true
}

// Summary returns the running totals since the last daily summary
func (tl *TradeLogger) Summary() TradeSummary {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.snapshot()
}

func (tl *TradeLogger) snapshot() TradeSummary {
	s := tl.summary
	s.Date = tl.now().Format("2006-01-02")
	s.Timestamp = tl.now()
	s.ExitCriteria = make(map[string]int, len(tl.summary.ExitCriteria))
	for k, v := range tl.summary.ExitCriteria {
		s.ExitCriteria[k] = v
	}
	s.Positions = make(map[string]*PositionLog, len(tl.positions))
	s.ActivePositions = 0
	for mint, p := range tl.positions {
		cp := *p
		s.Positions[mint] = &cp
		if p.Position > 0 {
			s.ActivePositions++
		}
	}
	return s
}

// LogDailySummary writes the day's summary file and starts a new period.
// Closed positions are dropped from tracking.
func (tl *TradeLogger) LogDailySummary() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	summary := tl.snapshot()

	filename := fmt.Sprintf("summary_%s.json", summary.Date)
	file, err := os.Create(filepath.Join(tl.baseDir, filename))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	tl.logger.WithFields(map[string]interface{}{
		"event":            "daily_summary",
		"total_trades":     summary.TotalTrades,
		"active_positions": summary.ActivePositions,
		"total_pl":         summary.TotalProfitLoss,
	}).Info("📊 Daily summary logged")

	for mint, p := range tl.positions {
		if p.Position <= 0 {
			delete(tl.positions, mint)
		}
	}
	tl.resetSummary()
	return nil
}

func appendJSONLine(path string, v interface{}) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open trade log file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write trade to file: %w", err)
	}
	return nil
}
