package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ExplorerTxURL is the explorer prefix for confirmed transactions
const ExplorerTxURL = "https://solscan.io/tx/"

// Logger represents the application logger
type Logger struct {
	*logrus.Logger
	config LogConfig
	file   *os.File
}

// LogConfig contains logger configuration
type LogConfig struct {
	Level       string
	Format      string // "json", "text" or "console"
	LogToFile   bool
	LogFilePath string
	TradeLogDir string
	// Output replaces stdout when set
	Output io.Writer
}

// NewLogger creates a new logger instance
func NewLogger(config LogConfig) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	log.SetLevel(level)

	switch strings.ToLower(config.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			ForceColors:     true,
			DisableQuote:    true,
		})
	default:
		log.SetFormatter(&CustomFormatter{})
	}

	if config.TradeLogDir != "" {
		if err := os.MkdirAll(config.TradeLogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create trade log directory %s: %w", config.TradeLogDir, err)
		}
	}

	var out io.Writer = os.Stdout
	if config.Output != nil {
		out = config.Output
	}

	l := &Logger{Logger: log, config: config}

	// Log to file in addition to the console
	if config.LogToFile && config.LogFilePath != "" {
		logDir := filepath.Dir(config.LogFilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
		f, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFilePath, err)
		}
		l.file = f
		out = io.MultiWriter(out, f)
	}
	log.SetOutput(out)

	return l, nil
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// CustomFormatter provides a clean, timestamped format for console output
type CustomFormatter struct{}

func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("2006-01-02 15:04:05.000")
	level := strings.ToUpper(entry.Level.String())

	var levelColor string
	switch entry.Level {
	case logrus.DebugLevel:
		levelColor = "\033[36m" // Cyan
	case logrus.InfoLevel:
		levelColor = "\033[32m" // Green
	case logrus.WarnLevel:
		levelColor = "\033[33m" // Yellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = "\033[31m" // Red
	default:
		levelColor = "\033[0m" // Reset
	}

	resetColor := "\033[0m"

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s%s%s] %s", timestamp, levelColor, level, resetColor, entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// ExplorerURL returns the explorer link of a transaction, or an empty string
// for simulated fills.
func ExplorerURL(signature string) string {
	if signature == "" || strings.HasPrefix(signature, "paper-") {
		return ""
	}
	return ExplorerTxURL + signature
}

// Roadmap logging

// LogStepTransition logs a roadmap step change
func (l *Logger) LogStepTransition(workerID string, from, to int, name, outcome string) {
	l.WithFields(logrus.Fields{
		"event":     "step_transition",
		"worker_id": workerID,
		"from":      from,
		"to":        to,
		"step":      name,
		"outcome":   outcome,
	}).Info("🧭 Roadmap step")
}

// LogSession logs a session window change
func (l *Logger) LogSession(workerID, status string, duration time.Duration) {
	fields := logrus.Fields{
		"event":     "session",
		"worker_id": workerID,
		"status":    status,
	}
	if duration > 0 {
		fields["duration"] = duration.String()
	} else {
		fields["duration"] = "forever"
	}
	l.WithFields(fields).Info("⏳ Session")
}

// LogCriteriaFired logs the exit criterion that ended monitoring of a token
func (l *Logger) LogCriteriaFired(mint, criterion string, fields logrus.Fields) {
	logFields := logrus.Fields{
		"event":     "criteria_fired",
		"mint":      mint,
		"criterion": criterion,
	}
	for k, v := range fields {
		logFields[k] = v
	}
	l.WithFields(logFields).Info("🎯 Exit criterion fired")
}

// LogTokenClaimed logs a token handed to this worker
func (l *Logger) LogTokenClaimed(mint, workerID string, amount float64) {
	l.WithFields(logrus.Fields{
		"event":     "token_claimed",
		"mint":      mint,
		"worker_id": workerID,
		"amount":    amount,
	}).Info("📥 Token claimed")
}

// LogTokenDiscovered logs when a new token is discovered
func (l *Logger) LogTokenDiscovered(mint, creator, name, symbol string) {
	l.WithFields(logrus.Fields{
		"event":     "token_discovered",
		"mint":      mint,
		"creator":   creator,
		"name":      name,
		"symbol":    symbol,
		"timestamp": time.Now().Format(time.RFC3339),
	}).Info("🔍 New token discovered")
}

// LogFilterReject logs when a token is rejected by filters
func (l *Logger) LogFilterReject(mint string, filterType, reason string) {
	l.WithFields(logrus.Fields{
		"event":       "filter_reject",
		"mint":        mint,
		"filter_type": filterType,
		"reason":      reason,
	}).Debug("✗ Token rejected by filter")
}

// Trade logging

// LogTradeAttempt logs when a trade attempt is made
func (l *Logger) LogTradeAttempt(tradeType, mint string, amount float64) {
	l.WithFields(logrus.Fields{
		"event":     "trade_attempt",
		"type":      tradeType,
		"mint":      mint,
		"amount":    amount,
		"timestamp": time.Now().Format(time.RFC3339),
	}).Info("💰 Trade attempt initiated")
}

// LogTradeConfirmed logs a confirmed trade with its explorer reference
func (l *Logger) LogTradeConfirmed(tradeType, mint string, amount float64, signature string) {
	fields := logrus.Fields{
		"event":     "trade_confirmed",
		"type":      tradeType,
		"mint":      mint,
		"amount":    amount,
		"signature": signature,
	}
	if url := ExplorerURL(signature); url != "" {
		fields["explorer"] = url
	}
	l.WithFields(fields).Info("✅ Trade confirmed")
}

// LogTradeError logs when a trade fails
func (l *Logger) LogTradeError(tradeType, mint string, amount float64, err error) {
	l.WithFields(logrus.Fields{
		"event":     "trade_error",
		"type":      tradeType,
		"mint":      mint,
		"amount":    amount,
		"timestamp": time.Now().Format(time.RFC3339),
	}).WithError(err).Error("❌ Trade failed")
}

// General logging

// LogError logs general errors with context
func (l *Logger) LogError(component, operation string, err error, fields logrus.Fields) {
	logFields := logrus.Fields{
		"event":     "error",
		"component": component,
		"operation": operation,
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.WithFields(logFields).WithError(err).Error("💥 Component error")
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, network, role string) {
	l.WithFields(logrus.Fields{
		"event":   "startup",
		"version": version,
		"network": network,
		"role":    role,
	}).Info("🚀 Bot starting up")
}

// LogShutdown logs application shutdown information
func (l *Logger) LogShutdown(reason string) {
	l.WithFields(logrus.Fields{
		"event":  "shutdown",
		"reason": reason,
	}).Info("🛑 Bot shutting down")
}

// LogConnection logs connection status
func (l *Logger) LogConnection(service, status string, details interface{}) {
	l.WithFields(logrus.Fields{
		"event":   "connection",
		"service": service,
		"status":  status,
		"details": details,
	}).Info("🔗 Connection status")
}

// LogBalance logs wallet balance information
func (l *Logger) LogBalance(balanceSOL float64) {
	l.WithFields(logrus.Fields{
		"event":       "balance_check",
		"balance_sol": balanceSOL,
	}).Info("💰 Wallet balance")
}

// WithComponent returns a logger with component context
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.WithField("component", component)
}
