package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrStreamLost is returned when the feed connection drops or cannot be
// re-established. Callers recover with Reconnect.
var ErrStreamLost = errors.New("market stream lost")

// Method is a subscription family on the market feed
type Method string

const (
	MethodTokenTrade   Method = "token_trade"
	MethodAccountTrade Method = "account_trade"
	MethodNewToken     Method = "new_token"
)

// Valid reports whether m is a known method
func (m Method) Valid() bool {
	_, ok := wireMethods[m]
	return ok
}

// wire names for subscribe and unsubscribe requests
var wireMethods = map[Method][2]string{
	MethodTokenTrade:   {"subscribeTokenTrade", "unsubscribeTokenTrade"},
	MethodAccountTrade: {"subscribeAccountTrade", "unsubscribeAccountTrade"},
	MethodNewToken:     {"subscribeNewToken", "unsubscribeNewToken"},
}

// Config controls the feed connection
type Config struct {
	URL               string
	APIKey            string
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReconnectAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	Buffer            int
}

// DefaultConfig returns the production feed settings
func DefaultConfig() Config {
	return Config{
		URL:               "wss://pumpportal.fun/api/data",
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectAttempts: 5,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
		Buffer:            1024,
	}
}

type request struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

type frame struct {
	data []byte
	err  error
}

// Feed is a websocket client for the market data stream. Subscriptions are
// remembered so Reconnect can restore them.
type Feed struct {
	cfg    Config
	logger *logrus.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	subs    map[Method]map[string]struct{}
	writeMu sync.Mutex

	frames chan frame
	done   chan struct{}
	closed atomic.Bool

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	reconnectCount   atomic.Int64
	lastActivity     atomic.Int64
}

// NewFeed creates a feed client. Connect must be called before use.
func NewFeed(cfg Config, logger *logrus.Logger) *Feed {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Feed{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[Method]map[string]struct{}),
		frames: make(chan frame, cfg.Buffer),
		done:   make(chan struct{}),
	}
}

func (f *Feed) endpoint() (string, error) {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	if f.cfg.APIKey != "" {
		q := u.Query()
		q.Set("api-key", f.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the stream and starts the reader and keepalive loops
func (f *Feed) Connect(ctx context.Context) error {
	if f.closed.Load() {
		return fmt.Errorf("feed closed")
	}

	endpoint, err := f.endpoint()
	if err != nil {
		return err
	}

	f.logger.WithField("url", f.cfg.URL).Info("🔌 Connecting to market stream...")

	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			f.logger.WithFields(logrus.Fields{
				"status":      resp.Status,
				"status_code": resp.StatusCode,
			}).Error("❌ Market stream connection failed")
		}
		return fmt.Errorf("failed to connect to market stream: %w", err)
	}

	conn.SetReadLimit(1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		f.touch()
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	connCtx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		f.conn.Close()
	}
	f.conn = conn
	f.cancel = cancel
	f.mu.Unlock()
	f.touch()

	go f.readLoop(connCtx, conn)
	go f.pingLoop(connCtx, conn)

	f.logger.WithField("status", "connected").Info("✅ Market stream connected")
	return nil
}

// Subscribe adds keys to the subscription of method. new_token takes no keys.
func (f *Feed) Subscribe(ctx context.Context, method Method, keys []string) error {
	wire, ok := wireMethods[method]
	if !ok {
		return fmt.Errorf("unknown stream method %q", method)
	}
	if method != MethodNewToken && len(keys) == 0 {
		return nil
	}

	if err := f.send(request{Method: wire[0], Keys: keys}); err != nil {
		return err
	}

	f.mu.Lock()
	set := f.subs[method]
	if set == nil {
		set = make(map[string]struct{})
		f.subs[method] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{
		"method": method,
		"keys":   len(keys),
	}).Info("📡 Subscribed to market stream")
	return nil
}

// Unsubscribe removes keys from the subscription of method
func (f *Feed) Unsubscribe(ctx context.Context, method Method, keys []string) error {
	wire, ok := wireMethods[method]
	if !ok {
		return fmt.Errorf("unknown stream method %q", method)
	}
	if method != MethodNewToken && len(keys) == 0 {
		return nil
	}

	if err := f.send(request{Method: wire[1], Keys: keys}); err != nil {
		return err
	}

	f.mu.Lock()
	if method == MethodNewToken {
		delete(f.subs, method)
	} else if set := f.subs[method]; set != nil {
		for _, k := range keys {
			delete(set, k)
		}
		if len(set) == 0 {
			delete(f.subs, method)
		}
	}
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{
		"method": method,
		"keys":   len(keys),
	}).Info("🗑️ Unsubscribed from market stream")
	return nil
}

// Subscriptions returns the active keys per method
func (f *Feed) Subscriptions() map[Method][]string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[Method][]string, len(f.subs))
	for m, set := range f.subs {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[m] = keys
	}
	return out
}

// Next blocks until a raw message arrives. It returns ErrStreamLost when the
// connection dropped and the context error when ctx ends first.
func (f *Feed) Next(ctx context.Context) ([]byte, error) {
	select {
	case fr := <-f.frames:
		return fr.data, fr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, ErrStreamLost
	}
}

// Reconnect re-dials with exponential backoff and restores every
// subscription. It gives up after the configured number of attempts.
func (f *Feed) Reconnect(ctx context.Context) error {
	delay := f.cfg.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= f.cfg.ReconnectAttempts; attempt++ {
		f.reconnectCount.Add(1)
		f.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     f.cfg.ReconnectAttempts,
		}).Info("🔄 Attempting to reconnect market stream...")

		if lastErr = f.Connect(ctx); lastErr == nil {
			if lastErr = f.resubscribe(ctx); lastErr == nil {
				f.logger.WithField("reconnect_count", f.reconnectCount.Load()).Info("✅ Market stream reconnected")
				return nil
			}
		}

		f.logger.WithError(lastErr).Warn("⚠️ Reconnect attempt failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.BackoffMax {
			delay = f.cfg.BackoffMax
		}
	}

	return fmt.Errorf("%w: %d reconnect attempts failed: %v", ErrStreamLost, f.cfg.ReconnectAttempts, lastErr)
}

func (f *Feed) resubscribe(ctx context.Context) error {
	subs := f.Subscriptions()
	for method, keys := range subs {
		if err := f.send(request{Method: wireMethods[method][0], Keys: keys}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", method, err)
		}
	}
	f.logger.WithField("methods", len(subs)).Debug("📝 Subscriptions restored")
	return nil
}

// Close shuts the feed down for good
func (f *Feed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	close(f.done)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn == nil {
		return nil
	}
	f.writeMu.Lock()
	f.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	f.writeMu.Unlock()
	err := f.conn.Close()
	f.conn = nil
	return err
}

func (f *Feed) send(req request) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrStreamLost)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStreamLost, req.Method, err)
	}
	f.messagesSent.Add(1)
	f.touch()
	return nil
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer f.logger.Debug("🛑 Market stream reader stopped")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || f.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.WithError(err).Error("❌ Market stream read error")
			}
			select {
			case f.frames <- frame{err: fmt.Errorf("%w: %v", ErrStreamLost, err)}:
			case <-ctx.Done():
			case <-f.done:
			}
			return
		}

		f.messagesReceived.Add(1)
		f.touch()
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		select {
		case f.frames <- frame{data: data}:
		case <-ctx.Done():
			return
		case <-f.done:
			return
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.WriteTimeout))
			f.writeMu.Unlock()
			if err != nil {
				f.logger.WithError(err).Debug("❌ Failed to send ping")
				continue
			}
			f.logger.Debug("🏓 Sent ping")

			if last := time.Unix(0, f.lastActivity.Load()); time.Since(last) > 2*f.cfg.ReadTimeout {
				f.logger.WithField("last_activity", last).Warn("⚠️ Market stream appears stale")
			}
		}
	}
}

func (f *Feed) touch() {
	f.lastActivity.Store(time.Now().UnixNano())
}

// Stats returns connection counters for the status endpoint
func (f *Feed) Stats() map[string]interface{} {
	f.mu.RLock()
	active := f.conn != nil
	subs := 0
	for m, set := range f.subs {
		if m == MethodNewToken {
			subs++
			continue
		}
		subs += len(set)
	}
	f.mu.RUnlock()

	return map[string]interface{}{
		"messages_received": f.messagesReceived.Load(),
		"messages_sent":     f.messagesSent.Load(),
		"reconnect_count":   f.reconnectCount.Load(),
		"subscribed_keys":   subs,
		"last_activity":     time.Unix(0, f.lastActivity.Load()),
		"connection_active": active,
	}
}
