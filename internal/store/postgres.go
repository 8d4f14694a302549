package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"pump-roadmap-bot/internal/analytics"
	"pump-roadmap-bot/internal/position"
)

// tokenRecord is the database row of a handed-off token
type tokenRecord struct {
	Mint           string                         `gorm:"primaryKey;size:64" json:"mint"`
	Name           string                         `gorm:"size:128" json:"name"`
	Symbol         string                         `gorm:"size:64" json:"symbol"`
	Creator        string                         `gorm:"size:64" json:"creator"`
	Role           string                         `gorm:"size:32;index" json:"role"`
	TradingAmount  float64                        `json:"trading_amount"`
	Owner          string                         `gorm:"size:64" json:"owner"`
	WorkerID       string                         `gorm:"size:64;index" json:"worker_id"`
	IsChecked      bool                           `gorm:"default:false" json:"is_checked"`
	IsTraded       bool                           `gorm:"default:false" json:"is_traded"`
	IsClosed       bool                           `gorm:"default:false;index" json:"is_closed"`
	BuyTimestamp   time.Time                      `json:"buy_timestamp"`
	SellTimestamp  time.Time                      `json:"sell_timestamp"`
	BuySignature   string                         `gorm:"size:128" json:"buy_signature"`
	SellSignature  string                         `gorm:"size:128" json:"sell_signature"`
	ExitCriteria   string                         `gorm:"size:64" json:"exit_criteria"`
	TrackedTraders []string                       `gorm:"serializer:json" json:"tracked_traders"`
	History        []analytics.EnrichedTradeEvent `gorm:"serializer:json" json:"history"`
	CreatedAt      time.Time                      `json:"created_at"`
	UpdatedAt      time.Time                      `json:"updated_at"`
}

// TableName specifies the table name
func (tokenRecord) TableName() string {
	return "roadmap_tokens"
}

func recordFromToken(t position.Token) tokenRecord {
	return tokenRecord{
		Mint:           t.Mint,
		Name:           t.Name,
		Symbol:         t.Symbol,
		Creator:        t.Creator,
		Role:           t.Role,
		TradingAmount:  t.TradingAmount,
		Owner:          t.Owner,
		WorkerID:       t.WorkerID,
		IsChecked:      t.IsChecked,
		IsTraded:       t.IsTraded,
		IsClosed:       t.IsClosed,
		BuyTimestamp:   t.BuyTimestamp,
		SellTimestamp:  t.SellTimestamp,
		BuySignature:   t.BuySignature,
		SellSignature:  t.SellSignature,
		ExitCriteria:   t.ExitCriteria,
		TrackedTraders: t.TrackedTraders,
		History:        t.History,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (r tokenRecord) token() position.Token {
	return position.Token{
		Mint:           r.Mint,
		Name:           r.Name,
		Symbol:         r.Symbol,
		Creator:        r.Creator,
		Role:           r.Role,
		TradingAmount:  r.TradingAmount,
		Owner:          r.Owner,
		WorkerID:       r.WorkerID,
		IsChecked:      r.IsChecked,
		IsTraded:       r.IsTraded,
		IsClosed:       r.IsClosed,
		BuyTimestamp:   r.BuyTimestamp,
		SellTimestamp:  r.SellTimestamp,
		BuySignature:   r.BuySignature,
		SellSignature:  r.SellSignature,
		ExitCriteria:   r.ExitCriteria,
		TrackedTraders: r.TrackedTraders,
		History:        r.History,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// PostgresConfig holds the connection settings of the postgres store
type PostgresConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is a Store backed by a postgres table through gorm. Change
// notifications go through the configured Notifier.
type Postgres struct {
	db       *gorm.DB
	notifier Notifier
}

// OpenPostgres connects, configures the pool and migrates the schema
func OpenPostgres(cfg PostgresConfig, notifier Notifier) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewPostgres(db, notifier)
}

// NewPostgres wraps an open gorm handle and migrates the token table
func NewPostgres(db *gorm.DB, notifier Notifier) (*Postgres, error) {
	if err := db.AutoMigrate(&tokenRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if notifier == nil {
		notifier = NewBroadcaster(0, nil)
	}
	return &Postgres{db: db, notifier: notifier}, nil
}

func (p *Postgres) GetUnclaimedTokens(ctx context.Context, role, mint string) ([]position.Token, error) {
	q := p.db.WithContext(ctx).Where("worker_id = ? AND is_closed = ?", "", false)
	if role != "" {
		q = q.Where("role = ?", role)
	}
	if mint != "" {
		q = q.Where("mint = ?", mint)
	}

	var records []tokenRecord
	if err := q.Order("created_at").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list unclaimed tokens: %w", err)
	}

	out := make([]position.Token, len(records))
	for i, r := range records {
		out[i] = r.token()
	}
	return out, nil
}

func (p *Postgres) GetToken(ctx context.Context, mint string) (position.Token, error) {
	var rec tokenRecord
	err := p.db.WithContext(ctx).First(&rec, "mint = ?", mint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return position.Token{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	if err != nil {
		return position.Token{}, fmt.Errorf("failed to get token %s: %w", mint, err)
	}
	return rec.token(), nil
}

func (p *Postgres) SetToken(ctx context.Context, tok position.Token) error {
	rec := recordFromToken(tok)
	if err := p.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save token %s: %w", tok.Mint, err)
	}
	return notifyErr(p.notifier.Publish(ctx, Notification{Key: Key(tok.Role, tok.Mint), Mint: tok.Mint}))
}

func (p *Postgres) UpdateToken(ctx context.Context, mint string, patch position.Patch) (position.Token, error) {
	var merged position.Token

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec tokenRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "mint = ?", mint).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, mint)
		}
		if err != nil {
			return err
		}

		merged = rec.token().Merge(patch)
		out := recordFromToken(merged)
		return tx.Save(&out).Error
	})
	if err != nil {
		return position.Token{}, fmt.Errorf("failed to update token %s: %w", mint, err)
	}

	return merged, notifyErr(p.notifier.Publish(ctx, Notification{Key: Key(merged.Role, mint), Mint: mint}))
}

func (p *Postgres) ClaimToken(ctx context.Context, mint, workerID string) (position.Token, error) {
	res := p.db.WithContext(ctx).Model(&tokenRecord{}).
		Where("mint = ? AND (worker_id = ? OR worker_id = ?)", mint, "", workerID).
		Updates(map[string]interface{}{"worker_id": workerID, "is_checked": true})
	if res.Error != nil {
		return position.Token{}, fmt.Errorf("failed to claim token %s: %w", mint, res.Error)
	}

	tok, err := p.GetToken(ctx, mint)
	if err != nil {
		return position.Token{}, err
	}
	if res.RowsAffected == 0 {
		return position.Token{}, fmt.Errorf("%w: %s owned by %s", ErrAlreadyClaimed, mint, tok.WorkerID)
	}
	return tok, nil
}

func (p *Postgres) ReleaseToken(ctx context.Context, mint, workerID string) error {
	res := p.db.WithContext(ctx).Model(&tokenRecord{}).
		Where("mint = ? AND worker_id = ?", mint, workerID).
		Updates(map[string]interface{}{"worker_id": "", "is_checked": false})
	if res.Error != nil {
		return fmt.Errorf("failed to release token %s: %w", mint, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	tok, err := p.GetToken(ctx, mint)
	if err != nil {
		return err
	}
	return notifyErr(p.notifier.Publish(ctx, Notification{Key: Key(tok.Role, mint), Mint: mint}))
}

func (p *Postgres) Subscribe(ctx context.Context, prefix string) (<-chan Notification, error) {
	return p.notifier.Subscribe(ctx, prefix)
}

func (p *Postgres) Close() error {
	nerr := p.notifier.Close()
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return err
	}
	return nerr
}
