// Package postgres implements store.Store on PostgreSQL via gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/store"
)

// Postgres is a gorm-backed store.Store.
type Postgres struct {
	db *gorm.DB
}

// New wraps an open gorm connection and migrates the schema.
func New(db *gorm.DB) (*Postgres, error) {
	if err := db.AutoMigrate(
		&store.Account{},
		&store.Channel{},
		&store.OpenTrade{},
		&store.ClosedTrade{},
		&store.Subscription{},
		&store.Heartbeat{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

var _ store.Store = (*Postgres)(nil)

func (p *Postgres) CreateAccount(ctx context.Context, a *store.Account) error {
	if a.Status == "" {
		a.Status = protocol.StatusStopped
	}
	return p.db.WithContext(ctx).Create(a).Error
}

func (p *Postgres) GetAccount(ctx context.Context, id int64) (*store.Account, error) {
	var a store.Account
	if err := p.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (p *Postgres) DeleteAccount(ctx context.Context, id int64) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a store.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, id).Error; err != nil {
			return mapErr(err)
		}
		switch a.Status {
		case protocol.StatusStarting, protocol.StatusRunning, protocol.StatusStopRequested:
			return store.ErrInstanceActive
		}
		return tx.Delete(&store.Account{}, id).Error
	})
}

func (p *Postgres) ListPending(ctx context.Context) ([]store.Account, error) {
	var out []store.Account
	err := p.db.WithContext(ctx).
		Where("status IN ?", []protocol.AccountStatus{protocol.StatusPendingVPS, protocol.StatusStarting}).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (p *Postgres) ListStopRequested(ctx context.Context) ([]store.Account, error) {
	var out []store.Account
	err := p.db.WithContext(ctx).
		Where("status = ?", protocol.StatusStopRequested).
		Order("updated_at ASC").
		Find(&out).Error
	return out, err
}

func (p *Postgres) SetAccountStatus(ctx context.Context, id int64, status protocol.AccountStatus) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a store.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, id).Error; err != nil {
			return mapErr(err)
		}
		if !protocol.ValidTransition(a.Status, status) {
			return store.ErrBadTransition
		}
		now := time.Now()
		return tx.Model(&a).Updates(map[string]any{
			"status":         status,
			"last_active_at": now,
			"updated_at":     now,
		}).Error
	})
}

func (p *Postgres) RecordHeartbeat(ctx context.Context, hostname string, at time.Time) error {
	hb := store.Heartbeat{Hostname: hostname, SeenAt: at}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hostname"}},
			DoUpdates: clause.AssignmentColumns([]string{"seen_at"}),
		}).
		Create(&hb).Error
}

func (p *Postgres) LastHeartbeat(ctx context.Context) (time.Time, error) {
	var hb store.Heartbeat
	err := p.db.WithContext(ctx).Order("seen_at DESC").First(&hb).Error
	if err != nil {
		return time.Time{}, mapErr(err)
	}
	return hb.SeenAt, nil
}

func (p *Postgres) CreateChannel(ctx context.Context, c *store.Channel) error {
	return p.db.WithContext(ctx).Create(c).Error
}

func (p *Postgres) GetChannel(ctx context.Context, id int64) (*store.Channel, error) {
	var c store.Channel
	if err := p.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (p *Postgres) GetChannelByCode(ctx context.Context, code string) (*store.Channel, error) {
	var c store.Channel
	if err := p.db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (p *Postgres) TouchChannel(ctx context.Context, channelID int64, at time.Time) error {
	res := p.db.WithContext(ctx).
		Model(&store.Channel{}).
		Where("id = ?", channelID).
		Update("last_active_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *Postgres) ListOpenTrades(ctx context.Context, channelID int64) ([]store.OpenTrade, error) {
	var out []store.OpenTrade
	err := p.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("open_time ASC, ticket ASC").
		Find(&out).Error
	return out, err
}

func (p *Postgres) UpsertOpenTrade(ctx context.Context, t *store.OpenTrade) error {
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}, {Name: "ticket"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"symbol", "direction", "lots", "open_price",
				"stop_loss", "take_profit", "open_time", "profit", "updated_at",
			}),
		}).
		Create(t).Error
}

func (p *Postgres) DeleteOpenTrade(ctx context.Context, channelID, ticket int64) error {
	return p.db.WithContext(ctx).
		Where("channel_id = ? AND ticket = ?", channelID, ticket).
		Delete(&store.OpenTrade{}).Error
}

func (p *Postgres) DeleteOpenTradesExcept(ctx context.Context, channelID int64, keep []int64) error {
	q := p.db.WithContext(ctx).Where("channel_id = ?", channelID)
	if len(keep) > 0 {
		q = q.Where("ticket NOT IN ?", keep)
	}
	return q.Delete(&store.OpenTrade{}).Error
}

func (p *Postgres) InsertClosedTradeIfAbsent(ctx context.Context, t *store.ClosedTrade) (bool, error) {
	res := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "ticket"}},
			DoNothing: true,
		}).
		Create(t)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (p *Postgres) ListClosedTrades(ctx context.Context, channelID int64) ([]store.ClosedTrade, error) {
	var out []store.ClosedTrade
	err := p.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (p *Postgres) GetSubscription(ctx context.Context, channelID int64, subscriberID string) (*store.Subscription, error) {
	var s store.Subscription
	err := p.db.WithContext(ctx).
		Where("channel_id = ? AND subscriber_id = ?", channelID, subscriberID).
		First(&s).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (p *Postgres) UpsertSubscription(ctx context.Context, s *store.Subscription) error {
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "subscriber_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "lot_mode", "last_seen_at", "updated_at"}),
		}).
		Create(s).Error
}

func (p *Postgres) SetSubscriptionState(ctx context.Context, channelID int64, subscriberID string, state store.SubscriptionState) error {
	res := p.db.WithContext(ctx).
		Model(&store.Subscription{}).
		Where("channel_id = ? AND subscriber_id = ?", channelID, subscriberID).
		Updates(map[string]any{"state": state, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Transact runs fn inside a database transaction; fn's writes commit
// together or roll back together.
func (p *Postgres) Transact(ctx context.Context, fn func(store.Store) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Postgres{db: tx})
	})
}

func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}
