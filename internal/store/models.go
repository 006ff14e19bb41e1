package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
)

// Account is a linked trading account (one tenant). Login and password
// are opaque encrypted blobs owned by the credential cipher collaborator;
// this package never interprets them.
type Account struct {
	ID                int64                  `gorm:"primaryKey;autoIncrement"`
	EncryptedLogin    string                 `gorm:"not null"`
	EncryptedPassword string                 `gorm:"not null"`
	BrokerServer      string                 `gorm:"not null"`
	Role              protocol.AccountRole   `gorm:"size:16;not null"`
	ChannelID         int64                  `gorm:"index"`
	LotMode           protocol.LotMode       `gorm:"size:16;default:mirror"`
	LotValue          decimal.Decimal        `gorm:"type:numeric(12,2)"`
	Status            protocol.AccountStatus `gorm:"size:24;index;default:stopped"`
	LastActiveAt      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Channel is a copy channel: one master publisher, many subscribers.
type Channel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	Code            string `gorm:"uniqueIndex;size:32;not null"`
	Name            string
	MasterKey       string `gorm:"not null"`
	RequireApproval bool
	LastActiveAt    time.Time
	CreatedAt       time.Time
}

// OpenTrade is the current view of one open position on the master's
// book. Rows are replaced wholesale by every publish cycle.
type OpenTrade struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	ChannelID  int64           `gorm:"uniqueIndex:idx_open_channel_ticket;not null"`
	Ticket     int64           `gorm:"uniqueIndex:idx_open_channel_ticket;not null"`
	Symbol     string          `gorm:"size:32"`
	Direction  string          `gorm:"size:8"`
	Lots       decimal.Decimal `gorm:"type:numeric(12,2)"`
	OpenPrice  decimal.Decimal `gorm:"type:numeric(18,6)"`
	StopLoss   decimal.Decimal `gorm:"type:numeric(18,6)"`
	TakeProfit decimal.Decimal `gorm:"type:numeric(18,6)"`
	OpenTime   time.Time       `gorm:"index"`
	Profit     decimal.Decimal `gorm:"type:numeric(18,2)"`
	UpdatedAt  time.Time
}

// ClosedTrade is one row of a channel's append-only trade history.
type ClosedTrade struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	ChannelID  int64           `gorm:"uniqueIndex:idx_closed_channel_ticket;not null"`
	Ticket     int64           `gorm:"uniqueIndex:idx_closed_channel_ticket;not null"`
	Symbol     string          `gorm:"size:32"`
	Direction  string          `gorm:"size:8"`
	Lots       decimal.Decimal `gorm:"type:numeric(12,2)"`
	OpenPrice  decimal.Decimal `gorm:"type:numeric(18,6)"`
	ClosePrice decimal.Decimal `gorm:"type:numeric(18,6)"`
	OpenTime   time.Time
	CloseTime  time.Time
	Profit     decimal.Decimal `gorm:"type:numeric(18,2)"`
	CreatedAt  time.Time
}

// Subscription tracks one subscriber's relationship to a channel.
type Subscription struct {
	ID           int64             `gorm:"primaryKey;autoIncrement"`
	ChannelID    int64             `gorm:"uniqueIndex:idx_sub_channel_subscriber;not null"`
	SubscriberID string            `gorm:"uniqueIndex:idx_sub_channel_subscriber;size:64;not null"`
	State        SubscriptionState `gorm:"size:16;not null"`
	LotMode      protocol.LotMode  `gorm:"size:16;default:mirror"`
	LastSeenAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Heartbeat records the most recent agent heartbeat. A single row per
// agent host; overall connectedness uses the newest row.
type Heartbeat struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Hostname string `gorm:"uniqueIndex;size:128"`
	SeenAt   time.Time
}
