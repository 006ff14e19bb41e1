// Package store defines the coordinator's durable data model: tenant
// accounts, channels, the per-channel open-trade set and closed-trade
// history, subscriptions, and agent heartbeat bookkeeping.
//
// Two implementations exist: postgres (gorm, production) and memory
// (tests and single-node development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInstanceActive is returned when an account cannot be deleted
	// because its instance has not been stopped yet.
	ErrInstanceActive = errors.New("account instance is still active")
	// ErrBadTransition is returned for status changes the control-plane
	// state machine forbids.
	ErrBadTransition = errors.New("invalid status transition")
)

// SubscriptionState is the approval state of a channel subscription.
type SubscriptionState string

const (
	SubPending  SubscriptionState = "pending"
	SubApproved SubscriptionState = "approved"
	SubRejected SubscriptionState = "rejected"
	SubRevoked  SubscriptionState = "revoked"
)

// Store is the persistence surface consumed by the coordinator and the
// reconciliation engine. Implementations must be safe for concurrent use.
type Store interface {
	// Accounts / control plane.
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	// DeleteAccount removes the account record. It fails with
	// ErrInstanceActive while the account's instance may still be
	// running; callers must drive the stop path first.
	DeleteAccount(ctx context.Context, id int64) error
	// ListPending returns accounts whose desired state is "should be
	// running but not yet confirmed" (pending_vps or starting), in
	// creation order.
	ListPending(ctx context.Context) ([]Account, error)
	// ListStopRequested returns accounts queued for stop, in the order
	// the stops were requested.
	ListStopRequested(ctx context.Context) ([]Account, error)
	// SetAccountStatus overwrites the account's status and bumps its
	// last-active timestamp. Transitions rejected by the state machine
	// return ErrBadTransition.
	SetAccountStatus(ctx context.Context, id int64, status protocol.AccountStatus) error

	// Agent heartbeat.
	RecordHeartbeat(ctx context.Context, hostname string, at time.Time) error
	LastHeartbeat(ctx context.Context) (time.Time, error)

	// Channels.
	CreateChannel(ctx context.Context, c *Channel) error
	GetChannel(ctx context.Context, id int64) (*Channel, error)
	GetChannelByCode(ctx context.Context, code string) (*Channel, error)
	TouchChannel(ctx context.Context, channelID int64, at time.Time) error

	// Open-trade set.
	ListOpenTrades(ctx context.Context, channelID int64) ([]OpenTrade, error)
	UpsertOpenTrade(ctx context.Context, t *OpenTrade) error
	DeleteOpenTrade(ctx context.Context, channelID, ticket int64) error
	// DeleteOpenTradesExcept removes every open trade of the channel
	// whose ticket is not in keep. An empty keep clears the set.
	DeleteOpenTradesExcept(ctx context.Context, channelID int64, keep []int64) error

	// Closed-trade history.
	// InsertClosedTradeIfAbsent appends to history keyed by
	// (channel, ticket); it reports false and leaves history untouched
	// when the ticket was already recorded.
	InsertClosedTradeIfAbsent(ctx context.Context, t *ClosedTrade) (bool, error)
	ListClosedTrades(ctx context.Context, channelID int64) ([]ClosedTrade, error)

	// Subscriptions.
	GetSubscription(ctx context.Context, channelID int64, subscriberID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, s *Subscription) error
	SetSubscriptionState(ctx context.Context, channelID int64, subscriberID string, state SubscriptionState) error

	// Transact runs fn against a transaction-scoped store; fn's writes
	// are applied atomically or not at all.
	Transact(ctx context.Context, fn func(Store) error) error
}
