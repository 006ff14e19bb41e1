// Package recon implements snapshot-diff reconciliation of a channel's
// trade state: the master plugin pushes full open-position snapshots plus
// newly closed positions, subscribers fetch the resulting open set gated
// by their subscription state.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/store"
)

var (
	// ErrChannelNotFound is returned for an unknown channel code.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrBadMasterKey is returned when a push's master key does not
	// match the channel's.
	ErrBadMasterKey = errors.New("invalid master key")
	// ErrInvalidPayload is returned when a push is malformed; the whole
	// push is rejected and no state is touched.
	ErrInvalidPayload = errors.New("invalid push payload")
	// ErrNotSubscribed is returned on fetch when a require-approval
	// channel has no subscription for the subscriber.
	ErrNotSubscribed = errors.New("not subscribed")
	// ErrBadSubscriptionState is returned for owner actions the
	// subscription state machine forbids.
	ErrBadSubscriptionState = errors.New("invalid subscription state change")
)

// GateError rejects a fetch because the subscription exists but is not
// approved; State is the reason reported to the subscriber.
type GateError struct {
	State store.SubscriptionState
}

func (e *GateError) Error() string {
	return fmt.Sprintf("subscription %s", e.State)
}

// Engine reconciles channel trade state against the store.
type Engine struct {
	store     store.Store
	logger    *slog.Logger
	freshness time.Duration
	now       func() time.Time
}

// New creates a reconciliation engine. freshness is the window after
// which a channel without publishes is reported stale.
func New(st store.Store, freshness time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:     st,
		logger:    logger,
		freshness: freshness,
		now:       time.Now,
	}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ApplyPush ingests one publish cycle from the channel's master. The
// snapshot fully replaces the channel's open set:
//
//  1. newly closed positions are appended to history (insert-if-absent)
//     and removed from the open set,
//  2. open entries absent from the snapshot are deleted (positions
//     closed without a report),
//  3. every snapshot entry is upserted,
//  4. the channel's last-active timestamp is bumped.
//
// All four steps run in one store transaction. Re-submitting the same
// payload leaves the open set and history unchanged.
func (e *Engine) ApplyPush(ctx context.Context, req protocol.PushRequest) error {
	channel, err := e.store.GetChannelByCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrChannelNotFound
		}
		return fmt.Errorf("lookup channel %s: %w", req.Code, err)
	}
	if channel.MasterKey != req.MasterKey {
		return ErrBadMasterKey
	}
	if err := validatePush(req); err != nil {
		return err
	}

	now := e.now()
	err = e.store.Transact(ctx, func(tx store.Store) error {
		for _, closed := range req.Closed {
			inserted, err := tx.InsertClosedTradeIfAbsent(ctx, &store.ClosedTrade{
				ChannelID:  channel.ID,
				Ticket:     closed.Ticket,
				Symbol:     closed.Symbol,
				Direction:  closed.Direction,
				Lots:       closed.Lots,
				OpenPrice:  closed.OpenPrice,
				ClosePrice: closed.ClosePrice,
				OpenTime:   closed.OpenTime,
				CloseTime:  closed.CloseTime,
				Profit:     closed.Profit,
			})
			if err != nil {
				return fmt.Errorf("record closed trade %d: %w", closed.Ticket, err)
			}
			if !inserted {
				e.logger.Debug("duplicate close report ignored",
					"channel", req.Code, "ticket", closed.Ticket)
			}
			if err := tx.DeleteOpenTrade(ctx, channel.ID, closed.Ticket); err != nil {
				return fmt.Errorf("remove closed trade %d from open set: %w", closed.Ticket, err)
			}
		}

		keep := make([]int64, 0, len(req.Trades))
		for _, trade := range req.Trades {
			keep = append(keep, trade.Ticket)
		}
		if err := tx.DeleteOpenTradesExcept(ctx, channel.ID, keep); err != nil {
			return fmt.Errorf("reconcile open set: %w", err)
		}

		for _, trade := range req.Trades {
			if err := tx.UpsertOpenTrade(ctx, &store.OpenTrade{
				ChannelID:  channel.ID,
				Ticket:     trade.Ticket,
				Symbol:     trade.Symbol,
				Direction:  trade.Direction,
				Lots:       trade.Lots,
				OpenPrice:  trade.OpenPrice,
				StopLoss:   trade.StopLoss,
				TakeProfit: trade.TakeProfit,
				OpenTime:   trade.OpenTime,
				Profit:     trade.Profit,
			}); err != nil {
				return fmt.Errorf("upsert open trade %d: %w", trade.Ticket, err)
			}
		}

		return tx.TouchChannel(ctx, channel.ID, now)
	})
	if err != nil {
		return err
	}

	e.logger.Debug("push applied",
		"channel", req.Code, "open", len(req.Trades), "closed", len(req.Closed))
	return nil
}

// Fetch returns the channel's current open set for a subscriber,
// enforcing the subscription gate. On success the subscription's
// last-seen timestamp and lot mode are upserted (auto-registering the
// subscriber on first fetch when the channel does not require approval).
func (e *Engine) Fetch(ctx context.Context, code, subscriberID string, lotMode protocol.LotMode) (*protocol.FetchResponse, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("%w: missing subscriber id", ErrInvalidPayload)
	}
	channel, err := e.store.GetChannelByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("lookup channel %s: %w", code, err)
	}

	now := e.now()

	if channel.RequireApproval {
		sub, err := e.store.GetSubscription(ctx, channel.ID, subscriberID)
		if errors.Is(err, store.ErrNotFound) {
			// Register the request so the owner can approve it, but
			// serve nothing yet.
			if err := e.store.UpsertSubscription(ctx, &store.Subscription{
				ChannelID:    channel.ID,
				SubscriberID: subscriberID,
				State:        store.SubPending,
				LotMode:      lotMode,
				LastSeenAt:   now,
			}); err != nil {
				return nil, fmt.Errorf("register subscription: %w", err)
			}
			return nil, ErrNotSubscribed
		}
		if err != nil {
			return nil, fmt.Errorf("lookup subscription: %w", err)
		}
		if sub.State != store.SubApproved {
			return nil, &GateError{State: sub.State}
		}
	}

	if err := e.store.UpsertSubscription(ctx, &store.Subscription{
		ChannelID:    channel.ID,
		SubscriberID: subscriberID,
		State:        store.SubApproved,
		LotMode:      lotMode,
		LastSeenAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	open, err := e.store.ListOpenTrades(ctx, channel.ID)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}

	trades := make([]protocol.TradeState, 0, len(open))
	for _, t := range open {
		trades = append(trades, protocol.TradeState{
			Ticket:     t.Ticket,
			Symbol:     t.Symbol,
			Direction:  t.Direction,
			Lots:       t.Lots,
			OpenPrice:  t.OpenPrice,
			StopLoss:   t.StopLoss,
			TakeProfit: t.TakeProfit,
			OpenTime:   t.OpenTime,
			Profit:     t.Profit,
		})
	}

	stale := channel.LastActiveAt.IsZero() || now.Sub(channel.LastActiveAt) > e.freshness
	return &protocol.FetchResponse{
		Stale:     stale,
		Timestamp: channel.LastActiveAt,
		Trades:    trades,
	}, nil
}

// Subscribe records an explicit subscribe request. A fresh request
// restarts the approval cycle for rejected/revoked subscriptions; on
// channels without approval it is equivalent to a first fetch.
func (e *Engine) Subscribe(ctx context.Context, code, subscriberID string, lotMode protocol.LotMode) (store.SubscriptionState, error) {
	if subscriberID == "" {
		return "", fmt.Errorf("%w: missing subscriber id", ErrInvalidPayload)
	}
	channel, err := e.store.GetChannelByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrChannelNotFound
		}
		return "", fmt.Errorf("lookup channel %s: %w", code, err)
	}

	state := store.SubApproved
	if channel.RequireApproval {
		state = store.SubPending
		if sub, err := e.store.GetSubscription(ctx, channel.ID, subscriberID); err == nil && sub.State == store.SubApproved {
			// Re-subscribing while approved keeps the approval.
			state = store.SubApproved
		}
	}

	if err := e.store.UpsertSubscription(ctx, &store.Subscription{
		ChannelID:    channel.ID,
		SubscriberID: subscriberID,
		State:        state,
		LotMode:      lotMode,
		LastSeenAt:   e.now(),
	}); err != nil {
		return "", fmt.Errorf("upsert subscription: %w", err)
	}
	return state, nil
}

// Approve moves a pending subscription to approved. Owner action.
func (e *Engine) Approve(ctx context.Context, code, subscriberID string) error {
	return e.setSubscriptionState(ctx, code, subscriberID, store.SubApproved, store.SubPending)
}

// Reject moves a pending subscription to rejected. Owner action.
func (e *Engine) Reject(ctx context.Context, code, subscriberID string) error {
	return e.setSubscriptionState(ctx, code, subscriberID, store.SubRejected, store.SubPending)
}

// Revoke withdraws an approved subscription. Terminal until the
// subscriber issues a fresh subscribe request.
func (e *Engine) Revoke(ctx context.Context, code, subscriberID string) error {
	return e.setSubscriptionState(ctx, code, subscriberID, store.SubRevoked, store.SubApproved)
}

func (e *Engine) setSubscriptionState(ctx context.Context, code, subscriberID string, to store.SubscriptionState, allowedFrom store.SubscriptionState) error {
	channel, err := e.store.GetChannelByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrChannelNotFound
		}
		return fmt.Errorf("lookup channel %s: %w", code, err)
	}
	sub, err := e.store.GetSubscription(ctx, channel.ID, subscriberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotSubscribed
		}
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub.State != allowedFrom {
		return fmt.Errorf("%w: %s -> %s", ErrBadSubscriptionState, sub.State, to)
	}
	return e.store.SetSubscriptionState(ctx, channel.ID, subscriberID, to)
}

func validatePush(req protocol.PushRequest) error {
	for i, trade := range req.Trades {
		if err := validateDirectionTicket(trade.Ticket, trade.Direction, trade.Symbol); err != nil {
			return fmt.Errorf("%w: trades[%d]: %v", ErrInvalidPayload, i, err)
		}
	}
	seen := make(map[int64]struct{}, len(req.Trades))
	for i, trade := range req.Trades {
		if _, dup := seen[trade.Ticket]; dup {
			return fmt.Errorf("%w: trades[%d]: duplicate ticket %d", ErrInvalidPayload, i, trade.Ticket)
		}
		seen[trade.Ticket] = struct{}{}
	}
	for i, closed := range req.Closed {
		if err := validateDirectionTicket(closed.Ticket, closed.Direction, closed.Symbol); err != nil {
			return fmt.Errorf("%w: closed[%d]: %v", ErrInvalidPayload, i, err)
		}
	}
	return nil
}

func validateDirectionTicket(ticket int64, direction, symbol string) error {
	if ticket <= 0 {
		return fmt.Errorf("ticket must be positive, got %d", ticket)
	}
	if direction != "buy" && direction != "sell" {
		return fmt.Errorf("direction must be buy or sell, got %q", direction)
	}
	if symbol == "" {
		return fmt.Errorf("symbol is empty")
	}
	return nil
}
