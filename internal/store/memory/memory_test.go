package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/store"
)

func TestAccountStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	m := New()

	acct := &store.Account{
		EncryptedLogin:    "enc-login",
		EncryptedPassword: "enc-pass",
		BrokerServer:      "Broker-Demo",
		Role:              protocol.RoleMaster,
		Status:            protocol.StatusPendingVPS,
	}
	require.NoError(t, m.CreateAccount(ctx, acct))
	require.NotZero(t, acct.ID)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, m.SetAccountStatus(ctx, acct.ID, protocol.StatusStarting))
	require.NoError(t, m.SetAccountStatus(ctx, acct.ID, protocol.StatusRunning))

	// running accounts are no longer pending
	pending, err = m.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// a running account cannot be re-queued without stopping first
	err = m.SetAccountStatus(ctx, acct.ID, protocol.StatusPendingVPS)
	require.ErrorIs(t, err, store.ErrBadTransition)

	require.NoError(t, m.SetAccountStatus(ctx, acct.ID, protocol.StatusStopRequested))

	stops, err := m.ListStopRequested(ctx)
	require.NoError(t, err)
	require.Len(t, stops, 1)
}

func TestDeleteAccountRefusesWhileActive(t *testing.T) {
	ctx := context.Background()
	m := New()

	acct := &store.Account{Status: protocol.StatusPendingVPS}
	require.NoError(t, m.CreateAccount(ctx, acct))
	require.NoError(t, m.SetAccountStatus(ctx, acct.ID, protocol.StatusStarting))
	require.NoError(t, m.SetAccountStatus(ctx, acct.ID, protocol.StatusRunning))

	err := m.DeleteAccount(ctx, acct.ID)
	require.ErrorIs(t, err, store.ErrInstanceActive)

	require.NoError(t, m.SetAccountStatus(ctx, acct.ID, protocol.StatusStopRequested))
	require.NoError(t, m.SetAccountStatus(ctx, acct.ID, protocol.StatusStopped))
	require.NoError(t, m.DeleteAccount(ctx, acct.ID))

	_, err = m.GetAccount(ctx, acct.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStopQueueOrderedByRequestTime(t *testing.T) {
	ctx := context.Background()
	m := New()

	var ids []int64
	for i := 0; i < 3; i++ {
		a := &store.Account{Status: protocol.StatusPendingVPS}
		require.NoError(t, m.CreateAccount(ctx, a))
		require.NoError(t, m.SetAccountStatus(ctx, a.ID, protocol.StatusStarting))
		require.NoError(t, m.SetAccountStatus(ctx, a.ID, protocol.StatusRunning))
		ids = append(ids, a.ID)
	}

	// request stops in reverse creation order
	require.NoError(t, m.SetAccountStatus(ctx, ids[2], protocol.StatusStopRequested))
	require.NoError(t, m.SetAccountStatus(ctx, ids[0], protocol.StatusStopRequested))
	require.NoError(t, m.SetAccountStatus(ctx, ids[1], protocol.StatusStopRequested))

	stops, err := m.ListStopRequested(ctx)
	require.NoError(t, err)
	require.Len(t, stops, 3)
	require.Equal(t, []int64{ids[2], ids[0], ids[1]}, []int64{stops[0].ID, stops[1].ID, stops[2].ID})
}

func TestClosedHistoryInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := New()

	trade := &store.ClosedTrade{
		ChannelID: 7,
		Ticket:    1001,
		Profit:    decimal.RequireFromString("42"),
	}
	inserted, err := m.InsertClosedTradeIfAbsent(ctx, trade)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := &store.ClosedTrade{
		ChannelID: 7,
		Ticket:    1001,
		Profit:    decimal.RequireFromString("-1"),
	}
	inserted, err = m.InsertClosedTradeIfAbsent(ctx, dup)
	require.NoError(t, err)
	require.False(t, inserted)

	history, err := m.ListClosedTrades(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].Profit.Equal(decimal.RequireFromString("42")),
		"duplicate insert must not alter the original row")
}

func TestDeleteOpenTradesExcept(t *testing.T) {
	ctx := context.Background()
	m := New()

	for _, ticket := range []int64{1, 2, 3} {
		require.NoError(t, m.UpsertOpenTrade(ctx, &store.OpenTrade{ChannelID: 1, Ticket: ticket}))
	}

	require.NoError(t, m.DeleteOpenTradesExcept(ctx, 1, []int64{2}))

	open, err := m.ListOpenTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, int64(2), open[0].Ticket)

	// empty keep clears the set
	require.NoError(t, m.DeleteOpenTradesExcept(ctx, 1, nil))
	open, err = m.ListOpenTrades(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestOpenTradesOrderedByOpenTime(t *testing.T) {
	ctx := context.Background()
	m := New()

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, m.UpsertOpenTrade(ctx, &store.OpenTrade{ChannelID: 1, Ticket: 30, OpenTime: base.Add(2 * time.Hour)}))
	require.NoError(t, m.UpsertOpenTrade(ctx, &store.OpenTrade{ChannelID: 1, Ticket: 10, OpenTime: base}))
	require.NoError(t, m.UpsertOpenTrade(ctx, &store.OpenTrade{ChannelID: 1, Ticket: 20, OpenTime: base.Add(time.Hour)}))

	open, err := m.ListOpenTrades(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20, 30}, []int64{open[0].Ticket, open[1].Ticket, open[2].Ticket})
}

func TestHeartbeatNewestWins(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, err := m.LastHeartbeat(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	older := time.Now().Add(-time.Minute)
	newer := time.Now()
	require.NoError(t, m.RecordHeartbeat(ctx, "vps-1", older))
	require.NoError(t, m.RecordHeartbeat(ctx, "vps-2", newer))

	got, err := m.LastHeartbeat(ctx)
	require.NoError(t, err)
	require.True(t, got.Equal(newer))
}

func TestSubscriptionUpsertPreservesIdentity(t *testing.T) {
	ctx := context.Background()
	m := New()

	sub := &store.Subscription{ChannelID: 1, SubscriberID: "sub-a", State: store.SubPending}
	require.NoError(t, m.UpsertSubscription(ctx, sub))
	firstID := sub.ID

	again := &store.Subscription{ChannelID: 1, SubscriberID: "sub-a", State: store.SubApproved, LotMode: protocol.LotModeFixed}
	require.NoError(t, m.UpsertSubscription(ctx, again))
	require.Equal(t, firstID, again.ID)

	got, err := m.GetSubscription(ctx, 1, "sub-a")
	require.NoError(t, err)
	require.Equal(t, store.SubApproved, got.State)
	require.Equal(t, protocol.LotModeFixed, got.LotMode)
}

func TestSetSubscriptionStateMissing(t *testing.T) {
	m := New()
	err := m.SetSubscriptionState(context.Background(), 1, "ghost", store.SubApproved)
	require.True(t, errors.Is(err, store.ErrNotFound))
}
