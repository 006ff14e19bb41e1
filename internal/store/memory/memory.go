// Package memory implements store.Store with in-process maps. It backs
// tests and single-node development runs; the postgres implementation is
// the production store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/store"
)

// Memory is an in-memory store.Store.
type Memory struct {
	mu   sync.Mutex
	txMu sync.Mutex

	nextAccountID int64
	nextChannelID int64
	nextSubID     int64

	accounts      map[int64]store.Account
	channels      map[int64]store.Channel
	channelByCode map[string]int64
	openTrades    map[int64]map[int64]store.OpenTrade   // channel -> ticket
	closedTrades  map[int64]map[int64]store.ClosedTrade // channel -> ticket
	closedOrder   map[int64][]int64                     // channel -> tickets in insert order
	subs          map[int64]map[string]store.Subscription
	heartbeats    map[string]time.Time

	// statusSeq orders the stop queue by when stop was requested.
	statusSeq map[int64]int64
	seq       int64
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		accounts:      make(map[int64]store.Account),
		channels:      make(map[int64]store.Channel),
		channelByCode: make(map[string]int64),
		openTrades:    make(map[int64]map[int64]store.OpenTrade),
		closedTrades:  make(map[int64]map[int64]store.ClosedTrade),
		closedOrder:   make(map[int64][]int64),
		subs:          make(map[int64]map[string]store.Subscription),
		heartbeats:    make(map[string]time.Time),
		statusSeq:     make(map[int64]int64),
	}
}

var _ store.Store = (*Memory)(nil)

func (m *Memory) CreateAccount(_ context.Context, a *store.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == 0 {
		m.nextAccountID++
		a.ID = m.nextAccountID
	} else if a.ID > m.nextAccountID {
		m.nextAccountID = a.ID
	}
	if a.Status == "" {
		a.Status = protocol.StatusStopped
	}
	a.CreatedAt = time.Now()
	m.accounts[a.ID] = *a
	m.seq++
	m.statusSeq[a.ID] = m.seq
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id int64) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (m *Memory) DeleteAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	switch a.Status {
	case protocol.StatusStarting, protocol.StatusRunning, protocol.StatusStopRequested:
		return store.ErrInstanceActive
	}
	delete(m.accounts, id)
	delete(m.statusSeq, id)
	return nil
}

func (m *Memory) ListPending(_ context.Context) ([]store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Account
	for _, a := range m.accounts {
		if a.Status == protocol.StatusPendingVPS || a.Status == protocol.StatusStarting {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListStopRequested(_ context.Context) ([]store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Account
	for _, a := range m.accounts {
		if a.Status == protocol.StatusStopRequested {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.statusSeq[out[i].ID] < m.statusSeq[out[j].ID]
	})
	return out, nil
}

func (m *Memory) SetAccountStatus(_ context.Context, id int64, status protocol.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	if !protocol.ValidTransition(a.Status, status) {
		return store.ErrBadTransition
	}
	a.Status = status
	a.LastActiveAt = time.Now()
	a.UpdatedAt = a.LastActiveAt
	m.accounts[id] = a
	m.seq++
	m.statusSeq[id] = m.seq
	return nil
}

func (m *Memory) RecordHeartbeat(_ context.Context, hostname string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeats[hostname] = at
	return nil
}

func (m *Memory) LastHeartbeat(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest time.Time
	for _, at := range m.heartbeats {
		if at.After(newest) {
			newest = at
		}
	}
	if newest.IsZero() {
		return time.Time{}, store.ErrNotFound
	}
	return newest, nil
}

func (m *Memory) CreateChannel(_ context.Context, c *store.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == 0 {
		m.nextChannelID++
		c.ID = m.nextChannelID
	} else if c.ID > m.nextChannelID {
		m.nextChannelID = c.ID
	}
	c.CreatedAt = time.Now()
	m.channels[c.ID] = *c
	m.channelByCode[c.Code] = c.ID
	return nil
}

func (m *Memory) GetChannel(_ context.Context, id int64) (*store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *Memory) GetChannelByCode(_ context.Context, code string) (*store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.channelByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := m.channels[id]
	return &c, nil
}

func (m *Memory) TouchChannel(_ context.Context, channelID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[channelID]
	if !ok {
		return store.ErrNotFound
	}
	c.LastActiveAt = at
	m.channels[channelID] = c
	return nil
}

func (m *Memory) ListOpenTrades(_ context.Context, channelID int64) ([]store.OpenTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.OpenTrade
	for _, t := range m.openTrades[channelID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].Ticket < out[j].Ticket
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out, nil
}

func (m *Memory) UpsertOpenTrade(_ context.Context, t *store.OpenTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	trades, ok := m.openTrades[t.ChannelID]
	if !ok {
		trades = make(map[int64]store.OpenTrade)
		m.openTrades[t.ChannelID] = trades
	}
	t.UpdatedAt = time.Now()
	trades[t.Ticket] = *t
	return nil
}

func (m *Memory) DeleteOpenTrade(_ context.Context, channelID, ticket int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.openTrades[channelID], ticket)
	return nil
}

func (m *Memory) DeleteOpenTradesExcept(_ context.Context, channelID int64, keep []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keepSet := make(map[int64]struct{}, len(keep))
	for _, ticket := range keep {
		keepSet[ticket] = struct{}{}
	}
	for ticket := range m.openTrades[channelID] {
		if _, ok := keepSet[ticket]; !ok {
			delete(m.openTrades[channelID], ticket)
		}
	}
	return nil
}

func (m *Memory) InsertClosedTradeIfAbsent(_ context.Context, t *store.ClosedTrade) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trades, ok := m.closedTrades[t.ChannelID]
	if !ok {
		trades = make(map[int64]store.ClosedTrade)
		m.closedTrades[t.ChannelID] = trades
	}
	if _, exists := trades[t.Ticket]; exists {
		return false, nil
	}
	t.CreatedAt = time.Now()
	trades[t.Ticket] = *t
	m.closedOrder[t.ChannelID] = append(m.closedOrder[t.ChannelID], t.Ticket)
	return true, nil
}

func (m *Memory) ListClosedTrades(_ context.Context, channelID int64) ([]store.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.ClosedTrade
	for _, ticket := range m.closedOrder[channelID] {
		out = append(out, m.closedTrades[channelID][ticket])
	}
	return out, nil
}

func (m *Memory) GetSubscription(_ context.Context, channelID int64, subscriberID string) (*store.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[channelID][subscriberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (m *Memory) UpsertSubscription(_ context.Context, s *store.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subs[s.ChannelID]
	if !ok {
		subs = make(map[string]store.Subscription)
		m.subs[s.ChannelID] = subs
	}
	if existing, ok := subs[s.SubscriberID]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	} else {
		m.nextSubID++
		s.ID = m.nextSubID
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	subs[s.SubscriberID] = *s
	return nil
}

func (m *Memory) SetSubscriptionState(_ context.Context, channelID int64, subscriberID string, state store.SubscriptionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[channelID][subscriberID]
	if !ok {
		return store.ErrNotFound
	}
	s.State = state
	s.UpdatedAt = time.Now()
	m.subs[channelID][subscriberID] = s
	return nil
}

// Transact serializes against other transactions. Unlike the postgres
// store it cannot roll back fn's writes on error; callers validate
// before mutating.
func (m *Memory) Transact(_ context.Context, fn func(store.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}
