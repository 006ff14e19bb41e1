package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the desired/observed state of a tenant account's
// terminal instance, as tracked by the coordinator.
type AccountStatus string

const (
	// StatusPendingVPS means the account should be running but no agent
	// has confirmed a launch yet.
	StatusPendingVPS AccountStatus = "pending_vps"
	// StatusStarting means an agent has picked the account up and is
	// provisioning/launching its instance.
	StatusStarting AccountStatus = "starting"
	// StatusRunning means the agent confirmed the instance is up.
	StatusRunning AccountStatus = "running"
	// StatusStopRequested means a stop has been queued for the agent.
	StatusStopRequested AccountStatus = "stop_requested"
	// StatusStopped means the agent confirmed the instance is down.
	StatusStopped AccountStatus = "stopped"
	// StatusError is terminal until an explicit user-initiated restart.
	StatusError AccountStatus = "error"
)

// AccountRole distinguishes the channel publisher from its followers.
type AccountRole string

const (
	RoleMaster AccountRole = "master"
	RoleSlave  AccountRole = "slave"
)

// LotMode describes how a subscriber sizes copied positions.
type LotMode string

const (
	// LotModeFixed uses a constant lot size for every copied trade.
	LotModeFixed LotMode = "fixed"
	// LotModeMultiplier scales the master's lot size by a factor.
	LotModeMultiplier LotMode = "multiplier"
	// LotModeMirror copies the master's lot size unchanged.
	LotModeMirror LotMode = "mirror"
)

// ValidTransition reports whether an account status change is allowed by
// the control-plane state machine. Error is reachable from any state;
// error/stopped return to pending_vps only via an explicit restart.
func ValidTransition(from, to AccountStatus) bool {
	if to == StatusError {
		return true
	}
	switch from {
	case StatusPendingVPS:
		return to == StatusStarting || to == StatusRunning || to == StatusStopRequested
	case StatusStarting:
		return to == StatusRunning || to == StatusStopRequested
	case StatusRunning:
		return to == StatusStopRequested || to == StatusStopped
	case StatusStopRequested:
		return to == StatusStopped
	case StatusStopped, StatusError:
		return to == StatusPendingVPS
	}
	return false
}

// PendingAccount is one entry of the agent's launch queue. Credentials
// are decrypted by the coordinator before transport; they never leave the
// store in cleartext anywhere else.
type PendingAccount struct {
	ID           int64           `json:"id"`
	Login        string          `json:"login"`
	Password     string          `json:"password"`
	BrokerServer string          `json:"broker_server"`
	Role         AccountRole     `json:"role"`
	ChannelCode  string          `json:"channel_code"`
	MasterKey    string          `json:"master_key,omitempty"`
	LotMode      LotMode         `json:"lot_mode"`
	LotValue     decimal.Decimal `json:"lot_value"`
	PushURL      string          `json:"push_url"`
}

// PendingResponse is the body of GET /api/agent/pending.
type PendingResponse struct {
	Accounts []PendingAccount `json:"accounts"`
}

// StopAccount is one entry of the agent's stop queue.
type StopAccount struct {
	ID int64 `json:"id"`
}

// StopResponse is the body of GET /api/agent/stop-queue.
type StopResponse struct {
	Accounts []StopAccount `json:"accounts"`
}

// StatusReport is posted by the agent after every launch/stop/health
// observation; the coordinator overwrites the account status and bumps
// its last-active timestamp.
type StatusReport struct {
	AccountID int64         `json:"account_id"`
	Status    AccountStatus `json:"status"`
	Detail    string        `json:"detail,omitempty"`
}

// HeartbeatRequest is posted once per agent tick.
type HeartbeatRequest struct {
	Hostname string `json:"hostname,omitempty"`
}

// TradeState is a single open position within a push snapshot, and the
// element type returned by fetch. Mutable fields (lots, stop/target,
// floating profit) are overwritten wholesale on every push cycle.
type TradeState struct {
	Ticket     int64           `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Direction  string          `json:"direction"` // "buy" or "sell"
	Lots       decimal.Decimal `json:"lots"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	OpenTime   time.Time       `json:"open_time"`
	Profit     decimal.Decimal `json:"profit"`
}

// ClosedTrade reports a position closed since the previous push.
type ClosedTrade struct {
	Ticket     int64           `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Direction  string          `json:"direction"`
	Lots       decimal.Decimal `json:"lots"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	OpenTime   time.Time       `json:"open_time"`
	CloseTime  time.Time       `json:"close_time"`
	Profit     decimal.Decimal `json:"profit"`
}

// PushRequest is the master plugin's periodic snapshot submission,
// authenticated by the channel code + master key pair.
type PushRequest struct {
	Code      string        `json:"code"`
	MasterKey string        `json:"master_key"`
	Trades    []TradeState  `json:"trades"`
	Closed    []ClosedTrade `json:"closed"`
}

// FetchResponse is returned to slave plugins. Trades are ordered by open
// time ascending. Stale is set when the channel's last publish is older
// than the freshness window, even if trades are present.
type FetchResponse struct {
	Stale     bool         `json:"stale"`
	Timestamp time.Time    `json:"timestamp"`
	Trades    []TradeState `json:"trades"`
}

// ConnectedResponse reports agent liveness derived from heartbeat age.
type ConnectedResponse struct {
	Connected     bool       `json:"connected"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// ErrorResponse is the JSON error envelope for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}
