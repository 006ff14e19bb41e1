package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to AccountStatus
		want     bool
	}{
		{StatusPendingVPS, StatusStarting, true},
		{StatusStarting, StatusRunning, true},
		{StatusRunning, StatusStopRequested, true},
		{StatusStopRequested, StatusStopped, true},
		{StatusStopped, StatusPendingVPS, true},
		{StatusError, StatusPendingVPS, true},
		// error is reachable from anywhere
		{StatusStarting, StatusError, true},
		{StatusRunning, StatusError, true},
		{StatusStopped, StatusError, true},
		// no automatic relaunch paths
		{StatusRunning, StatusStarting, false},
		{StatusStopped, StatusRunning, false},
		{StatusError, StatusRunning, false},
		{StatusStopRequested, StatusRunning, false},
	}

	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPushRequestRoundTrip(t *testing.T) {
	req := PushRequest{
		Code:      "ABC123",
		MasterKey: "k",
		Trades: []TradeState{{
			Ticket:    1,
			Symbol:    "EURUSD",
			Direction: "buy",
			Lots:      decimal.RequireFromString("0.10"),
			OpenPrice: decimal.RequireFromString("1.1050"),
			OpenTime:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		}},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got PushRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Code != "ABC123" || len(got.Trades) != 1 {
		t.Fatalf("unexpected round trip result: %+v", got)
	}
	if !got.Trades[0].Lots.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("lots = %s, want 0.1", got.Trades[0].Lots)
	}
}
