package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
)

func TestClientSendsSharedSecret(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Agent-Token")
		json.NewEncoder(w).Encode(protocol.PendingResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	_, err := c.Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s3cret", gotToken)
}

func TestClientPendingDecodesAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agent/pending", r.URL.Path)
		json.NewEncoder(w).Encode(protocol.PendingResponse{Accounts: []protocol.PendingAccount{
			{
				ID:           7,
				Login:        "12345",
				Password:     "hunter2",
				BrokerServer: "Broker-Demo",
				Role:         protocol.RoleSlave,
				ChannelCode:  "ABC123",
				LotMode:      protocol.LotModeFixed,
				LotValue:     decimal.RequireFromString("0.10"),
			},
		}})
	}))
	defer srv.Close()

	accounts, err := NewClient(srv.URL, "s").Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, int64(7), accounts[0].ID)
	require.Equal(t, "ABC123", accounts[0].ChannelCode)
	require.True(t, accounts[0].LotValue.Equal(decimal.RequireFromString("0.10")))
}

func TestClientReportStatusPostsJSON(t *testing.T) {
	var got protocol.StatusReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/agent/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "s").ReportStatus(context.Background(), protocol.StatusReport{
		AccountID: 7,
		Status:    protocol.StatusRunning,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), got.AccountID)
	require.Equal(t, protocol.StatusRunning, got.Status)
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "bad agent token"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "wrong").StopQueue(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
	require.Contains(t, err.Error(), "bad agent token")
}

func TestClientHeartbeat(t *testing.T) {
	var got protocol.HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agent/heartbeat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, "s").Heartbeat(context.Background(), "vps-01"))
	require.Equal(t, "vps-01", got.Hostname)
}
