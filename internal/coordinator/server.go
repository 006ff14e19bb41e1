// Package coordinator is the durable side of the control plane: it
// serves the agent polling API, the master push and slave fetch
// endpoints, and the account/channel administration surface.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/recon"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/secret"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/store"
)

const tokenHeader = "X-Agent-Token"

// Options configures the coordinator server.
type Options struct {
	// AgentSecret authenticates agents on /api/agent/* routes.
	AgentSecret string
	// PushBaseURL is handed to master plugins as their publish target.
	PushBaseURL string
	// HeartbeatWindow bounds how old the newest agent heartbeat may be
	// for the agent to count as connected.
	HeartbeatWindow time.Duration
}

// Server routes coordinator HTTP traffic. Construct with New; the zero
// value is not usable.
type Server struct {
	store  store.Store
	engine *recon.Engine
	cipher secret.Cipher
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	mux    *http.ServeMux
}

// New builds the server and its route table.
func New(st store.Store, engine *recon.Engine, cipher secret.Cipher, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		store:  st,
		engine: engine,
		cipher: cipher,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}

	mux := http.NewServeMux()

	// Agent control plane, shared-secret auth.
	mux.Handle("GET /api/agent/pending", s.agentAuth(s.handlePending))
	mux.Handle("GET /api/agent/stop-queue", s.agentAuth(s.handleStopQueue))
	mux.Handle("POST /api/agent/status", s.agentAuth(s.handleStatus))
	mux.Handle("POST /api/agent/heartbeat", s.agentAuth(s.handleHeartbeat))
	mux.Handle("GET /api/agent/connected", s.agentAuth(s.handleConnected))

	// Plugin traffic, authenticated by channel keys.
	mux.HandleFunc("POST /api/master/push", s.handlePush)
	mux.HandleFunc("GET /api/slave/fetch/{code}", s.handleFetch)
	mux.HandleFunc("POST /api/slave/subscribe/{code}", s.handleSubscribe)

	// Subscription owner actions, master-key auth.
	mux.HandleFunc("POST /api/channels/{code}/subscriptions/{subscriber}/approve", s.ownerAction(s.engine.Approve))
	mux.HandleFunc("POST /api/channels/{code}/subscriptions/{subscriber}/reject", s.ownerAction(s.engine.Reject))
	mux.HandleFunc("POST /api/channels/{code}/subscriptions/{subscriber}/revoke", s.ownerAction(s.engine.Revoke))

	// Administration.
	mux.HandleFunc("POST /api/accounts", s.handleCreateAccount)
	mux.HandleFunc("POST /api/accounts/{id}/stop", s.handleStopAccount)
	mux.HandleFunc("POST /api/accounts/{id}/restart", s.handleRestartAccount)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /api/channels", s.handleCreateChannel)

	s.mux = mux
	return s
}

// SetClock overrides the server's time source. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on addr until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("coordinator listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("coordinator shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) agentAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tokenHeader) != s.opts.AgentSecret {
			writeError(w, http.StatusUnauthorized, "bad agent token")
			return
		}
		next(w, r)
	})
}

// Agent control plane.

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListPending(r.Context())
	if err != nil {
		s.internalError(w, "listing pending accounts", err)
		return
	}

	resp := protocol.PendingResponse{Accounts: make([]protocol.PendingAccount, 0, len(accounts))}
	for _, a := range accounts {
		p, err := s.pendingAccount(r.Context(), a)
		if err != nil {
			// One broken account must not starve the rest of the queue.
			s.logger.Error("skipping pending account", "account", a.ID, "error", err)
			continue
		}
		resp.Accounts = append(resp.Accounts, p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// pendingAccount assembles the launch payload: decrypted credentials
// plus the channel binding the plugin needs.
func (s *Server) pendingAccount(ctx context.Context, a store.Account) (protocol.PendingAccount, error) {
	login, err := s.cipher.Decrypt(a.EncryptedLogin)
	if err != nil {
		return protocol.PendingAccount{}, fmt.Errorf("decrypting login: %w", err)
	}
	password, err := s.cipher.Decrypt(a.EncryptedPassword)
	if err != nil {
		return protocol.PendingAccount{}, fmt.Errorf("decrypting password: %w", err)
	}
	ch, err := s.store.GetChannel(ctx, a.ChannelID)
	if err != nil {
		return protocol.PendingAccount{}, fmt.Errorf("loading channel %d: %w", a.ChannelID, err)
	}

	p := protocol.PendingAccount{
		ID:           a.ID,
		Login:        login,
		Password:     password,
		BrokerServer: a.BrokerServer,
		Role:         a.Role,
		ChannelCode:  ch.Code,
		LotMode:      a.LotMode,
		LotValue:     a.LotValue,
		PushURL:      s.opts.PushBaseURL,
	}
	if a.Role == protocol.RoleMaster {
		p.MasterKey = ch.MasterKey
	}
	return p, nil
}

func (s *Server) handleStopQueue(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListStopRequested(r.Context())
	if err != nil {
		s.internalError(w, "listing stop queue", err)
		return
	}
	resp := protocol.StopResponse{Accounts: make([]protocol.StopAccount, 0, len(accounts))}
	for _, a := range accounts {
		resp.Accounts = append(resp.Accounts, protocol.StopAccount{ID: a.ID})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var report protocol.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "malformed status report")
		return
	}
	if err := s.store.SetAccountStatus(r.Context(), report.AccountID, report.Status); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("status reported",
		"account", report.AccountID, "status", report.Status, "detail", report.Detail)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat")
		return
	}
	if err := s.store.RecordHeartbeat(r.Context(), hb.Hostname, s.now()); err != nil {
		s.internalError(w, "recording heartbeat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request) {
	last, err := s.store.LastHeartbeat(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, protocol.ConnectedResponse{Connected: false})
		return
	}
	if err != nil {
		s.internalError(w, "reading heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConnectedResponse{
		Connected:     s.now().Sub(last) < s.opts.HeartbeatWindow,
		LastHeartbeat: &last,
	})
}

// Plugin traffic.

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed push payload")
		return
	}
	if err := s.engine.ApplyPush(r.Context(), req); err != nil {
		s.reconError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		writeError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}
	lotMode := protocol.LotMode(r.URL.Query().Get("lot_mode"))
	if lotMode == "" {
		lotMode = protocol.LotModeMirror
	}

	resp, err := s.engine.Fetch(r.Context(), code, subscriberID, lotMode)
	if err != nil {
		s.reconError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		writeError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}
	lotMode := protocol.LotMode(r.URL.Query().Get("lot_mode"))
	if lotMode == "" {
		lotMode = protocol.LotModeMirror
	}

	state, err := s.engine.Subscribe(r.Context(), code, subscriberID, lotMode)
	if err != nil {
		s.reconError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

// ownerAction wraps a subscription state change with master-key auth.
func (s *Server) ownerAction(action func(ctx context.Context, code, subscriberID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.PathValue("code")
		ch, err := s.store.GetChannelByCode(r.Context(), code)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "channel not found")
			return
		}
		if err != nil {
			s.internalError(w, "loading channel", err)
			return
		}
		if r.URL.Query().Get("master_key") != ch.MasterKey {
			writeError(w, http.StatusUnauthorized, "invalid master key")
			return
		}

		if err := action(r.Context(), code, r.PathValue("subscriber")); err != nil {
			s.reconError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Administration.

type createAccountRequest struct {
	Login        string               `json:"login"`
	Password     string               `json:"password"`
	BrokerServer string               `json:"broker_server"`
	Role         protocol.AccountRole `json:"role"`
	ChannelCode  string               `json:"channel_code"`
	LotMode      protocol.LotMode     `json:"lot_mode"`
	LotValue     decimal.Decimal      `json:"lot_value"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed account payload")
		return
	}
	if req.Login == "" || req.Password == "" || req.BrokerServer == "" {
		writeError(w, http.StatusBadRequest, "login, password and broker_server are required")
		return
	}
	if req.Role != protocol.RoleMaster && req.Role != protocol.RoleSlave {
		writeError(w, http.StatusBadRequest, "role must be master or slave")
		return
	}

	ch, err := s.store.GetChannelByCode(r.Context(), req.ChannelCode)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		s.internalError(w, "loading channel", err)
		return
	}

	login, err := s.cipher.Encrypt(req.Login)
	if err != nil {
		s.internalError(w, "encrypting credentials", err)
		return
	}
	password, err := s.cipher.Encrypt(req.Password)
	if err != nil {
		s.internalError(w, "encrypting credentials", err)
		return
	}

	lotMode := req.LotMode
	if lotMode == "" {
		lotMode = protocol.LotModeMirror
	}
	acct := &store.Account{
		EncryptedLogin:    login,
		EncryptedPassword: password,
		BrokerServer:      req.BrokerServer,
		Role:              req.Role,
		ChannelID:         ch.ID,
		LotMode:           lotMode,
		LotValue:          req.LotValue,
		Status:            protocol.StatusPendingVPS,
	}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		s.internalError(w, "creating account", err)
		return
	}
	s.logger.Info("account linked", "account", acct.ID, "channel", ch.Code, "role", acct.Role)
	writeJSON(w, http.StatusCreated, map[string]int64{"id": acct.ID})
}

func (s *Server) handleStopAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.SetAccountStatus(r.Context(), id, protocol.StatusStopRequested); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("stop queued", "account", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRestartAccount re-queues an errored or stopped account. The
// state machine rejects every other starting state, so there is no way
// to turn this into an automatic retry path.
func (s *Server) handleRestartAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.SetAccountStatus(r.Context(), id, protocol.StatusPendingVPS); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("account restart requested", "account", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("account unlinked", "account", id)
	w.WriteHeader(http.StatusNoContent)
}

type createChannelRequest struct {
	Code            string `json:"code"`
	Name            string `json:"name"`
	MasterKey       string `json:"master_key"`
	RequireApproval bool   `json:"require_approval"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed channel payload")
		return
	}
	if req.Code == "" || req.MasterKey == "" {
		writeError(w, http.StatusBadRequest, "code and master_key are required")
		return
	}

	ch := &store.Channel{
		Code:            req.Code,
		Name:            req.Name,
		MasterKey:       req.MasterKey,
		RequireApproval: req.RequireApproval,
	}
	if err := s.store.CreateChannel(r.Context(), ch); err != nil {
		s.internalError(w, "creating channel", err)
		return
	}
	s.logger.Info("channel created", "channel", ch.Code)
	writeJSON(w, http.StatusCreated, map[string]int64{"id": ch.ID})
}

// Error mapping and JSON plumbing.

func (s *Server) reconError(w http.ResponseWriter, err error) {
	var gate *recon.GateError
	switch {
	case errors.Is(err, recon.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "channel not found")
	case errors.Is(err, recon.ErrBadMasterKey):
		writeError(w, http.StatusUnauthorized, "invalid master key")
	case errors.Is(err, recon.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recon.ErrNotSubscribed):
		writeError(w, http.StatusForbidden, "not subscribed")
	case errors.As(err, &gate):
		writeError(w, http.StatusForbidden, gate.Error())
	case errors.Is(err, recon.ErrBadSubscriptionState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	default:
		s.internalError(w, "reconciliation failed", err)
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, store.ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInstanceActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, "store operation failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
