// Package server is the thin HTTP surface over the engine. It does no game
// logic of its own: decode, call, encode, map errors.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PotLedger/internal/audit"
	"PotLedger/internal/deposit"
	"PotLedger/internal/engine"
	"PotLedger/internal/ledger"
	"PotLedger/internal/observability"
	"PotLedger/internal/prize"
	"PotLedger/internal/store"
)

// Server routes HTTP requests into the engine.
type Server struct {
	svc    *engine.Service
	health *observability.HealthChecker
	log    zerolog.Logger
}

func New(svc *engine.Service, health *observability.HealthChecker, log zerolog.Logger) *Server {
	return &Server{svc: svc, health: health, log: log}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/game/pulls", s.handleTriggerPull)
		r.Post("/game/deaths", s.handleDeath)
		r.Post("/game/cashouts", s.handleCashout)

		r.Post("/players/username", s.handleSetUsername)
		r.Get("/players/{address}/stats", s.handlePlayerStats)

		r.Post("/pool/join", s.handleJoinPool)
		r.Get("/pool", s.handleGetPool)
		r.Post("/pool/distribute", s.handleDistribute)
		r.Post("/pool/distributions/{id}/approve", s.handleApproveDistribution)

		r.Post("/wallet/deposits", s.handleDeposit)
		r.Post("/wallet/withdrawals", s.handleWithdraw)
		r.Post("/wallet/prizes/approve", s.handleApprovePrize)
		r.Get("/wallet/{address}/balance", s.handleGetBalance)

		r.Get("/leaderboard/{partition}", s.handleLeaderboard)
	})

	return r
}

type addressRequest struct {
	Address string `json:"address"`
}

type cashoutRequest struct {
	Address string `json:"address"`
	Streak  int64  `json:"streak"`
}

type usernameRequest struct {
	Address  string `json:"address"`
	Username string `json:"username"`
}

type depositRequest struct {
	Address  string `json:"address"`
	TxRef    string `json:"txRef"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type amountRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleTriggerPull(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.finish(w, s.svc.RecordTriggerPull(r.Context(), req.Address), nil)
}

func (s *Server) handleDeath(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.finish(w, s.svc.RecordDeath(r.Context(), req.Address), nil)
}

func (s *Server) handleCashout(w http.ResponseWriter, r *http.Request) {
	var req cashoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.finish(w, s.svc.RecordCashout(r.Context(), req.Address, req.Streak), nil)
}

func (s *Server) handleSetUsername(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.finish(w, s.svc.SetUsername(r.Context(), req.Address, req.Username), nil)
}

func (s *Server) handleJoinPool(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.finish(w, s.svc.JoinPrizePool(r.Context(), req.Address), nil)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	credited, err := s.svc.Deposit(r.Context(), req.Address, req.TxRef, amount, req.Currency)
	s.finish(w, err, map[string]interface{}{"credited": credited})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	requestID, err := s.svc.Withdraw(r.Context(), req.Address, amount)
	s.finish(w, err, map[string]interface{}{"requestId": requestID})
}

func (s *Server) handleApprovePrize(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	s.finish(w, s.svc.ApprovePendingPrize(r.Context(), req.Address, amount), nil)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	dist, err := s.svc.DistributePrizes(r.Context())
	s.finish(w, err, dist)
}

func (s *Server) handleApproveDistribution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid distribution id")
		return
	}
	var req addressRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.finish(w, s.svc.ApproveDistribution(r.Context(), id, req.Address), nil)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	partition := ledger.Partition(chi.URLParam(r, "partition"))
	res, err := s.svc.GetLeaderboard(r.Context(), partition)
	s.finish(w, err, res)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetBalance(r.Context(), chi.URLParam(r, "address"))
	s.finish(w, err, res)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetPrizePool(r.Context())
	s.finish(w, err, res)
}

func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetPlayerStats(r.Context(), chi.URLParam(r, "address"))
	s.finish(w, err, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) finish(w http.ResponseWriter, err error, body interface{}) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error().Err(err).Msg("request failed")
		}
		s.writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if body == nil {
		body = map[string]string{"status": "ok"}
	}
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientPending),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidPartition),
		errors.Is(err, engine.ErrInvalidUsername),
		errors.Is(err, deposit.ErrInvalidTxRef):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicateTransaction),
		errors.Is(err, store.ErrGuardRejected),
		errors.Is(err, prize.ErrNothingToDistribute):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, audit.ErrPayoutNotFound):
		return http.StatusNotFound
	case errors.Is(err, deposit.ErrTransactionNotFound),
		errors.Is(err, deposit.ErrTransactionPending),
		errors.Is(err, deposit.ErrTransactionReverted),
		errors.Is(err, deposit.ErrSenderMismatch),
		errors.Is(err, deposit.ErrRecipientMismatch),
		errors.Is(err, deposit.ErrTransferEventNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrBackendUnavailable),
		errors.Is(err, engine.ErrVerifierUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
