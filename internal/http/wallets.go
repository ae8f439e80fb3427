package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
)

type walletRequest struct {
	UserID string            `json:"userId"`
	Role   models.WalletRole `json:"role"`
	Amount float64           `json:"amount"`
}

func parseRole(r models.WalletRole) (models.WalletRole, error) {
	switch r {
	case "":
		return models.RolePassenger, nil
	case models.RoleDriver, models.RolePassenger, models.RoleAdmin:
		return r, nil
	}
	return "", errs.New(errs.Validation, "unknown wallet role %q", r)
}

func (req *walletRequest) validate() error {
	if req.UserID == "" {
		return errs.New(errs.Validation, "userId is required")
	}
	role, err := parseRole(req.Role)
	if err != nil {
		return err
	}
	req.Role = role
	if req.Amount <= 0 {
		return errs.New(errs.Validation, "amount must be positive")
	}
	return nil
}

func (s *Server) walletOp(w http.ResponseWriter, r *http.Request, op func(*walletRequest) (*models.Transaction, error)) {
	if s.Wallet == nil {
		s.fail(w, r, errs.New(errs.UpstreamService, "wallets are not configured"))
		return
	}
	var req walletRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	tx, err := op(&req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	s.walletOp(w, r, func(req *walletRequest) (*models.Transaction, error) {
		return s.Wallet.TopUp(r.Context(), req.UserID, req.Role, req.Amount)
	})
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	s.walletOp(w, r, func(req *walletRequest) (*models.Transaction, error) {
		return s.Wallet.Payout(r.Context(), req.UserID, req.Role, req.Amount)
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.Wallet == nil {
		s.fail(w, r, errs.New(errs.UpstreamService, "wallets are not configured"))
		return
	}
	vars := mux.Vars(r)
	role, err := parseRole(models.WalletRole(vars["role"]))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bal, err := s.Wallet.Balance(r.Context(), vars["user_id"], role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Wallet{UserID: vars["user_id"], Role: role, Balance: bal})
}

// handleTransaction lets a client poll a top-up or payout until the
// processor's webhook settles it.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if s.Wallet == nil {
		s.fail(w, r, errs.New(errs.UpstreamService, "wallets are not configured"))
		return
	}
	tx, err := s.Wallet.Transaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, ev payments.WebhookEvent) {
	res, err := s.Wallet.HandleWebhook(r.Context(), ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePaymentWebhook accepts the gateway-neutral confirmation shape.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Wallet == nil {
		s.fail(w, r, errs.New(errs.UpstreamService, "wallets are not configured"))
		return
	}
	var ev payments.WebhookEvent
	if err := decode(r, &ev); err != nil {
		s.fail(w, r, err)
		return
	}
	s.settle(w, r, ev)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Wallet == nil || s.Stripe == nil {
		s.fail(w, r, errs.New(errs.UpstreamService, "stripe webhooks are not configured"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, errs.New(errs.Validation, "read body: %v", err))
		return
	}
	ev, ok, err := s.Stripe.ParseStripeEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}
	s.settle(w, r, ev)
}
