// Package trade provides the HTTP handlers for creating tokens, quoting and
// settling curve trades, funding accounts and reconciling payments.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/accounting"
	"github.com/airxtech/newfinal-sub000/internal/ledger"
	"github.com/airxtech/newfinal-sub000/internal/metrics"
	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/payment"
	"github.com/airxtech/newfinal-sub000/internal/quote"
	"github.com/airxtech/newfinal-sub000/internal/store"
	"github.com/airxtech/newfinal-sub000/internal/token"
)

// Service wires the engine components to HTTP.
type Service struct {
	store      store.Store
	quotes     *quote.Engine
	ledger     *ledger.Ledger
	tokens     *token.Service
	payments   *payment.Reconciler
	accounting *accounting.View

	// allowDeposits enables the direct credit endpoint (dev and test only).
	allowDeposits bool
}

// Deps are the components a Service serves.
type Deps struct {
	Store         store.Store
	Quotes        *quote.Engine
	Ledger        *ledger.Ledger
	Tokens        *token.Service
	Payments      *payment.Reconciler
	Accounting    *accounting.View
	AllowDeposits bool
}

// NewService creates a new trade service.
func NewService(d Deps) *Service {
	return &Service{
		store:         d.Store,
		quotes:        d.Quotes,
		ledger:        d.Ledger,
		tokens:        d.Tokens,
		payments:      d.Payments,
		accounting:    d.Accounting,
		allowDeposits: d.AllowDeposits,
	}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/tokens", s.CreateToken)
	r.Get("/tokens", s.ListTokens)
	r.Get("/tokens/{tokenID}", s.GetToken)
	r.Get("/tokens/{tokenID}/trades", s.GetTrades)
	r.Post("/tokens/{tokenID}/creation-fee", s.RenewCreationFee)

	r.Post("/quotes", s.CreateQuote)
	r.Post("/trades", s.ExecuteTrade)

	r.Get("/accounts/{userID}", s.GetAccount)
	r.Post("/accounts/{userID}/deposits", s.Deposit)

	r.Post("/payments", s.RequestPayment)
	r.Post("/payments/confirmations", s.ConfirmPayment)

	r.Get("/accounting", s.GetAccounting)
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /quotes.
type QuoteRequest struct {
	TokenID     string           `json:"token_id"`
	Direction   model.Direction  `json:"direction"`
	Amount      decimal.Decimal  `json:"amount"` // payment for BUY, tokens for SELL
	SlippagePct *decimal.Decimal `json:"slippage_tolerance_pct,omitempty"`
}

// TradeRequest is the JSON body for POST /trades. QuoteID names a quote
// issued by this server. A quote passed back inline is resolved by its id
// against the issued quotes; only the server's copy is ever settled.
type TradeRequest struct {
	UserID  string       `json:"user_id"`
	QuoteID string       `json:"quote_id,omitempty"`
	Quote   *model.Quote `json:"quote,omitempty"`
}

// AccountResponse is a user's balance and holdings.
type AccountResponse struct {
	Account  model.Account   `json:"account"`
	Holdings []model.Holding `json:"holdings"`
}

// DepositRequest is the JSON body for POST /accounts/{userID}/deposits.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`

	// Reference makes a retried deposit credit once.
	Reference string `json:"reference,omitempty"`
}

// PaymentRequest is the JSON body for POST /payments: buy tokens by paying
// the platform wallet off-platform.
type PaymentRequest struct {
	TokenID     string           `json:"token_id"`
	UserID      string           `json:"user_id"`
	Payer       string           `json:"payer"`
	Amount      decimal.Decimal  `json:"amount"` // payment sent, fee included
	SlippagePct *decimal.Decimal `json:"slippage_tolerance_pct,omitempty"`
}

// ConfirmationResponse reports how a pushed confirmation was applied.
type ConfirmationResponse struct {
	Payment   *model.PendingPayment `json:"payment"`
	Duplicate bool                  `json:"duplicate"`
}

// --- HTTP Handlers ---

// CreateToken handles POST /api/v1/tokens
func (s *Service) CreateToken(w http.ResponseWriter, r *http.Request) {
	var spec token.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := s.tokens.Create(r.Context(), spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// RenewCreationFee handles POST /api/v1/tokens/{tokenID}/creation-fee
// Returns the open fee request for an inactive token, or a new one.
func (s *Service) RenewCreationFee(w http.ResponseWriter, r *http.Request) {
	out, err := s.tokens.RenewCreationFee(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// ListTokens handles GET /api/v1/tokens
// Optional ?listed=true|false filter.
func (s *Service) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context())
	if err != nil {
		writeError(w, "failed to list tokens", http.StatusInternalServerError)
		return
	}

	if listed := r.URL.Query().Get("listed"); listed != "" {
		want := listed == "true"
		filtered := []model.Token{}
		for _, t := range tokens {
			if t.IsListed == want {
				filtered = append(filtered, t)
			}
		}
		tokens = filtered
	}
	if tokens == nil {
		tokens = []model.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// GetToken handles GET /api/v1/tokens/{tokenID}
func (s *Service) GetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.store.GetToken(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// GetTrades handles GET /api/v1/tokens/{tokenID}/trades
// Returns the token's ledger in append order.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	ctx := r.Context()

	if _, err := s.store.GetToken(ctx, tokenID); err != nil {
		writeDomainError(w, err)
		return
	}
	trades, err := s.store.ListTrades(ctx, tokenID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// CreateQuote handles POST /api/v1/quotes
func (s *Service) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := s.quotes.Quote(r.Context(), quote.Request{
		TokenID:     req.TokenID,
		Direction:   req.Direction,
		Amount:      req.Amount,
		SlippagePct: req.SlippagePct,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.QuotesIssued.WithLabelValues(string(q.Direction)).Inc()
	writeJSON(w, http.StatusOK, q)
}

// ExecuteTrade handles POST /api/v1/trades
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	id := req.QuoteID
	if id == "" && req.Quote != nil {
		id = req.Quote.ID
	}
	if id == "" {
		writeError(w, "quote_id or quote is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	q, err := s.quotes.Lookup(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := s.ledger.Settle(ctx, q, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	holdings, err := s.store.ListHoldings(ctx, userID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: *acct, Holdings: holdings})
}

// Deposit handles POST /api/v1/accounts/{userID}/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	if !s.allowDeposits {
		writeError(w, "direct deposits are disabled", http.StatusForbidden)
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var reference string
	if req.Reference != "" {
		reference = "dev:" + req.Reference
	}
	acct, err := s.ledger.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount, reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// RequestPayment handles POST /api/v1/payments
func (s *Service) RequestPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := s.store.GetToken(ctx, req.TokenID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !tok.Tradable() {
		if tok.IsListed {
			writeDomainError(w, model.ErrTokenListed)
		} else {
			writeDomainError(w, model.ErrTokenInactive)
		}
		return
	}

	slippage := decimal.NewFromInt(1)
	if req.SlippagePct != nil {
		slippage = *req.SlippagePct
	}
	p, err := s.payments.Request(ctx, payment.Intent{
		Kind:        model.PaymentExternalBuy,
		Amount:      req.Amount,
		Payer:       req.Payer,
		TokenID:     tok.ID,
		UserID:      req.UserID,
		SlippagePct: slippage,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ConfirmPayment handles POST /api/v1/payments/confirmations
// Re-delivered confirmations answer 200 with duplicate=true.
func (s *Service) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var obs payment.ObservedPayment
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.payments.Observe(r.Context(), obs)
	switch {
	case errors.Is(err, payment.ErrAlreadyApplied):
		writeJSON(w, http.StatusOK, ConfirmationResponse{Payment: p, Duplicate: true})
	case err != nil:
		writeDomainError(w, err)
	default:
		writeJSON(w, http.StatusOK, ConfirmationResponse{Payment: p})
	}
}

// GetAccounting handles GET /api/v1/accounting
func (s *Service) GetAccounting(w http.ResponseWriter, r *http.Request) {
	sum, err := s.accounting.Snapshot(r.Context())
	if err != nil {
		writeError(w, "failed to replay ledger", http.StatusInternalServerError)
		return
	}
	if sum.Tokens == nil {
		sum.Tokens = []accounting.TokenFigures{}
	}
	writeJSON(w, http.StatusOK, sum)
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidSlippage),
		errors.Is(err, model.ErrInvalidDirection),
		errors.Is(err, model.ErrInvalidUser),
		errors.Is(err, token.ErrInvalidTicker),
		errors.Is(err, token.ErrInvalidName),
		errors.Is(err, token.ErrInvalidCreator),
		errors.Is(err, token.ErrInvalidEconomics),
		errors.Is(err, payment.ErrInvalidIntent),
		errors.Is(err, payment.ErrInvalidObservation):
		return http.StatusBadRequest

	case errors.Is(err, model.ErrTokenNotFound),
		errors.Is(err, model.ErrQuoteNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, payment.ErrNoMatch):
		return http.StatusNotFound

	case errors.Is(err, model.ErrTokenListed),
		errors.Is(err, model.ErrTokenInactive),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientSupply),
		errors.Is(err, model.ErrQuoteExpired),
		errors.Is(err, model.ErrSlippageExceeded),
		errors.Is(err, token.ErrAlreadyActive),
		errors.Is(err, token.ErrActivationPending),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, model.ErrStorageConflict):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
