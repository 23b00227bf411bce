package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/accounting"
	"github.com/airxtech/newfinal-sub000/internal/ledger"
	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/payment"
	"github.com/airxtech/newfinal-sub000/internal/quote"
	"github.com/airxtech/newfinal-sub000/internal/store"
	"github.com/airxtech/newfinal-sub000/internal/token"
	"github.com/airxtech/newfinal-sub000/internal/trade"
)

const wallet = "0xWallet"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, allowDeposits bool) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()

	engine := quote.NewEngine(ms, quote.DefaultConfig(), quote.WithBook(quote.NewMemoryBook()))
	l := ledger.New(ms, ledger.DefaultConfig())

	pcfg := payment.DefaultConfig()
	pcfg.Recipient = wallet
	rec := payment.NewReconciler(pcfg, ms, engine, l)

	svc := trade.NewService(trade.Deps{
		Store:         ms,
		Quotes:        engine,
		Ledger:        l,
		Tokens:        token.NewService(ms, rec, token.DefaultDefaults()),
		Payments:      rec,
		Accounting:    accounting.NewView(ms, decimal.Zero),
		AllowDeposits: allowDeposits,
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r
}

// seedToken creates an active token on the default curve directly in the store.
func seedToken(t *testing.T, ms *store.MemoryStore, id, ticker string) *model.Token {
	t.Helper()
	tok := &model.Token{
		ID:            id,
		Ticker:        ticker,
		Name:          ticker,
		CreatorID:     "creator",
		TotalSupply:   d("300000000"),
		InitialPrice:  d("0.00001"),
		FinalPrice:    d("0.0001"),
		FundingTarget: d("9967.058359680"),
		CurrentPrice:  d("0.00001"),
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := ms.CreateToken(context.Background(), tok); err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}
	return tok
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func requestQuote(t *testing.T, router chi.Router, tokenID string, dir model.Direction, amount string) *model.Quote {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/quotes", trade.QuoteRequest{TokenID: tokenID, Direction: dir, Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("quote: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q model.Quote
	decode(t, w, &q)
	return &q
}

func deposit(t *testing.T, router chi.Router, user, amount string) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/accounts/"+user+"/deposits", trade.DepositRequest{Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Token creation ---

func TestCreateToken_ActivatesOnFeePayment(t *testing.T) {
	_, router := newTestEnv(t, true)

	w := do(t, router, "POST", "/api/v1/tokens", token.Spec{Ticker: "pepe", Name: "Pepe", CreatorID: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created token.Created
	decode(t, w, &created)
	if created.Token.Ticker != "PEPE" || created.Token.Active {
		t.Fatalf("expected inactive PEPE, got %+v", created.Token)
	}
	if created.Payment == nil || created.Payment.Recipient != wallet {
		t.Fatalf("expected creation fee payment to %s, got %+v", wallet, created.Payment)
	}

	// Inactive tokens cannot be quoted.
	w = do(t, router, "POST", "/api/v1/quotes", trade.QuoteRequest{TokenID: created.Token.ID, Direction: model.Buy, Amount: d("1")})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for inactive token, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/payments/confirmations", payment.ObservedPayment{
		ExternalPaymentID: "tx-1",
		Payer:             "0xalice",
		Recipient:         wallet,
		Amount:            created.Payment.ExpectedAmount,
		ConfirmedAt:       time.Now().UTC(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	requestQuote(t, router, created.Token.ID, model.Buy, "1")
}

func TestCreateToken_RenewCreationFee(t *testing.T) {
	_, router := newTestEnv(t, true)

	w := do(t, router, "POST", "/api/v1/tokens", token.Spec{Ticker: "WIF", Name: "Wif", CreatorID: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created token.Created
	decode(t, w, &created)
	path := "/api/v1/tokens/" + created.Token.ID + "/creation-fee"

	w = do(t, router, "POST", path, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("renew: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var renewed token.Created
	decode(t, w, &renewed)
	if renewed.Payment == nil || renewed.Payment.ID != created.Payment.ID {
		t.Errorf("expected the open fee request %s, got %+v", created.Payment.ID, renewed.Payment)
	}

	w = do(t, router, "POST", "/api/v1/payments/confirmations", payment.ObservedPayment{
		ExternalPaymentID: "tx-fee",
		Recipient:         wallet,
		Amount:            created.Payment.ExpectedAmount,
		ConfirmedAt:       time.Now().UTC(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w = do(t, router, "POST", path, nil); w.Code != http.StatusConflict {
		t.Errorf("active token: expected 409, got %d", w.Code)
	}
	if w = do(t, router, "POST", "/api/v1/tokens/tok-404/creation-fee", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown token: expected 404, got %d", w.Code)
	}
}

func TestCreateToken_Rejects(t *testing.T) {
	_, router := newTestEnv(t, true)

	w := do(t, router, "POST", "/api/v1/tokens", token.Spec{Ticker: "PE-PE", Name: "Pepe", CreatorID: "alice"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad ticker: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/tokens", token.Spec{Ticker: "PEPE", Name: "Pepe", CreatorID: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/tokens", token.Spec{Ticker: "PEPE", Name: "Again", CreatorID: "bob"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate ticker: expected 409, got %d", w.Code)
	}
}

// --- Quote and trade ---

func TestQuoteAndTrade_Buy(t *testing.T) {
	ms, router := newTestEnv(t, true)
	seedToken(t, ms, "tok-1", "PEPE")
	deposit(t, router, "user1", "100")

	q := requestQuote(t, router, "tok-1", model.Buy, "10")
	if !q.TokenAmount.Equal(d("996181")) {
		t.Errorf("expected 996181 tokens, got %s", q.TokenAmount)
	}
	if !q.Total.Equal(d("10.1")) {
		t.Errorf("expected total 10.1, got %s", q.Total)
	}

	w := do(t, router, "POST", "/api/v1/trades", trade.TradeRequest{UserID: "user1", QuoteID: q.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ledger.Result
	decode(t, w, &res)
	if res.Trade.ID == "" {
		t.Error("expected non-empty trade id")
	}
	if !res.Holding.Balance.Equal(d("996181")) {
		t.Errorf("expected holding 996181, got %s", res.Holding.Balance)
	}
	if !res.Account.Balance.Equal(d("89.9")) {
		t.Errorf("expected balance 89.9, got %s", res.Account.Balance)
	}
	if res.Token.CurrentPrice.LessThanOrEqual(d("0.00001")) {
		t.Errorf("price should rise after a buy, got %s", res.Token.CurrentPrice)
	}

	// Account, ledger and accounting reflect the trade.
	w = do(t, router, "GET", "/api/v1/accounts/user1", nil)
	var acct trade.AccountResponse
	decode(t, w, &acct)
	if len(acct.Holdings) != 1 || !acct.Account.Balance.Equal(d("89.9")) {
		t.Errorf("unexpected account %+v", acct)
	}

	w = do(t, router, "GET", "/api/v1/tokens/tok-1/trades", nil)
	var trades []model.TradeRecord
	decode(t, w, &trades)
	if len(trades) != 1 || trades[0].Direction != model.Buy {
		t.Errorf("expected one BUY trade, got %+v", trades)
	}

	w = do(t, router, "GET", "/api/v1/accounting", nil)
	var sum accounting.Summary
	decode(t, w, &sum)
	if !sum.TotalEscrow.Equal(d("10")) || !sum.FeeRevenue.Equal(d("0.1")) {
		t.Errorf("expected escrow 10 and fees 0.1, got %s and %s", sum.TotalEscrow, sum.FeeRevenue)
	}
}

func TestTrade_SellInlineQuote(t *testing.T) {
	ms, router := newTestEnv(t, true)
	seedToken(t, ms, "tok-1", "PEPE")
	deposit(t, router, "user1", "100")

	buy := requestQuote(t, router, "tok-1", model.Buy, "10")
	if w := do(t, router, "POST", "/api/v1/trades", trade.TradeRequest{UserID: "user1", QuoteID: buy.ID}); w.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	sell := requestQuote(t, router, "tok-1", model.Sell, "996181")
	w := do(t, router, "POST", "/api/v1/trades", trade.TradeRequest{UserID: "user1", Quote: sell})
	if w.Code != http.StatusOK {
		t.Fatalf("sell: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ledger.Result
	decode(t, w, &res)
	if !res.Holding.Balance.IsZero() {
		t.Errorf("expected empty holding, got %s", res.Holding.Balance)
	}
	if !res.Token.CumulativeSold.IsZero() {
		t.Errorf("expected supply back at zero, got %s", res.Token.CumulativeSold)
	}
	// Paid 10.1, got back the curve payout less 1%.
	if res.Account.Balance.GreaterThanOrEqual(d("100")) {
		t.Errorf("round trip should cost fees, balance %s", res.Account.Balance)
	}
}

func TestTrade_Errors(t *testing.T) {
	ms, router := newTestEnv(t, true)
	seedToken(t, ms, "tok-1", "PEPE")
	q := requestQuote(t, router, "tok-1", model.Buy, "10")

	tests := []struct {
		name string
		req  trade.TradeRequest
		want int
	}{
		{"missing user", trade.TradeRequest{QuoteID: q.ID}, http.StatusBadRequest},
		{"missing quote", trade.TradeRequest{UserID: "user1"}, http.StatusBadRequest},
		{"unknown quote", trade.TradeRequest{UserID: "user1", QuoteID: "nope"}, http.StatusNotFound},
		{"unfunded", trade.TradeRequest{UserID: "user1", QuoteID: q.ID}, http.StatusConflict},
	}
	for _, tt := range tests {
		w := do(t, router, "POST", "/api/v1/trades", tt.req)
		if w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d: %s", tt.name, tt.want, w.Code, w.Body.String())
		}
	}

	deposit(t, router, "user1", "100")

	unissued := *q
	unissued.ID = "not-issued-here"
	w := do(t, router, "POST", "/api/v1/trades", trade.TradeRequest{UserID: "user1", Quote: &unissued})
	if w.Code != http.StatusNotFound {
		t.Errorf("unissued inline quote: expected 404, got %d", w.Code)
	}
}

func TestTrade_InlineQuoteFieldsIgnored(t *testing.T) {
	ms, router := newTestEnv(t, true)
	seedToken(t, ms, "tok-1", "PEPE")
	deposit(t, router, "user1", "100")
	q := requestQuote(t, router, "tok-1", model.Buy, "10")

	forged := *q
	forged.IssuedAt = time.Now().Add(-24 * time.Hour)
	forged.ExpiresAt = time.Now().Add(365 * 24 * time.Hour)
	forged.SlippagePct = d("250")
	forged.TokenAmount = d("50000000")
	w := do(t, router, "POST", "/api/v1/trades", trade.TradeRequest{UserID: "user1", Quote: &forged})
	if w.Code != http.StatusOK {
		t.Fatalf("expected the issued quote to settle, got %d: %s", w.Code, w.Body.String())
	}
	var res ledger.Result
	decode(t, w, &res)
	if !res.Holding.Balance.Equal(d("996181")) {
		t.Errorf("expected the issued 996181 tokens, got %s", res.Holding.Balance)
	}
	if !res.Account.Balance.Equal(d("89.9")) {
		t.Errorf("expected balance 89.9, got %s", res.Account.Balance)
	}
}

func TestQuote_Validation(t *testing.T) {
	ms, router := newTestEnv(t, true)
	seedToken(t, ms, "tok-1", "PEPE")

	tests := []struct {
		name string
		req  trade.QuoteRequest
		want int
	}{
		{"zero amount", trade.QuoteRequest{TokenID: "tok-1", Direction: model.Buy, Amount: decimal.Zero}, http.StatusBadRequest},
		{"bad direction", trade.QuoteRequest{TokenID: "tok-1", Direction: "HOLD", Amount: d("1")}, http.StatusBadRequest},
		{"unknown token", trade.QuoteRequest{TokenID: "tok-x", Direction: model.Buy, Amount: d("1")}, http.StatusNotFound},
		{"sell beyond supply", trade.QuoteRequest{TokenID: "tok-1", Direction: model.Sell, Amount: d("5")}, http.StatusConflict},
		{"buy beyond curve", trade.QuoteRequest{TokenID: "tok-1", Direction: model.Buy, Amount: d("20000")}, http.StatusConflict},
	}
	for _, tt := range tests {
		w := do(t, router, "POST", "/api/v1/quotes", tt.req)
		if w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d: %s", tt.name, tt.want, w.Code, w.Body.String())
		}
	}

	httpReq := httptest.NewRequest("POST", "/api/v1/quotes", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httpReq)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
}

// --- Accounts and payments ---

func TestDeposit_Disabled(t *testing.T) {
	_, router := newTestEnv(t, false)

	w := do(t, router, "POST", "/api/v1/accounts/user1/deposits", trade.DepositRequest{Amount: d("100")})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestDeposit_ReferenceCreditsOnce(t *testing.T) {
	_, router := newTestEnv(t, true)

	req := trade.DepositRequest{Amount: d("100"), Reference: "topup-1"}
	if w := do(t, router, "POST", "/api/v1/accounts/user1/deposits", req); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, router, "POST", "/api/v1/accounts/user1/deposits", req); w.Code != http.StatusConflict {
		t.Errorf("repeated reference: expected 409, got %d", w.Code)
	}

	w := do(t, router, "GET", "/api/v1/accounts/user1", nil)
	var acct trade.AccountResponse
	decode(t, w, &acct)
	if !acct.Account.Balance.Equal(d("100")) {
		t.Errorf("expected balance 100, got %s", acct.Account.Balance)
	}
}

func TestGetAccount_Unknown(t *testing.T) {
	_, router := newTestEnv(t, true)

	w := do(t, router, "GET", "/api/v1/accounts/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var acct trade.AccountResponse
	decode(t, w, &acct)
	if !acct.Account.Balance.IsZero() || len(acct.Holdings) != 0 {
		t.Errorf("expected empty account, got %+v", acct)
	}
}

func TestExternalBuy_ConfirmedOnce(t *testing.T) {
	ms, router := newTestEnv(t, true)
	seedToken(t, ms, "tok-1", "PEPE")

	w := do(t, router, "POST", "/api/v1/payments", trade.PaymentRequest{TokenID: "tok-1", UserID: "user1", Amount: d("10.1")})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	obs := payment.ObservedPayment{
		ExternalPaymentID: "tx-9",
		Recipient:         wallet,
		Amount:            d("10.1"),
		ConfirmedAt:       time.Now().UTC(),
	}
	for i, wantDup := range []bool{false, true} {
		w = do(t, router, "POST", "/api/v1/payments/confirmations", obs)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
		var resp trade.ConfirmationResponse
		decode(t, w, &resp)
		if resp.Duplicate != wantDup {
			t.Errorf("delivery %d: expected duplicate=%v", i, wantDup)
		}
	}

	trades, _ := ms.ListTrades(context.Background(), "tok-1")
	if len(trades) != 1 {
		t.Fatalf("expected exactly one settlement, got %d", len(trades))
	}

	obs.ExternalPaymentID = "tx-10"
	w = do(t, router, "POST", "/api/v1/payments/confirmations", obs)
	if w.Code != http.StatusNotFound {
		t.Errorf("unmatched payment: expected 404, got %d", w.Code)
	}
}

func TestListTokens_ListedFilter(t *testing.T) {
	ms, router := newTestEnv(t, true)
	seedToken(t, ms, "tok-1", "AAA")
	seedToken(t, ms, "tok-2", "BBB")

	w := do(t, router, "GET", "/api/v1/tokens", nil)
	var all []model.Token
	decode(t, w, &all)
	if len(all) != 2 {
		t.Errorf("expected 2 tokens, got %d", len(all))
	}

	w = do(t, router, "GET", "/api/v1/tokens?listed=true", nil)
	var listed []model.Token
	decode(t, w, &listed)
	if len(listed) != 0 {
		t.Errorf("expected no listed tokens, got %d", len(listed))
	}

	w = do(t, router, "GET", "/api/v1/tokens/tok-404", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
