// Package payment reconciles externally settled payments against the
// platform's pending payment intents and triggers what they pay for.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/curve"
	"github.com/airxtech/newfinal-sub000/internal/ledger"
	"github.com/airxtech/newfinal-sub000/internal/metrics"
	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/quote"
	"github.com/airxtech/newfinal-sub000/internal/store"
)

var (
	ErrInvalidIntent      = errors.New("payment: invalid payment intent")
	ErrInvalidObservation = errors.New("payment: observed payment needs an id, a recipient and a positive amount")
	ErrNoMatch            = errors.New("payment: no pending payment matches")
	ErrAlreadyApplied     = errors.New("payment: external payment already applied")
	ErrAlreadyRunning     = errors.New("payment: reconciler already running")
)

// Config holds the reconciliation knobs.
type Config struct {
	// Recipient is the platform wallet every payment must be sent to.
	Recipient       string
	PaymentTTL      time.Duration
	AmountTolerance decimal.Decimal
	RecencyWindow   time.Duration
	ClockSkew       time.Duration

	PollInterval time.Duration
	CycleTimeout time.Duration
	BackoffCap   time.Duration
	Workers      int

	// ActionTimeout bounds one payment action. Actions run detached from
	// the caller's context so a canceled cycle or request cannot strand a
	// confirmed payment half applied.
	ActionTimeout time.Duration
}

// DefaultConfig returns a 30 minute payment window matched within a
// 10 minute recency window.
func DefaultConfig() Config {
	return Config{
		PaymentTTL:      30 * time.Minute,
		AmountTolerance: decimal.New(1, -6),
		RecencyWindow:   10 * time.Minute,
		ClockSkew:       30 * time.Second,
		PollInterval:    15 * time.Second,
		CycleTimeout:    30 * time.Second,
		BackoffCap:      5 * time.Minute,
		Workers:         4,
		ActionTimeout:   30 * time.Second,
	}
}

// Intent asks the platform to wait for a payment.
type Intent struct {
	Kind        model.PaymentKind
	Amount      decimal.Decimal
	Payer       string
	TokenID     string
	UserID      string
	SlippagePct decimal.Decimal // EXTERNAL_BUY only
}

// ObservedPayment is a confirmed transfer reported by the payment source.
type ObservedPayment struct {
	ExternalPaymentID string          `json:"external_payment_id"`
	Payer             string          `json:"payer"`
	Recipient         string          `json:"recipient"`
	Amount            decimal.Decimal `json:"amount"`
	ConfirmedAt       time.Time       `json:"confirmed_at"`
}

// Quoter prices the buy an external payment pays for.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (*model.Quote, error)
	FeeRate() decimal.Decimal
}

// Ledger is the write side confirmed payments act on.
type Ledger interface {
	ActivateToken(ctx context.Context, tokenID string) (*model.Token, error)
	Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.Account, error)
	SettlePayment(ctx context.Context, q *model.Quote, userID, paymentID string) (*ledger.Result, error)
}

// Reconciler matches observed payments to pending ones. It runs both as a
// push handler (Observe) and as a long-running poller over a Source.
type Reconciler struct {
	cfg    Config
	store  store.Store
	source Source
	quotes Quoter
	ledger Ledger
	now    func() time.Time

	// matchMu keeps two observations from racing for the same oldest
	// candidate; the store's PENDING CAS is still the final word.
	matchMu sync.Mutex

	// inflight holds ids of payments whose action is running.
	inflight sync.Map

	lifecycleMu sync.Mutex
	running     bool
	stopChan    chan struct{}
	stoppedCh   chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSource enables the poll loop.
func WithSource(src Source) Option {
	return func(r *Reconciler) { r.source = src }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config, st store.Store, quotes Quoter, l Ledger, opts ...Option) *Reconciler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	r := &Reconciler{
		cfg:    cfg,
		store:  st,
		quotes: quotes,
		ledger: l,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the reconciler in logs.
func (r *Reconciler) Name() string {
	return "payment-reconciler"
}

// Request records a PENDING payment the platform expects to receive.
func (r *Reconciler) Request(ctx context.Context, in Intent) (*model.PendingPayment, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	switch in.Kind {
	case model.PaymentCreationFee:
		if in.TokenID == "" {
			return nil, fmt.Errorf("%w: token id is required", ErrInvalidIntent)
		}
	case model.PaymentExternalBuy:
		if in.TokenID == "" || in.UserID == "" {
			return nil, fmt.Errorf("%w: token id and user id are required", ErrInvalidIntent)
		}
		if in.SlippagePct.IsNegative() || in.SlippagePct.GreaterThan(decimal.NewFromInt(100)) {
			return nil, model.ErrInvalidSlippage
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, in.Kind)
	}

	now := r.now()
	p := &model.PendingPayment{
		ID:             uuid.New().String(),
		Kind:           in.Kind,
		Status:         model.PaymentPending,
		ExpectedAmount: in.Amount,
		Payer:          in.Payer,
		Recipient:      r.cfg.Recipient,
		TokenID:        in.TokenID,
		UserID:         in.UserID,
		SlippagePct:    in.SlippagePct,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.cfg.PaymentTTL),
	}
	if err := r.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	slog.Info("payment requested", "payment", p.ID, "kind", p.Kind, "amount", p.ExpectedAmount.String(), "token", p.TokenID)
	return p, nil
}

// Observe handles one confirmed transfer: it binds the transfer to the
// oldest matching pending payment and runs the payment's action.
// Re-delivery of an already bound transfer returns ErrAlreadyApplied with
// the bound payment. An action that fails transiently is retried by the
// next RunCycle.
func (r *Reconciler) Observe(ctx context.Context, obs ObservedPayment) (*model.PendingPayment, error) {
	p, err := r.confirm(ctx, obs)
	if err != nil {
		return p, err
	}
	r.fulfil(ctx, p)
	return p, nil
}

// confirm matches obs and moves the winner PENDING -> CONFIRMED.
func (r *Reconciler) confirm(ctx context.Context, obs ObservedPayment) (*model.PendingPayment, error) {
	if obs.ExternalPaymentID == "" || obs.Recipient == "" || !obs.Amount.IsPositive() {
		return nil, ErrInvalidObservation
	}

	r.matchMu.Lock()
	defer r.matchMu.Unlock()

	bound, err := r.store.GetPaymentByExternalID(ctx, obs.ExternalPaymentID)
	switch {
	case err == nil:
		return bound, ErrAlreadyApplied
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup external id: %w", err)
	}

	pending, err := r.store.ListPendingPayments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}

	now := r.now()
	for i := range pending {
		p := &pending[i]
		if !r.matches(p, obs, now) {
			continue
		}
		confirmed, err := r.store.ConfirmPayment(ctx, p.ID, obs.ExternalPaymentID, obs.Amount, obs.ConfirmedAt)
		switch {
		case err == nil:
			metrics.PaymentsConfirmed.WithLabelValues(string(confirmed.Kind)).Inc()
			slog.Info("payment confirmed",
				"payment", confirmed.ID,
				"kind", confirmed.Kind,
				"external_id", obs.ExternalPaymentID,
				"amount", obs.Amount.String(),
			)
			return confirmed, nil
		case errors.Is(err, store.ErrNotPending):
			// Expired or confirmed by another process since the list.
			continue
		case errors.Is(err, store.ErrDuplicate):
			bound, _ := r.store.GetPaymentByExternalID(ctx, obs.ExternalPaymentID)
			return bound, ErrAlreadyApplied
		default:
			return nil, fmt.Errorf("confirm payment %s: %w", p.ID, err)
		}
	}
	return nil, ErrNoMatch
}

func (r *Reconciler) matches(p *model.PendingPayment, obs ObservedPayment, now time.Time) bool {
	if !strings.EqualFold(strings.TrimSpace(p.Recipient), strings.TrimSpace(obs.Recipient)) {
		return false
	}
	if p.Payer != "" && !strings.EqualFold(p.Payer, obs.Payer) {
		return false
	}
	if obs.Amount.Sub(p.ExpectedAmount).Abs().GreaterThan(r.cfg.AmountTolerance) {
		return false
	}
	if now.Sub(obs.ConfirmedAt) > r.cfg.RecencyWindow {
		return false
	}
	if obs.ConfirmedAt.Before(p.CreatedAt.Add(-r.cfg.ClockSkew)) {
		return false
	}
	return !obs.ConfirmedAt.After(p.ExpiresAt.Add(r.cfg.ClockSkew))
}

// fulfil runs a confirmed payment's action at most once and records it.
// Transient failures leave the payment unfulfilled for the next cycle;
// failures that cannot succeed on retry are logged and the payment is closed.
// An external buy whose settlement fails that way keeps the deposited funds
// in the user's account.
func (r *Reconciler) fulfil(ctx context.Context, p *model.PendingPayment) {
	if _, busy := r.inflight.LoadOrStore(p.ID, struct{}{}); busy {
		return
	}
	defer r.inflight.Delete(p.ID)

	ctx = context.WithoutCancel(ctx)
	if r.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ActionTimeout)
		defer cancel()
	}

	var err error
	switch p.Kind {
	case model.PaymentCreationFee:
		err = r.activate(ctx, p)
	case model.PaymentExternalBuy:
		err = r.externalBuy(ctx, p)
	default:
		err = r.markFulfilled(ctx, p)
	}
	switch {
	case err == nil:
	case terminal(err):
		slog.Warn("payment action abandoned", "payment", p.ID, "kind", p.Kind, "token", p.TokenID, "err", err)
		if err := r.markFulfilled(ctx, p); err != nil {
			slog.Error("close payment failed", "payment", p.ID, "err", err)
		}
	default:
		slog.Error("payment action failed, will retry", "payment", p.ID, "kind", p.Kind, "token", p.TokenID, "err", err)
	}
}

func (r *Reconciler) activate(ctx context.Context, p *model.PendingPayment) error {
	if _, err := r.ledger.ActivateToken(ctx, p.TokenID); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return r.markFulfilled(ctx, p)
}

func (r *Reconciler) externalBuy(ctx context.Context, p *model.PendingPayment) error {
	received := p.ConfirmedAmount.Truncate(curve.PaymentScale)
	_, err := r.ledger.Deposit(ctx, p.UserID, received, "payment:"+p.ExternalPaymentID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicate):
		// Credited by an earlier attempt.
	default:
		return fmt.Errorf("deposit: %w", err)
	}

	// Spend what was received, fee included.
	spend := received.DivRound(decimal.NewFromInt(1).Add(r.quotes.FeeRate()), curve.PaymentScale+4).
		Truncate(curve.PaymentScale)
	slippage := p.SlippagePct
	q, err := r.quotes.Quote(ctx, quote.Request{
		TokenID:     p.TokenID,
		Direction:   model.Buy,
		Amount:      spend,
		SlippagePct: &slippage,
	})
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	res, err := r.ledger.SettlePayment(ctx, q, p.UserID, p.ID)
	if errors.Is(err, store.ErrFulfilled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	slog.Info("external buy settled", "payment", p.ID, "trade", res.Trade.ID, "tokens", res.Trade.Tokens.String())
	return nil
}

func (r *Reconciler) markFulfilled(ctx context.Context, p *model.PendingPayment) error {
	_, err := r.store.MarkPaymentFulfilled(ctx, p.ID, r.now())
	if err != nil && !errors.Is(err, store.ErrFulfilled) {
		return fmt.Errorf("mark fulfilled: %w", err)
	}
	return nil
}

// terminal reports whether retrying a payment action cannot change err.
func terminal(err error) bool {
	for _, target := range []error{
		model.ErrTokenNotFound,
		model.ErrTokenListed,
		model.ErrTokenInactive,
		model.ErrInsufficientBalance,
		model.ErrInsufficientSupply,
		model.ErrSlippageExceeded,
		model.ErrInvalidAmount,
		model.ErrInvalidSlippage,
		model.ErrInvalidUser,
		store.ErrNotConfirmed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ExpireStale moves PENDING payments past their deadline to EXPIRED.
func (r *Reconciler) ExpireStale(ctx context.Context) ([]model.PendingPayment, error) {
	expired, err := r.store.ExpirePayments(ctx, r.now())
	if err != nil {
		return nil, fmt.Errorf("expire payments: %w", err)
	}
	if len(expired) > 0 {
		metrics.PaymentsExpired.Add(float64(len(expired)))
		slog.Info("payments expired", "count", len(expired))
	}
	return expired, nil
}

// RunCycle expires stale payments, re-drives confirmed payments whose action
// has not completed, then fetches recent transfers from the source and
// reconciles them. Matching is sequential; payment actions run on a bounded
// worker pool and the cycle waits for them before returning.
func (r *Reconciler) RunCycle(ctx context.Context) error {
	if r.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CycleTimeout)
		defer cancel()
	}

	if _, err := r.ExpireStale(ctx); err != nil {
		return err
	}

	unfulfilled, err := r.store.ListUnfulfilledPayments(ctx)
	if err != nil {
		return fmt.Errorf("list unfulfilled payments: %w", err)
	}

	// Tasks are never dropped on cancel; each action carries its own deadline.
	pool := pond.NewPool(r.cfg.Workers)
	for i := range unfulfilled {
		p := &unfulfilled[i]
		pool.Submit(func() { r.fulfil(ctx, p) })
	}
	if len(unfulfilled) > 0 {
		slog.Info("re-driving unfulfilled payments", "count", len(unfulfilled))
	}

	if r.source == nil {
		pool.StopAndWait()
		return nil
	}
	observed, err := r.source.Transfers(ctx, r.now().Add(-r.cfg.RecencyWindow))
	if err != nil {
		pool.StopAndWait()
		return fmt.Errorf("fetch transfers: %w", err)
	}

	var confirmed, skipped int
	for _, obs := range observed {
		p, err := r.confirm(ctx, obs)
		switch {
		case err == nil:
			confirmed++
			pool.Submit(func() { r.fulfil(ctx, p) })
		case errors.Is(err, ErrAlreadyApplied), errors.Is(err, ErrNoMatch):
			skipped++
		default:
			slog.Warn("transfer not reconciled", "external_id", obs.ExternalPaymentID, "err", err)
		}
	}
	pool.StopAndWait()
	slog.Debug("reconcile cycle completed", "observed", len(observed), "confirmed", confirmed, "skipped", skipped)
	return nil
}

// Start runs poll cycles until ctx is canceled or Stop is called. Cycles
// never overlap; consecutive failures back off exponentially up to
// BackoffCap.
func (r *Reconciler) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	if r.running {
		r.lifecycleMu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	stop := make(chan struct{})
	stopped := make(chan struct{})
	r.stopChan, r.stoppedCh = stop, stopped
	r.lifecycleMu.Unlock()

	defer func() {
		r.lifecycleMu.Lock()
		r.running = false
		r.lifecycleMu.Unlock()
		close(stopped)
	}()

	slog.Info("payment reconciler starting", "poll_interval", r.cfg.PollInterval, "workers", r.cfg.Workers)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.PollInterval
	bo.MaxInterval = r.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("payment reconciler stopping", "reason", ctx.Err())
			return nil
		case <-stop:
			slog.Info("payment reconciler stop requested")
			return nil
		case <-timer.C:
		}

		wait := r.cfg.PollInterval
		if err := r.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			metrics.ReconcilerCycles.WithLabelValues("error").Inc()
			wait = bo.NextBackOff()
			slog.Error("reconcile cycle failed", "err", err, "retry_in", wait)
		} else {
			metrics.ReconcilerCycles.WithLabelValues("ok").Inc()
			bo.Reset()
		}
		timer.Reset(wait)
	}
}

// Stop signals the poll loop and waits for the in-flight cycle to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.lifecycleMu.Lock()
	if !r.running {
		r.lifecycleMu.Unlock()
		return nil
	}
	stop, stopped := r.stopChan, r.stoppedCh
	select {
	case <-stop:
	default:
		close(stop)
	}
	r.lifecycleMu.Unlock()

	select {
	case <-stopped:
		slog.Info("payment reconciler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("payment reconciler stop interrupted", "err", ctx.Err())
		return ctx.Err()
	}
}
