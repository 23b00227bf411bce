package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/model"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation     = "23505"
	pgErrCheckViolation      = "23514"
	pgErrSerializationFailed = "40001"
	pgErrDeadlockDetected    = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const tokenColumns = `id, ticker, name, creator_id,
	total_supply::TEXT, initial_price::TEXT, final_price::TEXT, funding_target::TEXT,
	cumulative_sold::TEXT, current_price::TEXT, market_cap::TEXT, bonding_progress::TEXT,
	active, is_listed, listed_at, version, created_at`

func (s *PostgresStore) CreateToken(ctx context.Context, t *model.Token) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (id, ticker, name, creator_id,
		                     total_supply, initial_price, final_price, funding_target,
		                     cumulative_sold, current_price, market_cap, bonding_progress,
		                     active, is_listed, listed_at, version, created_at)
		 VALUES ($1, $2, $3, $4,
		         $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13, $14, $15, $16, $17)`,
		t.ID, t.Ticker, t.Name, t.CreatorID,
		t.TotalSupply.String(), t.InitialPrice.String(), t.FinalPrice.String(), t.FundingTarget.String(),
		t.CumulativeSold.String(), t.CurrentPrice.String(), t.MarketCap.String(), t.BondingProgress.String(),
		t.Active, t.IsListed, t.ListedAt, t.Version, t.CreatedAt,
	)
	if isPgError(err, pgErrUniqueViolation) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetToken(ctx context.Context, id string) (*model.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]model.Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) ActivateToken(ctx context.Context, id string) (*model.Token, error) {
	// Only an inactive token changes, so repeat activations keep the version.
	_, err := s.pool.Exec(ctx,
		`UPDATE tokens SET active = TRUE, version = version + 1
		 WHERE id = $1 AND NOT active`, id)
	if err != nil {
		return nil, fmt.Errorf("activate token %s: %w", id, err)
	}
	return s.GetToken(ctx, id)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a := model.Account{UserID: userID, Balance: decimal.Zero}
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM accounts WHERE user_id = $1`, userID).
		Scan(&bal, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.Balance = dec(bal)
	return &a, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, tokenID string) (*model.Holding, error) {
	h := model.Holding{UserID: userID, TokenID: tokenID, Balance: decimal.Zero}
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM holdings WHERE user_id = $1 AND token_id = $2`,
		userID, tokenID).Scan(&bal, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", userID, tokenID, err)
	}
	h.Balance = dec(bal)
	return &h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, token_id, balance::TEXT, updated_at
		 FROM holdings WHERE user_id = $1 ORDER BY token_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var bal string
		if err := rows.Scan(&h.UserID, &h.TokenID, &bal, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Balance = dec(bal)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.Account, error) {
	var a *model.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if reference != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO credits (reference, user_id, amount, created_at)
				 VALUES ($1, $2, $3::NUMERIC, $4)
				 ON CONFLICT (reference) DO NOTHING`,
				reference, userID, amount.String(), now)
			if err != nil {
				return fmt.Errorf("record credit: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrDuplicate
			}
		}
		var err error
		a, err = addToAccount(ctx, tx, userID, amount, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ApplySettlement locks the token row, compares its version, applies both
// balance deltas with non-negative guards, writes the token state and
// appends the trade, all in one transaction.
func (s *PostgresStore) ApplySettlement(ctx context.Context, st *Settlement) (*SettlementResult, error) {
	var res SettlementResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM tokens WHERE id = $1 FOR UPDATE`, st.Token.ID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock token: %w", err)
		}
		if version != st.Token.Version {
			return ErrConflict
		}

		now := time.Now().UTC()
		if st.PaymentID != "" {
			if err := markFulfilled(ctx, tx, st.PaymentID, now); err != nil {
				return err
			}
		}
		acct, err := addToAccount(ctx, tx, st.UserID, st.AccountDelta, now)
		if err != nil {
			return err
		}
		hold, err := addToHolding(ctx, tx, st.UserID, st.Token.ID, st.HoldingDelta, now)
		if err != nil {
			return err
		}

		t := *st.Token
		err = tx.QueryRow(ctx,
			`UPDATE tokens
			 SET cumulative_sold = $2::NUMERIC, current_price = $3::NUMERIC,
			     market_cap = $4::NUMERIC, bonding_progress = $5::NUMERIC,
			     is_listed = $6, listed_at = $7, version = version + 1
			 WHERE id = $1 AND version = $8
			 RETURNING version`,
			t.ID, t.CumulativeSold.String(), t.CurrentPrice.String(),
			t.MarketCap.String(), t.BondingProgress.String(),
			t.IsListed, t.ListedAt, version,
		).Scan(&t.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("update token: %w", err)
		}

		tr := *st.Trade
		err = tx.QueryRow(ctx,
			`INSERT INTO trades (id, token_id, user_id, direction, payment, tokens, price, fee,
			                     sold_after, quote_id, triggered_listing, executed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9::NUMERIC, $10, $11, $12)
			 RETURNING seq`,
			tr.ID, tr.TokenID, tr.UserID, tr.Direction,
			tr.Payment.String(), tr.Tokens.String(), tr.Price.String(), tr.Fee.String(),
			tr.SoldAfter.String(), tr.QuoteID, tr.TriggeredListing, tr.ExecutedAt,
		).Scan(&tr.Seq)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		res = SettlementResult{Token: t, Account: *acct, Holding: *hold, Trade: tr}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

const tradeColumns = `seq, id, token_id, user_id, direction,
	payment::TEXT, tokens::TEXT, price::TEXT, fee::TEXT, sold_after::TEXT,
	quote_id, triggered_listing, executed_at`

func (s *PostgresStore) ListTrades(ctx context.Context, tokenID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE token_id = $1 ORDER BY seq`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListAllTrades(ctx context.Context) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

const paymentColumns = `id, kind, status, expected_amount::TEXT, payer, recipient, token_id,
	user_id, slippage_pct::TEXT, external_payment_id, confirmed_amount::TEXT,
	created_at, expires_at, confirmed_at, fulfilled_at`

func (s *PostgresStore) CreatePayment(ctx context.Context, p *model.PendingPayment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_payments (id, kind, status, expected_amount, payer, recipient,
		                               token_id, user_id, slippage_pct, confirmed_amount,
		                               created_at, expires_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9::NUMERIC, 0, $10, $11)`,
		p.ID, p.Kind, p.Status, p.ExpectedAmount.String(), p.Payer, p.Recipient,
		p.TokenID, p.UserID, p.SlippagePct.String(), p.CreatedAt, p.ExpiresAt,
	)
	if isPgError(err, pgErrUniqueViolation) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.PendingPayment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM pending_payments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPaymentByExternalID(ctx context.Context, externalID string) (*model.PendingPayment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM pending_payments WHERE external_payment_id = $1`, externalID))
	if err != nil {
		return nil, fmt.Errorf("get payment by external id %s: %w", externalID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPendingPayments(ctx context.Context) ([]model.PendingPayment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM pending_payments
		 WHERE status = 'PENDING' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayments(rows)
}

func (s *PostgresStore) ListUnfulfilledPayments(ctx context.Context) ([]model.PendingPayment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM pending_payments
		 WHERE status = 'CONFIRMED' AND fulfilled_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayments(rows)
}

func (s *PostgresStore) MarkPaymentFulfilled(ctx context.Context, id string, at time.Time) (*model.PendingPayment, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		return markFulfilled(ctx, tx, id, at)
	})
	if err != nil {
		return nil, err
	}
	return s.GetPayment(ctx, id)
}

func (s *PostgresStore) ConfirmPayment(ctx context.Context, id, externalID string, amount decimal.Decimal, at time.Time) (*model.PendingPayment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`UPDATE pending_payments
		 SET status = 'CONFIRMED', external_payment_id = $2,
		     confirmed_amount = $3::NUMERIC, confirmed_at = $4
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+paymentColumns,
		id, externalID, amount.String(), at))
	switch {
	case err == nil:
		return p, nil
	case isPgError(err, pgErrUniqueViolation):
		return nil, ErrDuplicate
	case errors.Is(err, ErrNotFound):
		// Lost the compare-and-set or the payment does not exist.
		if _, getErr := s.GetPayment(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotPending
	default:
		return nil, fmt.Errorf("confirm payment %s: %w", id, err)
	}
}

func (s *PostgresStore) ExpirePayments(ctx context.Context, now time.Time) ([]model.PendingPayment, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE pending_payments SET status = 'EXPIRED'
		 WHERE status = 'PENDING' AND expires_at <= $1
		 RETURNING `+paymentColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayments(rows)
}

// inTx runs fn in a transaction, committing on nil and mapping lock
// contention and guard violations to store errors.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return mapTxError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapTxError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func mapTxError(err error) error {
	switch {
	case isPgError(err, pgErrSerializationFailed), isPgError(err, pgErrDeadlockDetected):
		return ErrConflict
	case isPgError(err, pgErrCheckViolation):
		return ErrInsufficientFunds
	case isPgError(err, pgErrUniqueViolation):
		return ErrDuplicate
	}
	return err
}

func addToAccount(ctx context.Context, tx pgx.Tx, userID string, delta decimal.Decimal, now time.Time) (*model.Account, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, updated_at) VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO NOTHING`, userID, now); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	a := model.Account{UserID: userID}
	var bal string
	err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2::NUMERIC, updated_at = $3
		 WHERE user_id = $1 AND balance + $2::NUMERIC >= 0
		 RETURNING balance::TEXT, updated_at`,
		userID, delta.String(), now).Scan(&bal, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	a.Balance = dec(bal)
	return &a, nil
}

func addToHolding(ctx context.Context, tx pgx.Tx, userID, tokenID string, delta decimal.Decimal, now time.Time) (*model.Holding, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO holdings (user_id, token_id, balance, updated_at) VALUES ($1, $2, 0, $3)
		 ON CONFLICT (user_id, token_id) DO NOTHING`, userID, tokenID, now); err != nil {
		return nil, fmt.Errorf("ensure holding: %w", err)
	}

	h := model.Holding{UserID: userID, TokenID: tokenID}
	var bal string
	err := tx.QueryRow(ctx,
		`UPDATE holdings SET balance = balance + $3::NUMERIC, updated_at = $4
		 WHERE user_id = $1 AND token_id = $2 AND balance + $3::NUMERIC >= 0
		 RETURNING balance::TEXT, updated_at`,
		userID, tokenID, delta.String(), now).Scan(&bal, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("update holding: %w", err)
	}
	h.Balance = dec(bal)
	return &h, nil
}

// markFulfilled sets fulfilled_at on a confirmed, unfulfilled payment and
// explains a miss with ErrNotFound, ErrNotConfirmed or ErrFulfilled.
func markFulfilled(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	var status model.PaymentStatus
	var fulfilledAt *time.Time
	err := tx.QueryRow(ctx,
		`SELECT status, fulfilled_at FROM pending_payments WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &fulfilledAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("lock payment: %w", err)
	case status != model.PaymentConfirmed:
		return ErrNotConfirmed
	case fulfilledAt != nil:
		return ErrFulfilled
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pending_payments SET fulfilled_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("mark payment fulfilled: %w", err)
	}
	return nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// scanToken and friends read one row from a pgx.Row or pgx.Rows.
func scanToken(row pgx.Row) (*model.Token, error) {
	var t model.Token
	var supply, p0, p1, target, sold, price, mcap, progress string

	err := row.Scan(&t.ID, &t.Ticker, &t.Name, &t.CreatorID,
		&supply, &p0, &p1, &target,
		&sold, &price, &mcap, &progress,
		&t.Active, &t.IsListed, &t.ListedAt, &t.Version, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.TotalSupply = dec(supply)
	t.InitialPrice = dec(p0)
	t.FinalPrice = dec(p1)
	t.FundingTarget = dec(target)
	t.CumulativeSold = dec(sold)
	t.CurrentPrice = dec(price)
	t.MarketCap = dec(mcap)
	t.BondingProgress = dec(progress)
	return &t, nil
}

func scanPayment(row pgx.Row) (*model.PendingPayment, error) {
	var p model.PendingPayment
	var expected, slippage, confirmed string
	var externalID *string

	err := row.Scan(&p.ID, &p.Kind, &p.Status, &expected, &p.Payer, &p.Recipient, &p.TokenID,
		&p.UserID, &slippage, &externalID, &confirmed,
		&p.CreatedAt, &p.ExpiresAt, &p.ConfirmedAt, &p.FulfilledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.ExpectedAmount = dec(expected)
	p.SlippagePct = dec(slippage)
	p.ConfirmedAmount = dec(confirmed)
	if externalID != nil {
		p.ExternalPaymentID = *externalID
	}
	return &p, nil
}

func scanPayments(rows pgx.Rows) ([]model.PendingPayment, error) {
	var payments []model.PendingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanTrades(rows pgx.Rows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var tr model.TradeRecord
		var payment, tokens, price, fee, soldAfter string

		if err := rows.Scan(&tr.Seq, &tr.ID, &tr.TokenID, &tr.UserID, &tr.Direction,
			&payment, &tokens, &price, &fee, &soldAfter,
			&tr.QuoteID, &tr.TriggeredListing, &tr.ExecutedAt); err != nil {
			return nil, err
		}

		tr.Payment = dec(payment)
		tr.Tokens = dec(tokens)
		tr.Price = dec(price)
		tr.Fee = dec(fee)
		tr.SoldAfter = dec(soldAfter)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}
