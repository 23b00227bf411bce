package model

import "errors"

// Trade errors shared by the quote engine, the settlement ledger and the
// HTTP layer. Callers match them with errors.Is.
var (
	// Input validation, rejected before any read.
	ErrInvalidAmount    = errors.New("trade: amount must be positive")
	ErrInvalidSlippage  = errors.New("trade: slippage tolerance must be between 0 and 100")
	ErrInvalidDirection = errors.New("trade: direction must be BUY or SELL")
	ErrInvalidUser      = errors.New("trade: user id is required")

	// Domain state, rejected after a read with no mutation attempted.
	ErrTokenNotFound       = errors.New("trade: token not found")
	ErrTokenListed         = errors.New("trade: token is listed and no longer trades on the curve")
	ErrTokenInactive       = errors.New("trade: token is awaiting its creation fee")
	ErrInsufficientBalance = errors.New("trade: insufficient balance")
	ErrInsufficientSupply  = errors.New("trade: insufficient supply on the curve")

	// Commit-time rejections.
	ErrQuoteNotFound    = errors.New("trade: quote not found")
	ErrQuoteExpired     = errors.New("trade: quote expired")
	ErrSlippageExceeded = errors.New("trade: price moved beyond slippage tolerance")
	ErrStorageConflict  = errors.New("trade: concurrent update, try again")
)
