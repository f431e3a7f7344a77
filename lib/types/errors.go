package types

import "errors"

// Ledger level errors returned by adapters. They are usually wrapped with the ledger name and operation.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAssetExists       = errors.New("asset already exists")
	ErrTxNotFound        = errors.New("transaction not found")
	ErrInvalidAmount     = errors.New("amount must be positive")
)
