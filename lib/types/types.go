// Package types contains the domain data model shared by ledgers, the coordination components and the router.
package types

import (
	"math/big"
	"time"
)

// Ref is a typed reference (finId) to an account, institution or asset. For accounts, Domain names the ledger the
// account lives on.
type Ref struct {
	ID     string `json:"id" validate:"required"`
	Type   string `json:"type"`
	Domain string `json:"domain"`
}

// Account is a ledger account. Balances maps asset ids to settled (unlocked) balances.
type Account struct {
	FinID         Ref                 `json:"finId"`
	Address       string              `json:"address"`
	InstitutionID string              `json:"institutionId"`
	LedgerID      string              `json:"ledgerId"`
	Balances      map[string]*big.Int `json:"balances"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// AssetSpec describes an asset to be created on a ledger.
type AssetSpec struct {
	ID          string            `json:"id"`
	Symbol      string            `json:"symbol" validate:"required"`
	Name        string            `json:"name"`
	Decimals    uint8             `json:"decimals"`
	TotalSupply *big.Int          `json:"totalSupply"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Asset is a registered ledger asset. Only mint and burn change TotalSupply.
type Asset struct {
	ID          string            `json:"id"`
	Symbol      string            `json:"symbol"`
	Name        string            `json:"name"`
	Decimals    uint8             `json:"decimals"`
	TotalSupply *big.Int          `json:"totalSupply"`
	LedgerID    string            `json:"ledgerId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TransferStatus is the state of a Transfer. CONFIRMED and FAILED are terminal.
type TransferStatus string

// Transfer statuses.
const (
	TransferPending   TransferStatus = "PENDING"
	TransferConfirmed TransferStatus = "CONFIRMED"
	TransferFailed    TransferStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferConfirmed || s == TransferFailed
}

// Transfer is a request to move Amount of Asset from FromAccount to ToAccount. Route lists the routers that handled
// it, in order. Reason is only set on FAILED transfers.
type Transfer struct {
	ID          string            `json:"id" validate:"required"`
	FromAccount Ref               `json:"fromAccount" validate:"required"`
	ToAccount   Ref               `json:"toAccount" validate:"required"`
	Asset       Ref               `json:"asset" validate:"required"`
	Amount      *big.Int          `json:"amount" validate:"required"`
	Status      TransferStatus    `json:"status"`
	Route       []string          `json:"route,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t *Transfer) Clone() *Transfer {
	c := *t
	if t.Amount != nil {
		c.Amount = new(big.Int).Set(t.Amount)
	}

	if t.Route != nil {
		c.Route = append([]string(nil), t.Route...)
	}

	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}

	return &c
}

// TxStatus is the status of a ledger transaction.
type TxStatus string

// Transaction statuses.
const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxKind is the ledger primitive a transaction applied.
type TxKind string

// Transaction kinds.
const (
	TxTransfer TxKind = "transfer"
	TxLock     TxKind = "lock"
	TxUnlock   TxKind = "unlock"
	TxMint     TxKind = "mint"
	TxBurn     TxKind = "burn"
)

// Transaction is a simplified ledger transaction as returned by a ledger adapter.
type Transaction struct {
	Hash      string    `json:"hash"`
	Ledger    string    `json:"ledger"`
	Kind      TxKind    `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	AssetID   string    `json:"assetId"`
	Amount    *big.Int  `json:"amount"`
	Status    TxStatus  `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
