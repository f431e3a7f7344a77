// Package ledger defines the interface required for all ledger connections.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/tarancss/xrouter/lib/config"
	"github.com/tarancss/xrouter/lib/ledger/mock"
	"github.com/tarancss/xrouter/lib/types"
)

// ErrNotConnected is returned, wrapped with the ledger name, by every adapter method called before Connect.
var ErrNotConnected = types.ErrNotConnected

// Adapter is the capability interface the router consumes for one ledger. Methods that change balances return the
// hash of the ledger transaction applied.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	CreateAsset(ctx context.Context, spec types.AssetSpec) (*types.Asset, error)
	CreateAccount(ctx context.Context, institutionID string) (*types.Account, error)
	GetBalance(ctx context.Context, accountID, assetID string) (*big.Int, error)

	Transfer(ctx context.Context, from, to, assetID string, amount *big.Int) (string, error)
	LockAsset(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error)
	UnlockAsset(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error)
	Mint(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error)
	Burn(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error)

	GetTransaction(ctx context.Context, hash string) (*types.Transaction, error)
	GetTransactionStatus(ctx context.Context, hash string) (types.TxStatus, error)
}

// Init builds an adapter for every configured ledger, keyed by ledger name. Adapters are returned disconnected.
func Init(cfgs []config.LedgerConfig, log *slog.Logger) (map[string]Adapter, error) {
	m := make(map[string]Adapter, len(cfgs))

	for _, c := range cfgs {
		if _, ok := m[c.Name]; ok {
			return nil, fmt.Errorf("ledger %s configured twice", c.Name)
		}

		switch c.Type {
		case "mock":
			m[c.Name] = mock.New(c.Name)
		default:
			log.Warn("ledger adapter not defined, ignoring", "ledger", c.Name, "type", c.Type)
		}
	}

	return m, nil
}

// Connect connects all the adapters, stopping at the first failure.
func Connect(ctx context.Context, m map[string]Adapter) error {
	for name, a := range m {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("cannot connect ledger %s: %w", name, err)
		}
	}

	return nil
}

// End closes gracefully all the ledger connections opened.
func End(ctx context.Context, m map[string]Adapter, log *slog.Logger) {
	for name, a := range m {
		if err := a.Disconnect(ctx); err != nil {
			log.Error("error disconnecting ledger", "ledger", name, "err", err)
		}
	}
}
