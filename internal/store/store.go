// Package store persists wallets and transfer requests. Two backends are
// provided: a file-backed SQLite store for single-node deployments and a
// Postgres store for shared ones. Both implement the same Store interface
// and are write-through: the in-memory ledger and transfer service stay
// authoritative and are rehydrated from the store at startup.
package store

import (
	"context"

	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/transfer"
)

type Store interface {
	SaveWallet(ctx context.Context, w *ledger.Wallet) error
	SaveRequest(ctx context.Context, r *transfer.Request) error
	Wallets(ctx context.Context) ([]*ledger.Wallet, error)
	Requests(ctx context.Context) ([]*transfer.Request, error)
	Close() error
}
