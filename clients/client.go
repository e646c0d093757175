package clients

import (
	"context"

	storetypes "github.com/vitwit/storefront/types"
)

// Submitter signs and broadcasts a transfer. It is called at most once per
// payment attempt and returns an opaque reference (the transaction hash).
type Submitter interface {
	Submit(ctx context.Context, destination string, req storetypes.TransferRequest) (string, error)
}

// StatusReader reports the chain-side state of a submitted transaction.
type StatusReader interface {
	StatusOf(ctx context.Context, reference string) (*storetypes.TxReport, error)
}

// BalanceReader reads funds held by owner, in the native currency when token
// is empty.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner, token string) (*storetypes.Balance, error)
}

// Client is the full transaction service a storefront talks to.
type Client interface {
	Submitter
	StatusReader
	BalanceReader
	Network() storetypes.Network
	Close()
}
