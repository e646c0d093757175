package clients

import "errors"

var (
	ErrNoSigner           = errors.New("no signer configured on client")
	ErrUnsupportedMethod  = errors.New("unsupported payment method")
	ErrMissingToken       = errors.New("token-transfer requires a token address")
	ErrInvalidDestination = errors.New("invalid destination address")
	ErrInvalidReference   = errors.New("invalid transaction reference")
	ErrChainIDMismatch    = errors.New("backend chain id does not match configured network")
)
