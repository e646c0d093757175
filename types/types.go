package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a purchasable catalog item. Products are built once from static
// configuration and never mutated afterwards.
type Product struct {
	ID          int             `json:"id" validate:"gt=0"`
	Name        string          `json:"name" validate:"required"`
	UnitPrice   decimal.Decimal `json:"price"`
	Description string          `json:"description,omitempty"`
	ImageRef    string          `json:"image,omitempty"`
}

// CartLine is a product plus the quantity held in the cart.
type CartLine struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

// LineTotal returns unit price times quantity.
func (l CartLine) LineTotal() decimal.Decimal {
	return l.Product.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// PaymentMethod selects how a checkout is paid.
type PaymentMethod string

const (
	// MethodWalletConnect pays the merchant natively from the connected wallet.
	MethodWalletConnect PaymentMethod = "wallet-connect"
	// MethodTokenTransfer pays through the payment contract with an ERC-20 token.
	MethodTokenTransfer PaymentMethod = "token-transfer"
)

func (m PaymentMethod) IsValid() bool {
	return m == MethodWalletConnect || m == MethodTokenTransfer
}

func (m PaymentMethod) String() string {
	return string(m)
}

// PaymentStatus is the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	StatusIdle      PaymentStatus = "idle"
	StatusSubmitted PaymentStatus = "submitted"
	StatusPending   PaymentStatus = "pending"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s PaymentStatus) CanAdvanceTo(next PaymentStatus) bool {
	switch s {
	case StatusIdle:
		return next == StatusSubmitted || next == StatusFailed
	case StatusSubmitted:
		return next == StatusPending || next == StatusConfirmed || next == StatusFailed
	case StatusPending:
		return next == StatusConfirmed || next == StatusFailed
	default:
		return false
	}
}

func (s PaymentStatus) String() string {
	return string(s)
}

// PaymentAttempt is one checkout try. Amount is fixed when the attempt is
// created; later cart edits do not affect it.
type PaymentAttempt struct {
	ID            string          `json:"id"`
	Method        PaymentMethod   `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	TargetToken   string          `json:"targetToken,omitempty"`
	Status        PaymentStatus   `json:"status"`
	TxReference   string          `json:"txReference,omitempty"`
	FailureCode   string          `json:"failureCode,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	// LateReference is a transaction reference that arrived after the
	// attempt was cancelled. The transfer may still settle and needs
	// manual reconciliation.
	LateReference string          `json:"lateReference,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with a.
func (a *PaymentAttempt) Clone() *PaymentAttempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		c.SubmittedAt = &t
	}
	return &c
}

// TransferRequest is the payload handed to the transaction submission service.
type TransferRequest struct {
	AttemptID string          `json:"attemptId"`
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Token     string          `json:"token,omitempty"`
}

// TxStatus is the chain-side state reported by the status service.
type TxStatus string

const (
	// TxQueued is known to the node but not yet in a block.
	TxQueued    TxStatus = "queued"
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxReport is a single observation of a submitted transaction.
type TxReport struct {
	Reference     string   `json:"reference"`
	Status        TxStatus `json:"status"`
	Detail        string   `json:"detail,omitempty"`
	BlockNumber   uint64   `json:"blockNumber,omitempty"`
	Confirmations uint64   `json:"confirmations,omitempty"`
}

// Balance is a display-only view of funds held by an address.
type Balance struct {
	Owner    string          `json:"owner"`
	Token    string          `json:"token,omitempty"` // empty for the native currency
	Symbol   string          `json:"symbol"`
	Decimals int32           `json:"decimals"`
	Amount   decimal.Decimal `json:"amount"`
}

// StoreConfig contains the configuration for a storefront session.
type StoreConfig struct {
	Network         Network `json:"network" validate:"required" envconfig:"NETWORK"`
	RPCUrl          string  `json:"rpcUrl" validate:"required,url" envconfig:"RPC_URL"`
	SignerKey       string  `json:"signerKey" validate:"required,hexadecimal" envconfig:"SIGNER_KEY"`
	MerchantAddress string  `json:"merchantAddress" validate:"required,eth_addr" envconfig:"MERCHANT_ADDRESS"`
	PaymentContract string  `json:"paymentContract,omitempty" validate:"omitempty,eth_addr" envconfig:"PAYMENT_CONTRACT"`

	Confirmations       uint64        `json:"confirmations,omitempty" envconfig:"CONFIRMATIONS"`
	DefaultTimeout      time.Duration `json:"defaultTimeout,omitempty" envconfig:"DEFAULT_TIMEOUT"`
	ConfirmationTimeout time.Duration `json:"confirmationTimeout,omitempty" envconfig:"CONFIRMATION_TIMEOUT"`
	PollInterval        time.Duration `json:"pollInterval,omitempty" envconfig:"POLL_INTERVAL"`

	LogLevel      string `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error" envconfig:"LOG_LEVEL"`
	EnableMetrics bool   `json:"enableMetrics,omitempty" envconfig:"ENABLE_METRICS"`

	Catalog []Product `json:"catalog,omitempty" validate:"dive" ignored:"true"`
}

// ApplyDefaults fills zero-valued tunables.
func (c *StoreConfig) ApplyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 4 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
