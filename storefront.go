// Package storefront composes the product catalog, the cart and the payment
// orchestrator into the state a presentation layer renders.
package storefront

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/storefront/cart"
	"github.com/vitwit/storefront/catalog"
	"github.com/vitwit/storefront/clients"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/settlement"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
	"github.com/vitwit/storefront/verification"
)

// Snapshot is everything needed to render the store at one point in time.
type Snapshot struct {
	Lines []types.CartLine `json:"lines"`
	Total decimal.Decimal  `json:"total"`
	// ItemCount is the number of distinct lines, shown on the cart badge.
	ItemCount int                   `json:"itemCount"`
	Units     int                   `json:"units"`
	Attempt   *types.PaymentAttempt `json:"attempt,omitempty"`
}

// Listener receives a fresh snapshot after every cart change and every
// payment transition.
type Listener func(Snapshot)

// Storefront is the main struct that provides all storefront functionality.
// It holds no state of its own beyond its listeners.
type Storefront struct {
	config       *types.StoreConfig
	client       clients.Client
	catalog      *catalog.Store
	cart         *cart.Engine
	orchestrator *settlement.Orchestrator

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	now     func() time.Time

	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New creates a storefront session on top of an existing transaction
// service client.
func New(config *types.StoreConfig, client clients.Client, opts ...Option) (*Storefront, error) {
	if config == nil {
		return nil, types.NewError(types.ErrConfigError, "store config is required")
	}
	if client == nil {
		return nil, types.NewError(types.ErrConfigError, "transaction service client is required")
	}

	cfg := *config
	cfg.ApplyDefaults()

	s := &Storefront{
		config:    &cfg,
		client:    client,
		cart:      cart.NewEngine(),
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		timeout:   cfg.DefaultTimeout,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = cfg.DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}

	if s.catalog == nil {
		store, err := catalogFor(&cfg)
		if err != nil {
			return nil, err
		}
		s.catalog = store
	}

	s.orchestrator = settlement.NewOrchestrator(client, client,
		settlement.Destinations{
			Merchant:        cfg.MerchantAddress,
			PaymentContract: cfg.PaymentContract,
		},
		settlement.WithLogger(s.logger),
		settlement.WithMetrics(s.metrics),
		settlement.WithTimeout(s.timeout),
		settlement.WithPollInterval(cfg.PollInterval),
		settlement.WithPolicy(verification.NewPolicy(cfg.Network, cfg.Confirmations, cfg.ConfirmationTimeout)),
		settlement.WithClock(s.now),
		settlement.WithObserver(s.onTransition),
	)

	return s, nil
}

// Dial validates config, connects an EVM client to its RPC endpoint and
// returns a storefront using it.
func Dial(config *types.StoreConfig, opts ...Option) (*Storefront, error) {
	if config == nil {
		return nil, types.NewError(types.ErrConfigError, "store config is required")
	}

	cfg := *config
	cfg.ApplyDefaults()
	if err := utils.ValidateStoreConfig(&cfg); err != nil {
		return nil, err
	}

	policy := verification.NewPolicy(cfg.Network, cfg.Confirmations, cfg.ConfirmationTimeout)
	client, err := clients.NewEVMClient(cfg.Network, cfg.RPCUrl, cfg.SignerKey, policy)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkError,
			fmt.Sprintf("failed to create EVM client for %s", cfg.Network), err)
	}

	s, err := New(&cfg, client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func catalogFor(cfg *types.StoreConfig) (*catalog.Store, error) {
	if len(cfg.Catalog) == 0 {
		return catalog.Default(), nil
	}
	return catalog.NewStore(cfg.Catalog)
}

// Products returns the catalog in display order.
func (s *Storefront) Products() []types.Product {
	return s.catalog.All()
}

// AddToCart adds one unit of the catalog product with the given id.
func (s *Storefront) AddToCart(productID int) error {
	product, err := s.catalog.ByID(productID)
	if err != nil {
		return err
	}

	if err := s.cart.AddItem(product); err != nil {
		return err
	}

	s.logger.Debug("added to cart", map[string]any{"product_id": productID})
	s.metrics.IncCounter("cart_add", nil)
	s.publish()
	return nil
}

// RemoveFromCart drops the line for productID, if any.
func (s *Storefront) RemoveFromCart(productID int) {
	s.cart.RemoveItem(productID)

	s.logger.Debug("removed from cart", map[string]any{"product_id": productID})
	s.metrics.IncCounter("cart_remove", nil)
	s.publish()
}

// ChangeQuantity sets the quantity of an existing line.
func (s *Storefront) ChangeQuantity(productID, quantity int) error {
	if err := s.cart.SetQuantity(productID, quantity); err != nil {
		return err
	}

	s.logger.Debug("changed cart quantity", map[string]any{
		"product_id": productID,
		"quantity":   quantity,
	})
	s.publish()
	return nil
}

// Checkout starts a payment for the current cart total. The amount is fixed
// when the attempt is created.
func (s *Storefront) Checkout(ctx context.Context, method types.PaymentMethod, targetToken string) (*types.PaymentAttempt, error) {
	total := s.cart.Total()
	if !total.IsPositive() {
		return nil, &types.StoreError{
			Code:    types.ErrInvalidAmount,
			Message: "cannot check out an empty cart",
		}
	}

	s.logger.Info("checkout started", map[string]any{
		"method": method.String(),
		"amount": total.String(),
		"lines":  s.cart.Len(),
	})

	return s.orchestrator.BeginAttempt(ctx, method, total, targetToken)
}

// CurrentAttempt returns the most recent payment attempt, or nil.
func (s *Storefront) CurrentAttempt() *types.PaymentAttempt {
	return s.orchestrator.CurrentAttempt()
}

// RefreshPayment polls the status of the current attempt once.
func (s *Storefront) RefreshPayment(ctx context.Context) (*types.PaymentAttempt, error) {
	current := s.orchestrator.CurrentAttempt()
	if current == nil {
		return nil, types.NewError(types.ErrNotFound, "no payment attempt to refresh")
	}
	return s.orchestrator.PollStatus(ctx, current.ID)
}

// AwaitPayment polls the current attempt until it is final or ctx ends.
func (s *Storefront) AwaitPayment(ctx context.Context) (*types.PaymentAttempt, error) {
	current := s.orchestrator.CurrentAttempt()
	if current == nil {
		return nil, types.NewError(types.ErrNotFound, "no payment attempt to wait for")
	}
	return s.orchestrator.WaitForConfirmation(ctx, current.ID, s.config.PollInterval)
}

// Balance reads funds held by owner for display. It never affects checkout.
func (s *Storefront) Balance(ctx context.Context, owner, token string) (*types.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	bal, err := s.client.BalanceOf(ctx, owner, token)
	s.metrics.ObserveLatency("balance", s.now().Sub(start), nil)
	if err != nil {
		return nil, types.WrapError(types.ErrNetworkError,
			fmt.Sprintf("failed to read balance of %s", owner), err)
	}
	return bal, nil
}

// Snapshot returns the current render state.
func (s *Storefront) Snapshot() Snapshot {
	lines, total := s.cart.Snapshot()

	units := 0
	for _, l := range lines {
		units += l.Quantity
	}

	return Snapshot{
		Lines:     lines,
		Total:     total,
		ItemCount: len(lines),
		Units:     units,
		Attempt:   s.orchestrator.CurrentAttempt(),
	}
}

// Subscribe registers fn for snapshot updates and returns a function that
// unregisters it.
func (s *Storefront) Subscribe(fn Listener) (cancel func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Network returns the network payments settle on.
func (s *Storefront) Network() types.Network {
	return s.client.Network()
}

// Close closes the transaction service client.
func (s *Storefront) Close() {
	s.client.Close()
}

func (s *Storefront) onTransition(_ types.PaymentStatus, _ *types.PaymentAttempt) {
	s.publish()
}

func (s *Storefront) publish() {
	s.listenersMu.Lock()
	if len(s.listeners) == 0 {
		s.listenersMu.Unlock()
		return
	}
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// Version information
const Version = "1.0.0"

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version": Version,
		"supported_networks": []string{
			"ethereum", "sepolia",
			"base", "base-sepolia",
			"polygon", "polygon-amoy",
			"local",
		},
		"payment_methods": []string{
			types.MethodWalletConnect.String(),
			types.MethodTokenTransfer.String(),
		},
	}
}
