package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"github.com/vitwit/storefront"
	"github.com/vitwit/storefront/catalog"
	"github.com/vitwit/storefront/config"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
	"golang.org/x/sync/errgroup"
)

// defaultMetricsAddr is used when the config enables metrics but no
// --metrics-addr is given.
const defaultMetricsAddr = ":9464"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		if code := types.CodeOf(err); code != "" {
			fmt.Fprintf(os.Stderr, "storefront: [%s] %v\n", code, err)
		} else {
			fmt.Fprintln(os.Stderr, "storefront:", err)
		}
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "storefront",
		Usage:   "browse the catalog and pay for a cart on an EVM network",
		Version: storefront.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a JSON store config",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file to load before reading the environment",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			productsCommand(),
			balanceCommand(),
			checkoutCommand(),
		},
	}
}

func productsCommand() *cli.Command {
	return &cli.Command{
		Name:  "products",
		Usage: "list the catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "catalog", Usage: "JSON product list replacing the built-in catalog"},
		},
		Action: func(c *cli.Context) error {
			store := catalog.Default()
			if path := c.String("catalog"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				products, err := utils.ParseCatalog(data)
				if err != nil {
					return err
				}
				if store, err = catalog.NewStore(products); err != nil {
					return err
				}
			}
			return printJSON(c, store.All())
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "show the balance of an address",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Usage: "address to inspect (defaults to the merchant)"},
			&cli.StringFlag{Name: "token", Usage: "ERC-20 token address; native currency when empty"},
		},
		Action: func(c *cli.Context) error {
			sess, err := open(c, false)
			if err != nil {
				return err
			}
			defer sess.close()

			owner := c.String("owner")
			if owner == "" {
				owner = sess.cfg.MerchantAddress
			}

			bal, err := sess.store.Balance(c.Context, owner, c.String("token"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.App.Writer, "%s %s\n", bal.Owner,
				utils.FormatAmount(bal.Amount, 6, bal.Symbol))
			return err
		},
	}
}

func checkoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkout",
		Usage: "add items to a cart and pay for it",
		Flags: []cli.Flag{
			&cli.IntSliceFlag{Name: "item", Aliases: []string{"i"}, Usage: "product id to add; repeat for more units", Required: true},
			&cli.StringFlag{Name: "method", Usage: "wallet-connect or token-transfer", Value: string(types.MethodWalletConnect)},
			&cli.StringFlag{Name: "token", Usage: "token address for token-transfer"},
			&cli.StringFlag{Name: "max-total", Usage: "refuse to pay if the cart total exceeds this amount"},
			&cli.BoolFlag{Name: "wait", Usage: "poll until the payment is final"},
			&cli.DurationFlag{Name: "wait-timeout", Usage: "give up waiting after this long", Value: 10 * time.Minute},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address while running (default " + defaultMetricsAddr + " when enableMetrics is set)"},
		},
		Action: func(c *cli.Context) error {
			method := types.PaymentMethod(c.String("method"))
			if !method.IsValid() {
				return types.NewError(types.ErrInvalidMethod, fmt.Sprintf("unknown payment method %q", method))
			}

			sess, err := open(c, true)
			if err != nil {
				return err
			}
			defer sess.close()

			g, ctx := errgroup.WithContext(c.Context)
			var srv *http.Server
			if sess.registry != nil {
				srv = &http.Server{
					Addr:              sess.metricsAddr,
					Handler:           metrics.Handler(sess.registry),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					sess.log.Info("metrics server starting", map[string]any{"addr": srv.Addr})
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}

			g.Go(func() error {
				if srv != nil {
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = srv.Shutdown(shutdownCtx)
					}()
				}
				return runCheckout(ctx, c, sess, method)
			})

			return g.Wait()
		},
	}
}

func runCheckout(ctx context.Context, c *cli.Context, sess *session, method types.PaymentMethod) error {
	for _, id := range c.IntSlice("item") {
		if err := sess.store.AddToCart(id); err != nil {
			return err
		}
	}

	snap := sess.store.Snapshot()
	fmt.Fprintf(c.App.Writer, "cart: %d line(s), %d unit(s), total %s\n",
		snap.ItemCount, snap.Units, utils.FormatAmount(snap.Total, 2, sess.cfg.Network.NativeSymbol()))

	if limit := c.String("max-total"); limit != "" {
		ceiling, err := utils.ValidateAmount(limit)
		if err != nil {
			return types.WrapError(types.ErrInvalidAmount, "invalid --max-total", err)
		}
		if snap.Total.GreaterThan(ceiling) {
			return types.NewError(types.ErrInvalidAmount,
				fmt.Sprintf("cart total %s exceeds --max-total %s", snap.Total, ceiling))
		}
	}

	attempt, err := sess.store.Checkout(ctx, method, c.String("token"))
	if err != nil {
		return err
	}
	if err := printJSON(c, attempt); err != nil {
		return err
	}
	if attempt.Status == types.StatusFailed {
		return types.NewError(attempt.FailureCode, attempt.FailureReason)
	}

	if !c.Bool("wait") {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.Duration("wait-timeout"))
	defer cancel()

	final, err := sess.store.AwaitPayment(waitCtx)
	if final != nil {
		if perr := printJSON(c, final); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if final.Status == types.StatusFailed {
		return types.NewError(final.FailureCode, final.FailureReason)
	}
	return nil
}

type session struct {
	cfg   *types.StoreConfig
	store *storefront.Storefront
	log   logger.Logger
	sync  func() error

	registry    *prometheus.Registry
	metricsAddr string
}

func (s *session) close() {
	s.store.Close()
	_ = s.sync()
}

// open loads config, builds the logger and metrics and dials the network.
// Metrics are only collected for commands that can serve them.
func open(c *cli.Context, serveMetrics bool) (*session, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, err
	}

	zl, err := logger.NewZapLogger(cfg.LogLevel, map[string]any{
		"service": "storefront",
		"network": cfg.Network.String(),
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Network.IsTestnet() {
		zl.Warn("payments settle on a production network", map[string]any{"network": cfg.Network.String()})
	}

	sess := &session{cfg: cfg, log: zl, sync: zl.Sync}
	opts := []storefront.Option{storefront.WithLogger(zl)}
	if addr := metricsAddr(c.String("metrics-addr"), cfg); serveMetrics && addr != "" {
		reg := prometheus.NewRegistry()
		rec, err := metrics.NewPrometheusRecorder(reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, storefront.WithMetrics(rec))
		sess.registry = reg
		sess.metricsAddr = addr
	}

	store, err := storefront.Dial(cfg, opts...)
	if err != nil {
		_ = zl.Sync()
		return nil, err
	}
	sess.store = store

	return sess, nil
}

// metricsAddr returns the address to serve metrics on, or "" when metrics
// are off. An explicit flag wins over the config switch.
func metricsAddr(flag string, cfg *types.StoreConfig) string {
	if flag != "" {
		return flag
	}
	if cfg.EnableMetrics {
		return defaultMetricsAddr
	}
	return ""
}

func printJSON(c *cli.Context, v interface{}) error {
	data, err := utils.NormalizeJSON(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(data))
	return err
}
