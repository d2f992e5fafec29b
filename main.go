package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	natsgo "github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apihttp "mlm-ledger/internal/api/http"
	"mlm-ledger/internal/audit"
	"mlm-ledger/internal/auth"
	"mlm-ledger/internal/config"
	diagapp "mlm-ledger/internal/diagnostics/application"
	diagmem "mlm-ledger/internal/diagnostics/infrastructure/memory"
	diagredis "mlm-ledger/internal/diagnostics/infrastructure/redis"
	"mlm-ledger/internal/eventing"
	eventingnats "mlm-ledger/internal/eventing/infrastructure/nats"
	eventingrepo "mlm-ledger/internal/eventing/infrastructure/postgres"
	ledgerapp "mlm-ledger/internal/ledger/application"
	ledger "mlm-ledger/internal/ledger/domain"
	ledgerrepo "mlm-ledger/internal/ledger/infrastructure/postgres"
	"mlm-ledger/internal/observability/metrics"
	ordernats "mlm-ledger/internal/orders/interfaces/nats"
	promoapp "mlm-ledger/internal/promo/application"
	promorepo "mlm-ledger/internal/promo/infrastructure/postgres"
	rulesetapp "mlm-ledger/internal/ruleset/application"
	rulesetrepo "mlm-ledger/internal/ruleset/infrastructure/postgres"
	settlementapp "mlm-ledger/internal/settlement/application"
	settlementrepo "mlm-ledger/internal/settlement/infrastructure/postgres"
	"mlm-ledger/internal/storage/migrations"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Printf("error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "mlm-ledger",
		Short:         "Settlement and ledger engine for the referral network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(logger),
		newMigrateCmd(logger),
		newRuleSetCmd(logger),
		newDiagnoseCmd(logger),
		newLedgerCmd(logger),
	)
	return root
}

func newServeCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the order event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func newMigrateCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply the embedded schema migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			if err := migrations.Run(cmd.Context(), db, command); err != nil {
				return err
			}
			logger.Printf("migrate: %s done", command)
			return nil
		},
	}
}

func newRuleSetCmd(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "ruleset", Short: "Inspect and reload the active settlement rule set"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the active rule set",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := buildApp(cmd.Context(), logger)
				if err != nil {
					return err
				}
				defer a.Close()
				rs, err := a.rules.Snapshot()
				if err != nil {
					return err
				}
				return printJSON(cmd, rs)
			},
		},
		&cobra.Command{
			Use:   "reload",
			Short: "Re-read the active rule set, seeding defaults when none exists",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := buildApp(cmd.Context(), logger)
				if err != nil {
					return err
				}
				defer a.Close()
				rs, err := a.rules.Reload(cmd.Context())
				if err != nil {
					return err
				}
				logger.Printf("ruleset reload: version=%d id=%s", rs.Version, rs.ID)
				return nil
			},
		},
	)
	return cmd
}

func newDiagnoseCmd(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "diagnose", Short: "Run read-only health checks"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "referrals",
			Short: "Analyze the referral forest",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := buildApp(cmd.Context(), logger)
				if err != nil {
					return err
				}
				defer a.Close()
				return printJSON(cmd, a.diagnostics.AnalyzeReferralSystem(cmd.Context()))
			},
		},
		&cobra.Command{
			Use:   "integrity",
			Short: "List delivered orders whose cashback accrual is missing",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := buildApp(cmd.Context(), logger)
				if err != nil {
					return err
				}
				defer a.Close()
				return printJSON(cmd, a.diagnostics.ValidateBonusIntegrity(cmd.Context()))
			},
		},
	)
	return cmd
}

func newLedgerCmd(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Ledger maintenance"}

	balance := &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print an account and its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.Close()
			account, err := a.ledger.GetAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, account)
		},
	}

	var (
		operationID string
		accountType string
	)
	airdrop := &cobra.Command{
		Use:   "airdrop <user-id> <amount>",
		Short: "Credit a user account from the matching system source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("airdrop: invalid amount %q: %w", args[1], err)
			}
			to := ledger.UserAccount(args[0], ledger.AccountType(accountType))
			if err := to.Validate(); err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer a.Close()
			tx, err := a.ledger.Transfer(cmd.Context(), operationID, ledger.OpAirdrop, airdropSource(to), to,
				amount, map[string]string{"source": "cli"})
			if err != nil {
				return err
			}
			logger.Printf("ledger airdrop: op=%s tx=%s to=%s amount=%s replayed=%t", tx.OperationID, tx.ID, to, amount, tx.Replayed)
			return nil
		},
	}
	airdrop.Flags().StringVar(&operationID, "operation-id", "", "idempotency key; a retry with the same key is a no-op")
	_ = airdrop.MarkFlagRequired("operation-id")
	airdrop.Flags().StringVar(&accountType, "account", string(ledger.AccountVWC), "target account type")

	cmd.AddCommand(balance, airdrop)
	return cmd
}

// airdropSource is the system reserve for RUB credits and the issuing account otherwise.
func airdropSource(to ledger.AccountKey) ledger.AccountKey {
	if to.Currency() == ledger.CurrencyRUB {
		return ledger.SystemAccount(ledger.AccountReserveSpecial)
	}
	return ledger.SystemAccount(to.Type)
}

// app holds the wired services shared by every command.
type app struct {
	cfg         config.Config
	logger      *log.Logger
	db          *sql.DB
	redis       *goredis.Client
	nats        *natsgo.Conn
	ledger      *ledgerapp.Service
	rules       *rulesetapp.Holder
	engine      *settlementapp.Engine
	promo       *promoapp.Service
	diagnostics *diagapp.Service
	orders      *settlementrepo.OrderReader
}

func buildApp(ctx context.Context, logger *log.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger, db := a.cfg, a.logger, a.db
	metrics.Init(db, logger)

	var err error
	a.nats, err = eventingnats.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	ledgerEvents := eventing.NewDispatcher[ledgerapp.TransactionRecorded](logger)
	if a.nats != nil {
		publisher, err := eventingnats.NewPublisher[ledgerapp.TransactionRecorded](a.nats, cfg.LedgerSubject)
		if err != nil {
			return err
		}
		ledgerEvents.Subscribe(publisher)
	}

	ledgerStore, err := ledgerrepo.NewStore(db)
	if err != nil {
		return err
	}
	a.ledger, err = ledgerapp.NewService(ledgerStore, ledgerapp.WithLogger(logger), ledgerapp.WithPublisher(ledgerEvents))
	if err != nil {
		return err
	}

	defaults, err := rulesetapp.LoadDefaults(cfg.RuleSetDefaults)
	if err != nil {
		return err
	}
	rulesRepo, err := rulesetrepo.NewRepository(db)
	if err != nil {
		return err
	}
	a.rules, err = rulesetapp.NewHolder(rulesRepo, defaults, rulesetapp.WithLogger(logger))
	if err != nil {
		return err
	}
	if _, err := a.rules.Load(ctx); err != nil {
		// Settlement refuses to run until a reload succeeds.
		logger.Printf("ruleset load: %v", err)
	}

	graph, err := settlementrepo.NewReferralGraph(db)
	if err != nil {
		return err
	}
	ranks, err := settlementrepo.NewRankProvider(db)
	if err != nil {
		return err
	}
	a.orders, err = settlementrepo.NewOrderReader(db)
	if err != nil {
		return err
	}
	a.engine, err = settlementapp.NewEngine(a.ledger, a.rules, graph, ranks, settlementapp.WithLogger(logger))
	if err != nil {
		return err
	}

	promoRepo, err := promorepo.NewRepository(db)
	if err != nil {
		return err
	}
	a.promo, err = promoapp.NewService(promoRepo, promoapp.WithLogger(logger))
	if err != nil {
		return err
	}

	cache, err := a.diagnosticsCache(ctx)
	if err != nil {
		return err
	}
	a.diagnostics, err = diagapp.NewService(graph, a.orders, a.ledger, cache,
		diagapp.WithLogger(logger),
		diagapp.WithCacheTTL(cfg.DiagnosticsCacheTTL),
		diagapp.WithIntegrityGrace(cfg.IntegrityGrace),
	)
	if err != nil {
		return err
	}
	a.rules.OnSwap(eventing.SubscriberFunc[rulesetapp.Swapped]{
		SubscriberName: "diagnostics.invalidate",
		Fn:             a.diagnostics.HandleRuleSetSwapped,
	})
	return nil
}

// diagnosticsCache prefers Redis and falls back to process memory.
func (a *app) diagnosticsCache(ctx context.Context) (diagapp.Cache, error) {
	client, err := diagredis.Connect(ctx, a.cfg.RedisAddr)
	if err != nil {
		a.logger.Printf("diagnostics cache: redis unavailable, using memory: %v", err)
		return diagmem.NewCache(), nil
	}
	if client == nil {
		return diagmem.NewCache(), nil
	}
	a.redis = client
	cache, err := diagredis.NewCache(client, "mlm-ledger:")
	if err != nil {
		return nil, err
	}
	return cache, nil
}

func (a *app) serve(ctx context.Context) error {
	router := apihttp.NewRouter(apihttp.Dependencies{
		Settler:     a.engine,
		Orders:      a.orders,
		Promo:       a.promo,
		Ledger:      a.ledger,
		Diagnostics: a.diagnostics,
		RuleSets:    a.rules,
		Auth:        auth.NewMiddleware([]byte(a.cfg.JWTSecret), auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)),
		Audit:       audit.NewRepository(a.db),
		Logger:      a.logger,
	})
	server := &http.Server{Addr: a.cfg.HTTPAddr, Handler: router}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Printf("http listening on %s", a.cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		a.logger.Printf("http shutting down")
		return server.Shutdown(shutdownCtx)
	})
	if a.nats != nil {
		consumer, err := ordernats.NewConsumer(a.engine, a.cfg.OrderSubjectPrefix,
			ordernats.WithLogger(a.logger),
			ordernats.WithOrderSource(a.orders),
			ordernats.WithPromo(a.promo),
			ordernats.WithProcessedStore(eventingrepo.NewProcessedStore(a.db)),
		)
		if err != nil {
			return err
		}
		group.Go(func() error { return consumer.Run(ctx, a.nats) })
	} else {
		a.logger.Printf("order consumer: NATS_URL not set, event intake disabled")
	}
	return group.Wait()
}

func (a *app) Close() {
	if a.nats != nil {
		_ = a.nats.Drain()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
