// Package app builds the payment engine and its collaborators from
// configuration and runs them as one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-keyshop-backend/internal/chain"
	"github.com/tbourn/go-keyshop-backend/internal/config"
	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/events"
	httpapi "github.com/tbourn/go-keyshop-backend/internal/http"
	"github.com/tbourn/go-keyshop-backend/internal/notify"
	"github.com/tbourn/go-keyshop-backend/internal/pricing"
	"github.com/tbourn/go-keyshop-backend/internal/provision"
	"github.com/tbourn/go-keyshop-backend/internal/rails"
	"github.com/tbourn/go-keyshop-backend/internal/repo"
	"github.com/tbourn/go-keyshop-backend/internal/services"
	"github.com/tbourn/go-keyshop-backend/internal/sysutil"
)

// App holds the wired engine. DB is nil with the memory store.
type App struct {
	Config  config.Config
	DB      *gorm.DB
	Store   services.Store
	Engine  *services.Engine
	Sweeper *services.Sweeper

	closers []func() error
}

// dialEVM is swapped in tests.
var dialEVM = chain.Dial

// New opens the store and connects every collaborator named in cfg. On
// error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(); err != nil {
		return nil, err
	}

	verifiers, addresses, err := a.buildRails(ctx)
	if err != nil {
		return nil, err
	}

	oracle := a.buildOracle()
	notifier := a.buildNotifier()
	publisher, err := a.buildEvents()
	if err != nil {
		return nil, err
	}

	fulfiller := &services.Fulfiller{
		Store:            a.Store,
		Provisioner:      a.buildProvisioner(),
		Notifier:         notifier,
		Events:           publisher,
		AdminChatID:      cfg.Shop.AdminChatID,
		ProvisionTimeout: cfg.Outline.Timeout,
	}
	a.Engine = &services.Engine{
		Store:       a.Store,
		Oracle:      oracle,
		Notifier:    notifier,
		Fulfiller:   fulfiller,
		Verifiers:   verifiers,
		Addresses:   addresses,
		PriceUSD:    cfg.Shop.PriceUSD,
		AdminChatID: cfg.Shop.AdminChatID,
		Tasks:       services.NewTaskSet(context.Background()),
	}
	a.Sweeper = &services.Sweeper{
		Store:              a.Store,
		Timeout:            cfg.Shop.PaymentTimeout,
		Interval:           cfg.Shop.SweepInterval,
		Retention:          cfg.Shop.Retention,
		RetentionFulfilled: cfg.Shop.RetentionFulfilled,
		OnExpired:          a.Engine.HandleExpired,
	}
	if a.DB != nil {
		db := a.DB
		a.Sweeper.Purge = func(ctx context.Context, now time.Time) (int64, error) {
			return repo.PurgeIdempotency(ctx, db, now)
		}
	}

	log.Info().
		Str("store", cfg.StoreDriver).
		Strs("methods", methodNames(a.Engine.AvailableMethods())).
		Msg("payment engine ready")
	return a, nil
}

func (a *App) openStore() error {
	if a.Config.StoreDriver == "memory" {
		a.Store = repo.NewMemoryStore()
		return nil
	}
	db, err := repo.OpenSQLite(a.Config.DBPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.Config.DBPath, err)
	}
	a.DB = db
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Store = repo.NewPaymentStore(db)
	return nil
}

// buildRails offers BTC when an address is configured and ETH/USDT when an
// address and a node are configured.
func (a *App) buildRails(ctx context.Context) (map[domain.Method]services.Verifier, map[domain.Method]string, error) {
	rc := a.Config.Rails
	sched := rails.Schedule{
		First:       rc.PollFirst,
		Interval:    rc.PollInterval,
		MaxAttempts: rc.PollMaxAttempts,
		MaxFailures: rc.PollMaxFailures,
		CallTimeout: rc.RPCTimeout,
	}
	verifiers := map[domain.Method]services.Verifier{}
	addresses := map[domain.Method]string{}

	if rc.BTCAddress != "" {
		verifiers[domain.MethodBTC] = &rails.Rail{Method: domain.MethodBTC, Schedule: sched, Log: sysutil.Component("rail.btc")}
		addresses[domain.MethodBTC] = rc.BTCAddress
	}
	if rc.ETHAddress == "" || rc.ETHNodeURL == "" {
		return verifiers, addresses, nil
	}

	evm, closeEVM, err := dialEVM(ctx, rc.ETHNodeURL)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() error { closeEVM(); return nil })

	verifiers[domain.MethodETH] = &rails.Rail{
		Method:   domain.MethodETH,
		Source:   rails.NativeSource{Reader: evm, Decimals: 18},
		Schedule: sched,
		Log:      sysutil.Component("rail.eth"),
	}
	addresses[domain.MethodETH] = rc.ETHAddress
	if rc.USDTContract != "" {
		verifiers[domain.MethodUSDT] = &rails.Rail{
			Method:   domain.MethodUSDT,
			Source:   rails.TokenSource{Reader: evm, Contract: rc.USDTContract, Decimals: int32(rc.USDTDecimals)},
			Schedule: sched,
			Log:      sysutil.Component("rail.usdt"),
		}
		addresses[domain.MethodUSDT] = rc.ETHAddress
	}
	return verifiers, addresses, nil
}

func (a *App) buildOracle() services.PriceOracle {
	pc := a.Config.Pricing
	gecko := pricing.NewCoinGecko(pc.CoinGeckoURL, pc.Timeout)
	if pc.RedisAddr == "" {
		return gecko
	}
	rdb := redis.NewClient(&redis.Options{Addr: pc.RedisAddr})
	a.closers = append(a.closers, rdb.Close)
	return &pricing.Cached{Oracle: gecko, Cache: rdb, TTL: pc.CacheTTL, Prefix: "keyshop"}
}

func (a *App) buildNotifier() services.Notifier {
	tc := a.Config.Telegram
	if tc.BotToken == "" {
		log.Warn().Msg("BOT_TOKEN not set; chat messages are logged only")
		return notify.Log{}
	}
	return notify.NewTelegram(tc.APIURL, tc.BotToken, tc.Timeout)
}

func (a *App) buildProvisioner() services.Provisioner {
	oc := a.Config.Outline
	if oc.CLI != "" {
		return provision.NewOutlineCLI(oc.CLI, oc.APIURL)
	}
	return provision.NewOutline(oc.APIURL, oc.InsecureTLS, oc.Timeout)
}

func (a *App) buildEvents() (services.EventPublisher, error) {
	kc := a.Config.Kafka
	if len(kc.Brokers) == 0 {
		return events.Log{}, nil
	}
	producer, err := events.NewKafkaProducer(kc.Brokers)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	k := events.NewKafka(producer, kc.TopicPrefix)
	a.closers = append(a.closers, k.Close)
	return k, nil
}

// Handler returns the HTTP API bound to the engine.
func (a *App) Handler() http.Handler {
	gin.SetMode(a.Config.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, a.Engine, a.DB, a.Config)
	return r
}

// Serve recovers interrupted payments, then runs the HTTP server and the
// sweeper until ctx ends or one of them fails. Watchers are drained before
// it returns.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Handler(),
		ReadTimeout:       a.Config.ReadTimeout,
		ReadHeaderTimeout: a.Config.ReadHeaderTimeout,
		WriteTimeout:      a.Config.WriteTimeout,
		IdleTimeout:       a.Config.IdleTimeout,
		MaxHeaderBytes:    a.Config.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.Sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		herr := srv.Shutdown(shutdownCtx)
		eerr := a.Engine.Shutdown(shutdownCtx)
		return errors.Join(herr, eerr)
	})
	return g.Wait()
}

// Close releases every connection opened by New, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func methodNames(ms []domain.Method) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}
