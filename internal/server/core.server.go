package server

import (
	"context"
	"net/http"

	"remit-service/internal/account"
	"remit-service/internal/config"
	hrest "remit-service/internal/handler/rest"
	"remit-service/internal/ledger"
	"remit-service/internal/pub"
	"remit-service/internal/repository"
	"remit-service/internal/transfer"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server holds the wired service graph and the resources it must release
// on shutdown.
type Server struct {
	http      *http.Server
	scheduler *transfer.Scheduler
	provider  *transfer.SandboxProvider
	events    *pub.TransferEventPublisher
	log       *zap.Logger
}

// New builds the full dependency graph: stores, ledger engine, resolver,
// quoter, provider, lifecycle controller and the REST surface.
func New(cfg config.AppConfig, log *zap.Logger) (*Server, error) {
	dbpool, err := config.ConnectDB(log)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       0,
	})

	// --- Repositories ---
	accountRepo := repository.NewAccountRepo(dbpool)
	ledgerRepo := repository.NewLedgerRepo(dbpool)
	transferRepo := repository.NewTransferRepo(dbpool)

	// --- Core ---
	engine := ledger.NewEngine(accountRepo, ledgerRepo, log)
	resolver := transfer.NewResolver(accountRepo, log)
	rates := transfer.NewCachedRates(transfer.DefaultRates(), rdb, cfg.RateCacheTTL, log)
	quoter := transfer.NewQuoter(rates, nil, transfer.DefaultFeePolicy())
	scheduler := transfer.NewScheduler(log)

	writer := pub.NewTransferTopicWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	events := pub.NewTransferEventPublisher(rdb, writer, log)

	provider := transfer.NewSandboxProvider(cfg.ProviderDelay, log)
	controller := transfer.NewController(transfer.ControllerParams{
		Transfers: transferRepo,
		Accounts:  accountRepo,
		Engine:    engine,
		Resolver:  resolver,
		Quoter:    quoter,
		Provider:  provider,
		Scheduler: scheduler,
		Events:    events,
		Logger:    log,
		StepDelay: cfg.StepDelay,
	})
	provider.OnConfirmation(func(ctx context.Context, transferID, providerRef string, succeeded bool, reason string) {
		// The controller logs confirmation failures itself.
		_ = controller.HandleProviderResult(ctx, transferID, providerRef, succeeded, reason)
	})

	accounts := account.NewService(accountRepo, engine, log)

	// Seed the system liquidity accounts in the background; a failure is
	// logged, not fatal, since user traffic does not depend on them.
	go func() {
		for _, currency := range cfg.SeedCurrencies {
			if _, err := accounts.SeedSystemAccount(context.Background(), currency, cfg.SeedBalance); err != nil {
				log.Warn("system account seeding failed",
					zap.String("currency", currency), zap.Error(err))
			}
		}
	}()

	handler := hrest.NewRemitRestHandler(accounts, controller, quoter, events, log)

	return &Server{
		http: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: handler.Router(cfg.JWTSecret, cfg.ProviderToken),
		},
		scheduler: scheduler,
		provider:  provider,
		events:    events,
		log:       log,
	}, nil
}

// Run serves HTTP until the server is shut down.
func (s *Server) Run() error {
	s.log.Info("remit REST server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains HTTP, stops pending lifecycle steps and flushes the
// event publisher.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.provider.Close()
	s.scheduler.Shutdown()
	if cerr := s.events.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
