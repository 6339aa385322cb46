package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mintbay/marketd/internal/crypto"
	"github.com/mintbay/marketd/internal/ledger"
	"github.com/mintbay/marketd/internal/registry"
	"github.com/mintbay/marketd/internal/server"
	"github.com/mintbay/marketd/internal/server/handler"
	"github.com/mintbay/marketd/internal/server/ws"
	"github.com/mintbay/marketd/internal/service"
)

// defaultRegistryAddr identifies the built-in token collection used when the
// configuration names no registries.
var defaultRegistryAddr = common.HexToAddress("0x0000000000000000000000000000000000000002")

// market bundles the in-memory arenas and the service built on top of them.
type market struct {
	svc             *service.MarketService
	defaultRegistry common.Address
}

// buildMarket constructs the owner signer, the ledger, the configured token
// registries, and the market service, then replays the journal so the arenas
// resume from the last committed state.
func (a *App) buildMarket(ctx context.Context, deps *Dependencies) (*market, error) {
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Owner.PrivateKey,
		EncryptedKeyPath: a.cfg.Owner.EncryptedKeyPath,
		KeyPassword:      a.cfg.Owner.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("build market: load owner key: %w", err)
	}
	signer, err := crypto.NewSigner(keyHex)
	if err != nil {
		return nil, fmt.Errorf("build market: owner signer: %w", err)
	}

	marketAddr := common.HexToAddress(a.cfg.Market.Address)
	ldg := ledger.New(marketAddr, signer.Address(), a.cfg.Market.ListingFeeWei())

	svc := service.NewMarketService(
		ldg,
		deps.AssetStore,
		deps.ListingStore,
		deps.BalanceStore,
		deps.AuditStore,
		deps.ListingCache,
		deps.SignalBus,
		deps.RateLimiter,
		deps.Notifier,
		a.cfg.Market.RateLimitPerMin,
		a.logger,
	)

	registryAddrs := make([]common.Address, 0, len(a.cfg.Market.Registries))
	for _, s := range a.cfg.Market.Registries {
		registryAddrs = append(registryAddrs, common.HexToAddress(s))
	}
	if len(registryAddrs) == 0 {
		registryAddrs = append(registryAddrs, defaultRegistryAddr)
	}

	for _, addr := range registryAddrs {
		reg := registry.New(addr)

		assets, err := deps.AssetStore.ListByRegistry(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("build market: replay assets for %s: %w", addr.Hex(), err)
		}
		reg.Restore(assets)

		svc.AttachRegistry(reg)
		a.logger.InfoContext(ctx, "registry attached",
			slog.String("registry", addr.Hex()),
			slog.Int("assets", len(assets)),
		)
	}

	listings, err := deps.ListingStore.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("build market: replay listings: %w", err)
	}
	balances, err := deps.BalanceStore.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("build market: replay balances: %w", err)
	}
	ldg.Restore(listings, balances)

	a.logger.InfoContext(ctx, "ledger restored from journal",
		slog.Int("listings", len(listings)),
		slog.Int("accounts", len(balances)),
		slog.String("market", marketAddr.Hex()),
		slog.String("owner", signer.Address().Hex()),
	)

	return &market{
		svc:             svc,
		defaultRegistry: registryAddrs[0],
	}, nil
}

// ServerMode serves the HTTP + WebSocket API on top of the restored ledger.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	mkt, err := a.buildMarket(ctx, deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, mkt)
	return g.Wait()
}

// ArchiveMode runs the periodic cold-storage archival loop and nothing else.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archival is disabled or S3 is not configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runArchiveLoop(ctx, deps)
	})
	return g.Wait()
}

// FullMode serves the API and runs the archival loop in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	mkt, err := a.buildMarket(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps, mkt)

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, mkt *market) {
	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false; no API will be served")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.logger),
		Tokens:      handler.NewTokenHandler(mkt.svc, mkt.defaultRegistry, a.logger),
		Listings:    handler.NewListingHandler(mkt.svc, mkt.defaultRegistry, a.logger),
		Withdrawals: handler.NewWithdrawalHandler(mkt.svc, a.logger),
		Ops:         handler.NewOpsHandler(mkt.svc, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		RequireSignatures: a.cfg.Server.RequireSignatures,
		RateLimit:         a.cfg.Market.RateLimitPerMin,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// runArchiveLoop periodically snapshots old sold listings and audit entries to
// S3. A distributed lock ensures only one instance archives at a time.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	runOnce := func() {
		unlock, err := deps.LockManager.Acquire(ctx, "archive", interval)
		if err != nil {
			a.logger.InfoContext(ctx, "archive: another instance holds the lock, skipping cycle")
			return
		}
		defer unlock()

		cutoff := time.Now().UTC().Add(-retention)

		n, err := deps.Archiver.ArchiveSoldListings(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive: sold listings failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			a.logger.InfoContext(ctx, "archive: sold listings uploaded", slog.Int64("count", n))
		}

		n, err = deps.Archiver.ArchiveAuditLog(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive: audit log failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			a.logger.InfoContext(ctx, "archive: audit entries uploaded", slog.Int64("count", n))
		}
	}

	a.logger.InfoContext(ctx, "archive loop started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}
