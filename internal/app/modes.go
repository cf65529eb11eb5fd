package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/server"
	"github.com/alanyoungcy/iotmart/internal/server/handler"
	"github.com/alanyoungcy/iotmart/internal/server/ws"
	"github.com/alanyoungcy/iotmart/internal/service"
)

// newMarketplace builds the marketplace from deps and seeds its repository,
// first from the listing cache and then from the ledger. A failed first
// refresh is logged; the repository keeps the cached view.
func (a *App) newMarketplace(ctx context.Context, deps *Dependencies) *service.Marketplace {
	wf := a.cfg.Workflow
	m := service.NewMarketplace(service.MarketplaceDeps{
		Ledger:       deps.Ledger,
		Compute:      deps.Compute,
		Locks:        deps.Locks,
		Bus:          deps.Bus,
		Cache:        deps.Cache,
		HistoryStore: deps.HistoryStore,
		Notifier:     deps.Notifier,
		Logger:       a.logger,
	}, service.MarketplaceConfig{
		Account: deps.Account,
		Workflow: service.WorkflowConfig{
			ConfirmTimeout:   wf.ConfirmTimeout.Duration,
			Validation:       service.ValidationOptions{LenientNumbers: wf.LenientNumbers},
			SuccessNoticeTTL: wf.SuccessNoticeTTL.Duration,
			ErrorNoticeTTL:   wf.ErrorNoticeTTL.Duration,
		},
		RefreshConcurrency: wf.RefreshConcurrency,
		HistoryWindow:      wf.HistoryWindow,
		ReconcileTimeout:   wf.ReconcileTimeout.Duration,
	})

	if err := m.WarmFromCache(ctx); err != nil && !errors.Is(err, domain.ErrNotFound) {
		a.logger.WarnContext(ctx, "cache warm-up failed", slog.String("error", err.Error()))
	}
	if snap, err := m.Refresh(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial refresh failed", slog.String("error", err.Error()))
	} else {
		a.logger.InfoContext(ctx, "listings loaded",
			slog.Int("listings", snap.Len()),
			slog.Int("skipped", len(snap.Skipped)),
		)
	}
	return m
}

// ServeMode runs the HTTP API, the websocket hub and the periodic refresh
// until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	m := a.newMarketplace(ctx, deps)
	defer a.shutdownMarketplace(m, deps)

	g, ctx := errgroup.WithContext(ctx)

	var hub *ws.Hub
	if deps.Bus != nil {
		contract := deps.Ledger.ContractAddress()
		hub = ws.NewHub(deps.Bus, a.logger, ws.Config{
			Status: func() any {
				return map[string]any{
					"contract":  contract,
					"connected": m.Session().Connected(),
					"listings":  m.Listings().Len(),
					"stats":     m.Stats(),
				}
			},
		})
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Addr:           fmt.Sprintf(":%d", sc.Port),
		CORSOrigins:    sc.CORSOrigins,
		APIKey:         sc.APIKey,
		RateLimit:      sc.RateLimit,
		WriteRateLimit: sc.WriteRateLimit,
		RateWindow:     sc.RateWindow.Duration,
		WriteTimeout:   a.cfg.Workflow.ConfirmTimeout.Duration + 30*time.Second,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Listings: handler.NewListingHandler(m, a.logger),
		Market:   handler.NewMarketHandler(m, deps.Ledger.ContractAddress(), a.logger),
		History:  handler.NewHistoryHandler(m, deps.HistoryStore, m.Session().ID, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if iv := a.cfg.Workflow.RefreshInterval.Duration; iv > 0 {
		g.Go(func() error { return a.refreshLoop(ctx, m, iv) })
	}

	return g.Wait()
}

// SyncMode refreshes the listings on an interval and logs the statistics,
// mirroring every snapshot into the cache when Redis is enabled.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode",
		slog.Duration("interval", a.cfg.Workflow.RefreshInterval.Duration),
	)

	m := a.newMarketplace(ctx, deps)
	defer a.shutdownMarketplace(m, deps)

	return a.refreshLoop(ctx, m, a.cfg.Workflow.RefreshInterval.Duration)
}

// DemoMode runs one create-then-verify round against the in-memory ledger
// and local compute engine, logs the outcome and returns.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode", slog.String("account", deps.Account))

	m := a.newMarketplace(ctx, deps)
	defer a.shutdownMarketplace(m, deps)

	created := m.CreateListing(ctx, service.ListingForm{
		Name:        "Greenhouse temperature",
		Value:       "42",
		Price:       "10",
		Description: "Hourly average, zone B",
	})
	if !created.OK() {
		return fmt.Errorf("app: demo create: %s: %w", created.Outcome, created.Err)
	}
	a.logger.InfoContext(ctx, "demo listing created",
		slog.String("listing_id", created.ListingID),
		slog.String("tx", created.TxHash),
	)

	verified := m.VerifyListing(ctx, created.ListingID)
	if !verified.OK() {
		return fmt.Errorf("app: demo verify: %s: %w", verified.Outcome, verified.Err)
	}
	a.logger.InfoContext(ctx, "demo listing verified",
		slog.String("listing_id", verified.ListingID),
		slog.String("outcome", string(verified.Outcome)),
		slog.Uint64("clear_value", verified.ClearValue),
	)

	st := m.Stats()
	a.logger.InfoContext(ctx, "demo stats",
		slog.Int("total", st.Total),
		slog.Int("available", st.Available),
		slog.Int("verified", st.Verified),
		slog.Float64("avg_price", st.AvgPrice),
	)
	for _, e := range m.History() {
		a.logger.InfoContext(ctx, "demo history",
			slog.String("kind", string(e.Kind)),
			slog.String("listing_id", e.ListingID),
			slog.String("display_name", e.DisplayName),
		)
	}
	return nil
}

func (a *App) refreshLoop(ctx context.Context, m *service.Marketplace, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := m.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.WarnContext(ctx, "refresh failed", slog.String("error", err.Error()))
				continue
			}
			st := m.Stats()
			a.logger.InfoContext(ctx, "listings refreshed",
				slog.Int("total", st.Total),
				slog.Int("available", st.Available),
				slog.Int("sold", st.Sold),
				slog.Int("verified", st.Verified),
				slog.Int("skipped", len(snap.Skipped)),
			)
		}
	}
}

// shutdownMarketplace archives the session history and the last snapshot
// when an archive is configured, then stops confirmation tracking.
func (a *App) shutdownMarketplace(m *service.Marketplace, deps *Dependencies) {
	defer m.Close()
	if deps.Archiver == nil || !a.cfg.Workflow.ArchiveOnShutdown {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if entries := m.Session().History.All(); len(entries) > 0 {
		path, err := deps.Archiver.ArchiveHistory(ctx, m.Session().ID, entries)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive history failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "history archived", slog.String("path", path), slog.Int("entries", len(entries)))
		}
	}

	snap := m.Listings()
	if snap.Len() == 0 {
		return
	}
	records := make([]domain.LedgerRecord, 0, snap.Len())
	for _, l := range snap.Listings {
		records = append(records, l.Record())
	}
	path, err := deps.Archiver.ArchiveSnapshot(ctx, records)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive snapshot failed", slog.String("error", err.Error()))
		return
	}
	a.logger.InfoContext(ctx, "snapshot archived", slog.String("path", path), slog.Int("listings", len(records)))
}
