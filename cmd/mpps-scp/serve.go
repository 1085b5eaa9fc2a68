package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/radiology/internal/config"
	"github.com/ehr/radiology/internal/domain/mpps"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/internal/platform/dimse"
	"github.com/ehr/radiology/internal/platform/middleware"
	"github.com/ehr/radiology/internal/platform/telemetry"
	"github.com/ehr/radiology/internal/platform/webhook"
)

const shutdownTimeout = 10 * time.Second

// app is one assembled process: DICOM listener, operations API and the
// resources they share.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.TelemetryProvider
	svc     *mpps.Service
	dicom   *dimse.Server
	http    *echo.Echo
	closers []func()
}

// statusBridge is the selected bridge plus its health check and cleanup.
type statusBridge struct {
	mpps.StatusBridge
	health echo.HandlerFunc
	close  func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion:    version,
		Environment:       cfg.Env,
		RuntimeCollectors: true,
	})

	caps, err := dimse.LoadCapabilities(cfg.SOPClasses)
	if err != nil {
		return nil, err
	}
	createProfile, err := mpps.ResolveProfile(cfg.NCreateProfile, mpps.CreateProfile(), logger)
	if err != nil {
		return nil, err
	}
	updateProfile, err := mpps.ResolveProfile(cfg.NSetProfile, mpps.UpdateProfile(), logger)
	if err != nil {
		return nil, err
	}

	bridge, err := openBridge(ctx, cfg, logger, tp)
	if err != nil {
		return nil, err
	}

	store := mpps.NewFileStore(cfg.StorageDir, logger)
	if !store.Enabled() {
		logger.Warn().Msg("MPPS_STORAGE_DIR is empty, procedure steps will not be persisted")
	}

	svc := mpps.NewService(store, bridge.StatusBridge, logger,
		mpps.WithProfiles(createProfile, updateProfile),
		mpps.WithBridgeTimeout(cfg.BridgeTimeout),
		mpps.WithMetrics(tp),
	)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: tp,
		svc:     svc,
		closers: []func(){bridge.close},
	}
	a.dicom = dimse.NewServer(dimse.Config{
		AETitle:            cfg.AETitle,
		Host:               cfg.BindHost,
		Port:               cfg.Port,
		MaxAssociations:    cfg.MaxAssociations,
		MaxPDULength:       cfg.MaxPDULength,
		AssociationTimeout: cfg.AssociationTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		StopTimeout:        cfg.StopTimeout,
		Capabilities:       caps,
	}, mpps.NewSCP(svc, logger), logger, dimse.WithMetrics(tp))

	if cfg.HTTPPort != 0 {
		a.http = newRouter(svc, a.dicom, tp, bridge.health, logger)
	}
	return a, nil
}

func openBridge(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tp *telemetry.TelemetryProvider) (*statusBridge, error) {
	switch cfg.StatusBridge {
	case config.BridgeNone:
		return &statusBridge{close: func() {}}, nil
	case config.BridgeLog, "":
		return &statusBridge{StatusBridge: mpps.NewLogBridge(logger), close: func() {}}, nil
	case config.BridgePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to RIS database")
		return &statusBridge{
			StatusBridge: mpps.NewPGBridge(pool),
			health:       db.PoolHealthHandler(pool, tp.HealthMetrics()),
			close:        pool.Close,
		}, nil
	case config.BridgeSQLite:
		b, err := mpps.OpenSQLiteBridge(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &statusBridge{
			StatusBridge: b,
			health:       db.HealthHandler("sqlite", b, nil),
			close:        func() { _ = b.Close() },
		}, nil
	case config.BridgeWebhook:
		s, err := webhook.NewSender(cfg.WebhookURL, cfg.WebhookSecret,
			webhook.WithHTTPClient(&http.Client{Timeout: cfg.BridgeTimeout}))
		if err != nil {
			return nil, err
		}
		return &statusBridge{StatusBridge: mpps.NewWebhookBridge(s), close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown status bridge %q", cfg.StatusBridge)
}

type lifecycle interface {
	IsStarted() bool
}

func newRouter(svc *mpps.Service, scp lifecycle, tp *telemetry.TelemetryProvider, dbHealth echo.HandlerFunc, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.RequestTimeout(30 * time.Second))

	e.GET("/health", func(c echo.Context) error {
		if !scp.IsStarted() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}
	e.GET("/metrics", tp.PrometheusHandler())

	mpps.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

// run starts both listeners and blocks until ctx is done or one of them
// fails, then stops both within shutdownTimeout.
func (a *app) run(ctx context.Context) error {
	if err := a.dicom.Start(); err != nil {
		return err
	}
	a.logger.Info().
		Str("addr", a.dicom.Addr()).
		Str("ae_title", a.cfg.AETitle).
		Bool("persistence", a.cfg.PersistenceEnabled()).
		Str("status_bridge", a.cfg.StatusBridge).
		Msg("DICOM listener started")

	g, gctx := errgroup.WithContext(ctx)
	if a.http != nil {
		addr := net.JoinHostPort(a.cfg.BindHost, strconv.Itoa(a.cfg.HTTPPort))
		g.Go(func() error {
			a.logger.Info().Str("addr", addr).Msg("starting operations API")
			if err := a.http.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("operations API: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if a.http != nil {
			if err := a.http.Shutdown(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.dicom.Stop(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if err != nil {
		a.logger.Error().Err(err).Msg("stopped with error")
	} else {
		a.logger.Info().Msg("server stopped")
	}
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.metrics.Shutdown(context.Background())
}
