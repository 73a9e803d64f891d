package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/katanemo/archgw/config"
	"github.com/katanemo/archgw/gateway/prompt"
	"github.com/katanemo/archgw/internal/metrics"
	"github.com/katanemo/archgw/internal/proxy"
	"github.com/katanemo/archgw/llm"
	"github.com/katanemo/archgw/ratelimit"
)

type serverOptions struct {
	configPath     string
	adminAddr      string
	modelServerURL string
	archFCURL      string
}

type server struct {
	cfg       *config.Configuration
	logger    *zap.Logger
	dataPlane *http.Server
	admin     *http.Server
	bootstrap *proxy.BootstrapRunner
	prompt    *prompt.FilterContext
}

func newServer(opts serverOptions, logger *zap.Logger) (*server, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	providers, err := llm.NewProviders(cfg.LlmProviders)
	if err != nil {
		return nil, err
	}
	limits, err := ratelimit.New(cfg.Ratelimits, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	clusters := proxy.NewClusters(cfg, opts.modelServerURL, opts.archFCURL)
	dispatcher := proxy.NewDispatcher(clusters, logger)

	var promptFilter *prompt.FilterContext
	var bootstrap *proxy.BootstrapRunner
	if cfg.Mode == config.ModePrompt {
		bootstrap = proxy.NewBootstrapRunner(dispatcher, logger)
		promptFilter, err = prompt.NewFilterContext(bootstrap, cfg, m, logger)
		if err != nil {
			return nil, err
		}
		bootstrap.Attach(promptFilter)
	}

	dataPlane := proxy.NewServer(cfg.Mode, promptFilter, providers, limits, clusters, dispatcher, m, logger)
	listenAddr := fmt.Sprintf("%s:%d", cfg.Listener.Address, cfg.Listener.Port)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if promptFilter != nil && !promptFilter.Ready() {
			http.Error(w, "embedding store is not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &server{
		cfg:    cfg,
		logger: logger,
		dataPlane: &http.Server{
			Addr:              listenAddr,
			Handler:           dataPlane,
			ReadHeaderTimeout: 10 * time.Second,
		},
		admin: &http.Server{
			Addr:              opts.adminAddr,
			Handler:           adminMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		bootstrap: bootstrap,
		prompt:    promptFilter,
	}, nil
}

func (s *server) run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("admin listener started", zap.String("addr", s.admin.Addr))
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.bootstrap != nil {
		go s.bootstrap.Run(ctx)
		s.logger.Info("waiting for prompt target embeddings")
		if !s.bootstrap.WaitReady(ctx) {
			return ctx.Err()
		}
		s.logger.Info("embedding store published, serving traffic")
	}

	go func() {
		s.logger.Info("data plane listener started", zap.String("addr", s.dataPlane.Addr))
		if err := s.dataPlane.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.dataPlane.Shutdown(shutdownCtx)
	_ = s.admin.Shutdown(shutdownCtx)
	return nil
}
