package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/julienschmidt/httprouter"

	"slotboard/pkg/config"
	"slotboard/pkg/contracts"
	"slotboard/pkg/middleware"
)

// Routes groups the handlers the server mounts. Health sits behind minimal
// middleware, Realtime skips the request timeout so long-lived connections
// survive, and API gets the full stack.
type Routes struct {
	Health   contracts.Handler
	Realtime contracts.Handler
	API      []contracts.Handler
}

type Application struct {
	cfg         *config.Config
	server      *http.Server
	rateLimiter *middleware.IPRateLimiter

	workers  []contracts.Worker
	shutdown []func(ctx context.Context)
}

func NewApplication(cfg *config.Config) *Application {
	return &Application{cfg: cfg}
}

func (a *Application) SetApp(routes Routes, tokens middleware.TokenValidator) {
	mux := http.NewServeMux()

	healthHandler := a.healthHandler(routes.Health)
	mux.Handle("/health", healthHandler)
	mux.Handle("/ready", healthHandler)
	if routes.Realtime != nil {
		mux.Handle("/ws", a.realtimeHandler(routes.Realtime))
	}
	mux.Handle("/", a.appHandler(routes.API, tokens))

	a.server = &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      mux,
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  a.cfg.IdleTimeout,
	}

	a.cfg.Log.Info("HTTP server configured", "port", a.cfg.Port)
}

// AddWorker registers a background loop started by Run and stopped on shutdown.
func (a *Application) AddWorker(w contracts.Worker) {
	a.workers = append(a.workers, w)
}

// OnShutdown registers cleanup that runs after the server has drained, in
// registration order.
func (a *Application) OnShutdown(fn func(ctx context.Context)) {
	a.shutdown = append(a.shutdown, fn)
}

func (a *Application) healthHandler(h contracts.Handler) http.Handler {
	router := httprouter.New()
	h.RegisterRoutes(router)

	var handler http.Handler = router
	handler = middleware.RequestLogging(a.cfg.Log)(handler)
	handler = middleware.Recovery(a.cfg.Log)(handler)
	a.cfg.Log.Info("Health endpoints configured with minimal middleware (Recovery + Logging only)")
	return handler
}

func (a *Application) realtimeHandler(h contracts.Handler) http.Handler {
	router := httprouter.New()
	h.RegisterRoutes(router)

	var handler http.Handler = router
	handler = middleware.RequestLogging(a.cfg.Log)(handler)
	handler = middleware.Recovery(a.cfg.Log)(handler)
	a.cfg.Log.Info("Realtime endpoint configured without request timeout")
	return handler
}

func (a *Application) appHandler(handlers []contracts.Handler, tokens middleware.TokenValidator) http.Handler {
	router := httprouter.New()
	for _, h := range handlers {
		h.RegisterRoutes(router)
	}

	a.rateLimiter = middleware.NewIPRateLimiter(
		a.cfg.RateLimitRequests,
		a.cfg.RateLimitWindow,
		a.cfg.TrustXForwardedFor,
		a.cfg.Log,
	)

	// Recovery -> Logging -> MaxSize -> ContentType -> RateLimit -> Auth -> Timeout -> Router
	var handler http.Handler = router
	handler = middleware.RequestTimeout(a.cfg.RequestTimeout)(handler)
	handler = middleware.Authenticate(tokens, a.cfg.Log)(handler)
	handler = middleware.RateLimit(a.rateLimiter)(handler)
	handler = middleware.ContentTypeValidation(a.cfg.Log)(handler)
	handler = middleware.MaxRequestSize(int64(a.cfg.MaxRequestSize))(handler)
	handler = middleware.RequestLogging(a.cfg.Log)(handler)
	handler = middleware.Recovery(a.cfg.Log)(handler)
	a.cfg.Log.Info("Application endpoints configured with full middleware stack")
	return handler
}

func (a *Application) Run() {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	a.rateLimiter.StartJanitor(workerCtx)

	var wg sync.WaitGroup
	for _, w := range a.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(workerCtx)
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.cfg.Log.Info("Starting HTTP server", "address", a.server.Addr)
		serverErrors <- a.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			stopWorkers()
			a.cfg.Log.Fatal("HTTP server failed", "error", err)
		}

	case sig := <-shutdown:
		a.cfg.Log.Info("Shutdown signal received", "signal", sig)
		stopWorkers()
		wg.Wait()
		a.gracefulShutdown()
	}
}

func (a *Application) gracefulShutdown() {
	a.cfg.Log.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.cfg.Log.Error("Server shutdown failed", "error", err)
		if err := a.server.Close(); err != nil {
			a.cfg.Log.Error("Could not stop server gracefully", "error", err)
		}
	}

	for _, fn := range a.shutdown {
		fn(ctx)
	}

	a.cfg.Log.Info("Server stopped gracefully")
}

// Handler exposes the configured mux, mainly for tests.
func (a *Application) Handler() http.Handler {
	return a.server.Handler
}
