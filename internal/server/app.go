// Package server assembles the console: shared clients, the event hub,
// middleware and every page handler behind one chi router.
package server

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"upfweb/internal/apiclient"
	"upfweb/internal/cache"
	"upfweb/internal/config"
	"upfweb/internal/events"
	"upfweb/internal/handlers/common"
	"upfweb/internal/handlers/imports"
	"upfweb/internal/handlers/inventory"
	"upfweb/internal/handlers/manufacturing"
	"upfweb/internal/handlers/procurement"
	"upfweb/internal/handlers/reports"
	"upfweb/internal/importer"
	"upfweb/internal/metrics"
	"upfweb/internal/prefs"
	"upfweb/internal/render"
	"upfweb/internal/response"
	"upfweb/internal/upf"
)

// CSRFCookie is the console's own double-submit cookie. The backend's CSRF
// cookie is forwarded separately by Session.
const CSRFCookie = "upf_csrf"

// Write rate limit per client address.
const (
	WriteLimit  = 120
	WriteWindow = time.Minute
)

// App holds shared dependencies for the application.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	API      *apiclient.Client
	UPF      *upf.Client
	Hub      *events.Hub
	Views    *render.Engine
	Limiter  *RateLimiter
	Grids    *cache.Cache[*importer.Grid]
	proxies  []netip.Prefix
	started  time.Time
}

// New builds the application for cfg.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	api, err := apiclient.New(apiclient.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		Retries: cfg.API.Retries,
		Backoff: cfg.API.Backoff,
		Logger:  log.Named("api"),
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return nil, err
	}
	views, err := render.New()
	if err != nil {
		return nil, err
	}
	hub := events.NewHub(log.Named("events"), m)
	return &App{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Metrics:  m,
		API:      api,
		UPF:      upf.New(api, hub, cfg.CacheTTL, log.Named("upf"), cache.WithMetrics(m)),
		Hub:      hub,
		Views:    views,
		Limiter:  NewRateLimiter(),
		Grids:    cache.New[*importer.Grid](cache.WithMetrics(m)),
		proxies:  proxies,
		started:  time.Now(),
	}, nil
}

// Router builds the HTTP handler.
func (a *App) Router() http.Handler {
	base := common.Base{Views: a.Views, Log: a.Log, LoginPath: a.Config.LoginPath}
	upfPages := &manufacturing.Handler{Base: base, UPF: a.UPF, Hub: a.Hub, VariantTimeout: a.Config.Lot.VariantOptionsTimeout}
	inventoryPages := &inventory.Handler{Base: base, API: a.API, Hub: a.Hub}
	procurementPages := &procurement.Handler{Base: base, API: a.API, Hub: a.Hub}
	importPages := &imports.Handler{Base: base, API: a.API, Hub: a.Hub, Grids: a.Grids}
	reportPages := &reports.Handler{Base: base, API: a.API}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingMiddleware(a.Log))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(GzipMiddleware)

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(a.Config.StaticDir))))

	r.Group(func(r chi.Router) {
		r.Use(CSRFMiddleware(CSRFCookie))
		r.Use(RateLimitMiddleware(a.Limiter, WriteLimit, WriteWindow, a.proxies))
		r.Post("/prefs", prefs.Handler)

		r.Group(func(r chi.Router) {
			r.Use(Session(a.Config.Session, a.Config.LoginPath))
			r.Handle("/ws", a.Hub)
			r.Get("/", upfPages.Home)
			r.Route("/upf", upfPages.MountRoutes)
			r.Route("/inventory", inventoryPages.MountRoutes)
			r.Route("/procurement", procurementPages.MountRoutes)
			r.Route("/import", importPages.MountRoutes)
			r.Route("/reports", reportPages.MountRoutes)
		})
	})
	return r
}

// Health is the /healthz answer.
type Health struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Subscribers int    `json:"subscribers"`
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, Health{
		Status:      "ok",
		Uptime:      time.Since(a.started).Round(time.Second).String(),
		Subscribers: a.Hub.Subscribers(),
	})
}
