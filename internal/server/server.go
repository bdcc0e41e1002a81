// Package server wires the template store, the reload pipeline, the reload
// channel and the HTTP surface into one development or release server.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"

	"github.com/conneroisu/hyro/internal/broadcast"
	"github.com/conneroisu/hyro/internal/config"
	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/engine"
	"github.com/conneroisu/hyro/internal/errors"
	"github.com/conneroisu/hyro/internal/ledger"
	"github.com/conneroisu/hyro/internal/logging"
	"github.com/conneroisu/hyro/internal/reload"
	"github.com/conneroisu/hyro/internal/renderer"
	"github.com/conneroisu/hyro/internal/session"
	"github.com/conneroisu/hyro/internal/store"
	"github.com/conneroisu/hyro/internal/web"
	"github.com/conneroisu/hyro/internal/websocket"
)

// HealthPath reports server status as JSON.
const HealthPath = "/_hyro/health"

const shutdownTimeout = 5 * time.Second

// Server serves rendered templates and, in development mode, keeps browsers
// in sync with template edits.
//
// Invariants:
//   - store, ledger, renderer and router are never nil after New
//   - sockets and reloader are non-nil exactly when development mode is on
//   - httpServer is nil until Start
type Server struct {
	cfg    *config.Config
	logger logging.Logger
	fs     afero.Fs

	mapper      endpoint.Mapper
	store       *store.Store
	ledger      *ledger.Ledger
	broadcaster *broadcast.Broadcaster
	renderer    *renderer.Renderer
	extractor   *web.Extractor
	sockets     *websocket.Manager
	reloader    *reload.Reloader

	router    *mux.Router
	routed    map[string]bool
	buildOnce sync.Once

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	shutdownOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithFs serves templates from fs instead of the configured directory. fs
// must be rooted at the template directory.
func WithFs(fs afero.Fs) Option {
	return func(s *Server) { s.fs = fs }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a server from cfg.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "nil config").WithComponent("server")
	}

	s := &Server{
		cfg:    cfg,
		mapper: endpoint.NewMapper(cfg.Templates.Extension),
		ledger: ledger.New(),
		router: mux.NewRouter(),
		routed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}
	if s.fs == nil {
		s.fs = afero.NewBasePathFs(afero.NewOsFs(), cfg.Templates.Dir)
	}

	dev := cfg.Development.Enabled
	eng := engine.NewPongo(s.fs, engine.WithGlobal("hmr", dev))
	s.store = store.New(s.fs, s.mapper, eng, s.logger)
	s.renderer = renderer.New(s.store, eng, renderer.Options{
		Development:     dev,
		InjectClient:    cfg.Development.InjectClient,
		HMRPath:         cfg.Development.HMRPath,
		StylesheetRoute: cfg.Stylesheet.Route,
	}, s.logger)

	if dev {
		s.extractor = web.NewExtractor(s.ledger, s.logger)
		if err := s.setupDevelopment(); err != nil {
			return nil, err
		}
	} else {
		s.extractor = web.NewExtractor(nil, s.logger)
	}

	s.router.Use(web.Logging(s.logger))
	s.router.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)
	if cfg.Stylesheet.Path != "" {
		s.router.HandleFunc(cfg.Stylesheet.Route, s.handleStylesheet).Methods(http.MethodGet)
	}

	return s, nil
}

func (s *Server) setupDevelopment() error {
	dc := s.cfg.Development
	s.broadcaster = broadcast.New(dc.BroadcastBuffer)
	s.sockets = websocket.NewManager(s.broadcaster, s.ledger, s.mapper, websocket.Options{
		OriginPatterns:      dc.OriginPatterns,
		MaxConnectionsPerIP: dc.MaxConnectionsPerIP,
		Identify:            web.ClientIP,
		Session: session.Options{
			AckTimeout:     dc.AckTimeout,
			IndicesTimeout: dc.IndicesTimeout,
			WriteTimeout:   dc.WriteTimeout,
		},
	}, s.logger)

	reloader, err := reload.New(reload.Options{
		TemplateDir: s.cfg.Templates.Dir,
		Stylesheet:  s.cfg.Stylesheet.Path,
		Debounce:    dc.Debounce,
	}, s.mapper, s.store, s.broadcaster, s.logger)
	if err != nil {
		return fmt.Errorf("setting up reloader: %w", err)
	}
	s.reloader = reloader

	s.router.Handle(dc.HMRPath, s.sockets)
	return nil
}

func newLogger(lc config.LoggingConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	lcfg := logging.DefaultConfig()
	lcfg.Level = level
	lcfg.Format = lc.Format
	lcfg.Component = "hyro"
	return logging.NewLogger(lcfg), nil
}

// Logger returns the server's logger.
func (s *Server) Logger() logging.Logger { return s.logger }

// Store returns the template store.
func (s *Server) Store() *store.Store { return s.store }

// Ledger returns the form history ledger.
func (s *Server) Ledger() *ledger.Ledger { return s.ledger }

// Router exposes the router for routes that do not render a template.
// Routes added before Start take precedence over template routes.
func (s *Server) Router() *mux.Router { return s.router }

// Handle routes path to its template, rendered with data. Without methods
// the route answers GET and POST.
func (s *Server) Handle(path string, data web.DataFunc, methods ...string) *mux.Route {
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost}
	}
	s.routed[endpoint.Normalize(path)] = true
	return s.router.Handle(path, web.NewHandler(s.extractor, s.renderer, data, s.logger)).Methods(methods...)
}

// Handler returns the complete HTTP handler. The first call loads every
// template and routes the endpoints not routed explicitly.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.buildOnce.Do(func() {
		n, err := s.store.Preload(ctx)
		if err != nil {
			s.logger.Warn(ctx, err, "some templates failed to load")
		}

		for _, ep := range s.store.Endpoints() {
			if !s.routed[ep] {
				s.Handle(ep, nil)
			}
		}
		s.router.NotFoundHandler = web.Logging(s.logger)(http.HandlerFunc(s.handleUnrouted))

		s.logger.Info(ctx, "templates loaded", "count", n, "dir", s.cfg.Templates.Dir)
	})
	return s.router
}

// Start serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return errors.NewNetworkError(errors.ErrCodeListen, "listening on "+s.cfg.Server.Addr(), err).
			WithComponent("server")
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	handler := s.Handler(ctx)

	if s.reloader != nil {
		if err := s.reloader.Start(ctx); err != nil {
			_ = ln.Close()
			return fmt.Errorf("starting reloader: %w", err)
		}
		if ttl := s.cfg.Development.LedgerIdleTTL; ttl > 0 {
			go s.pruneLedger(ctx, ttl)
		}
	}

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.serverMutex.Unlock()

	url := fmt.Sprintf("http://%s", ln.Addr())
	s.logger.Info(ctx, "listening",
		"url", url,
		"development", s.cfg.Development.Enabled)
	if s.cfg.Server.Open {
		go s.openBrowser(ctx, url)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

func (s *Server) pruneLedger(ctx context.Context, ttl time.Duration) {
	every := ttl / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ledger.Prune(ttl); n > 0 {
				s.logger.Info(ctx, "pruned idle form histories", "clients", n)
			}
		}
	}
}

// Shutdown stops watching, closes every reload channel and stops the HTTP
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "shutting down")

		if s.reloader != nil {
			if err := s.reloader.Stop(); err != nil {
				s.logger.Warn(ctx, err, "stopping reloader")
			}
		}

		// Hijacked connections are invisible to http.Server.Shutdown.
		if s.sockets != nil {
			if err := s.sockets.Shutdown(ctx); err != nil {
				s.logger.Warn(ctx, err, "closing reload channels")
			}
			s.broadcaster.Close()
		}

		s.serverMutex.RLock()
		srv := s.httpServer
		s.serverMutex.RUnlock()
		if srv != nil {
			shutdownErr = srv.Shutdown(ctx)
		}
	})

	return shutdownErr
}
