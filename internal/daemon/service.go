// Package daemon runs one regsyncd node.
//
// A host loads the catalog from disk, serves peers and pushes every synced
// registry to each guest on join and after each reload. A guest dials a host
// and replaces its registries with what it receives. Combined mode runs a
// host whose catalog is also driven by an in-process guest over a pipe; that
// guest shares the host's registries and refreshes them from the live map
// instead of adopting received data.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/regsync/internal/admin"
	"github.com/danmuck/regsync/internal/auth"
	"github.com/danmuck/regsync/internal/catalog"
	"github.com/danmuck/regsync/internal/config"
	"github.com/danmuck/regsync/internal/loader"
	"github.com/danmuck/regsync/internal/observability"
	"github.com/danmuck/regsync/internal/replication"
	"github.com/danmuck/regsync/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SyncRoute is where a websocket host accepts peers.
const SyncRoute = "/sync"

var (
	ErrNoSource  = errors.New("daemon: node has no local sources")
	ErrNotServed = errors.New("daemon: node does not serve peers")
)

type Service struct {
	cfg     config.Config
	logger  zerolog.Logger
	catalog *catalog.Catalog
	dir     *replication.Directory
	source  *loader.Dir

	hub  *transport.Hub
	node *replication.Node
	// local is the in-process guest of combined mode.
	local     *transport.Hub
	localNode *replication.Node

	admin *admin.Server

	reloadMu sync.Mutex
	left     chan transport.PeerID

	ready    chan struct{}
	syncAddr string
}

func New(cfg config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:    cfg,
		logger: logger.With().Str("node", cfg.NodeID).Str("mode", string(cfg.Mode)).Logger(),
		left:   make(chan transport.PeerID, 1),
		ready:  make(chan struct{}),
	}
	metrics := observability.NewMetrics(cfg.NodeID)

	cat, err := catalog.New(catalog.Options{Logger: &s.logger, Metrics: metrics, Workers: cfg.Workers})
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	s.catalog = cat
	s.dir = replication.NewDirectory(replication.DirectoryConfig{Logger: &s.logger, Metrics: metrics})
	if err := cat.Register(s.dir); err != nil {
		return nil, fmt.Errorf("register catalog: %w", err)
	}

	hubCfg := transport.HubConfig{ID: transport.PeerID(cfg.NodeID), Role: string(cfg.Mode), Session: cfg.Session, Logger: &s.logger}
	switch cfg.Mode {
	case config.ModeGuest:
		s.node, err = replication.NewNode(replication.NodeConfig{
			Directory: s.dir,
			Authority: replication.Guest,
			Logger:    &s.logger,
			OnCommit:  s.logCommit,
		})
		if err != nil {
			return nil, err
		}
		s.hub, err = transport.NewHub(hubCfg, transport.HandlerFuncs{
			Message: s.node.HandleMessage,
			Joined:  s.node.PeerJoined,
			Left:    s.hostLeft,
		})
		if err != nil {
			return nil, err
		}
	default:
		s.source, err = loader.NewDir(cfg.Roots, &s.logger)
		if err != nil {
			return nil, err
		}
		// A host is the origin of its data: anything a peer sends back only
		// refreshes from the live map.
		s.node, err = replication.NewNode(replication.NodeConfig{
			Directory:  s.dir,
			Authority:  replication.Origin,
			SyncOnJoin: true,
			Logger:     &s.logger,
		})
		if err != nil {
			return nil, err
		}
		s.hub, err = transport.NewHub(hubCfg, s.node)
		if err != nil {
			return nil, err
		}
	}
	s.node.Bind(s.hub)

	if cfg.Mode == config.ModeCombined {
		s.localNode, err = replication.NewNode(replication.NodeConfig{
			Directory: s.dir,
			Authority: replication.Origin,
			Logger:    &s.logger,
			OnCommit:  s.logCommit,
		})
		if err != nil {
			return nil, err
		}
		s.local, err = transport.NewHub(transport.HubConfig{
			ID:      transport.PeerID(cfg.NodeID + ".local"),
			Role:    string(config.ModeGuest),
			Session: cfg.Session,
			Logger:  &s.logger,
		}, s.localNode)
		if err != nil {
			return nil, err
		}
		s.localNode.Bind(s.local)
	}

	if cfg.AdminAddr != "" {
		s.admin = s.buildAdmin()
	}
	return s, nil
}

func (s *Service) buildAdmin() *admin.Server {
	acfg := admin.Config{
		Node:        s.cfg.NodeID,
		Addr:        s.cfg.AdminAddr,
		CORSOrigins: s.cfg.CORSOrigins,
		Logger:      &s.logger,
	}
	if s.cfg.AdminToken != "" {
		acfg.Actions = auth.StaticToken{Token: s.cfg.AdminToken}
	}
	if s.source != nil {
		acfg.Reload = s.Reload
		acfg.Sync = s.Sync
	}
	srv := admin.New(acfg)
	for _, r := range s.catalog.Registries() {
		srv.AddRegistry(r)
	}
	srv.AddLinks(s.hub)
	if s.local != nil {
		srv.AddLinks(s.local)
	}
	return srv
}

func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

func (s *Service) Hub() *transport.Hub {
	return s.hub
}

// Admin is nil when no admin address is configured.
func (s *Service) Admin() *admin.Server {
	return s.admin
}

// SyncAddr waits until the peer listener is bound and returns its address.
func (s *Service) SyncAddr(ctx context.Context) (string, error) {
	if s.source == nil {
		return "", ErrNotServed
	}
	select {
	case <-s.ready:
		return s.syncAddr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Reload re-reads every registry from disk and pushes the result to peers.
func (s *Service) Reload(ctx context.Context) error {
	if s.source == nil {
		return ErrNoSource
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	start := time.Now()
	if err := s.catalog.Load(ctx, s.source, s.cfg.ConditionContext()); err != nil {
		return err
	}
	s.logger.Info().Dur("elapsed", time.Since(start)).Msg("catalog reloaded")
	return s.node.Broadcast(ctx)
}

// Sync pushes the current registries to every peer without reloading.
func (s *Service) Sync(ctx context.Context) error {
	if s.source == nil {
		return ErrNotServed
	}
	return s.node.Broadcast(ctx)
}

// Run blocks until ctx ends or a component fails.
func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	if s.source != nil {
		if err := s.Reload(ctx); err != nil {
			return fmt.Errorf("initial load: %w", err)
		}
	}

	if s.local != nil {
		if err := transport.Pipe(s.local, s.hub); err != nil {
			return fmt.Errorf("attach local guest: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.admin != nil {
		g.Go(func() error {
			return s.admin.Serve(gctx)
		})
	}
	if s.source != nil {
		g.Go(func() error {
			return s.serveSync(gctx)
		})
		if s.cfg.Watch {
			g.Go(func() error {
				return loader.Watch(gctx, s.cfg.Roots, s.cfg.Debounce, s.logger, func(ctx context.Context) {
					if err := s.Reload(ctx); err != nil {
						s.logger.Error().Err(err).Msg("reload after change")
					}
				})
			})
		}
	}
	if s.cfg.Mode == config.ModeGuest {
		g.Go(func() error {
			return s.dialLoop(gctx)
		})
	}

	s.logger.Info().Int("registries", len(s.dir.Paths())).Msg("node running")
	err := g.Wait()
	if ctx.Err() != nil {
		s.logger.Info().Msg("node shutdown")
		return nil
	}
	return err
}

func (s *Service) close() {
	if s.local != nil {
		s.local.Close()
	}
	s.hub.Close()
}

func (s *Service) serveSync(ctx context.Context) error {
	ln, err := s.hub.Listen(s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.syncAddr = ln.Addr().String()
	close(s.ready)

	if s.cfg.Transport == config.TransportTCP {
		return s.hub.Serve(ctx, ln)
	}
	return s.serveWebSocket(ctx, ln)
}

func (s *Service) serveWebSocket(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(SyncRoute, s.hub.WebSocketHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("route", SyncRoute).Msg("websocket listening")
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// dialLoop keeps a guest connected to its host, redialling after each loss.
func (s *Service) dialLoop(ctx context.Context) error {
	for {
		var (
			host transport.PeerID
			err  error
		)
		if s.cfg.Transport == config.TransportWebSocket {
			host, err = s.hub.DialWebSocket(ctx, s.cfg.Connect)
		} else {
			host, err = s.hub.Dial(ctx, s.cfg.Connect)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect %s: %w", s.cfg.Connect, err)
		}
		s.logger.Info().Str("host", string(host)).Msg("connected to host")

		select {
		case <-ctx.Done():
			return nil
		case <-s.left:
			s.logger.Warn().Str("host", string(host)).Msg("host link lost, reconnecting")
		}
	}
}

func (s *Service) hostLeft(peer transport.PeerID) {
	s.node.PeerLeft(peer)
	select {
	case s.left <- peer:
	default:
	}
}

func (s *Service) logCommit(res replication.Result) {
	s.logger.Debug().
		Str("path", res.Path).
		Str("peer", string(res.Peer)).
		Int("committed", res.Committed).
		Bool("self_hosted", res.SelfHosted).
		Msg("registry synced")
}
