package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mschirtzinger/fieldsync/internal/config"
	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/lifecycle"
	"github.com/mschirtzinger/fieldsync/internal/realtime"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/status"
	"github.com/mschirtzinger/fieldsync/internal/store"
	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

var errSignedOut = errors.New("not signed in (run fieldsync login)")

// session is everything one signed-in user needs to sync.
type session struct {
	user    lifecycle.Identity
	store   *store.Store
	backend remote.Backend
	engine  *fsync.Engine
	diags   *dto.DiagnosticReporter
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.Database, logger)
}

func currentUser() (lifecycle.Identity, error) {
	id, err := lifecycle.ReadSession(cfg.SessionFile)
	if err != nil {
		return lifecycle.Identity{}, err
	}
	if id == nil {
		return lifecycle.Identity{}, errSignedOut
	}
	return *id, nil
}

func newBackend(ctx context.Context, user lifecycle.Identity) (remote.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	switch cfg.Remote.Transport {
	case config.RemotePostgres:
		b, err := remote.NewPostgresBackend(ctx, remote.PostgresConfig{
			DatabaseURL:    cfg.Remote.DatabaseURL,
			UserID:         user.UserID,
			RequestTimeout: cfg.Remote.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		b, err := remote.NewRESTBackend(remote.RESTConfig{
			URL:            cfg.Remote.URL,
			APIKey:         cfg.Remote.APIKey,
			AccessToken:    user.AccessToken,
			UserID:         user.UserID,
			RequestTimeout: cfg.Remote.RequestTimeout,
			MaxElapsed:     cfg.Remote.MaxElapsed,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// newTransport returns the configured change feed, or nil when realtime is
// disabled. The close function may be nil.
func newTransport(ctx context.Context, user lifecycle.Identity) (realtime.Transport, func() error, error) {
	switch cfg.Realtime.Transport {
	case config.RealtimeWebsocket:
		return realtime.NewWebsocketTransport(realtime.WebsocketConfig{
			URL:         cfg.Realtime.URL,
			Topic:       cfg.Realtime.Topic,
			APIKey:      cfg.Remote.APIKey,
			AccessToken: user.AccessToken,
			Heartbeat:   cfg.Realtime.Heartbeat,
		}, logger), nil, nil
	case config.RealtimeRedis:
		client, err := realtime.NewRedisClient(ctx, cfg.Realtime.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return realtime.NewRedisTransport(client, cfg.Realtime.Channel, logger), client.Close, nil
	default:
		return nil, nil, nil
	}
}

func openSession(ctx context.Context, user lifecycle.Identity) (*session, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(ctx, user)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	diags := dto.NewDiagnosticReporter(logger)
	engineCfg := cfg.Sync.Engine()
	engineCfg.Logger = logger
	engineCfg.Diagnostics = diags

	engine, err := fsync.New(ctx, st, backend, engineCfg)
	if err != nil {
		_ = backend.Close()
		_ = st.Close()
		return nil, err
	}
	return &session{user: user, store: st, backend: backend, engine: engine, diags: diags}, nil
}

func (s *session) Close() error {
	return errors.Join(s.engine.Close(), s.backend.Close(), s.store.Close())
}

// withSession opens a session for the signed-in user, runs fn and closes it.
func withSession(ctx context.Context, fn func(*session) error) error {
	user, err := currentUser()
	if err != nil {
		return err
	}
	s, err := openSession(ctx, user)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

// idleListener stands in for the realtime listener when realtime is off.
type idleListener struct{}

func (idleListener) Start(context.Context) error { return nil }
func (idleListener) Stop()                       {}
func (idleListener) NotifyNetworkRestored()      {}

// sessionFactory builds coordinator sessions that report to srv.
func sessionFactory(srv *status.Server) lifecycle.Factory {
	return func(ctx context.Context, user lifecycle.Identity) (*lifecycle.Session, error) {
		s, err := openSession(ctx, user)
		if err != nil {
			return nil, err
		}

		transport, closeTransport, err := newTransport(ctx, user)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to open realtime transport: %w", err)
		}

		var listener lifecycle.Listener = idleListener{}
		if transport != nil {
			proc := realtime.NewProcessor(s.store, s.diags, logger)
			proc.SetUser(user.UserID)
			lc := cfg.Realtime.Listener()
			lc.Logger = logger
			if srv != nil {
				lc.OnOutcome = srv.Metrics().ObserveOutcome
			}
			listener = realtime.NewListener(transport, proc, lc)
		}

		detach := func() {}
		if srv != nil {
			detach = srv.Attach(user.UserID, s.engine)
		}

		return &lifecycle.Session{
			User:     user,
			Engine:   s.engine,
			Listener: listener,
			Backend:  s.backend,
			Close: func() error {
				detach()
				var errs []error
				if closeTransport != nil {
					errs = append(errs, closeTransport())
				}
				return errors.Join(append(errs, s.Close())...)
			},
		}, nil
	}
}
