package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/config"
	"github.com/elmops/elm/internal/crypto"
	"github.com/elmops/elm/internal/identity"
	"github.com/elmops/elm/internal/logging"
	"github.com/elmops/elm/internal/network"
	"github.com/elmops/elm/internal/pprofutil"
	"github.com/elmops/elm/internal/rendezvous"
	"github.com/elmops/elm/internal/session"
	"github.com/elmops/elm/internal/storage"
)

const metricsFlushInterval = 5 * time.Second

// runtime is the resolved environment of one command.
type runtime struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	ids      *identity.Manager
	self     identity.Identity
	closeAll []func() error
}

func (c *cli) newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.PprofAddr != "" {
		prof, err := pprofutil.Start(cfg.PprofAddr, cfg.PprofAllowPublic, logger)
		if err != nil {
			return nil, err
		}
		rt.closeAll = append(rt.closeAll, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return prof.Close(ctx)
		})
	}

	store, closeStore, err := openStorage(cfg, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closeAll = append(rt.closeAll, closeStore)

	rt.ids = identity.NewManager(store, identity.WithLogger(logger))
	rt.self, err = rt.ids.Initialize(ctx)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return rt, nil
}

// close persists the nonce high-water mark and releases storage.
func (rt *runtime) close() {
	if rt.ids != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.ids.Close(ctx); err != nil {
			rt.logger.Warn("persist identity failed", zap.Error(err))
		}
		cancel()
	}
	for i := len(rt.closeAll) - 1; i >= 0; i-- {
		if err := rt.closeAll[i](); err != nil {
			rt.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}

func openStorage(cfg config.AppConfig, logger *zap.Logger) (storage.Storage, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Storage {
	case "memory":
		return storage.NewMemoryStore(), nop, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := storage.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, db.Close, nil
	default:
		fs, err := storage.NewFileStore(filepath.Join(cfg.DataDir, "keys"))
		if err != nil {
			return nil, nil, err
		}
		return fs, nop, nil
	}
}

func (rt *runtime) mode() session.Mode {
	if rt.cfg.Mode == "open" {
		return session.ModeOpen
	}
	return session.ModeSecure
}

func (rt *runtime) metricsPath() string {
	if rt.cfg.MetricsPath != "" {
		return rt.cfg.MetricsPath
	}
	if rt.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(rt.cfg.DataDir, "metrics.json")
}

func (rt *runtime) transportOptions() network.Options {
	return network.Options{
		LocalID:    rt.self.ID,
		Logger:     rt.logger,
		RetryBase:  rt.cfg.RetryBase,
		MaxRetries: rt.cfg.MaxRetries,
	}
}

func (rt *runtime) signaler() (network.Signaler, error) {
	sig, err := rendezvous.NewHTTPSignaler(rt.cfg.RendezvousURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func (rt *runtime) hostTransport() (network.Transport, error) {
	if err := rt.cfg.ValidateHost(); err != nil {
		return nil, err
	}
	switch rt.cfg.Transport {
	case "webrtc":
		sig, err := rt.signaler()
		if err != nil {
			return nil, err
		}
		return network.NewWebRTCHost(network.WebRTCOptions{
			Options:  rt.transportOptions(),
			Signaler: sig,
			ICE:      network.ICEConfigFromURLs(rt.cfg.ICEServers, "", ""),
		}), nil
	default:
		return network.NewQUICHost(network.QUICOptions{
			Options: rt.transportOptions(),
			Addr:    rt.cfg.ListenAddr,
		}), nil
	}
}

func (rt *runtime) followerTransport() (network.Transport, error) {
	if err := rt.cfg.ValidateJoin(); err != nil {
		return nil, err
	}
	switch rt.cfg.Transport {
	case "webrtc":
		sig, err := rt.signaler()
		if err != nil {
			return nil, err
		}
		return network.NewWebRTCFollower(network.WebRTCOptions{
			Options:  rt.transportOptions(),
			Signaler: sig,
			HostID:   rt.cfg.HostID,
			ICE:      network.ICEConfigFromURLs(rt.cfg.ICEServers, "", ""),
		}), nil
	default:
		return network.NewQUICFollower(network.QUICOptions{
			Options:  rt.transportOptions(),
			Addr:     rt.cfg.HostAddr,
			Insecure: rt.cfg.Insecure,
		}), nil
	}
}

func (rt *runtime) pinnedHostKey() (crypto.PublicKey, error) {
	if rt.cfg.HostKey == "" {
		return nil, nil
	}
	key, err := crypto.ImportPublic(rt.cfg.HostKey)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	return key, nil
}

func (rt *runtime) displayName() string {
	if rt.cfg.DisplayName != "" {
		return rt.cfg.DisplayName
	}
	return crypto.Fingerprint(rt.self.Keys.Public)
}
