package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/minivec/minivec/internal/cache"
	"github.com/minivec/minivec/internal/config"
	"github.com/minivec/minivec/internal/embedding"
	"github.com/minivec/minivec/internal/server"
)

// IsWorker reports whether this process was forked by a supervisor master.
func IsWorker() bool {
	return os.Getenv(workerEnv) == "1"
}

// RunWorker serves requests in a supervised worker: it recovers the
// inherited listener, loads the model, and only then starts heartbeating.
// Any failure before the first heartbeat exits the process, which the
// master counts as a boot failure.
func RunWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := inheritedListener()
	if err != nil {
		return err
	}
	defer ln.Close()

	hb := os.NewFile(uintptr(heartbeatFD), "heartbeat")
	if hb == nil {
		return errors.New("heartbeat pipe not inherited")
	}
	defer hb.Close()

	host, memo := buildHost(cfg, logger)
	defer host.Close()
	if memo != nil {
		defer memo.Close()
	}

	if err := loadHost(ctx, cfg, host, logger); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go heartbeatLoop(ctx, cancel, hb, beatInterval, logger)

	return server.New(cfg, host, logger).Serve(ctx, ln)
}

// RunInProcess serves from the current process with no forked workers.
// This is the workers.count=0 mode used for development and containers
// that bring their own process manager.
func RunInProcess(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	host, memo := buildHost(cfg, logger)
	defer host.Close()
	if memo != nil {
		defer memo.Close()
	}

	if err := loadHost(ctx, cfg, host, logger); err != nil {
		return err
	}

	return server.New(cfg, host, logger).ListenAndServe(ctx)
}

// buildHost wires the embedding host and its memo cache. Cache trouble
// degrades to uncached serving; only the model itself is load-bearing.
func buildHost(cfg *config.Config, logger *slog.Logger) (*embedding.Host, *cache.EmbeddingCache) {
	var memo *cache.EmbeddingCache
	if cfg.Cache.Enabled {
		path, err := cfg.Cache.EffectivePath()
		if err == nil {
			err = os.MkdirAll(filepath.Dir(path), 0o755)
		}
		if err == nil {
			memo, err = cache.NewEmbeddingCache(path, cfg.Cache.MaxMegabytes)
		}
		if err != nil {
			logger.Warn("embedding cache unavailable, serving uncached", "error", err)
			memo = nil
		}
	}

	host := embedding.NewHost(embedding.Config{
		Model:    cfg.Model.Name,
		Backend:  cfg.Model.Backend,
		ModelDir: cfg.Model.Dir,
	}, memo)
	return host, memo
}

// loadHost loads the model and optionally warms it. Failure is fatal for
// the process; there is no serving without a model.
func loadHost(ctx context.Context, cfg *config.Config, host *embedding.Host, logger *slog.Logger) error {
	start := time.Now()
	if err := host.Load(); err != nil {
		return fmt.Errorf("model load: %w", err)
	}
	logger.Info("model loaded",
		"model", host.Model(),
		"backend", host.Backend(),
		"dimensions", host.Dimensions(),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)

	if cfg.Model.Warmup {
		if err := host.Warmup(ctx); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}
	return nil
}

// heartbeatLoop writes the readiness byte, then one byte per interval. A
// write failure means the master is gone; the worker stops rather than
// serve unsupervised.
func heartbeatLoop(ctx context.Context, cancel context.CancelFunc, hb *os.File, interval time.Duration, logger *slog.Logger) {
	if _, err := hb.Write([]byte{1}); err != nil {
		logger.Error("heartbeat pipe broken, stopping", "error", err)
		cancel()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := hb.Write([]byte{1}); err != nil {
				logger.Error("heartbeat pipe broken, stopping", "error", err)
				cancel()
				return
			}
		}
	}
}

// inheritedListener recovers the listening socket the master passed as fd 3.
func inheritedListener() (net.Listener, error) {
	f := os.NewFile(uintptr(listenerFD), "listener")
	if f == nil {
		return nil, errors.New("listener not inherited")
	}
	return listenerFromFile(f)
}

// listenerFromFile turns an inherited descriptor back into a net.Listener.
// FileListener dups the descriptor, so f is closed here either way.
func listenerFromFile(f *os.File) (net.Listener, error) {
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}
	return ln, nil
}
