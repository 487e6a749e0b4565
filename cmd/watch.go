package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cloud-scan/cloudscan-lens/internal/orchestrator"
	"github.com/cloud-scan/cloudscan-lens/internal/publish"
	"github.com/cloud-scan/cloudscan-lens/internal/registry"
	"github.com/cloud-scan/cloudscan-lens/internal/service"
)

// shutdownGrace bounds how long running scans may take to settle on exit
const shutdownGrace = 5 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch [flags] <dir>",
	Short: "Watch a directory and rescan files as they change",
	Long: `Watch scans every supported file under a directory, then rescans files
when they are written and drops the diagnostics of removed files.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Duration("debounce", 0, "delay before rescanning a changed file")
	watchCmd.Flags().String("health-addr", "", "serve the gRPC health protocol on this address")
	_ = v.BindPFlag("watch.debounce", watchCmd.Flags().Lookup("debounce"))
	_ = v.BindPFlag("health_addr", watchCmd.Flags().Lookup("health-addr"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, closePub, err := newPublisher(publish.NewConsole(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer closePub()

	svc, err := service.Build(ctx, cfg, pub)
	if err != nil {
		return err
	}

	if cfg.HealthAddr != "" {
		srv, hs, err := serveHealth(cfg.HealthAddr)
		if err != nil {
			return err
		}
		defer func() {
			hs.Shutdown()
			srv.GracefulStop()
		}()
	}

	w := newWatcher(svc, cfg.Watch.Debounce)
	log.WithFields(log.Fields{
		"root":     root,
		"debounce": cfg.Watch.Debounce,
	}).Info("Watching for changes")
	runErr := w.run(ctx, root)

	log.Info("Shutting down watcher...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Scans did not settle before shutdown")
	}
	log.Info("Watcher stopped")
	return runErr
}

func serveHealth(addr string) (*grpc.Server, *health.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := srv.Serve(lis); err != nil {
			log.WithError(err).Error("Health server stopped")
		}
	}()
	log.WithField("addr", lis.Addr().String()).Info("Health server listening")
	return srv, hs, nil
}

// watcher turns file system events into service calls. Bursts of writes to
// one file collapse into a single scan after the debounce delay.
type watcher struct {
	svc      *service.Service
	debounce time.Duration
	logger   *log.Entry

	mu      sync.Mutex
	stopped bool
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

func newWatcher(svc *service.Service, debounce time.Duration) *watcher {
	return &watcher{
		svc:      svc,
		debounce: debounce,
		logger:   log.WithField("component", "watcher"),
		timers:   make(map[string]*time.Timer),
	}
}

func (w *watcher) run(ctx context.Context, root string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(ctx, fw, root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				w.stop()
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				w.stop()
				return nil
			}
			w.logger.WithError(err).Warn("Watcher error")
		}
	}
}

func (w *watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
		if err := w.svc.OnFileClosed(ctx, ev.Name); err != nil {
			w.logger.WithError(err).WithField("path", ev.Name).Warn("Failed to clear diagnostics")
		}
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ctx, fw, ev.Name); err != nil {
				w.logger.WithError(err).WithField("path", ev.Name).Warn("Failed to watch new directory")
			}
			return
		}
		w.schedule(ctx, ev.Name)
	case ev.Has(fsnotify.Write):
		w.schedule(ctx, ev.Name)
	}
}

// addTree watches every directory under root and schedules a scan of every
// supported file in it
func (w *watcher) addTree(ctx context.Context, fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		w.schedule(ctx, path)
		return nil
	})
}

func (w *watcher) schedule(ctx context.Context, path string) {
	if !w.svc.Registry().Supports(registry.LanguageForPath(path)) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		// a newer timer may have replaced this one after it fired
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()
		w.scan(ctx, path)
	})
	w.timers[path] = t
}

func (w *watcher) scan(ctx context.Context, path string) {
	_, err := w.svc.OnFileChanged(ctx, path, path, "")
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, orchestrator.ErrShutdown):
		w.logger.WithField("path", path).Debug("Scan abandoned on shutdown")
	default:
		w.logger.WithError(err).WithField("path", path).Warn("Scan failed")
	}
}

func (w *watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// stop cancels pending scans and waits for the running ones
func (w *watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
