package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/buildbuddy-io/contentcache/server/util/log"
	"golang.org/x/sync/errgroup"
)

const (
	maxShutdownDuration = 60 * time.Second
)

type ShutDownFunc func(ctx context.Context) error

// Checker reports whether one dependency can serve. It must not block.
type Checker interface {
	IsHealthy() bool
}

type HealthChecker struct {
	name          string
	done          chan struct{}
	quit          chan os.Signal
	shutdownFuncs []ShutDownFunc
	lock          sync.RWMutex // protects: readyToServe, checkers
	readyToServe  bool
	checkers      map[string]Checker
}

func NewHealthChecker(name string) *HealthChecker {
	hc := &HealthChecker{
		name:         name,
		done:         make(chan struct{}),
		quit:         make(chan os.Signal, 1),
		readyToServe: true,
		checkers:     make(map[string]Checker),
	}
	signal.Notify(hc.quit, os.Interrupt, syscall.SIGTERM)
	go hc.handleShutdownFuncs()
	return hc
}

func (h *HealthChecker) handleShutdownFuncs() {
	<-h.quit

	h.lock.Lock()
	h.readyToServe = false
	fns := append([]ShutDownFunc(nil), h.shutdownFuncs...)
	h.lock.Unlock()

	log.Infof("Caught interrupt signal; shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), maxShutdownDuration)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		eg.Go(func() error {
			if err := fn(egCtx); err != nil {
				log.Warningf("Error gracefully shutting down: %s", err)
			}
			return nil
		})
	}
	eg.Wait()
	if err := ctx.Err(); err != nil {
		log.Warningf("MaxShutdownDuration exceeded. Exiting anyway...")
	}
	close(h.done)
	log.Infof("%s stopped.", h.name)
}

func (h *HealthChecker) RegisterShutdownFunction(f ShutDownFunc) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.shutdownFuncs = append(h.shutdownFuncs, f)
}

// AddHealthCheck makes readiness depend on c.
func (h *HealthChecker) AddHealthCheck(name string, c Checker) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.checkers[name] = c
}

// Shutdown starts a graceful shutdown as if an interrupt was received.
func (h *HealthChecker) Shutdown() {
	select {
	case h.quit <- os.Interrupt:
	default:
	}
}

func (h *HealthChecker) WaitForGracefulShutdown() {
	<-h.done
}

// unhealthy returns the names of failing checks, sorted.
func (h *HealthChecker) unhealthy() []string {
	h.lock.RLock()
	defer h.lock.RUnlock()
	var names []string
	for name, c := range h.checkers {
		if !c.IsHealthy() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (h *HealthChecker) isReady() bool {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.readyToServe
}

func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isReady() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if failing := h.unhealthy(); len(failing) > 0 {
			err := fmt.Errorf("unhealthy: %s", strings.Join(failing, ", "))
			log.Warningf("Readiness check returning error: %s", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})
}

func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
}
