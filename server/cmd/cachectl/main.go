// cachectl talks to a file or Redis content cache using the same config as
// the servers that share it.
//
//	cachectl [flags] get KEY
//	cachectl [flags] put KEY VALUE|-
//	cachectl [flags] delete KEY
//	cachectl [flags] clean
//	cachectl [flags] status
//	cachectl [flags] flushall
//	cachectl [flags] serve
//	cachectl encode URL
//	cachectl decode PATH
//	cachectl csp HEADER [URL...]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/buildbuddy-io/contentcache/enterprise/server/backends/redis_cache"
	"github.com/buildbuddy-io/contentcache/server/backends/file_cache"
	"github.com/buildbuddy-io/contentcache/server/config"
	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/util/cacheutil"
	"github.com/buildbuddy-io/contentcache/server/util/csp"
	"github.com/buildbuddy-io/contentcache/server/util/disk"
	"github.com/buildbuddy-io/contentcache/server/util/filename_encoder"
	"github.com/buildbuddy-io/contentcache/server/util/healthcheck"
	"github.com/buildbuddy-io/contentcache/server/util/log"
	"github.com/buildbuddy-io/contentcache/server/util/monitoring"
	"github.com/buildbuddy-io/contentcache/server/util/slow_worker"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/docker/go-units"
	"github.com/jonboulle/clockwork"
)

type options struct {
	backend        *string
	monitoringPort *int
	cspSelf        *string
	cspDirective   *string
}

func registerFlags(flags *flag.FlagSet) *options {
	return &options{
		backend:        flags.String("backend", "file", "Which cache to talk to. One of {'file', 'redis'}"),
		monitoringPort: flags.Int("monitoring_port", 0, "If set, serve /metrics, /statusz and pprof on this port."),
		cspSelf:        flags.String("csp_self", "", "The origin of the document a CSP applies to, for matching 'self'."),
		cspDirective:   flags.String("csp_directive", "script-src", "The directive URLs given to the csp command are checked against."),
	}
}

// backend is a cache plus the administrative operations cachectl exposes.
type backend interface {
	interfaces.Cache
	Status(ctx context.Context) string
	Clean(ctx context.Context) error
	FlushAll(ctx context.Context) error
}

type fileBackend struct {
	*file_cache.FileCache
}

func (b *fileBackend) Status(ctx context.Context) string {
	s := b.Stats()
	buf := fmt.Sprintf("Statistics for %s:\n", b.Name())
	buf += fmt.Sprintf("disk_checks: %d\n", s.DiskChecks)
	buf += fmt.Sprintf("started_cleanups: %d\n", s.StartedCleanups)
	buf += fmt.Sprintf("skipped_cleanups: %d\n", s.SkippedCleanups)
	buf += fmt.Sprintf("cleanups: %d\n", s.Cleanups)
	buf += fmt.Sprintf("evictions: %d\n", s.Evictions)
	buf += fmt.Sprintf("bytes_freed_in_cleanup: %s\n", units.BytesSize(float64(s.BytesFreedInCleanup)))
	if usage, err := disk.GetDirUsage(b.RootDirectory()); err == nil {
		buf += fmt.Sprintf("filesystem: %s used, %s available of %s\n",
			units.BytesSize(float64(usage.UsedBytes)),
			units.BytesSize(float64(usage.AvailBytes)),
			units.BytesSize(float64(usage.TotalBytes)))
	}
	return buf
}

func (b *fileBackend) Clean(ctx context.Context) error {
	if !b.CleanNow() {
		return status.UnavailableErrorf("another process is cleaning %s", b.RootDirectory())
	}
	return nil
}

func (b *fileBackend) FlushAll(ctx context.Context) error {
	return status.UnimplementedError("flushall is not supported by the file cache; remove the directory instead")
}

type redisBackend struct {
	*redis_cache.RedisCache
}

func (b *redisBackend) Status(ctx context.Context) string {
	return b.GetStatus(ctx)
}

func (b *redisBackend) Clean(ctx context.Context) error {
	return status.UnimplementedError("redis evicts entries by itself")
}

func newFileBackend(c *config.Configurator) (backend, error) {
	root := c.GetFileCacheRootDirectory()
	if root == "" {
		return nil, status.InvalidArgumentError("--cache.file.root_directory is required")
	}
	if err := disk.EnsureDirectoryExists(root); err != nil {
		return nil, err
	}
	hasher, err := c.GetFileCacheHasher()
	if err != nil {
		return nil, err
	}
	interval, err := c.GetFileCacheCleanInterval()
	if err != nil {
		return nil, err
	}
	if interval < 0 {
		interval = file_cache.DisableCleaning
	}
	targetSize, err := c.GetFileCacheTargetSizeBytes()
	if err != nil {
		return nil, err
	}
	lockTimeout, err := c.GetFileCacheLockTimeout()
	if err != nil {
		return nil, err
	}
	clock := clockwork.NewRealClock()
	fc, err := file_cache.NewFileCache(&file_cache.Options{
		RootDirectory: root,
		FileSystem:    disk.NewFileSystem(disk.WithClock(clock), disk.WithAtimeTracking(c.GetFileCacheAtimeEnabled())),
		Clock:         clock,
		Worker:        slow_worker.New("file_cache_cleaner"),
		Policy: &file_cache.CachePolicy{
			Hasher:           hasher,
			CleanInterval:    interval,
			TargetSizeBytes:  targetSize,
			TargetInodeCount: c.GetFileCacheTargetInodeCount(),
			LockTimeout:      lockTimeout,
			AtimeEnabled:     c.GetFileCacheAtimeEnabled(),
		},
		MessageHandler: log.NewMessageHandler("file_cache"),
	})
	if err != nil {
		return nil, err
	}
	return &fileBackend{fc}, nil
}

func newRedisBackend(c *config.Configurator) (backend, error) {
	if c.GetRedisTarget() == "" {
		return nil, status.InvalidArgumentError("--cache.redis.target is required")
	}
	timeout, err := c.GetRedisTimeout()
	if err != nil {
		return nil, err
	}
	delay, err := c.GetRedisReconnectionDelay()
	if err != nil {
		return nil, err
	}
	rc, err := redis_cache.NewRedisCache(&redis_cache.Options{
		Target:            c.GetRedisTarget(),
		Timeout:           timeout,
		ReconnectionDelay: delay,
		Cluster:           c.GetRedisCluster(),
		Clock:             clockwork.NewRealClock(),
		MessageHandler:    log.NewMessageHandler("redis_cache"),
	})
	if err != nil {
		return nil, err
	}
	rc.StartUp()
	return &redisBackend{rc}, nil
}

func newBackend(name string, c *config.Configurator) (backend, error) {
	switch name {
	case "file":
		return newFileBackend(c)
	case "redis":
		return newRedisBackend(c)
	default:
		return nil, status.InvalidArgumentErrorf("unknown backend %q (want file or redis)", name)
	}
}

func requireArgs(cmd string, args []string, n int) error {
	if len(args) != n {
		return status.InvalidArgumentErrorf("%s takes %d argument(s), got %d", cmd, n, len(args))
	}
	return nil
}

func runCSP(opts *options, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return status.InvalidArgumentError("csp takes a header value and optional URLs")
	}
	directive, ok := csp.LookupDirective(*opts.cspDirective)
	if !ok {
		return status.InvalidArgumentErrorf("unknown directive %q", *opts.cspDirective)
	}
	var self *url.URL
	if *opts.cspSelf != "" {
		u, err := url.Parse(*opts.cspSelf)
		if err != nil {
			return status.InvalidArgumentErrorf("invalid --csp_self: %s", err)
		}
		self = u
	}
	set := csp.NewPolicySet(args[0])
	for i, p := range set.Policies() {
		fmt.Fprintf(stdout, "policy %d: %s\n", i, p)
	}
	fmt.Fprintf(stdout, "%s unsafe-inline: %t\n", directive, set.UnsafeInlineAllowed(directive))
	fmt.Fprintf(stdout, "%s unsafe-eval: %t\n", directive, set.UnsafeEvalAllowed(directive))
	for _, arg := range args[1:] {
		u, err := url.Parse(arg)
		if err != nil {
			return status.InvalidArgumentErrorf("invalid URL %q: %s", arg, err)
		}
		fmt.Fprintf(stdout, "%s %s: %t\n", directive, arg, set.Permits(directive, self, u))
	}
	return nil
}

// runLocal handles the commands that need no cache.
func runLocal(opts *options, cmd string, args []string, stdout io.Writer) (bool, error) {
	switch cmd {
	case "encode":
		if err := requireArgs(cmd, args, 1); err != nil {
			return true, err
		}
		fmt.Fprintln(stdout, filename_encoder.Encode("", args[0]))
		return true, nil
	case "decode":
		if err := requireArgs(cmd, args, 1); err != nil {
			return true, err
		}
		decoded, err := filename_encoder.Decode(args[0], '/')
		if err != nil {
			return true, err
		}
		fmt.Fprintln(stdout, decoded)
		return true, nil
	case "csp":
		return true, runCSP(opts, args, stdout)
	}
	return false, nil
}

func serve(ctx context.Context, b backend, port int) error {
	ctx = log.EnrichContext(ctx, log.CacheNameKey, b.Name())
	hc := healthcheck.NewHealthChecker("cachectl")
	hc.AddHealthCheck(b.Name(), b)

	mux := http.NewServeMux()
	monitoring.RegisterMonitoringHandlers(mux, b.Status)
	mux.Handle("/readyz", hc.ReadinessHandler())
	mux.Handle("/healthz", hc.LivenessHandler())
	s := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(port)),
		Handler: mux,
	}
	hc.RegisterShutdownFunction(s.Shutdown)
	hc.RegisterShutdownFunction(func(ctx context.Context) error {
		b.ShutDown()
		return nil
	})
	go func() {
		log.CtxInfof(ctx, "Serving monitoring on http://%s", s.Addr)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.CtxWarningf(ctx, "Monitoring server failed; shutting down: %s", err)
			hc.Shutdown()
		}
	}()
	hc.WaitForGracefulShutdown()
	return nil
}

func run(flags *flag.FlagSet, args []string, stdin io.Reader, stdout io.Writer) error {
	opts := registerFlags(flags)
	c := config.NewConfigurator(flags)
	if err := c.Parse(args); err != nil {
		return err
	}
	if err := log.Configure(); err != nil {
		return status.InvalidArgumentErrorf("invalid logging flags: %s", err)
	}
	rest := c.Args()
	if len(rest) == 0 {
		return status.InvalidArgumentError("no command given")
	}
	cmd, args := rest[0], rest[1:]
	if handled, err := runLocal(opts, cmd, args, stdout); handled {
		return err
	}

	if cmd == "serve" && *opts.monitoringPort == 0 {
		return status.InvalidArgumentError("serve requires --monitoring_port")
	}
	ctx := context.Background()
	b, err := newBackend(*opts.backend, c)
	if err != nil {
		return err
	}
	if cmd == "serve" {
		return serve(ctx, b, *opts.monitoringPort)
	}
	defer b.ShutDown()
	if *opts.monitoringPort != 0 {
		s := monitoring.StartMonitoringHandler(net.JoinHostPort("", strconv.Itoa(*opts.monitoringPort)), b.Status)
		defer s.Close()
	}

	switch cmd {
	case "get":
		if err := requireArgs(cmd, args, 1); err != nil {
			return err
		}
		cb := cacheutil.NewCallback()
		b.Get(ctx, args[0], cb)
		cb.Wait()
		if cb.State() != interfaces.Available {
			return status.NotFoundErrorf("%q not found in %s", args[0], b.Name())
		}
		_, err := stdout.Write(cb.Value())
		return err
	case "put":
		if err := requireArgs(cmd, args, 2); err != nil {
			return err
		}
		value := []byte(args[1])
		if args[1] == "-" {
			if value, err = io.ReadAll(stdin); err != nil {
				return status.InternalErrorf("reading value from stdin: %s", err)
			}
		}
		b.Put(ctx, args[0], value)
		return nil
	case "delete":
		if err := requireArgs(cmd, args, 1); err != nil {
			return err
		}
		b.Delete(ctx, args[0])
		return nil
	case "clean":
		return b.Clean(ctx)
	case "status":
		fmt.Fprint(stdout, b.Status(ctx))
		return nil
	case "flushall":
		return b.FlushAll(ctx)
	default:
		return status.InvalidArgumentErrorf("unknown command %q", cmd)
	}
}

func main() {
	if err := run(flag.CommandLine, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cachectl: %s\n", strings.TrimSpace(status.Message(err)))
		os.Exit(1)
	}
}
