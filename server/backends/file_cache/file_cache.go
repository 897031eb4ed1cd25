// Package file_cache stores cache entries as files below a root directory.
// A background pass keeps the directory under a size and inode budget by
// evicting the least recently accessed entries. Several processes may share
// one directory; they coordinate cleaning through a lock file.
package file_cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/metrics"
	"github.com/buildbuddy-io/contentcache/server/util/cacheutil"
	"github.com/buildbuddy-io/contentcache/server/util/filename_encoder"
	"github.com/buildbuddy-io/contentcache/server/util/slow_worker"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	// CleanTimeName and CleanLockName live directly below the cache root.
	// Both contain '!', which the filename encoder always escapes, so they
	// can never collide with an entry.
	CleanTimeName = "!clean!time!"
	CleanLockName = "!clean!lock!"

	// DisableCleaning as a CleanInterval turns the cleaner off.
	DisableCleaning time.Duration = -1

	DefaultLockTimeout = time.Hour

	// Number of leading hash characters used as a fan-out directory.
	hashPrefixDirLen = 2
)

// CachePolicy controls key hashing and cleaning.
type CachePolicy struct {
	Hasher interfaces.Hasher

	// CleanInterval is the minimum time between two cleaning passes over
	// the directory, across all processes sharing it.
	CleanInterval time.Duration

	// Cleaning starts once either target is exceeded and evicts until both
	// are back under 75% of their value. A zero TargetInodeCount means the
	// inode count is unconstrained.
	TargetSizeBytes  int64
	TargetInodeCount int64

	// LockTimeout is the age after which another process's clean lock is
	// considered abandoned and broken. Zero selects DefaultLockTimeout.
	LockTimeout time.Duration

	// AtimeEnabled orders evictions by access time. When false the cleaner
	// evicts in the order the filesystem walk reports files.
	AtimeEnabled bool
}

func (p *CachePolicy) CleaningEnabled() bool {
	return p.CleanInterval != DisableCleaning
}

func (p *CachePolicy) validate() error {
	if p.Hasher == nil {
		return status.InvalidArgumentError("cache policy requires a hasher")
	}
	if p.Hasher.HashSizeInChars() <= hashPrefixDirLen {
		return status.InvalidArgumentErrorf("hash size %d is too short", p.Hasher.HashSizeInChars())
	}
	if p.CleanInterval <= 0 && p.CleanInterval != DisableCleaning {
		return status.InvalidArgumentErrorf("clean interval must be positive or DisableCleaning, got %s", p.CleanInterval)
	}
	if p.TargetSizeBytes < 0 {
		return status.InvalidArgumentErrorf("target size must not be negative, got %d", p.TargetSizeBytes)
	}
	if p.TargetInodeCount < 0 {
		return status.InvalidArgumentErrorf("target inode count must not be negative, got %d", p.TargetInodeCount)
	}
	if p.LockTimeout < 0 {
		return status.InvalidArgumentErrorf("lock timeout must not be negative, got %s", p.LockTimeout)
	}
	return nil
}

type Options struct {
	RootDirectory  string
	FileSystem     interfaces.FileSystem
	Clock          clockwork.Clock
	Worker         *slow_worker.Worker
	Policy         *CachePolicy
	MessageHandler interfaces.MessageHandler

	// ProgressNotifier, if set, is called during cleaning walks.
	ProgressNotifier interfaces.ProgressNotifier
}

// Stats is a snapshot of a cache's cleaning counters.
type Stats struct {
	DiskChecks          int64
	StartedCleanups     int64
	SkippedCleanups     int64
	Cleanups            int64
	Evictions           int64
	BytesFreedInCleanup int64
}

type counter struct {
	value *atomic.Int64
	prom  prometheus.Counter
}

func newCounter(vec *prometheus.CounterVec, cacheName string) counter {
	return counter{
		value: atomic.NewInt64(0),
		prom:  vec.With(prometheus.Labels{metrics.CacheNameLabel: cacheName}),
	}
}

func (c counter) Add(n int64) {
	c.value.Add(n)
	c.prom.Add(float64(n))
}

type FileCache struct {
	name      string
	root      string
	fs        interfaces.FileSystem
	clock     clockwork.Clock
	worker    *slow_worker.Worker
	policy    CachePolicy
	handler   interfaces.MessageHandler
	notifier  interfaces.ProgressNotifier
	cleanTime string
	cleanLock string
	shutDown  *atomic.Bool

	// lockHolder identifies this cache in the clean lock it takes.
	lockHolder string

	// nextCheck avoids reading the clean-time file on every operation.
	mu        sync.Mutex
	nextCheck time.Time

	diskChecks      counter
	startedCleanups counter
	skippedCleanups counter
	cleanups        counter
	evictions       counter
	bytesFreed      counter
	sizeBytes       prometheus.Gauge
	inodeCount      prometheus.Gauge
	cleanDuration   prometheus.Observer
}

// NewFileCache validates opts and returns a cache rooted at
// opts.RootDirectory. The root is created if it does not exist yet.
func NewFileCache(opts *Options) (*FileCache, error) {
	if opts.RootDirectory == "" {
		return nil, status.InvalidArgumentError("file cache requires a root directory")
	}
	if opts.FileSystem == nil || opts.Clock == nil || opts.MessageHandler == nil {
		return nil, status.InvalidArgumentError("file cache requires a filesystem, a clock and a message handler")
	}
	if opts.Policy == nil {
		return nil, status.InvalidArgumentError("file cache requires a cache policy")
	}
	if err := opts.Policy.validate(); err != nil {
		return nil, err
	}
	if opts.Policy.CleaningEnabled() && opts.Worker == nil {
		return nil, status.InvalidArgumentError("file cache with cleaning enabled requires a worker")
	}
	policy := *opts.Policy
	if policy.LockTimeout == 0 {
		policy.LockTimeout = DefaultLockTimeout
	}
	root := strings.TrimSuffix(opts.RootDirectory, "/")
	if root == "" {
		root = "/"
	}
	name := fmt.Sprintf("FileCache(%s)", root)
	labels := prometheus.Labels{metrics.CacheNameLabel: name}
	c := &FileCache{
		name:            name,
		root:            root,
		fs:              opts.FileSystem,
		clock:           opts.Clock,
		worker:          opts.Worker,
		policy:          policy,
		handler:         opts.MessageHandler,
		notifier:        opts.ProgressNotifier,
		cleanTime:       filepath.Join(root, CleanTimeName),
		cleanLock:       filepath.Join(root, CleanLockName),
		lockHolder:      uuid.New().String(),
		shutDown:        atomic.NewBool(false),
		diskChecks:      newCounter(metrics.FileCacheDiskChecks, name),
		startedCleanups: newCounter(metrics.FileCacheStartedCleanups, name),
		skippedCleanups: newCounter(metrics.FileCacheSkippedCleanups, name),
		cleanups:        newCounter(metrics.FileCacheCleanups, name),
		evictions:       newCounter(metrics.FileCacheEvictions, name),
		bytesFreed:      newCounter(metrics.FileCacheBytesFreed, name),
		sizeBytes:       metrics.FileCacheSizeBytes.With(labels),
		inodeCount:      metrics.FileCacheInodeCount.With(labels),
		cleanDuration:   metrics.FileCacheCleanDurationUsec.With(labels),
	}
	if policy.CleaningEnabled() {
		c.nextCheck = c.clock.Now().Add(policy.CleanInterval / 2)
	}
	if err := c.fs.RecursivelyMakeDir(root); err != nil {
		c.handler.Warningf("Failed to create cache root %s: %s", root, err)
	}
	return c, nil
}

func (c *FileCache) Name() string {
	return c.name
}

func (c *FileCache) RootDirectory() string {
	return c.root
}

func (c *FileCache) IsBlocking() bool {
	return true
}

func (c *FileCache) IsHealthy() bool {
	return !c.shutDown.Load()
}

// ShutDown stops accepting operations and waits for a running cleaning
// pass to finish.
func (c *FileCache) ShutDown() {
	if c.shutDown.Swap(true) {
		return
	}
	if c.worker != nil {
		c.worker.ShutDown()
	}
}

func (c *FileCache) Stats() Stats {
	return Stats{
		DiskChecks:          c.diskChecks.value.Load(),
		StartedCleanups:     c.startedCleanups.value.Load(),
		SkippedCleanups:     c.skippedCleanups.value.Load(),
		Cleanups:            c.cleanups.value.Load(),
		Evictions:           c.evictions.value.Load(),
		BytesFreedInCleanup: c.bytesFreed.value.Load(),
	}
}

// FilenameForKey returns the path an entry for key is stored at: the key
// hash, split into a fan-out directory and the remainder, run through the
// filename encoder below the root.
func (c *FileCache) FilenameForKey(key string) string {
	digest := c.policy.Hasher.Hash(key)
	prefix := c.root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return filename_encoder.Encode(prefix, digest[:hashPrefixDirLen]+"/"+digest[hashPrefixDirLen:])
}

func (c *FileCache) Get(ctx context.Context, key string, cb interfaces.CacheCallback) {
	if c.shutDown.Load() {
		cacheutil.ValidateAndReport(key, interfaces.NotFound, cb)
		return
	}
	filename := c.FilenameForKey(key)
	state := interfaces.NotFound
	data, err := c.fs.ReadFile(filename)
	if err == nil {
		cb.SetValue(data)
		state = interfaces.Available
	} else if !status.IsNotFoundError(err) {
		c.handler.Warningf("Failed to read %s: %s", filename, err)
	}
	cacheutil.ValidateAndReport(key, state, cb)
	c.CleanIfNeeded()
}

func (c *FileCache) MultiGet(ctx context.Context, reqs []*interfaces.MultiGetRequest) {
	cacheutil.MultiGet(ctx, c.Get, reqs)
}

func (c *FileCache) Put(ctx context.Context, key string, value []byte) {
	if c.shutDown.Load() {
		return
	}
	filename := c.FilenameForKey(key)
	tmp, err := c.fs.WriteTempFile(filename, value)
	if status.IsNotFoundError(err) {
		// Directories are created lazily on the first write below them.
		if err := c.fs.RecursivelyMakeDir(filepath.Dir(filename)); err != nil {
			c.handler.Errorf("Failed to create directory for %s: %s", filename, err)
			return
		}
		tmp, err = c.fs.WriteTempFile(filename, value)
	}
	if err != nil {
		c.handler.Errorf("Failed to write %s: %s", filename, err)
		return
	}
	if err := c.fs.RenameFile(tmp, filename); err != nil {
		c.handler.Errorf("Failed to rename %s to %s: %s", tmp, filename, err)
		if err := c.fs.RemoveFile(tmp); err != nil && !status.IsNotFoundError(err) {
			c.handler.Warningf("Failed to remove %s: %s", tmp, err)
		}
		return
	}
	c.CleanIfNeeded()
}

func (c *FileCache) Delete(ctx context.Context, key string) {
	if c.shutDown.Load() {
		return
	}
	filename := c.FilenameForKey(key)
	if err := c.fs.RemoveFile(filename); err != nil && !status.IsNotFoundError(err) {
		c.handler.Warningf("Failed to delete %s: %s", filename, err)
	}
	c.CleanIfNeeded()
}
