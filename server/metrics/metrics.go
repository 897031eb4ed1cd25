package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Note: comments starting with 3 slashes are treated as markdown docs, as
// well as the 'Help' field for each metric.

const (
	// Label constants.
	// Commonly used labels can be added here, and their documentation will be
	// displayed in the metrics where they are used. Each constant's name should
	// end with `Label`.

	/// Name of the cache instance, e.g. `FileCache(/var/cache/content)` or
	/// `RedisCache(localhost:6379)`.
	CacheNameLabel = "cache_name"

	/// Redis command name, lower case: `get`, `set`, `del`, `info`, ...
	RedisCommandLabel = "redis_command"

	/// Outcome of a Redis command: `ok`, `nil`, `error_reply`,
	/// `unexpected_reply`, `wire_error`, or `not_connected`.
	RedisOutcomeLabel = "redis_outcome"

	/// Kind of cluster redirection: `moved` or `ask`.
	RedirectionTypeLabel = "redirection_type"

	/// Connection attempt result: `success` or `failure`.
	ConnectStatusLabel = "connect_status"
)

const (
	namespace = "contentcache"
)

var (
	/// ## File cache
	///
	/// Every counter below is labeled with the cache name, so several caches
	/// in one process can be told apart.

	FileCacheDiskChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "disk_checks",
		Help:      "Number of times the cleaner walked the cache directory.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheStartedCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "started_cleanups",
		Help:      "Number of cleaning passes that acquired the clean lock.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheSkippedCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "skipped_cleanups",
		Help:      "Number of cleaning passes abandoned because another process held the clean lock.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "cleanups",
		Help:      "Number of cleaning passes that had to evict entries.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "evictions",
		Help:      "Number of entries deleted by the cleaner.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheBytesFreed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "bytes_freed_in_cleanup",
		Help:      "Number of bytes released by the cleaner, in **bytes**.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "size_bytes",
		Help:      "Size of the cache directory as measured by the last walk, in **bytes**.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheInodeCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "inode_count",
		Help:      "Number of files and directories in the cache directory as measured by the last walk.",
	}, []string{
		CacheNameLabel,
	})

	FileCacheCleanDurationUsec = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "file_cache",
		Name:      "clean_duration_usec",
		Buckets:   prometheus.ExponentialBuckets(1, 10, 9),
		Help:      "Duration of each cleaning pass that held the clean lock, in **microseconds**.",
	}, []string{
		CacheNameLabel,
	})

	/// ## Redis cache

	RedisCommandCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_cache",
		Name:      "command_count",
		Help:      "Number of Redis commands issued, by command and outcome.",
	}, []string{
		CacheNameLabel,
		RedisCommandLabel,
		RedisOutcomeLabel,
	})

	RedisConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_cache",
		Name:      "connect_attempts",
		Help:      "Number of attempts to (re)connect to a Redis node.",
	}, []string{
		CacheNameLabel,
		ConnectStatusLabel,
	})

	RedisRedirections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_cache",
		Name:      "redirections",
		Help:      "Number of commands retried on another node after a `MOVED` or `ASK` reply.",
	}, []string{
		CacheNameLabel,
		RedirectionTypeLabel,
	})

	RedisClusterSlotsFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "redis_cache",
		Name:      "cluster_slots_fetches",
		Help:      "Number of times the slot table was refreshed with `CLUSTER SLOTS`.",
	}, []string{
		CacheNameLabel,
	})
)
