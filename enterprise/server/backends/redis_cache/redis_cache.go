// Package redis_cache implements a cache backed by a single Redis server or
// a Redis cluster. Every node is reached through one connection that is
// re-established lazily after failures. In cluster mode commands are routed
// by hash slot and MOVED and ASK redirections are followed.
package redis_cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildbuddy-io/contentcache/enterprise/server/util/redisutil"
	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/metrics"
	"github.com/buildbuddy-io/contentcache/server/util/cacheutil"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout           = 50 * time.Millisecond
	DefaultReconnectionDelay = 1 * time.Second

	// A command is sent to at most this many nodes after the first.
	maxRedirections = 3
)

type Options struct {
	// Target is host:port or a redis://, rediss:// or unix:// URI. In
	// cluster mode it is the seed node used until the slot table is known.
	Target string
	// Timeout bounds connecting and each read or write on a connection.
	Timeout time.Duration
	// ReconnectionDelay is the minimum time between a failure and the next
	// connection attempt to the same node.
	ReconnectionDelay time.Duration
	// Cluster enables slot routing and redirection handling.
	Cluster bool

	Clock          clockwork.Clock
	MessageHandler interfaces.MessageHandler
}

// slotRange maps slots start through end inclusive to a node.
type slotRange struct {
	start int
	end   int
	conn  *connection
}

type RedisCache struct {
	name              string
	cluster           bool
	baseOpts          redis.Options
	clock             clockwork.Clock
	reconnectionDelay time.Duration
	handler           interfaces.MessageHandler

	seed *connection

	// connections are added but never removed, so a *connection obtained
	// under connMu stays valid for the lifetime of the cache.
	connMu      sync.RWMutex
	connections map[string]*connection
	started     bool
	shutDown    bool

	slotMu sync.RWMutex
	slots  []slotRange

	refreshMu  sync.Mutex
	refreshing bool
	refreshWG  sync.WaitGroup

	redirections        *atomic.Int64
	clusterSlotsFetches *atomic.Int64
	movedCounter        prometheus.Counter
	askCounter          prometheus.Counter
	slotsFetchCounter   prometheus.Counter
}

// NewRedisCache returns a cache for opts.Target. It does not connect until
// StartUp has been called and the first command is issued.
func NewRedisCache(opts *Options) (*RedisCache, error) {
	if opts.Clock == nil || opts.MessageHandler == nil {
		return nil, status.InvalidArgumentError("redis cache requires a clock and a message handler")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	reconnectionDelay := opts.ReconnectionDelay
	if reconnectionDelay == 0 {
		reconnectionDelay = DefaultReconnectionDelay
	}
	if reconnectionDelay < 0 {
		return nil, status.InvalidArgumentErrorf("reconnection delay must not be negative, got %s", reconnectionDelay)
	}
	redisOpts, err := redisutil.TargetToOptions(opts.Target, timeout)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("RedisCache(%s)", redisOpts.Addr)
	c := &RedisCache{
		name:                name,
		cluster:             opts.Cluster,
		baseOpts:            *redisOpts,
		clock:               opts.Clock,
		reconnectionDelay:   reconnectionDelay,
		handler:             opts.MessageHandler,
		connections:         make(map[string]*connection),
		redirections:        atomic.NewInt64(0),
		clusterSlotsFetches: atomic.NewInt64(0),
		movedCounter: metrics.RedisRedirections.With(prometheus.Labels{
			metrics.CacheNameLabel:       name,
			metrics.RedirectionTypeLabel: redisutil.Moved.String(),
		}),
		askCounter: metrics.RedisRedirections.With(prometheus.Labels{
			metrics.CacheNameLabel:       name,
			metrics.RedirectionTypeLabel: redisutil.Ask.String(),
		}),
		slotsFetchCounter: metrics.RedisClusterSlotsFetches.With(prometheus.Labels{
			metrics.CacheNameLabel: name,
		}),
	}
	c.seed = newConnection(name, c.baseOpts, c.clock, c.reconnectionDelay, c.handler)
	c.connections[c.seed.addr] = c.seed
	return c, nil
}

func (c *RedisCache) Name() string {
	return c.name
}

// StartUp enables connections. Commands issued before StartUp fail.
func (c *RedisCache) StartUp() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.started || c.shutDown {
		return
	}
	c.started = true
	for _, conn := range c.connections {
		conn.startUp()
	}
}

// ShutDown closes every connection and waits for a slot table refresh in
// progress. Commands issued afterwards fail without touching the network.
func (c *RedisCache) ShutDown() {
	c.refreshMu.Lock()
	c.connMu.Lock()
	c.shutDown = true
	conns := c.connectionsLocked()
	c.connMu.Unlock()
	c.refreshMu.Unlock()

	for _, conn := range conns {
		conn.shutDown()
	}
	c.refreshWG.Wait()
}

func (c *RedisCache) IsBlocking() bool {
	return true
}

// IsHealthy reports the state of the seed connection without blocking.
func (c *RedisCache) IsHealthy() bool {
	return c.seed.isHealthy()
}

func (c *RedisCache) Redirections() int64 {
	return c.redirections.Load()
}

func (c *RedisCache) ClusterSlotsFetches() int64 {
	return c.clusterSlotsFetches.Load()
}

func (c *RedisCache) Get(ctx context.Context, key string, cb interfaces.CacheCallback) {
	state := interfaces.NotFound
	// ReplyString stands in for a bulk string; see ReplyKind.
	if r := c.command(ctx, key, ReplyString|ReplyNil, "get", key); r != nil && r.kind == ReplyString {
		cb.SetValue([]byte(r.text()))
		state = interfaces.Available
	}
	cacheutil.ValidateAndReport(key, state, cb)
}

func (c *RedisCache) MultiGet(ctx context.Context, reqs []*interfaces.MultiGetRequest) {
	cacheutil.MultiGet(ctx, c.Get, reqs)
}

func (c *RedisCache) Put(ctx context.Context, key string, value []byte) {
	r := c.command(ctx, key, ReplyString, "set", key, value)
	if r != nil && r.text() != "OK" {
		c.handler.Errorf("Unexpected response to SET %q on %s: %q", key, c.name, r.text())
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	c.command(ctx, key, ReplyInteger, "del", key)
}

// GetStatus returns the INFO output of every node the cache is connected
// to, each preceded by a header line naming the node.
func (c *RedisCache) GetStatus(ctx context.Context) string {
	conns := c.allConnections()
	infos := make([]string, len(conns))
	var eg errgroup.Group
	for i, conn := range conns {
		i, conn := i, conn
		eg.Go(func() error {
			// Nodes that never connected are skipped rather than dialed.
			if conn != c.seed && conn.currentState() != stateConnected {
				return nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Statistics for Redis (%s):\n", conn.addr)
			if r := c.commandOn(ctx, conn, ReplyString, "info"); r != nil {
				b.WriteString(strings.ReplaceAll(r.text(), "\r\n", "\n"))
			} else {
				b.WriteString("Failed to get status\n")
			}
			infos[i] = b.String()
			return nil
		})
	}
	eg.Wait()
	return strings.Join(infos, "")
}

// FlushAll removes every key from every known node.
func (c *RedisCache) FlushAll(ctx context.Context) error {
	// A plain group: cancelling the others on the first failure would
	// abort their commands mid-flight and drop healthy connections.
	var eg errgroup.Group
	for _, conn := range c.allConnections() {
		conn := conn
		eg.Go(func() error {
			r := c.commandOn(ctx, conn, ReplyString, "flushall")
			if r == nil {
				return status.UnavailableErrorf("FLUSHALL failed on %s", conn.addr)
			}
			if r.text() != "OK" {
				return status.InternalErrorf("unexpected response to FLUSHALL on %s: %q", conn.addr, r.text())
			}
			return nil
		})
	}
	return eg.Wait()
}

func commandName(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	return strings.ToLower(fmt.Sprint(args[0]))
}

// command runs a command for key on the node that owns it, following
// cluster redirections. It returns nil if the command failed for any
// reason; failures have been reported to the message handler.
func (c *RedisCache) command(ctx context.Context, key string, expected ReplyKind, args ...interface{}) *reply {
	conn := c.connectionForKey(key)
	asking := false
	for hops := 0; ; hops++ {
		r, err := conn.do(ctx, asking, args...)
		if err != nil {
			c.countCommand(args, outcomeForError(err))
			return nil
		}
		if r.kind != ReplyError || !c.cluster {
			return c.checkReply(conn, r, expected, args)
		}
		redirect, ok := redisutil.ParseRedirection(r.err.Error())
		if !ok {
			return c.checkReply(conn, r, expected, args)
		}
		if hops >= maxRedirections {
			c.handler.Errorf("Giving up on %s %q after %d redirections, last one to %s", commandName(args), key, hops, redirect.Addr)
			c.countCommand(args, "too_many_redirections")
			return nil
		}
		c.redirections.Inc()
		target := c.connectionForAddr(redisutil.ResolveAddr(redirect.Addr, conn.addr))
		if redirect.Kind == redisutil.Moved {
			c.movedCounter.Inc()
			c.refreshSlotsAsync()
			asking = false
		} else {
			c.askCounter.Inc()
			asking = true
		}
		conn = target
	}
}

// commandOn runs a command on one specific node without following
// redirections.
func (c *RedisCache) commandOn(ctx context.Context, conn *connection, expected ReplyKind, args ...interface{}) *reply {
	r, err := conn.do(ctx, false, args...)
	if err != nil {
		c.countCommand(args, outcomeForError(err))
		return nil
	}
	return c.checkReply(conn, r, expected, args)
}

func outcomeForError(err error) string {
	var nc notConnectedError
	if errors.As(err, &nc) {
		return "not_connected"
	}
	return "wire_error"
}

func (c *RedisCache) checkReply(conn *connection, r *reply, expected ReplyKind, args []interface{}) *reply {
	if r.kind == ReplyError {
		c.handler.Errorf("Redis %s on %s returned an error: %s", strings.ToUpper(commandName(args)), conn.addr, r.err)
		c.countCommand(args, "error_reply")
		return nil
	}
	if r.kind&expected == 0 {
		c.handler.Errorf("Redis %s on %s returned a reply of type %s, expected %s", strings.ToUpper(commandName(args)), conn.addr, r.kind, expected)
		c.countCommand(args, "unexpected_reply")
		return nil
	}
	if r.kind == ReplyNil {
		c.countCommand(args, "nil")
	} else {
		c.countCommand(args, "ok")
	}
	return r
}

func (c *RedisCache) countCommand(args []interface{}, outcome string) {
	metrics.RedisCommandCount.With(prometheus.Labels{
		metrics.CacheNameLabel:    c.name,
		metrics.RedisCommandLabel: commandName(args),
		metrics.RedisOutcomeLabel: outcome,
	}).Inc()
}

// connectionForKey returns the node the slot table assigns key to, or the
// seed node if the table has no entry for it.
func (c *RedisCache) connectionForKey(key string) *connection {
	if !c.cluster {
		return c.seed
	}
	slot := redisutil.HashSlot(key)
	c.slotMu.RLock()
	defer c.slotMu.RUnlock()
	i := sort.Search(len(c.slots), func(i int) bool {
		return c.slots[i].end >= slot
	})
	if i < len(c.slots) && c.slots[i].start <= slot {
		return c.slots[i].conn
	}
	return c.seed
}

// connectionForAddr returns the connection to addr, creating it on first
// use.
func (c *RedisCache) connectionForAddr(addr string) *connection {
	c.connMu.RLock()
	conn, ok := c.connections[addr]
	c.connMu.RUnlock()
	if ok {
		return conn
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if conn, ok := c.connections[addr]; ok {
		return conn
	}
	opts := c.baseOpts
	opts.Addr = addr
	conn = newConnection(c.name, opts, c.clock, c.reconnectionDelay, c.handler)
	if c.started && !c.shutDown {
		conn.startUp()
	}
	c.connections[addr] = conn
	return conn
}

func (c *RedisCache) connectionsLocked() []*connection {
	conns := make([]*connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].addr < conns[j].addr
	})
	return conns
}

func (c *RedisCache) allConnections() []*connection {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connectionsLocked()
}
