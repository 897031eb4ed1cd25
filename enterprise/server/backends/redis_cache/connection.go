package redis_cache

import (
	"context"
	"sync"
	"time"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/metrics"
	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

type connState int

const (
	// stateShutDown is both the state before startUp and after shutDown.
	stateShutDown connState = iota
	stateDisconnected
	stateConnecting
	stateConnected
)

func (s connState) String() string {
	switch s {
	case stateShutDown:
		return "ShutDown"
	case stateDisconnected:
		return "Disconnected"
	case stateConnecting:
		return "Connecting"
	case stateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// connection owns a single client connection to one Redis node and
// reconnects it on demand, at most once per reconnection delay after a
// failure.
//
// Lock order is opMu, then stateMu. opMu serialises commands and is held
// for the full round trip. stateMu is only ever held for constant time, so
// isHealthy never waits on the network.
type connection struct {
	addr              string
	opts              redis.Options
	clock             clockwork.Clock
	reconnectionDelay time.Duration
	handler           interfaces.MessageHandler

	connectSuccesses prometheus.Counter
	connectFailures  prometheus.Counter

	opMu sync.Mutex

	stateMu         sync.Mutex
	state           connState
	client          *redis.Client
	nextReconnectAt time.Time
}

func newConnection(cacheName string, opts redis.Options, clock clockwork.Clock, reconnectionDelay time.Duration, handler interfaces.MessageHandler) *connection {
	return &connection{
		addr:              opts.Addr,
		opts:              opts,
		clock:             clock,
		reconnectionDelay: reconnectionDelay,
		handler:           handler,
		connectSuccesses: metrics.RedisConnectAttempts.With(prometheus.Labels{
			metrics.CacheNameLabel:     cacheName,
			metrics.ConnectStatusLabel: "success",
		}),
		connectFailures: metrics.RedisConnectAttempts.With(prometheus.Labels{
			metrics.CacheNameLabel:     cacheName,
			metrics.ConnectStatusLabel: "failure",
		}),
		state: stateShutDown,
	}
}

// startUp allows the connection to be established by the next command.
func (c *connection) startUp() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == stateShutDown {
		c.state = stateDisconnected
		c.nextReconnectAt = time.Time{}
	}
}

func (c *connection) shutDown() {
	c.stateMu.Lock()
	client := c.client
	c.client = nil
	c.state = stateShutDown
	c.stateMu.Unlock()

	// Closing the client makes a command in flight on another goroutine fail
	// right away instead of running into its timeout.
	if client != nil {
		client.Close()
	}
}

func (c *connection) isHealthy() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch c.state {
	case stateConnected:
		return true
	case stateDisconnected:
		return !c.clock.Now().Before(c.nextReconnectAt)
	default:
		return false
	}
}

func (c *connection) currentState() connState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// ensureConnected returns a live client, connecting first if the
// connection is down and the reconnection delay has passed. c.opMu must be
// held.
func (c *connection) ensureConnected(ctx context.Context) (*redis.Client, error) {
	c.stateMu.Lock()
	switch c.state {
	case stateConnected:
		client := c.client
		c.stateMu.Unlock()
		return client, nil
	case stateShutDown:
		c.stateMu.Unlock()
		return nil, status.UnavailableErrorf("connection to %s is shut down", c.addr)
	case stateConnecting:
		// Unreachable while opMu is held, the connecting goroutine owns it.
		c.stateMu.Unlock()
		return nil, status.UnavailableErrorf("connection to %s is being established", c.addr)
	}
	if c.clock.Now().Before(c.nextReconnectAt) {
		c.stateMu.Unlock()
		return nil, status.UnavailableErrorf("not reconnecting to %s before %s", c.addr, c.nextReconnectAt)
	}
	c.state = stateConnecting
	c.stateMu.Unlock()

	// The state lock is not held while dialing so that shutDown and
	// isHealthy stay fast.
	opts := c.opts
	client := redis.NewClient(&opts)
	err := client.Ping(ctx).Err()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == stateShutDown {
		client.Close()
		return nil, status.UnavailableErrorf("connection to %s was shut down while connecting", c.addr)
	}
	if err != nil {
		client.Close()
		c.state = stateDisconnected
		c.nextReconnectAt = c.clock.Now().Add(c.reconnectionDelay)
		c.connectFailures.Inc()
		c.handler.Errorf("Error connecting to redis server %s: %s", c.addr, err)
		return nil, status.UnavailableErrorf("could not connect to %s: %s", c.addr, err)
	}
	c.state = stateConnected
	c.client = client
	c.connectSuccesses.Inc()
	return client, nil
}

// drop disconnects after a wire error on client. The next attempt to
// reconnect happens no earlier than one reconnection delay from now.
func (c *connection) drop(client *redis.Client) {
	c.stateMu.Lock()
	if c.client != client {
		// Already dropped, or shut down.
		c.stateMu.Unlock()
		return
	}
	c.client = nil
	c.state = stateDisconnected
	c.nextReconnectAt = c.clock.Now().Add(c.reconnectionDelay)
	c.stateMu.Unlock()
	client.Close()
}

// notConnectedError is returned for commands that were not sent because
// the connection is down.
type notConnectedError struct {
	error
}

func (e notConnectedError) Unwrap() error {
	return e.error
}

// run calls fn with a connected client while holding the operation lock.
// A wire error returned by fn drops the connection.
func (c *connection) run(ctx context.Context, fn func(client *redis.Client) error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	client, err := c.ensureConnected(ctx)
	if err != nil {
		return notConnectedError{err}
	}
	err = fn(client)
	if isWireError(err) {
		c.handler.Errorf("Error talking to redis server %s: %s", c.addr, err)
		c.drop(client)
		return status.UnavailableErrorf("redis server %s: %s", c.addr, err)
	}
	return err
}

// do issues one command. If asking is set the command is preceded by
// ASKING on the same connection. The returned reply is nil if the
// connection is down or failed during the command.
func (c *connection) do(ctx context.Context, asking bool, args ...interface{}) (*reply, error) {
	var r *reply
	err := c.run(ctx, func(client *redis.Client) error {
		var cmd *redis.Cmd
		if asking {
			_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Do(ctx, "asking")
				cmd = pipe.Do(ctx, args...)
				return nil
			})
			if isWireError(err) {
				return err
			}
		} else {
			cmd = client.Do(ctx, args...)
		}
		val, err := cmd.Result()
		if isWireError(err) {
			return err
		}
		r = newReply(val, err)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
