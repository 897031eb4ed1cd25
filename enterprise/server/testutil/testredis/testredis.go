package testredis

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/buildbuddy-io/contentcache/enterprise/server/util/redisutil"
	"github.com/buildbuddy-io/contentcache/server/testutil/testport"
	"github.com/buildbuddy-io/contentcache/server/util/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	redisServerBinEnv = "REDIS_SERVER_BIN"
	clusterPortsEnv   = "REDIS_CLUSTER_PORTS"
	clusterIDsEnv     = "REDIS_CLUSTER_IDS"

	startupTimeout      = 10 * time.Second
	startupPingInterval = 5 * time.Millisecond

	clusterSize             = 6
	clusterMasters          = 3
	propagationTimeout      = 5 * time.Second
	propagationPollInterval = 50 * time.Millisecond
	clusterAdminTimeout     = 5 * time.Second
)

// clusterSlotRanges are the first slots served by each master, followed by
// the end of the keyspace. Tests probe these boundaries.
var clusterSlotRanges = []int{0, 5500, 11000, redisutil.NumSlots}

// Start spawns a Redis server for the given test and returns a Redis target
// that points to it. The test is skipped if no redis-server binary can be
// found in $REDIS_SERVER_BIN or on the PATH.
func Start(t testing.TB) string {
	redisBinPath := os.Getenv(redisServerBinEnv)
	if redisBinPath == "" {
		p, err := exec.LookPath("redis-server")
		if err != nil {
			t.Skipf("redis-server not found on PATH and %s is not set", redisServerBinEnv)
			return ""
		}
		redisBinPath = p
	}

	redisPort := testport.FindFree(t)

	ctx, cancel := context.WithCancel(context.Background())
	args := []string{"--port", strconv.Itoa(redisPort)}
	// Disable persistence, not useful for testing.
	args = append(args, "--save", "")
	// Set a precautionary limit, tests should not reach it...
	args = append(args, "--maxmemory", "1gb")
	// ... but do break things if we reach the limit.
	args = append(args, "--maxmemory-policy", "noeviction")
	cmd := exec.CommandContext(ctx, redisBinPath, args...)
	log.Infof("Starting redis server: %s", cmd)
	cmd.Stdout = log.Writer("[redis server] ")
	cmd.Stderr = log.Writer("[redis server] ")
	err := cmd.Start()
	require.NoError(t, err, "redis binary could not be started")
	killed := atomic.NewBool(false)
	go func() {
		if err := cmd.Wait(); err != nil && !killed.Load() {
			log.Warningf("redis server did not exit cleanly: %v", err)
		}
	}()
	t.Cleanup(func() {
		log.Info("Shutting down Redis server.")
		killed.Store(true)
		cancel()
	})
	target := fmt.Sprintf("localhost:%d", redisPort)
	waitUntilHealthy(t, target)
	return target
}

func newAdminClient(t testing.TB, target string) *redis.Client {
	opts, err := redisutil.TargetToOptions(target, clusterAdminTimeout)
	require.NoError(t, err)
	r := redis.NewClient(opts)
	t.Cleanup(func() { r.Close() })
	return r
}

func waitUntilHealthy(t testing.TB, target string) {
	start := time.Now()
	ctx := context.Background()
	hc := redisutil.HealthChecker{Rdb: newAdminClient(t, target)}
	for {
		err := hc.Check(ctx)
		if err == nil {
			return
		}
		if time.Since(start) > startupTimeout {
			require.FailNowf(t, "Failed to connect to redis", "Health check still failing after %s: %s", startupTimeout, err)
		}
		time.Sleep(startupPingInterval)
	}
}

// Cluster is an externally managed six node Redis cluster: three masters
// and one replica for each.
type Cluster struct {
	Ports   []int
	NodeIDs []string
	clients []*redis.Client
}

// LoadCluster connects to the cluster described by $REDIS_CLUSTER_PORTS and
// $REDIS_CLUSTER_IDS and resets it to the default layout. The test is
// skipped if neither variable is set.
//
// ALL DATA IN THE CLUSTER IS ERASED. Never point these variables at a real
// cluster.
func LoadCluster(t testing.TB) *Cluster {
	portsEnv, havePorts := os.LookupEnv(clusterPortsEnv)
	idsEnv, haveIDs := os.LookupEnv(clusterIDsEnv)
	if !havePorts && !haveIDs {
		t.Skipf("%s and %s are not set, skipping Redis cluster test", clusterPortsEnv, clusterIDsEnv)
		return nil
	}
	require.True(t, havePorts, "%s is unspecified", clusterPortsEnv)
	require.True(t, haveIDs, "%s is unspecified", clusterIDsEnv)

	portStrs := strings.Fields(portsEnv)
	ids := strings.Fields(idsEnv)
	require.Len(t, portStrs, len(ids), "%s and %s have a different number of items", clusterPortsEnv, clusterIDsEnv)
	require.Len(t, portStrs, clusterSize, "%d Redis cluster nodes are expected", clusterSize)

	c := &Cluster{NodeIDs: ids}
	for _, s := range portStrs {
		port, err := strconv.Atoi(s)
		require.NoError(t, err, "invalid port %q", s)
		c.Ports = append(c.Ports, port)
		c.clients = append(c.clients, newAdminClient(t, fmt.Sprintf("localhost:%d", port)))
	}
	c.Reset(t)
	return c
}

// Target returns the address of node i.
func (c *Cluster) Target(i int) string {
	return fmt.Sprintf("localhost:%d", c.Ports[i])
}

// Reset flushes all data and restores the default slot layout.
func (c *Cluster) Reset(t testing.TB) {
	ctx := context.Background()
	log.Info("Resetting Redis Cluster configuration back to default")

	eg, gctx := errgroup.WithContext(ctx)
	for _, client := range c.clients {
		client := client
		eg.Go(func() error {
			// Replicas answer FLUSHALL with READONLY, which is fine.
			if err := client.FlushAll(gctx).Err(); err != nil && !strings.HasPrefix(err.Error(), "READONLY") {
				return err
			}
			return client.ClusterResetSoft(gctx).Err()
		})
	}
	require.NoError(t, eg.Wait())

	for _, client := range c.clients {
		for _, port := range c.Ports {
			require.NoError(t, client.ClusterMeet(ctx, "127.0.0.1", strconv.Itoa(port)).Err())
		}
	}

	for i := 0; i < clusterMasters; i++ {
		err := c.clients[i].ClusterAddSlotsRange(ctx, clusterSlotRanges[i], clusterSlotRanges[i+1]-1).Err()
		require.NoError(t, err)
	}

	// Nodes learn about each other asynchronously. REPLICATE fails until
	// every node knows every other one.
	log.Info("Waiting for node propagation...")
	c.poll(t, func() bool {
		for _, client := range c.clients {
			if len(nodeConfig(ctx, client)) != clusterSize {
				return false
			}
		}
		return true
	})

	for i := clusterMasters; i < clusterSize; i++ {
		require.NoError(t, c.clients[i].ClusterReplicate(ctx, c.NodeIDs[i-clusterMasters]).Err())
	}

	log.Info("Waiting for slot propagation...")
	c.poll(t, func() bool {
		var first []string
		for _, client := range c.clients {
			config := nodeConfig(ctx, client)
			if len(config) != clusterSize {
				return false
			}
			if first == nil {
				first = config
			} else if strings.Join(first, "\n") != strings.Join(config, "\n") {
				return false
			}
		}
		return true
	})
	log.Info("Redis Cluster is reset")
}

func (c *Cluster) poll(t testing.TB, done func() bool) {
	deadline := time.Now().Add(propagationTimeout)
	for !done() {
		if time.Now().After(deadline) {
			require.FailNow(t, "Redis Cluster configuration did not propagate in time")
		}
		time.Sleep(propagationPollInterval)
	}
}

// nodeConfig returns a node's view of the cluster: one line per node with
// its id, address, master and slots, sorted. It is empty unless the
// node reports the cluster as healthy.
func nodeConfig(ctx context.Context, client *redis.Client) []string {
	info, err := client.ClusterInfo(ctx).Result()
	if err != nil || !strings.Contains(info, "cluster_state:ok\r\n") {
		return nil
	}
	nodes, err := client.ClusterNodes(ctx).Result()
	if err != nil {
		return nil
	}
	var config []string
	for _, line := range strings.Split(nodes, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		// Node id, address and master id, then the slots served. The flags
		// field is skipped because it marks the node answering as "myself".
		descr := []string{fields[0], fields[1], fields[3]}
		descr = append(descr, fields[8:]...)
		config = append(config, strings.Join(descr, " "))
	}
	sort.Strings(config)
	return config
}

// FlushAll removes all keys from the masters.
func (c *Cluster) FlushAll(t testing.TB) {
	ctx := context.Background()
	for i := 0; i < clusterMasters; i++ {
		require.NoError(t, c.clients[i].FlushDB(ctx).Err())
	}
}

// DBSize returns the number of keys stored on node i.
func (c *Cluster) DBSize(t testing.TB, i int) int64 {
	n, err := c.clients[i].DBSize(context.Background()).Result()
	require.NoError(t, err)
	return n
}
