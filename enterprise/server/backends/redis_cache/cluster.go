package redis_cache

import (
	"context"
	"sort"

	"github.com/buildbuddy-io/contentcache/enterprise/server/util/redisutil"
	"github.com/go-redis/redis/v8"
)

// refreshSlotsAsync starts a slot table refresh in the background unless
// one is already running.
func (c *RedisCache) refreshSlotsAsync() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.refreshing || c.isShutDown() {
		return
	}
	c.refreshing = true
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		c.refreshSlots(context.Background())
		c.refreshMu.Lock()
		c.refreshing = false
		c.refreshMu.Unlock()
	}()
}

func (c *RedisCache) isShutDown() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.shutDown
}

// refreshSlots replaces the slot table with the result of CLUSTER SLOTS.
// The seed node is asked first, then every other known node until one
// answers.
func (c *RedisCache) refreshSlots(ctx context.Context) {
	defer func() {
		c.clusterSlotsFetches.Inc()
		c.slotsFetchCounter.Inc()
	}()
	conns := []*connection{c.seed}
	for _, conn := range c.allConnections() {
		if conn != c.seed {
			conns = append(conns, conn)
		}
	}
	for _, conn := range conns {
		var slots []redis.ClusterSlot
		err := conn.run(ctx, func(client *redis.Client) error {
			var err error
			slots, err = client.ClusterSlots(ctx).Result()
			return err
		})
		if err != nil {
			c.handler.Warningf("Failed to fetch cluster slots from %s: %s", conn.addr, err)
			continue
		}
		table := c.buildSlotTable(conn, slots)
		c.slotMu.Lock()
		c.slots = table
		c.slotMu.Unlock()
		c.handler.Infof("%s: loaded %d slot ranges from %s", c.name, len(table), conn.addr)
		return
	}
	c.handler.Errorf("%s: could not refresh cluster slots from any of %d nodes", c.name, len(conns))
}

// buildSlotTable converts a CLUSTER SLOTS reply into ranges sorted by
// their first slot. Each range is served by its master, the first node
// listed.
func (c *RedisCache) buildSlotTable(source *connection, slots []redis.ClusterSlot) []slotRange {
	table := make([]slotRange, 0, len(slots))
	for _, s := range slots {
		if len(s.Nodes) == 0 || s.Start < 0 || s.End >= redisutil.NumSlots || s.Start > s.End {
			c.handler.Warningf("Ignoring malformed slot range %d-%d from %s", s.Start, s.End, source.addr)
			continue
		}
		addr := redisutil.ResolveAddr(s.Nodes[0].Addr, source.addr)
		table = append(table, slotRange{
			start: s.Start,
			end:   s.End,
			conn:  c.connectionForAddr(addr),
		})
	}
	sort.Slice(table, func(i, j int) bool {
		return table[i].start < table[j].start
	})
	return table
}
