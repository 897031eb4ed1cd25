package redisutil

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/buildbuddy-io/contentcache/server/util/status"
	"github.com/go-redis/redis/v8"
)

const (
	// NumSlots is the number of hash slots a Redis cluster keyspace is
	// partitioned into.
	NumSlots = 16384

	crc16Polynomial = 0x1021
)

var crc16Table [256]uint16

func init() {
	for i := range crc16Table {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Polynomial
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// crc16 is CRC-16/XMODEM, the checksum Redis cluster uses for key slots.
func crc16(s string) uint16 {
	var crc uint16
	for i := 0; i < len(s); i++ {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^s[i]]
	}
	return crc
}

// HashSlot returns the cluster slot that key belongs to. If the key contains
// a non-empty hash tag (the text between the first '{' and the first '}'
// after it) only the tag is hashed, so that related keys can be forced
// into the same slot.
func HashSlot(key string) int {
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start+1:], '}'); end > 0 {
			key = key[start+1 : start+1+end]
		}
	}
	return int(crc16(key)) % NumSlots
}

type RedirectionKind int

const (
	// Moved means the slot has a new permanent owner.
	Moved RedirectionKind = iota
	// Ask means a single command should be retried on another node,
	// prefixed with ASKING, while the slot is being migrated.
	Ask
)

func (k RedirectionKind) String() string {
	switch k {
	case Moved:
		return "moved"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

type Redirection struct {
	Kind RedirectionKind
	Slot int
	// Addr is host:port. Recent Redis versions may leave the host empty,
	// meaning the node that sent the redirection; see ResolveAddr.
	Addr string
}

// ParseRedirection parses the text of a "MOVED <slot> <host:port>" or
// "ASK <slot> <host:port>" error reply.
func ParseRedirection(msg string) (*Redirection, bool) {
	fields := strings.Fields(msg)
	if len(fields) != 3 {
		return nil, false
	}
	r := &Redirection{}
	switch fields[0] {
	case "MOVED":
		r.Kind = Moved
	case "ASK":
		r.Kind = Ask
	default:
		return nil, false
	}
	slot, err := strconv.Atoi(fields[1])
	if err != nil || slot < 0 || slot >= NumSlots {
		return nil, false
	}
	r.Slot = slot
	if _, _, err := net.SplitHostPort(fields[2]); err != nil {
		return nil, false
	}
	r.Addr = fields[2]
	return r, true
}

// ResolveAddr fills in the host of addr from relativeTo when addr has the
// form ":port".
func ResolveAddr(addr, relativeTo string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	relHost, _, err := net.SplitHostPort(relativeTo)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(relHost, port)
}

func isRedisURI(redisTarget string) bool {
	return strings.HasPrefix(redisTarget, "redis://") ||
		strings.HasPrefix(redisTarget, "rediss://") ||
		strings.HasPrefix(redisTarget, "unix://")
}

// TargetToOptions returns options for a client that owns exactly one
// connection to redisTarget, which is either host:port or a redis://,
// rediss:// or unix:// URI. timeout bounds dialing and every read and
// write. The client never retries on its own: retries and reconnects are
// the caller's decision.
func TargetToOptions(redisTarget string, timeout time.Duration) (*redis.Options, error) {
	if redisTarget == "" {
		return nil, status.InvalidArgumentError("redis target must not be empty")
	}
	if timeout <= 0 {
		return nil, status.InvalidArgumentErrorf("redis timeout must be positive, got %s", timeout)
	}
	var opts *redis.Options
	if !isRedisURI(redisTarget) {
		if _, _, err := net.SplitHostPort(redisTarget); err != nil {
			return nil, status.InvalidArgumentErrorf("redis target %q is not host:port: %s", redisTarget, err)
		}
		opts = &redis.Options{Addr: redisTarget}
	} else {
		parsed, err := redis.ParseURL(redisTarget)
		if err != nil {
			return nil, status.InvalidArgumentErrorf(
				"could not parse redis target %q: %s. The supported redis URI formats are "+
					"redis[s]://[[USER][:PASSWORD]@][HOST][:PORT][/DATABASE] or "+
					"unix://[[USER][:PASSWORD]@]SOCKET_PATH[?db=DATABASE]", redisTarget, err)
		}
		opts = parsed
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	opts.MaxRetries = -1
	opts.IdleTimeout = -1
	return opts, nil
}

type HealthChecker struct {
	Rdb *redis.Client
}

func (c *HealthChecker) Check(ctx context.Context) error {
	return c.Rdb.Ping(ctx).Err()
}
