// Package fakeredis is an in-process server speaking enough of the Redis
// protocol to test the Redis caches: string commands, INFO, flushes and
// the cluster redirection replies, with hooks to script failures.
package fakeredis

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/buildbuddy-io/contentcache/enterprise/server/util/redisutil"
	"github.com/buildbuddy-io/contentcache/server/util/log"
	"github.com/stretchr/testify/require"
)

// SlotRange assigns slots Start through End inclusive to the server at
// Addr.
type SlotRange struct {
	Start int
	End   int
	Addr  string
}

type Server struct {
	ln   net.Listener
	addr string
	port int

	mu       sync.Mutex
	closed   bool
	data     map[string][]byte
	conns    map[net.Conn]struct{}
	accepted int
	commands map[string]int
	slots    []SlotRange
	asks     map[string]string
	errors   map[string]string
	raw      map[string]string
	wg       sync.WaitGroup
}

// Start runs a server on a free localhost port until the test ends.
func Start(t testing.TB) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &Server{
		ln:       ln,
		addr:     ln.Addr().String(),
		port:     ln.Addr().(*net.TCPAddr).Port,
		data:     make(map[string][]byte),
		conns:    make(map[net.Conn]struct{}),
		commands: make(map[string]int),
		asks:     make(map[string]string),
		errors:   make(map[string]string),
		raw:      make(map[string]string),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Port() int {
	return s.port
}

// NodeID is the 40 character cluster node id reported for this server.
func (s *Server) NodeID() string {
	return nodeID(s.addr)
}

func nodeID(addr string) string {
	sum := sha1.Sum([]byte(addr))
	return hex.EncodeToString(sum[:])
}

// SetSlots makes the server behave as a cluster node: keys whose slot is
// assigned to another address are answered with MOVED, and CLUSTER SLOTS
// reports ranges.
func (s *Server) SetSlots(ranges []SlotRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append([]SlotRange(nil), ranges...)
}

// SetAsk answers commands for key with an ASK redirection to addr unless
// the client sent ASKING first.
func (s *Server) SetAsk(key, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asks[key] = addr
}

// SetErrorReply answers every future invocation of command with the error
// msg.
func (s *Server) SetErrorReply(command, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[strings.ToLower(command)] = msg
}

// SetRawReply answers every future invocation of command with resp, which
// must be a complete protocol reply such as ":1\r\n".
func (s *Server) SetRawReply(command, resp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[strings.ToLower(command)] = resp
}

// ClearScripts removes everything installed by SetAsk, SetErrorReply and
// SetRawReply.
func (s *Server) ClearScripts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asks = make(map[string]string)
	s.errors = make(map[string]string)
	s.raw = make(map[string]string)
}

// DropConnections closes every open client connection. The server keeps
// accepting new ones.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the server. Connection attempts fail afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// CommandCount returns how often command was received, including
// invocations answered with an error or a redirection.
func (s *Server) CommandCount(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToLower(command)]
}

func (s *Server) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.accepted++
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	asking := false
	for {
		args, err := readCommand(r)
		if err != nil {
			if err != io.EOF && !isClosedErr(err) {
				log.Debugf("[fakeredis %s] dropping connection: %s", s.addr, err)
			}
			return
		}
		if len(args) == 0 {
			continue
		}
		resp, isAsking := s.execute(args, asking)
		asking = isAsking
		if _, err := w.WriteString(resp); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(line, "\r\n") {
		return "", fmt.Errorf("protocol error: line %q not terminated by CRLF", line)
	}
	return line[:len(line)-2], nil
}

// readCommand reads one command sent as an array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("protocol error: expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("protocol error: bad array length %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, fmt.Errorf("protocol error: expected bulk string, got %q", line)
		}
		size, err := strconv.Atoi(line[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("protocol error: bad bulk length %q", line)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func simple(s string) string {
	return "+" + s + "\r\n"
}

func errorReply(s string) string {
	return "-" + s + "\r\n"
}

func integer(n int) string {
	return ":" + strconv.Itoa(n) + "\r\n"
}

func bulk(b []byte) string {
	return "$" + strconv.Itoa(len(b)) + "\r\n" + string(b) + "\r\n"
}

const nilBulk = "$-1\r\n"

func array(elems ...string) string {
	return "*" + strconv.Itoa(len(elems)) + "\r\n" + strings.Join(elems, "")
}

// execute runs one command. The returned bool is the ASKING flag for the
// next command on the same connection.
func (s *Server) execute(args []string, asking bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := strings.ToLower(args[0])
	if cmd == "cluster" && len(args) > 1 {
		cmd += " " + strings.ToLower(args[1])
	}
	s.commands[cmd]++

	if msg, ok := s.errors[cmd]; ok {
		return errorReply(msg), false
	}
	if resp, ok := s.raw[cmd]; ok {
		return resp, false
	}

	switch cmd {
	case "get", "set", "del":
		if len(args) < 2 {
			return errorReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd)), false
		}
		if redirect := s.redirectionLocked(args[1], asking); redirect != "" {
			return errorReply(redirect), false
		}
	}

	switch cmd {
	case "ping":
		return simple("PONG"), false
	case "asking":
		return simple("OK"), true
	case "get":
		v, ok := s.data[args[1]]
		if !ok {
			return nilBulk, false
		}
		return bulk(v), false
	case "set":
		if len(args) != 3 {
			return errorReply("ERR syntax error"), false
		}
		s.data[args[1]] = []byte(args[2])
		return simple("OK"), false
	case "del":
		n := 0
		for _, k := range args[1:] {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				n++
			}
		}
		return integer(n), false
	case "flushall", "flushdb":
		s.data = make(map[string][]byte)
		return simple("OK"), false
	case "dbsize":
		return integer(len(s.data)), false
	case "info":
		return bulk([]byte(s.infoLocked())), false
	case "cluster slots":
		return s.clusterSlotsLocked(), false
	case "cluster info":
		state := "ok"
		if len(s.slots) == 0 {
			state = "fail"
		}
		return bulk([]byte("cluster_state:" + state + "\r\ncluster_slots_assigned:" + strconv.Itoa(s.assignedSlotsLocked()) + "\r\n")), false
	default:
		return errorReply(fmt.Sprintf("ERR unknown command '%s'", args[0])), false
	}
}

func (s *Server) redirectionLocked(key string, asking bool) string {
	slot := redisutil.HashSlot(key)
	if addr, ok := s.asks[key]; ok && !asking {
		return fmt.Sprintf("ASK %d %s", slot, addr)
	}
	if asking || len(s.slots) == 0 {
		return ""
	}
	for _, r := range s.slots {
		if slot >= r.Start && slot <= r.End {
			if r.Addr == s.addr {
				return ""
			}
			return fmt.Sprintf("MOVED %d %s", slot, r.Addr)
		}
	}
	return fmt.Sprintf("CLUSTERDOWN Hash slot %d not served", slot)
}

func (s *Server) assignedSlotsLocked() int {
	n := 0
	for _, r := range s.slots {
		n += r.End - r.Start + 1
	}
	return n
}

func (s *Server) clusterSlotsLocked() string {
	if len(s.slots) == 0 {
		return errorReply("ERR This instance has cluster support disabled")
	}
	elems := make([]string, 0, len(s.slots))
	for _, r := range s.slots {
		host, portStr, err := net.SplitHostPort(r.Addr)
		if err != nil {
			return errorReply("ERR bad slot address " + r.Addr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return errorReply("ERR bad slot port " + portStr)
		}
		node := array(bulk([]byte(host)), integer(port), bulk([]byte(nodeID(r.Addr))))
		elems = append(elems, array(integer(r.Start), integer(r.End), node))
	}
	return array(elems...)
}

func (s *Server) infoLocked() string {
	var b strings.Builder
	b.WriteString("# Server\r\n")
	b.WriteString("redis_version:7.0.0\r\n")
	b.WriteString("redis_mode:fake\r\n")
	fmt.Fprintf(&b, "tcp_port:%d\r\n", s.port)
	b.WriteString("\r\n# Clients\r\n")
	fmt.Fprintf(&b, "connected_clients:%d\r\n", len(s.conns))
	b.WriteString("\r\n# Keyspace\r\n")
	if len(s.data) > 0 {
		fmt.Fprintf(&b, "db0:keys=%d,expires=0,avg_ttl=0\r\n", len(s.data))
	}
	return b.String()
}
