// Package redisstub is an in-process RESP2 server implementing the commands
// rivercast's Redis-backed components use: streams with consumer groups for
// the chat queue, counters for the rate limiters, and pub/sub for the event
// bus. Tests run against it without a Redis deployment.
package redisstub

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	certPEM  []byte

	mu      sync.Mutex
	streams map[string]*stream
	kv      map[string]*counter
	clients map[*client]struct{}
	closed  bool
}

type stream struct {
	entries []streamEntry
	groups  map[string]*consumerGroup
	seq     int64
}

type streamEntry struct {
	id     string
	fields []string
}

type consumerGroup struct {
	next    int
	pending map[string]struct{}
}

type counter struct {
	value  int64
	expiry time.Time
}

// client is one accepted connection. Writes are serialised because
// published messages are pushed from the publisher's goroutine.
type client struct {
	conn net.Conn

	mu       sync.Mutex
	w        *bufio.Writer
	channels map[string]struct{}
	patterns map[string]struct{}
}

func (c *client) subscribed() bool {
	return len(c.channels)+len(c.patterns) > 0
}

func (c *client) send(fn reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	s := &Server{
		opts:    opts,
		streams: make(map[string]*stream),
		kv:      make(map[string]*counter),
		clients: make(map[*client]struct{}),
	}
	const addr = "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := loopbackCert()
		if certErr != nil {
			return nil, certErr
		}
		s.certPEM = certPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range clients {
		_ = c.conn.Close()
	}
	return err
}

// StreamLen reports the number of entries retained in a stream.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strm, ok := s.streams[name]; ok {
		return len(strm.entries)
	}
	return 0
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		c := &client{conn: conn, w: bufio.NewWriter(conn)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *Server) handle(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	reader := bufio.NewReader(c.conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if c.send(failure("ERR empty command")) != nil {
				return
			}
			continue
		}

		var out reply
		switch cmd := strings.ToUpper(args[0]); {
		case cmd == "AUTH":
			var ok bool
			out, ok = s.auth(args)
			authenticated = authenticated || ok
		case cmd == "HELLO":
			// Clients fall back to RESP2 and a plain AUTH.
			out = failure("ERR unknown command 'HELLO'")
		case cmd == "SELECT" || cmd == "CLIENT":
			out = status("OK")
		case !authenticated:
			out = failure("NOAUTH Authentication required.")
		case cmd == "PING" && c.subscribed():
			out = array("pong", "")
		case cmd == "PING":
			out = status("PONG")
		case cmd == "SUBSCRIBE" || cmd == "PSUBSCRIBE":
			out = s.subscribe(c, strings.ToLower(cmd), args[1:])
		case cmd == "UNSUBSCRIBE" || cmd == "PUNSUBSCRIBE":
			out = s.unsubscribe(c, strings.ToLower(cmd), args[1:])
		case cmd == "PUBLISH":
			out = s.publish(args)
		default:
			out = s.dispatch(cmd, args)
		}
		if c.send(out) != nil {
			return
		}
	}
}

func (s *Server) auth(args []string) (reply, bool) {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return failure("ERR wrong number of arguments for 'auth'"), false
	}
	if s.opts.Password != "" && password != s.opts.Password {
		return failure("WRONGPASS invalid username-password pair"), false
	}
	return status("OK"), true
}

func (s *Server) dispatch(cmd string, args []string) reply {
	switch cmd {
	case "XADD":
		return s.xadd(args)
	case "XLEN":
		if len(args) != 2 {
			return failure("ERR wrong number of arguments for 'xlen'")
		}
		return integer(int64(s.StreamLen(args[1])))
	case "XGROUP":
		return s.xgroup(args)
	case "XREADGROUP":
		return s.xreadgroup(args)
	case "XACK":
		if len(args) < 4 {
			return failure("ERR wrong number of arguments for 'xack'")
		}
		return integer(int64(s.ack(args[1], args[2], args[3:])))
	case "INCR":
		if len(args) != 2 {
			return failure("ERR wrong number of arguments for 'incr'")
		}
		return integer(s.incr(args[1]))
	case "EXPIRE", "PEXPIRE":
		if len(args) != 3 {
			return failure("ERR wrong number of arguments for '" + strings.ToLower(cmd) + "'")
		}
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return failure("ERR value is not an integer or out of range")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		return integer(s.expire(args[1], time.Duration(n)*unit))
	case "TTL":
		if len(args) != 2 {
			return failure("ERR wrong number of arguments for 'ttl'")
		}
		return integer(s.ttl(args[1]))
	default:
		return failure(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) subscribe(c *client, kind string, names []string) reply {
	if len(names) == 0 {
		return failure("ERR wrong number of arguments for '" + kind + "'")
	}
	c.mu.Lock()
	if c.channels == nil {
		c.channels = make(map[string]struct{})
		c.patterns = make(map[string]struct{})
	}
	replies := make([][]any, 0, len(names))
	for _, name := range names {
		if kind == "psubscribe" {
			c.patterns[name] = struct{}{}
		} else {
			c.channels[name] = struct{}{}
		}
		replies = append(replies, []any{kind, name, int64(len(c.channels) + len(c.patterns))})
	}
	c.mu.Unlock()
	return sequence(replies)
}

func (s *Server) unsubscribe(c *client, kind string, names []string) reply {
	c.mu.Lock()
	set := c.channels
	if kind == "punsubscribe" {
		set = c.patterns
	}
	if len(names) == 0 {
		for name := range set {
			names = append(names, name)
		}
	}
	replies := make([][]any, 0, len(names))
	for _, name := range names {
		delete(set, name)
		replies = append(replies, []any{kind, name, int64(len(c.channels) + len(c.patterns))})
	}
	c.mu.Unlock()
	return sequence(replies)
}

func (s *Server) publish(args []string) reply {
	if len(args) != 3 {
		return failure("ERR wrong number of arguments for 'publish'")
	}
	channel, payload := args[1], args[2]

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var delivered int64
	for _, c := range clients {
		c.mu.Lock()
		var frames [][]any
		if _, ok := c.channels[channel]; ok {
			frames = append(frames, []any{"message", channel, payload})
		}
		for pattern := range c.patterns {
			if matched, _ := path.Match(pattern, channel); matched {
				frames = append(frames, []any{"pmessage", pattern, channel, payload})
			}
		}
		for _, frame := range frames {
			if encode(c.w, frame) == nil && c.w.Flush() == nil {
				delivered++
			}
		}
		c.mu.Unlock()
	}
	return integer(delivered)
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*consumerGroup)}
		s.streams[name] = strm
	}
	return strm
}

// xadd supports an optional MAXLEN [~|=] n before the id. Trimming is
// always exact.
func (s *Server) xadd(args []string) reply {
	if len(args) < 5 {
		return failure("ERR wrong number of arguments for 'xadd'")
	}
	name := args[1]
	pos := 2
	maxLen := -1
	if strings.EqualFold(args[pos], "MAXLEN") {
		pos++
		if pos < len(args) && (args[pos] == "~" || args[pos] == "=") {
			pos++
		}
		if pos >= len(args) {
			return failure("ERR syntax error")
		}
		n, err := strconv.Atoi(args[pos])
		if err != nil || n < 0 {
			return failure("ERR value is not an integer or out of range")
		}
		maxLen = n
		pos++
	}
	if pos >= len(args) || (len(args)-pos-1)%2 != 0 || len(args)-pos-1 == 0 {
		return failure("ERR wrong number of arguments for 'xadd'")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(name)
	id := args[pos]
	if id == "*" {
		strm.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), strm.seq)
	}
	strm.entries = append(strm.entries, streamEntry{id: id, fields: append([]string(nil), args[pos+1:]...)})
	if maxLen >= 0 && len(strm.entries) > maxLen {
		trimmed := len(strm.entries) - maxLen
		strm.entries = append([]streamEntry(nil), strm.entries[trimmed:]...)
		for _, g := range strm.groups {
			g.next -= trimmed
			if g.next < 0 {
				g.next = 0
			}
		}
	}
	return bulk(id)
}

func (s *Server) xgroup(args []string) reply {
	if len(args) < 5 {
		return failure("ERR wrong number of arguments for 'xgroup'")
	}
	if !strings.EqualFold(args[1], "CREATE") {
		return failure("ERR only XGROUP CREATE is supported")
	}
	name, group, start := args[2], args[3], args[4]

	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(name)
	if _, exists := strm.groups[group]; exists {
		return failure("BUSYGROUP Consumer Group name already exists")
	}
	g := &consumerGroup{pending: make(map[string]struct{})}
	if start == "$" {
		g.next = len(strm.entries)
	}
	strm.groups[group] = g
	return status("OK")
}

func (s *Server) xreadgroup(args []string) reply {
	var group, name string
	count := 1
	block := -1
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return failure("ERR syntax error")
			}
			group = args[i+1]
			i += 2
		case "COUNT", "BLOCK":
			if i+1 >= len(args) {
				return failure("ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return failure("ERR value is not an integer or out of range")
			}
			if strings.EqualFold(args[i], "COUNT") {
				count = n
			} else {
				block = n
			}
			i++
		case "NOACK":
		case "STREAMS":
			if i+2 >= len(args) {
				return failure("ERR syntax error")
			}
			name = args[i+1]
			i = len(args)
		}
	}
	if name == "" || group == "" {
		return failure("ERR syntax error")
	}

	deadline := time.Now().Add(time.Duration(block) * time.Millisecond)
	for {
		records, err := s.readGroup(name, group, count)
		if err != nil {
			return failure(err.Error())
		}
		if len(records) > 0 {
			return array([]any{name, records})
		}
		if block < 0 || (block > 0 && time.Now().After(deadline)) {
			return nilArray
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nilArray
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Server) readGroup(name, group string, count int) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", name, group)
	}
	g, ok := strm.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", name, group)
	}
	if count <= 0 {
		count = len(strm.entries)
	}
	var records []any
	for g.next < len(strm.entries) && len(records) < count {
		entry := strm.entries[g.next]
		g.next++
		g.pending[entry.id] = struct{}{}
		fields := make([]any, 0, len(entry.fields))
		for _, f := range entry.fields {
			fields = append(fields, f)
		}
		records = append(records, []any{entry.id, fields})
	}
	return records, nil
}

func (s *Server) ack(name, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	g, ok := strm.groups[group]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range ids {
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

// live returns the counter for key, dropping it once expired. Callers hold
// s.mu.
func (s *Server) live(key string) *counter {
	c := s.kv[key]
	if c != nil && !c.expiry.IsZero() && !time.Now().Before(c.expiry) {
		delete(s.kv, key)
		return nil
	}
	return c
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	if c == nil {
		c = &counter{}
		s.kv[key] = c
	}
	c.value++
	return c.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	if c == nil {
		return 0
	}
	c.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	switch {
	case c == nil:
		return -2
	case c.expiry.IsZero():
		return -1
	}
	return int64((time.Until(c.expiry) + time.Second - 1) / time.Second)
}
