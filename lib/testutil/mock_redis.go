package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// MockRedis is an in-process server speaking enough of the redis protocol
// for the redis backend: PING, ECHO, GET, SET, DEL, EXISTS, INCR and
// MULTI/EXEC/DISCARD. HELLO is refused so clients fall back to RESP2.
type MockRedis struct {
	mu       sync.Mutex
	listener net.Listener
	data     map[string]string
	commands []string
	conns    map[net.Conn]struct{}
	running  bool
	addr     string
	wg       sync.WaitGroup
}

type simpleString string

type errorReply string

// NewMockRedis starts a server on a random loopback port.
func NewMockRedis() (*MockRedis, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	m := &MockRedis{
		listener: ln,
		data:     make(map[string]string),
		conns:    make(map[net.Conn]struct{}),
		running:  true,
		addr:     ln.Addr().String(),
	}

	m.wg.Add(1)
	go m.acceptLoop()

	return m, nil
}

// Addr returns host:port of the server.
func (m *MockRedis) Addr() string {
	return m.addr
}

// URL returns a redis:// DSN for the server.
func (m *MockRedis) URL() string {
	return "redis://" + m.addr + "/0"
}

// Get returns the stored value of key.
func (m *MockRedis) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// Commands returns every command name received, upper-cased, in order.
func (m *MockRedis) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Close stops the server and drops all client connections.
func (m *MockRedis) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	for c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()

	err := m.listener.Close()
	m.wg.Wait()
	return err
}

func (m *MockRedis) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go m.handleConnection(conn)
	}
}

func (m *MockRedis) handleConnection(conn net.Conn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	var queued [][]string
	inMulti := false

	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		name := strings.ToUpper(args[0])

		m.mu.Lock()
		m.commands = append(m.commands, name)
		m.mu.Unlock()

		var reply any
		switch {
		case name == "MULTI":
			if inMulti {
				reply = errorReply("ERR MULTI calls can not be nested")
				break
			}
			inMulti = true
			queued = nil
			reply = simpleString("OK")
		case name == "EXEC":
			if !inMulti {
				reply = errorReply("ERR EXEC without MULTI")
				break
			}
			results := make([]any, 0, len(queued))
			for _, q := range queued {
				results = append(results, m.apply(q))
			}
			inMulti, queued = false, nil
			reply = results
		case name == "DISCARD":
			if !inMulti {
				reply = errorReply("ERR DISCARD without MULTI")
				break
			}
			inMulti, queued = false, nil
			reply = simpleString("OK")
		case name == "QUIT":
			_ = writeReply(w, simpleString("OK"))
			_ = w.Flush()
			return
		case inMulti:
			queued = append(queued, args)
			reply = simpleString("QUEUED")
		default:
			reply = m.apply(args)
		}

		if err := writeReply(w, reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (m *MockRedis) apply(args []string) any {
	name := strings.ToUpper(args[0])

	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "PING":
		if len(args) > 1 {
			return args[1]
		}
		return simpleString("PONG")
	case "ECHO":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		return args[1]
	case "SET":
		if len(args) < 3 {
			return wrongArgs(name)
		}
		m.data[args[1]] = args[2]
		return simpleString("OK")
	case "GET":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		v, ok := m.data[args[1]]
		if !ok {
			return nil
		}
		return v
	case "DEL", "EXISTS":
		if len(args) < 2 {
			return wrongArgs(name)
		}
		var n int64
		for _, k := range args[1:] {
			if _, ok := m.data[k]; ok {
				n++
				if name == "DEL" {
					delete(m.data, k)
				}
			}
		}
		return n
	case "INCR":
		if len(args) != 2 {
			return wrongArgs(name)
		}
		n, err := strconv.ParseInt(m.data[args[1]], 10, 64)
		if err != nil && m.data[args[1]] != "" {
			return errorReply("ERR value is not an integer or out of range")
		}
		n++
		m.data[args[1]] = strconv.FormatInt(n, 10)
		return n
	case "SELECT", "CLIENT":
		return simpleString("OK")
	default:
		return errorReply(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func wrongArgs(name string) errorReply {
	return errorReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}

// readCommand reads one array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		// Inline command.
		return strings.Fields(line), nil
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, fmt.Errorf("bad bulk header %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("bad bulk length %q", hdr)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeReply(w *bufio.Writer, v any) error {
	var err error
	switch v := v.(type) {
	case nil:
		_, err = w.WriteString("$-1\r\n")
	case simpleString:
		_, err = fmt.Fprintf(w, "+%s\r\n", string(v))
	case errorReply:
		_, err = fmt.Fprintf(w, "-%s\r\n", string(v))
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case []any:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err = writeReply(w, item); err != nil {
				return err
			}
		}
	default:
		err = errors.New("testutil: unsupported reply type")
	}
	return err
}
