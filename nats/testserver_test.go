package nats

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// testServer is a minimal in-process broker speaking just enough of the
// wire protocol for the client tests: INFO advertisement, the
// CONNECT/PING handshake with optional verbose acknowledgements, and
// per-connection SUB/UNSUB/PUB routing with MSG delivery.
type testServer struct {
	listener     net.Listener
	maxPayload   int
	authRequired bool
	username     string
	password     string

	wg       sync.WaitGroup
	accepted atomic.Int64

	lock  sync.Mutex
	conns map[net.Conn]struct{}
}

func newTestServer(options ...func(*testServer)) (*testServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &testServer{
		listener:   listener,
		maxPayload: 1048576,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, option := range options {
		option(server)
	}
	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

func withMaxPayload(maxPayload int) func(*testServer) {
	return func(server *testServer) { server.maxPayload = maxPayload }
}

func withAuth(username, password string) func(*testServer) {
	return func(server *testServer) {
		server.authRequired = true
		server.username = username
		server.password = password
	}
}

func (server *testServer) uri() string {
	return "nats://" + server.listener.Addr().String()
}

func (server *testServer) authURI() string {
	return "nats://" + server.username + ":" + server.password + "@" + server.listener.Addr().String()
}

// close shuts the listener down and force-closes every live
// connection, so handler goroutines blocked on a read terminate.
func (server *testServer) close() {
	_ = server.listener.Close()
	server.lock.Lock()
	for conn := range server.conns {
		_ = conn.Close()
	}
	server.lock.Unlock()
	server.wg.Wait()
}

func (server *testServer) acceptLoop() {
	defer server.wg.Done()
	for {
		conn, err := server.listener.Accept()
		if err != nil {
			return
		}
		server.accepted.Add(1)
		server.lock.Lock()
		server.conns[conn] = struct{}{}
		server.lock.Unlock()
		server.wg.Add(1)
		go func() {
			defer server.wg.Done()
			defer func() {
				server.lock.Lock()
				delete(server.conns, conn)
				server.lock.Unlock()
				_ = conn.Close()
			}()
			server.handleConn(conn)
		}()
	}
}

type testSub struct {
	subject   string
	remaining int // -1 = unlimited
}

func (server *testServer) handleConn(conn net.Conn) {
	info := fmt.Sprintf("INFO {\"max_payload\":%d,\"tls_required\":false,\"auth_required\":%t}\r\n",
		server.maxPayload, server.authRequired)
	if _, err := conn.Write([]byte(info)); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	verbose := false
	subs := make(map[uint64]*testSub)

	ack := func() bool {
		if !verbose {
			return true
		}
		_, err := conn.Write([]byte("+OK\r\n"))
		return err == nil
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(trimmed, "CONNECT "):
			payload := gjson.Parse(trimmed[len("CONNECT "):])
			verbose = payload.Get("verbose").Bool()
			if server.authRequired {
				if payload.Get("user").String() != server.username ||
					payload.Get("pass").String() != server.password {
					_, _ = conn.Write([]byte("-ERR 'Authorization Violation'\r\n"))
					return
				}
			}
			// The trailing PING arrives as its own line.
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
			if !ack() {
				return
			}
			if _, err := conn.Write([]byte("PONG\r\n")); err != nil {
				return
			}

		case strings.HasPrefix(trimmed, "SUB "):
			parts := strings.Split(trimmed[len("SUB "):], " ")
			if len(parts) < 2 {
				return
			}
			sid, _ := strconv.ParseUint(parts[len(parts)-1], 10, 64)
			subs[sid] = &testSub{subject: parts[0], remaining: -1}
			if !ack() {
				return
			}

		case strings.HasPrefix(trimmed, "UNSUB "):
			parts := strings.Split(trimmed[len("UNSUB "):], " ")
			sid, _ := strconv.ParseUint(parts[0], 10, 64)
			if len(parts) > 1 {
				if sub, exists := subs[sid]; exists {
					max, _ := strconv.Atoi(parts[1])
					sub.remaining = max
				}
			} else {
				delete(subs, sid)
			}
			if !ack() {
				return
			}

		case strings.HasPrefix(trimmed, "PUB "):
			parts := strings.Split(trimmed[len("PUB "):], " ")
			if len(parts) < 2 {
				return
			}
			subject := parts[0]
			inbox := ""
			lengthToken := parts[1]
			if len(parts) > 2 {
				inbox = parts[1]
				lengthToken = parts[2]
			}
			length, err := strconv.Atoi(lengthToken)
			if err != nil {
				return
			}
			payload := make([]byte, length+2)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			payload = payload[:length]
			if !ack() {
				return
			}
			for sid, sub := range subs {
				if sub.subject != subject || sub.remaining == 0 {
					continue
				}
				var header string
				if inbox == "" {
					header = fmt.Sprintf("MSG %s %d %d\r\n", subject, sid, length)
				} else {
					header = fmt.Sprintf("MSG %s %d %s %d\r\n", subject, sid, inbox, length)
				}
				frame := append([]byte(header), payload...)
				frame = append(frame, '\r', '\n')
				if _, err := conn.Write(frame); err != nil {
					return
				}
				if sub.remaining > 0 {
					sub.remaining--
					if sub.remaining == 0 {
						delete(subs, sid)
					}
				}
			}

		case trimmed == "PING":
			if _, err := conn.Write([]byte("PONG\r\n")); err != nil {
				return
			}

		case trimmed == "PONG":
			// Keepalive answer from the client, nothing to do.

		default:
			return
		}
	}
}

// refusingServer accepts connections and immediately closes them,
// counting every attempt. Used by the failover and circuit breaker
// tests.
type refusingServer struct {
	listener net.Listener
	attempts atomic.Int64
	wg       sync.WaitGroup
}

func newRefusingServer() (*refusingServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &refusingServer{listener: listener}
	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			server.attempts.Add(1)
			_ = conn.Close()
		}
	}()
	return server, nil
}

func (server *refusingServer) uri() string {
	return "nats://" + server.listener.Addr().String()
}

func (server *refusingServer) close() {
	_ = server.listener.Close()
	server.wg.Wait()
}
