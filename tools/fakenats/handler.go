package main

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ---------------------------------------------------------------------------
// connWriter — serializes writes to one connection.
//
// Fan-out crosses goroutines, so every frame written to a subscriber must
// go through its writer.
// ---------------------------------------------------------------------------

type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (writer *connWriter) send(frame []byte) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	_, err := writer.conn.Write(frame)
	return err
}

func (writer *connWriter) sendString(frame string) error {
	return writer.send([]byte(frame))
}

// ---------------------------------------------------------------------------
// INFO preamble.
// ---------------------------------------------------------------------------

func buildInfoLine(tlsRequired bool) string {
	document := "{}"
	document, _ = sjson.Set(document, "server_id", *flagServerID)
	document, _ = sjson.Set(document, "version", *flagVersion)
	document, _ = sjson.Set(document, "max_payload", *flagMaxPayload)
	document, _ = sjson.Set(document, "tls_required", tlsRequired)
	document, _ = sjson.Set(document, "auth_required", len(authUsers) > 0)
	return "INFO " + document + "\r\n"
}

// ---------------------------------------------------------------------------
// handleConnection — the per-connection protocol loop.
//
// Sends the INFO preamble (upgrading to TLS afterwards when configured),
// then processes CONNECT, SUB, UNSUB, PUB, PING and PONG until the peer
// disconnects or violates the protocol.
// ---------------------------------------------------------------------------

func handleConnection(conn net.Conn, tlsConfig *tls.Config) {
	defer func() {
		unregisterAll(conn)
		_ = conn.Close()
		globalConnectionsCurrent.Add(-1)
	}()

	if *flagLogConn {
		log.Printf("fakenats: connect %s", conn.RemoteAddr())
		defer log.Printf("fakenats: disconnect %s", conn.RemoteAddr())
	}

	if _, err := conn.Write([]byte(buildInfoLine(tlsConfig != nil))); err != nil {
		return
	}

	if tlsConfig != nil {
		tlsConn := tls.Server(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			log.Printf("fakenats: tls handshake with %s failed: %v", conn.RemoteAddr(), err)
			return
		}
		conn = tlsConn
	}

	var (
		reader        = bufio.NewReader(conn)
		writer        = &connWriter{conn: conn}
		verbose       bool
		authenticated = len(authUsers) == 0
		localSubs     = make(map[uint64]*subscription)
	)
	defer func() {
		for _, sub := range localSubs {
			unregisterSubscription(sub)
		}
	}()

	ack := func() bool {
		if !verbose {
			return true
		}
		return writer.sendString("+OK\r\n") == nil
	}

	protocolError := func(reason string) {
		_ = writer.sendString("-ERR '" + reason + "'\r\n")
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
			if !payload.IsObject() {
				protocolError("Invalid CONNECT")
				return
			}
			verbose = payload.Get("verbose").Bool()
			if len(authUsers) > 0 {
				expected, known := authUsers[payload.Get("user").String()]
				if !known || expected != payload.Get("pass").String() {
					protocolError("Authorization Violation")
					return
				}
				authenticated = true
			}
			if !ack() {
				return
			}

		case strings.HasPrefix(trimmed, "SUB "):
			if !authenticated {
				protocolError("Authorization Violation")
				return
			}
			sub, ok := parseSubCommand(trimmed[len("SUB "):], conn, writer)
			if !ok {
				protocolError("Invalid Subject")
				return
			}
			localSubs[sub.sid] = sub
			registerSubscription(sub)
			if !ack() {
				return
			}

		case strings.HasPrefix(trimmed, "UNSUB "):
			parts := strings.Fields(trimmed[len("UNSUB "):])
			if len(parts) == 0 {
				protocolError("Unknown Protocol Operation")
				return
			}
			sid, err := strconv.ParseUint(parts[0], 10, 64)
			if err != nil {
				protocolError("Unknown Protocol Operation")
				return
			}
			if sub, exists := localSubs[sid]; exists {
				if len(parts) > 1 {
					max, err := strconv.Atoi(parts[1])
					if err != nil {
						protocolError("Unknown Protocol Operation")
						return
					}
					sub.setRemaining(max)
				} else {
					unregisterSubscription(sub)
					delete(localSubs, sid)
				}
			}
			if !ack() {
				return
			}

		case strings.HasPrefix(trimmed, "PUB "):
			if !authenticated {
				protocolError("Authorization Violation")
				return
			}
			subject, inbox, length, ok := parsePubCommand(trimmed[len("PUB "):])
			if !ok {
				protocolError("Unknown Protocol Operation")
				return
			}
			if length > *flagMaxPayload {
				protocolError("Maximum Payload Violation")
				return
			}
			payload := make([]byte, length+2)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			if payload[length] != '\r' || payload[length+1] != '\n' {
				protocolError("Unknown Protocol Operation")
				return
			}
			payload = payload[:length]
			if !ack() {
				return
			}
			globalMessagesRouted.Add(1)
			fanout(subject, inbox, payload)

		case trimmed == "PING":
			if err := writer.sendString("PONG\r\n"); err != nil {
				return
			}

		case trimmed == "PONG":
			// Keepalive answer, nothing to do.

		default:
			protocolError("Unknown Protocol Operation")
			return
		}
	}
}

// parseSubCommand parses "SUB <subject> [queue] <sid>".
func parseSubCommand(args string, conn net.Conn, writer *connWriter) (*subscription, bool) {
	parts := strings.Fields(args)
	if len(parts) < 2 || len(parts) > 3 {
		return nil, false
	}
	sid, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
	if err != nil {
		return nil, false
	}
	sub := &subscription{
		conn:      conn,
		writer:    writer,
		sid:       sid,
		pattern:   parts[0],
		remaining: -1,
	}
	if len(parts) == 3 {
		sub.queue = parts[1]
	}
	return sub, true
}

// parsePubCommand parses "PUB <subject> [inbox] <length>".
func parsePubCommand(args string) (subject, inbox string, length int, ok bool) {
	parts := strings.Fields(args)
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", 0, false
	}
	subject = parts[0]
	lengthToken := parts[1]
	if len(parts) == 3 {
		inbox = parts[1]
		lengthToken = parts[2]
	}
	length, err := strconv.Atoi(lengthToken)
	if err != nil || length < 0 {
		return "", "", 0, false
	}
	return subject, inbox, length, true
}

// fanout delivers one published message to every matching subscriber and
// retires subscriptions whose auto-unsubscribe budget is exhausted.
func fanout(subject, inbox string, payload []byte) {
	forEachMatchingSubscriber(subject, func(sub *subscription) {
		deliver, exhausted := sub.consumeDelivery()
		if deliver {
			var header string
			if inbox == "" {
				header = fmt.Sprintf("MSG %s %d %d\r\n", subject, sub.sid, len(payload))
			} else {
				header = fmt.Sprintf("MSG %s %d %s %d\r\n", subject, sub.sid, inbox, len(payload))
			}
			frame := make([]byte, 0, len(header)+len(payload)+2)
			frame = append(frame, header...)
			frame = append(frame, payload...)
			frame = append(frame, '\r', '\n')
			_ = sub.writer.send(frame)
		}
		if exhausted {
			unregisterSubscription(sub)
		}
	})
}
