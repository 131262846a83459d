package main

import (
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ---------------------------------------------------------------------------
// WebSocket transport.
//
// Each upgraded connection is adapted to net.Conn and handed to the same
// protocol loop as plain TCP. Frames arrive as binary messages; message
// boundaries carry no protocol meaning.
// ---------------------------------------------------------------------------

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func startWebSocketListener(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(writer http.ResponseWriter, request *http.Request) {
		ws, err := wsUpgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		globalConnectionsAccepted.Add(1)
		globalConnectionsCurrent.Add(1)
		// TLS for WebSocket clients terminates at the HTTP layer, never
		// through the in-band upgrade.
		handleConnection(&wsNetConn{conn: ws}, nil)
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("fakenats: websocket listener: %v", err)
		}
	}()
	return server
}

// wsNetConn adapts a WebSocket connection to net.Conn for the protocol
// loop. Writes become one binary message each; reads drain incoming
// messages in order.
type wsNetConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	reader  io.Reader
}

func (ws *wsNetConn) Read(buffer []byte) (int, error) {
	for {
		if ws.reader == nil {
			_, reader, err := ws.conn.NextReader()
			if err != nil {
				return 0, err
			}
			ws.reader = reader
		}
		count, err := ws.reader.Read(buffer)
		if err == io.EOF {
			ws.reader = nil
			if count > 0 {
				return count, nil
			}
			continue
		}
		return count, err
	}
}

func (ws *wsNetConn) Write(buffer []byte) (int, error) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (ws *wsNetConn) Close() error { return ws.conn.Close() }

func (ws *wsNetConn) LocalAddr() net.Addr  { return ws.conn.LocalAddr() }
func (ws *wsNetConn) RemoteAddr() net.Addr { return ws.conn.RemoteAddr() }

func (ws *wsNetConn) SetDeadline(deadline time.Time) error {
	if err := ws.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	return ws.conn.SetWriteDeadline(deadline)
}

func (ws *wsNetConn) SetReadDeadline(deadline time.Time) error {
	return ws.conn.SetReadDeadline(deadline)
}

func (ws *wsNetConn) SetWriteDeadline(deadline time.Time) error {
	return ws.conn.SetWriteDeadline(deadline)
}
