package nats

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream is a duplex byte stream to one server. The underlying
// connection is either plain TCP, a TLS-upgraded TCP connection, or a
// WebSocket carrying the wire protocol in binary messages. Writes are
// buffered and must be flushed explicitly; reads are served to the
// session's buffered reader.
//
// A Stream supports one concurrent reader and one concurrent writer:
// net.Conn and tls.Conn guarantee that natively, and the WebSocket
// adapter serializes its writes with a mutex.
type Stream struct {
	conn   net.Conn
	writer *bufio.Writer
	secure bool
}

func newStream(conn net.Conn, secure bool) *Stream {
	return &Stream{conn: conn, writer: bufio.NewWriter(conn), secure: secure}
}

func dialStream(scheme, host string, port uint16) (*Stream, error) {
	address := net.JoinHostPort(host, portString(port))

	switch scheme {
	case uriSchemeWS, uriSchemeWSS:
		endpoint := url.URL{Scheme: scheme, Host: address}
		conn, _, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
		if err != nil {
			return nil, wrapError(IoError, "WebSocket dial failed", err)
		}
		return newStream(&wsConn{conn: conn}, scheme == uriSchemeWSS), nil
	default:
		conn, err := net.Dial("tcp", address)
		if err != nil {
			return nil, ioError(err)
		}
		return newStream(conn, false), nil
	}
}

func (stream *Stream) Read(buffer []byte) (int, error) {
	return stream.conn.Read(buffer)
}

func (stream *Stream) Write(buffer []byte) (int, error) {
	return stream.writer.Write(buffer)
}

// Flush writes any buffered output to the connection.
func (stream *Stream) Flush() error {
	return stream.writer.Flush()
}

// Close closes the underlying connection.
func (stream *Stream) Close() error {
	return stream.conn.Close()
}

// writeAll writes buffer and flushes it in one step.
func (stream *Stream) writeAll(buffer []byte) error {
	if _, err := stream.writer.Write(buffer); err != nil {
		return ioError(err)
	}
	if err := stream.writer.Flush(); err != nil {
		return ioError(err)
	}
	return nil
}

// UpgradeTLS wraps the plain connection in TLS using config, or a
// default configuration when config is nil. The server name is used for
// certificate verification. Connections that are already encrypted are
// left untouched; a plain WebSocket connection cannot be upgraded
// in-band and must use the wss scheme instead.
func (stream *Stream) UpgradeTLS(config *tls.Config, serverName string) error {
	if stream.secure {
		return nil
	}
	if _, isWebSocket := stream.conn.(*wsConn); isWebSocket {
		return NewError(TlsError, "Server requires TLS", "use the wss scheme for encrypted WebSocket connections")
	}

	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName = serverName
	}

	tlsConn := tls.Client(stream.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return wrapError(TlsError, "Failed to establish TLS connection", err)
	}

	stream.conn = tlsConn
	stream.writer = bufio.NewWriter(tlsConn)
	stream.secure = true
	return nil
}

// wsConn adapts a WebSocket connection to the net.Conn shape the wire
// protocol code expects. Every Write becomes one binary message; Reads
// drain incoming messages in order.
type wsConn struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	reader    io.Reader
}

func (ws *wsConn) Read(buffer []byte) (int, error) {
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
			// Message exhausted, move on to the next one.
			ws.reader = nil
			if count > 0 {
				return count, nil
			}
			continue
		}
		return count, err
	}
}

func (ws *wsConn) Write(buffer []byte) (int, error) {
	ws.writeLock.Lock()
	defer ws.writeLock.Unlock()
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (ws *wsConn) Close() error { return ws.conn.Close() }

func (ws *wsConn) LocalAddr() net.Addr  { return ws.conn.LocalAddr() }
func (ws *wsConn) RemoteAddr() net.Addr { return ws.conn.RemoteAddr() }

func (ws *wsConn) SetDeadline(deadline time.Time) error {
	if err := ws.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	return ws.conn.SetWriteDeadline(deadline)
}

func (ws *wsConn) SetReadDeadline(deadline time.Time) error {
	return ws.conn.SetReadDeadline(deadline)
}

func (ws *wsConn) SetWriteDeadline(deadline time.Time) error {
	return ws.conn.SetWriteDeadline(deadline)
}
