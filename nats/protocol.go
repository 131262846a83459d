package nats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	minInfoLineLen = len("INFO {}")
	minMsgLineLen  = len("MSG _ _ _\r\n")
	minControlLen  = len("PING\r\n")
)

// connectPayload is the CONNECT handshake record. User and Pass are
// only present when the server requires authentication and credentials
// are configured for the selected candidate.
type connectPayload struct {
	Verbose  bool   `json:"verbose"`
	Pedantic bool   `json:"pedantic"`
	Name     string `json:"name"`
	User     string `json:"user,omitempty"`
	Pass     string `json:"pass,omitempty"`
}

// serverMetadata holds the fields consumed from the server's INFO frame.
type serverMetadata struct {
	maxPayload   int
	tlsRequired  bool
	authRequired bool
}

// parseInfoLine parses the INFO preamble the server sends on accept.
func parseInfoLine(line string) (serverMetadata, error) {
	var metadata serverMetadata

	if len(line) < minInfoLineLen {
		return metadata, NewError(ServerProtocolError, "Incomplete server response", strings.TrimRight(line, "\r\n"))
	}
	if !strings.HasPrefix(line, "INFO ") {
		return metadata, NewError(ServerProtocolError, "Server INFO not received", strings.TrimRight(line, "\r\n"))
	}

	document := strings.TrimRight(line[len("INFO "):], "\r\n")
	if !gjson.Valid(document) || !gjson.Parse(document).IsObject() {
		return metadata, NewError(ServerProtocolError, "Invalid JSON object sent by the server", document)
	}
	parsed := gjson.Parse(document)

	maxPayload := parsed.Get("max_payload")
	if !maxPayload.Exists() {
		return metadata, NewError(ServerProtocolError, "Server didn't send the max payload size")
	}
	if maxPayload.Type != gjson.Number || maxPayload.Int() < 1 {
		return metadata, NewError(ServerProtocolError, "Invalid max payload size received", maxPayload.Raw)
	}
	metadata.maxPayload = int(maxPayload.Int())

	tlsRequired := parsed.Get("tls_required")
	if !tlsRequired.Exists() {
		return metadata, NewError(ServerProtocolError, "Server didn't send tls_required")
	}
	if !tlsRequired.IsBool() {
		return metadata, NewError(ServerProtocolError, "Received tls_required is not a boolean", tlsRequired.Raw)
	}
	metadata.tlsRequired = tlsRequired.Bool()

	authRequired := parsed.Get("auth_required")
	if !authRequired.Exists() {
		return metadata, NewError(ServerProtocolError, "Server didn't send auth_required")
	}
	if !authRequired.IsBool() {
		return metadata, NewError(ServerProtocolError, "Received auth_required is not a boolean", authRequired.Raw)
	}
	metadata.authRequired = authRequired.Bool()

	return metadata, nil
}

// msgArgs holds the header fields of one MSG frame.
type msgArgs struct {
	subject  string
	sid      uint64
	inbox    string
	hasInbox bool
	length   int
}

// parseMsgLine splits the already-read "MSG ..." line into its 3- or
// 4-token form. A malformed subscription id is tolerated and reported
// as 0; a malformed length is a protocol error carrying the raw line.
func parseMsgLine(line string) (msgArgs, error) {
	var args msgArgs

	if len(line) < minMsgLineLen {
		return args, NewError(ServerProtocolError, "Incomplete server response", strings.TrimRight(line, "\r\n"))
	}

	trimmed := strings.TrimRight(line, " \t\r\n")
	parts := strings.Split(trimmed[len("MSG "):], " ")
	if len(parts) < 3 {
		return args, NewError(ServerProtocolError, "Unsupported server response", trimmed)
	}

	args.subject = parts[0]
	args.sid, _ = strconv.ParseUint(parts[1], 10, 64)

	lengthToken := parts[2]
	if len(parts) > 3 {
		args.inbox = parts[2]
		args.hasInbox = true
		lengthToken = parts[3]
	}

	length, err := strconv.Atoi(lengthToken)
	if err != nil || length < 0 {
		return args, NewError(ServerProtocolError, "Suspicious message length",
			fmt.Sprintf("%s (len: [%s])", trimmed, lengthToken))
	}
	args.length = length

	return args, nil
}

// readMsg consumes the binary payload and trailing CRLF of one MSG
// frame whose header line has already been read.
func readMsg(line string, reader *bufio.Reader) (*Event, error) {
	args, err := parseMsgLine(line)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, args.length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, ioError(err)
	}

	var crlf [2]byte
	if _, err := io.ReadFull(reader, crlf[:]); err != nil {
		return nil, ioError(err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return nil, NewError(ServerProtocolError, "Missing CRLF after a message", strings.TrimRight(line, "\r\n"))
	}

	event := &Event{
		Subject: args.subject,
		Channel: Channel{SID: args.sid},
		Msg:     payload,
	}
	if args.hasInbox {
		event.Inbox = args.inbox
	}
	return event, nil
}

func formatConnect(payload connectPayload) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, wrapError(TypeError, "Failed to encode CONNECT payload", err)
	}
	command := make([]byte, 0, len("CONNECT ")+len(encoded)+len("\nPING\n"))
	command = append(command, "CONNECT "...)
	command = append(command, encoded...)
	command = append(command, "\nPING\n"...)
	return command, nil
}

func formatSub(subject, queue string, sid uint64) string {
	if queue == "" {
		return fmt.Sprintf("SUB %s %d\r\n", subject, sid)
	}
	return fmt.Sprintf("SUB %s %s %d\r\n", subject, queue, sid)
}

func formatUnsub(sid uint64) string {
	return fmt.Sprintf("UNSUB %d\r\n", sid)
}

func formatUnsubAfter(sid uint64, max uint64) string {
	return fmt.Sprintf("UNSUB %d %d\r\n", sid, max)
}

// formatPub builds the complete PUB frame, payload and trailing CRLF
// included.
func formatPub(subject, inbox string, msg []byte) []byte {
	var header string
	if inbox == "" {
		header = fmt.Sprintf("PUB %s %d\r\n", subject, len(msg))
	} else {
		header = fmt.Sprintf("PUB %s %s %d\r\n", subject, inbox, len(msg))
	}
	frame := make([]byte, 0, len(header)+len(msg)+2)
	frame = append(frame, header...)
	frame = append(frame, msg...)
	frame = append(frame, '\r', '\n')
	return frame
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", ioError(err)
	}
	return line, nil
}

// waitOK consumes the acknowledgement of the previous command. In
// non-verbose mode the server is not asked to acknowledge and this is a
// no-op. The server may interleave a keepalive PING where the +OK is
// expected; it is answered and treated as success.
func waitOK(state *clientState, verbose bool) error {
	if !verbose {
		return nil
	}

	line, err := readLine(state.reader)
	if err != nil {
		return err
	}
	if len(line) < len("OK\r\n") {
		return NewError(ServerProtocolError, "Incomplete server response")
	}

	switch line {
	case "+OK\r\n":
	case "PING\r\n":
		if err := state.stream.writeAll([]byte("PONG\r\n")); err != nil {
			return err
		}
	default:
		return NewError(ServerProtocolError, "Received unexpected response from the server", strings.TrimRight(line, "\r\n"))
	}
	return nil
}
