package nats

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ClientVersion and related constants define protocol and client
// behavior values.
const (
	ClientVersion = "0.1.0"

	DefaultName = "#golang"

	circuitBreakerWaitAfterBreaking = 2000 * time.Millisecond
	circuitBreakerWaitBetweenRounds = 250 * time.Millisecond
	circuitBreakerRounds            = 4

	retriesMax = 10
)

// Channel identifies one subscription held by a Client. It is returned
// by Subscribe and consumed by Unsubscribe and UnsubscribeAfter.
type Channel struct {
	SID uint64
}

// Event is one message delivered to a subscription. Inbox carries the
// reply-to subject and is empty when the message has none.
type Event struct {
	Subject string
	Channel Channel
	Msg     []byte
	Inbox   string
}

// clientState is the live, handshake-completed session to one server.
// It exists only while a connection is up and is owned exclusively by
// the Client.
type clientState struct {
	stream     *Stream
	reader     *bufio.Reader
	maxPayload int
}

// Client is a connection to a cluster of servers. It owns the candidate
// server list, the current session, the circuit breaker, and the
// subscription id counter.
//
// A Client is not safe for concurrent use: operations block on network
// I/O against a single session and must be serialized by the caller.
type Client struct {
	serversInfo    []serverInfo
	serverIdx      int
	verbose        bool
	pedantic       bool
	name           string
	state          *clientState
	circuitBreaker time.Time
	sid            uint64
	tlsConfig      *tls.Config
	logger         Logger
	delayStrategy  DelayStrategy
	subscriptions  *subscriptionRegistry
}

// NewClient creates a Client for the given server URIs. Candidate order
// is randomized once to spread client load across a static list. Every
// URI must parse; a malformed URI or credential pair fails construction
// before any network activity.
func NewClient(uris ...string) (*Client, error) {
	if len(uris) == 0 {
		return nil, NewError(InvalidClientConfig, "At least one server URI is required")
	}

	serversInfo := make([]serverInfo, 0, len(uris))
	for _, uri := range uris {
		info, err := parseServerURI(uri)
		if err != nil {
			return nil, err
		}
		serversInfo = append(serversInfo, info)
	}
	rand.Shuffle(len(serversInfo), func(i, j int) {
		serversInfo[i], serversInfo[j] = serversInfo[j], serversInfo[i]
	})

	return &Client{
		serversInfo:   serversInfo,
		name:          DefaultName,
		sid:           1,
		logger:        &NoOpLogger{},
		delayStrategy: NewFixedDelayStrategy(circuitBreakerWaitBetweenRounds),
		subscriptions: newSubscriptionRegistry(),
	}, nil
}

// SetVerbose enables the per-command +OK acknowledgement mode.
func (client *Client) SetVerbose(verbose bool) *Client {
	client.verbose = verbose
	return client
}

// SetPedantic enables the server's strict protocol checking mode.
func (client *Client) SetPedantic(pedantic bool) *Client {
	client.pedantic = pedantic
	return client
}

// SetName sets the client name sent in the CONNECT handshake.
func (client *Client) SetName(name string) *Client {
	client.name = name
	return client
}

// SetTLSConfig sets tlsconfig on the receiver. A nil configuration
// selects the library default when a server requires TLS.
func (client *Client) SetTLSConfig(config *tls.Config) *Client {
	client.tlsConfig = config
	return client
}

// SetLogger sets the logger used for connection lifecycle events.
func (client *Client) SetLogger(logger Logger) *Client {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	client.logger = logger
	return client
}

// SetReconnectDelayStrategy sets the strategy governing the pause
// between failover rounds.
func (client *Client) SetReconnectDelayStrategy(strategy DelayStrategy) *Client {
	if strategy == nil {
		strategy = NewFixedDelayStrategy(circuitBreakerWaitBetweenRounds)
	}
	client.delayStrategy = strategy
	return client
}

// Subscribe creates a subscription for subject, optionally joining a
// queue group. The returned Channel identifies the subscription for
// Unsubscribe and for matching delivered events.
func (client *Client) Subscribe(subject string, queue ...string) (Channel, error) {
	if err := subjectCheck(subject); err != nil {
		return Channel{}, err
	}
	queueName := ""
	if len(queue) > 0 {
		queueName = queue[0]
		if err := queueCheck(queueName); err != nil {
			return Channel{}, err
		}
	}

	sid := client.sid
	cmd := formatSub(subject, queueName, sid)
	verbose := client.verbose
	if err := client.maybeConnect(); err != nil {
		return Channel{}, err
	}
	err := client.withReconnect(func(state *clientState) error {
		if err := state.stream.writeAll([]byte(cmd)); err != nil {
			return err
		}
		return waitOK(state, verbose)
	})
	if err != nil {
		return Channel{}, err
	}

	// Advance only after success so a failed subscribe does not
	// consume an id. Wraps around on overflow.
	client.sid++
	channel := Channel{SID: sid}
	client.subscriptions.add(channel, subject, queueName)
	return channel, nil
}

// Unsubscribe removes the subscription identified by channel.
func (client *Client) Unsubscribe(channel Channel) error {
	cmd := formatUnsub(channel.SID)
	verbose := client.verbose
	if err := client.maybeConnect(); err != nil {
		return err
	}
	err := client.withReconnect(func(state *clientState) error {
		if err := state.stream.writeAll([]byte(cmd)); err != nil {
			return err
		}
		return waitOK(state, verbose)
	})
	if err != nil {
		return err
	}
	client.subscriptions.remove(channel.SID)
	return nil
}

// UnsubscribeAfter asks the server to remove the subscription
// automatically after max more deliveries.
func (client *Client) UnsubscribeAfter(channel Channel, max uint64) error {
	cmd := formatUnsubAfter(channel.SID, max)
	verbose := client.verbose
	if err := client.maybeConnect(); err != nil {
		return err
	}
	err := client.withReconnect(func(state *clientState) error {
		if err := state.stream.writeAll([]byte(cmd)); err != nil {
			return err
		}
		return waitOK(state, verbose)
	})
	if err != nil {
		return err
	}
	client.subscriptions.setRemaining(channel.SID, max)
	return nil
}

// Publish sends msg to subject.
func (client *Client) Publish(subject string, msg []byte) error {
	return client.publishWithInbox(subject, "", msg)
}

// PublishRequest sends msg to subject with inbox as the reply-to
// subject.
func (client *Client) PublishRequest(subject, inbox string, msg []byte) error {
	if err := inboxCheck(inbox); err != nil {
		return err
	}
	return client.publishWithInbox(subject, inbox, msg)
}

// Request publishes msg with a freshly generated reply inbox that is
// subscribed with a single-delivery auto-unsubscribe. The inbox name is
// returned so the caller can correlate the reply against subsequent
// Wait results.
func (client *Client) Request(subject string, msg []byte) (string, error) {
	inbox := newInbox()
	channel, err := client.Subscribe(inbox)
	if err != nil {
		return "", err
	}
	if err := client.UnsubscribeAfter(channel, 1); err != nil {
		return "", err
	}
	if err := client.publishWithInbox(subject, inbox, msg); err != nil {
		return "", err
	}
	return inbox, nil
}

func (client *Client) publishWithInbox(subject, inbox string, msg []byte) error {
	if err := subjectCheck(subject); err != nil {
		return err
	}

	frame := formatPub(subject, inbox, msg)
	verbose := client.verbose
	if err := client.maybeConnect(); err != nil {
		return err
	}
	// Checked against the live session before anything is written so an
	// oversized message never reaches the server.
	if len(frame) > client.state.maxPayload {
		return NewError(ClientProtocolError, "Message too large",
			fmt.Sprintf("Maximum payload size is %d bytes", client.state.maxPayload))
	}
	return client.withReconnect(func(state *clientState) error {
		if err := state.stream.writeAll(frame); err != nil {
			return err
		}
		return waitOK(state, verbose)
	})
}

// Wait blocks until the server delivers one message and returns it as
// an Event. Keepalive PINGs received while waiting are answered
// transparently.
func (client *Client) Wait() (*Event, error) {
	if err := client.maybeConnect(); err != nil {
		return nil, err
	}

	var event *Event
	err := client.withReconnect(func(state *clientState) error {
		for {
			line, err := readLine(state.reader)
			if err != nil {
				return err
			}
			if len(line) < minControlLen {
				return NewError(ServerProtocolError, "Incomplete server response")
			}
			if strings.HasPrefix(line, "MSG ") {
				parsed, err := readMsg(line, state.reader)
				if err != nil {
					return err
				}
				event = parsed
				return nil
			}
			if line != "PING\r\n" {
				return NewError(ServerProtocolError, "Server sent an unexpected response", strings.TrimRight(line, "\r\n"))
			}
			if err := state.stream.writeAll([]byte("PONG\r\n")); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// tryConnect establishes a session against the current candidate:
// transport dial, INFO preamble, optional TLS upgrade, CONNECT/PING
// handshake, and the trailing PONG.
func (client *Client) tryConnect() error {
	server := &client.serversInfo[client.serverIdx]

	stream, err := dialStream(server.scheme, server.host, server.port)
	if err != nil {
		return err
	}
	established := false
	defer func() {
		if !established {
			_ = stream.Close()
		}
	}()

	reader := bufio.NewReader(stream)
	line, err := readLine(reader)
	if err != nil {
		return err
	}
	metadata, err := parseInfoLine(line)
	if err != nil {
		return err
	}
	server.maxPayload = metadata.maxPayload
	server.tlsRequired = metadata.tlsRequired

	if metadata.tlsRequired {
		if err := stream.UpgradeTLS(client.tlsConfig, server.host); err != nil {
			return err
		}
		// The plaintext reader is stale after the upgrade.
		reader = bufio.NewReader(stream)
	}

	payload := connectPayload{
		Verbose:  client.verbose,
		Pedantic: client.pedantic,
		Name:     client.name,
	}
	if metadata.authRequired && server.credentials != nil {
		payload.User = server.credentials.username
		payload.Pass = server.credentials.password
	}
	connectCmd, err := formatConnect(payload)
	if err != nil {
		return err
	}
	if err := stream.writeAll(connectCmd); err != nil {
		return err
	}

	if client.verbose {
		line, err := readLine(reader)
		if err != nil {
			return err
		}
		if line != "+OK\r\n" {
			return NewError(ServerProtocolError, "Server +OK not received", strings.TrimRight(line, "\r\n"))
		}
	}
	line, err = readLine(reader)
	if err != nil {
		return err
	}
	if line != "PONG\r\n" {
		return NewError(ServerProtocolError, "Server PONG not received", strings.TrimRight(line, "\r\n"))
	}

	client.state = &clientState{
		stream:     stream,
		reader:     reader,
		maxPayload: metadata.maxPayload,
	}
	established = true
	client.logger.Info("connected", "uri", server.uri(), "max_payload", metadata.maxPayload, "tls", metadata.tlsRequired)
	return nil
}

// connect runs the failover loop: up to circuitBreakerRounds rounds
// over every candidate in round-robin order, with a delay between
// rounds. A TLS failure aborts the whole loop, since certificate
// misconfiguration is not transient. Exhausting all rounds trips the
// circuit breaker.
func (client *Client) connect() error {
	if !client.circuitBreaker.IsZero() {
		if time.Since(client.circuitBreaker) < circuitBreakerWaitAfterBreaking {
			return NewError(ServerProtocolError, "Cluster down - Connections are temporarily suspended")
		}
		client.circuitBreaker = time.Time{}
	}

	client.closeState()

	serversCount := len(client.serversInfo)
	for round := 0; round < circuitBreakerRounds; round++ {
		for attempt := 0; attempt < serversCount; attempt++ {
			uri := client.serversInfo[client.serverIdx].uri()
			err := client.tryConnect()
			if err == nil {
				if client.state == nil {
					panic("nats: no session stored after successful connect")
				}
				client.delayStrategy.Reset()
				return nil
			}
			if ErrorKind(err) == TlsError {
				return err
			}
			client.logger.Debug("connection attempt failed", "uri", uri, "error", err)
			client.serverIdx = (client.serverIdx + 1) % serversCount
		}

		wait, err := client.delayStrategy.GetConnectWaitDuration(client.serversInfo[client.serverIdx].uri())
		if err != nil {
			return err
		}
		time.Sleep(wait)
	}

	client.circuitBreaker = time.Now()
	client.logger.Warn("circuit breaker tripped", "servers", serversCount)
	return NewError(ServerProtocolError, "The entire cluster is down or unreachable")
}

// reconnect flushes the outgoing half of any existing session on a
// best-effort basis and re-runs connect.
func (client *Client) reconnect() error {
	if state := client.state; state != nil {
		_ = state.stream.Flush()
	}
	return client.connect()
}

func (client *Client) maybeConnect() error {
	if client.state == nil {
		return client.connect()
	}
	return nil
}

// Close tears down any live session. The client remains usable; the
// next operation establishes a fresh connection.
func (client *Client) Close() error {
	client.closeState()
	return nil
}

func (client *Client) closeState() {
	if state := client.state; state != nil {
		_ = state.stream.Close()
		client.state = nil
	}
}

// withReconnect runs op against the live session, transparently
// replacing the session and retrying on failure, up to retriesMax
// attempts. The session slot is moved out for the duration of one
// attempt and restored only on success, so a failed attempt never
// leaves a stale session behind. A failed reconnect aborts immediately
// with the reconnect error.
func (client *Client) withReconnect(op func(state *clientState) error) error {
	var lastErr error = NewError(IoError, "I/O error")
	for attempt := 0; attempt < retriesMax; attempt++ {
		state := client.state
		if state == nil {
			panic("nats: no session available for operation")
		}
		client.state = nil

		err := op(state)
		if err == nil {
			client.state = state
			return nil
		}
		lastErr = err
		_ = state.stream.Close()

		if reconnectErr := client.reconnect(); reconnectErr != nil {
			return reconnectErr
		}
		client.logger.Debug("operation retried after reconnect", "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func spaceCheck(name string, description string) error {
	if strings.Contains(name, " ") {
		return NewError(ClientProtocolError, description)
	}
	return nil
}

func subjectCheck(subject string) error {
	return spaceCheck(subject, "A subject cannot contain spaces")
}

func inboxCheck(inbox string) error {
	return spaceCheck(inbox, "An inbox name cannot contain spaces")
}

func queueCheck(queue string) error {
	return spaceCheck(queue, "A queue name cannot contain spaces")
}
