package nats

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startTestClient(t *testing.T, server *testServer) *Client {
	t.Helper()
	client, err := NewClient(server.uri())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSubscribePublishWait(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)
	channel, err := client.Subscribe("chan")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), channel.SID)

	require.NoError(t, client.Publish("chan", []byte("hello")))

	event, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, "chan", event.Subject)
	assert.Equal(t, channel, event.Channel)
	assert.Equal(t, []byte("hello"), event.Msg)
	assert.Empty(t, event.Inbox)
}

func TestSubscriptionCounterAdvancesPerSuccess(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)

	first, err := client.Subscribe("chan")
	require.NoError(t, err)
	second, err := client.Subscribe("chan2", "workers")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.SID)
	assert.Equal(t, uint64(2), second.SID)

	require.NoError(t, client.Unsubscribe(first))

	third, err := client.Subscribe("chan3")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.SID)
}

func TestValidationFailuresPerformNoIO(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)

	_, err = client.Subscribe("bad subject")
	require.Error(t, err)
	assert.Equal(t, ClientProtocolError, ErrorKind(err))

	_, err = client.Subscribe("chan", "bad queue")
	require.Error(t, err)
	assert.Equal(t, ClientProtocolError, ErrorKind(err))

	err = client.Publish("bad subject", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, ClientProtocolError, ErrorKind(err))

	err = client.PublishRequest("chan", "bad inbox", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, ClientProtocolError, ErrorKind(err))

	// Nothing above may have touched the network, and the failed
	// subscribes must not have consumed an id.
	assert.Equal(t, int64(0), server.accepted.Load())

	channel, err := client.Subscribe("chan")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), channel.SID)
}

func TestPublishTooLargeFailsLocally(t *testing.T) {
	server, err := newTestServer(withMaxPayload(32))
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)

	err = client.Publish("chan", bytes.Repeat([]byte("x"), 64))
	require.Error(t, err)
	assert.Equal(t, ClientProtocolError, ErrorKind(err))
	assert.Contains(t, err.Error(), "Message too large")
	assert.Contains(t, err.Error(), "32 bytes")

	// The session must survive a rejected publish.
	require.NoError(t, client.Publish("chan", []byte("small")))
	assert.Equal(t, int64(1), server.accepted.Load())
}

func TestVerboseMode(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)
	client.SetVerbose(true).SetName("verbose-test")

	channel, err := client.Subscribe("chan")
	require.NoError(t, err)
	require.NoError(t, client.Publish("chan", []byte("ping me")))

	event, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, channel, event.Channel)
	assert.Equal(t, []byte("ping me"), event.Msg)

	require.NoError(t, client.UnsubscribeAfter(channel, 5))
	require.NoError(t, client.Unsubscribe(channel))
}

func TestAuthenticatedConnect(t *testing.T) {
	server, err := newTestServer(withAuth("alice", "secret"))
	require.NoError(t, err)
	defer server.close()

	client, err := NewClient(server.authURI())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Subscribe("chan")
	require.NoError(t, err)
	require.NoError(t, client.Publish("chan", []byte("authorized")))

	event, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, []byte("authorized"), event.Msg)
}

func TestRequestReply(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)

	// Simulate the responder side with a plain subscription on the
	// same connection.
	_, err = client.Subscribe("help")
	require.NoError(t, err)

	inbox, err := client.Request("help", []byte("need assistance"))
	require.NoError(t, err)
	assert.Len(t, inbox, 16)
	assert.NotContains(t, inbox, " ")

	request, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, "help", request.Subject)
	assert.Equal(t, inbox, request.Inbox)
	assert.Equal(t, []byte("need assistance"), request.Msg)

	require.NoError(t, client.Publish(request.Inbox, []byte("here you go")))
	reply, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, inbox, reply.Subject)
	assert.Equal(t, []byte("here you go"), reply.Msg)

	// The inbox subscription auto-unsubscribed after one delivery, so
	// a second reply is not delivered.
	require.NoError(t, client.Publish(inbox, []byte("late reply")))
	require.NoError(t, client.Publish("help", []byte("still here")))
	event, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, "help", event.Subject)
	assert.Equal(t, []byte("still here"), event.Msg)
}

func TestRequestInboxesAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		inbox := newInbox()
		require.Len(t, inbox, 16)
		require.False(t, seen[inbox], "inbox %q generated twice", inbox)
		seen[inbox] = true
	}
}

func TestWaitAnswersKeepaliveThenDeliversEvent(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	state, serverSide := pipeState()
	client.state = state
	defer client.Close()
	defer serverSide.Close()

	received := make(chan []byte, 1)
	go func() {
		_, _ = serverSide.Write([]byte("PING\r\n"))
		buffer := make([]byte, 6)
		if _, err := serverSide.Read(buffer); err != nil {
			received <- nil
			return
		}
		received <- buffer
		_, _ = serverSide.Write([]byte("MSG foo 1 5\r\nhello\r\n"))
	}()

	event, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, []byte("PONG\r\n"), <-received)
	assert.Equal(t, "foo", event.Subject)
	assert.Equal(t, []byte("hello"), event.Msg)
}

func TestConnectFailoverTripsCircuitBreaker(t *testing.T) {
	servers := make([]*refusingServer, 3)
	uris := make([]string, 3)
	for i := range servers {
		server, err := newRefusingServer()
		require.NoError(t, err)
		defer server.close()
		servers[i] = server
		uris[i] = server.uri()
	}

	client, err := NewClient(uris...)
	require.NoError(t, err)

	started := time.Now()
	err = client.connect()
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.Equal(t, ServerProtocolError, ErrorKind(err))
	assert.Contains(t, err.Error(), "The entire cluster is down or unreachable")

	total := int64(0)
	for _, server := range servers {
		attempts := server.attempts.Load()
		assert.Equal(t, int64(4), attempts, "every candidate is attempted once per round")
		total += attempts
	}
	assert.Equal(t, int64(12), total)
	assert.GreaterOrEqual(t, elapsed, 4*circuitBreakerWaitBetweenRounds)

	// Within the suppression window the breaker fails fast without any
	// further network attempts.
	started = time.Now()
	err = client.connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cluster down - Connections are temporarily suspended")
	assert.Less(t, time.Since(started), 100*time.Millisecond)
	for _, server := range servers {
		assert.Equal(t, int64(4), server.attempts.Load())
	}
}

func TestCircuitBreakerResetsAfterWindow(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)
	client.circuitBreaker = time.Now().Add(-circuitBreakerWaitAfterBreaking - time.Second)

	require.NoError(t, client.connect())
	assert.True(t, client.circuitBreaker.IsZero())
	require.NotNil(t, client.state)
}

func TestOperationsReconnectTransparently(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)
	_, err = client.Subscribe("chan")
	require.NoError(t, err)

	// Kill the session behind the client's back; the next operation
	// must reconnect and succeed.
	require.NoError(t, client.state.stream.Close())

	require.NoError(t, client.Publish("chan", []byte("after reconnect")))
	assert.Equal(t, int64(2), server.accepted.Load())
}

func TestEventsIterationStopsOnFailure(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)
	_, err = client.Subscribe("chan")
	require.NoError(t, err)
	require.NoError(t, client.Publish("chan", []byte("one")))
	require.NoError(t, client.Publish("chan", []byte("two")))

	events := client.Events()
	first, ok := events.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("one"), first.Msg)
	second, ok := events.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("two"), second.Msg)

	// Tear the whole cluster down; iteration must terminate and retain
	// the terminating error.
	client.closeState()
	server.close()
	client.circuitBreaker = time.Now()

	_, ok = events.Next()
	require.False(t, ok)
	require.Error(t, events.Err())

	_, ok = events.Next()
	assert.False(t, ok)
}

func TestSubscriptionRegistry(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)

	first, err := client.Subscribe("orders")
	require.NoError(t, err)
	second, err := client.Subscribe("fills", "workers")
	require.NoError(t, err)
	require.NoError(t, client.UnsubscribeAfter(second, 3))

	subscriptions := client.Subscriptions()
	require.Len(t, subscriptions, 2)
	assert.Equal(t, "orders", subscriptions[0].Subject)
	assert.Equal(t, uint64(0), subscriptions[0].Remaining)
	assert.Equal(t, "fills", subscriptions[1].Subject)
	assert.Equal(t, "workers", subscriptions[1].Queue)
	assert.Equal(t, uint64(3), subscriptions[1].Remaining)

	require.NoError(t, client.Unsubscribe(first))
	subscriptions = client.Subscriptions()
	require.Len(t, subscriptions, 1)
	assert.Equal(t, second, subscriptions[0].Channel)
}

func TestResubscribeReplaysSubscriptions(t *testing.T) {
	server, err := newTestServer()
	require.NoError(t, err)
	defer server.close()

	client := startTestClient(t, server)
	channel, err := client.Subscribe("orders")
	require.NoError(t, err)

	// Simulate a broker restart: new connection, empty server-side
	// subscription table.
	client.closeState()
	require.NoError(t, client.Resubscribe())

	require.NoError(t, client.Publish("orders", []byte("resubscribed")))
	event, err := client.Wait()
	require.NoError(t, err)
	assert.Equal(t, channel, event.Channel)
	assert.Equal(t, []byte("resubscribed"), event.Msg)
}

func TestPipeStateHelperUsesBufferedReader(t *testing.T) {
	state, serverSide := pipeState()
	defer state.stream.Close()
	defer serverSide.Close()

	go func() {
		_, _ = serverSide.Write([]byte("+OK\r\nPONG\r\n"))
	}()

	line, err := readLine(state.reader)
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", line)
	line, err = readLine(state.reader)
	require.NoError(t, err)
	assert.Equal(t, "PONG\r\n", line)
}
