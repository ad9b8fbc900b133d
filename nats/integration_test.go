package nats

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/require"
)

func connectedClient(t *testing.T, server *testServer, configure ...func(*Client)) *Client {
	t.Helper()
	client := NewClient(t.Name())
	client.SetNoRandomize(true)
	for _, apply := range configure {
		apply(client)
	}
	if err := client.Connect(server.url()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBasicPubSub(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	received := make(chan *Msg, 1)
	sid, err := client.Subscribe("foo", func(msg *Msg) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, client.NumSubscriptions())

	require.NoError(t, client.PublishString("foo", "hello"))

	select {
	case msg := <-received:
		require.Equal(t, "hello", string(msg.Data))
		require.Equal(t, "foo", msg.Subject)
		require.Equal(t, "", msg.Reply)
		require.Equal(t, sid, msg.Sid)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishOrderIsPreserved(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	var lock sync.Mutex
	var got []string
	_, err := client.Subscribe("seq", func(msg *Msg) error {
		lock.Lock()
		got = append(got, string(msg.Data))
		lock.Unlock()
		return nil
	})
	require.NoError(t, err)

	want := []string{"one", "two", "three", "four", "five"}
	for _, payload := range want {
		require.NoError(t, client.PublishString("seq", payload))
	}

	waitFor(t, 2*time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == len(want)
	}, "all messages")

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, want, got)
}

func TestAutoUnsubscribeAfterMax(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	var lock sync.Mutex
	deliveries := 0
	sid, err := client.Subscribe("bar", func(*Msg) error {
		lock.Lock()
		deliveries++
		lock.Unlock()
		return nil
	})
	require.NoError(t, err)

	unsubEvents := make(chan int64, 1)
	client.SetUnsubscribeHandler(func(eventSid int64, subject string) {
		if subject == "bar" {
			unsubEvents <- eventSid
		}
	})

	require.NoError(t, client.AutoUnsubscribe(sid, 3))

	for i := 0; i < 5; i++ {
		require.NoError(t, client.PublishString("bar", "m"))
	}
	require.NoError(t, client.Flush())

	select {
	case eventSid := <-unsubEvents:
		require.Equal(t, sid, eventSid)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe event did not fire")
	}

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, 3, deliveries)
	require.Equal(t, 0, client.NumSubscriptions())
}

func TestRequestReplyRoundTrip(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	_, err := client.Subscribe("svc", func(msg *Msg) error {
		return client.Publish(msg.Reply, []byte(strings.ToUpper(string(msg.Data))))
	})
	require.NoError(t, err)

	reply, err := client.RequestOne("svc", []byte("ping"), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "PING", string(reply.Data))

	// Many concurrent requests still use a single wildcard subscription.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			response, err := client.RequestOne("svc", []byte("abc"), 2*time.Second)
			if err == nil && string(response.Data) != "ABC" {
				t.Errorf("bad reply %q", response.Data)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 2, client.NumSubscriptions(), "responder sub plus the mux wildcard")
}

func TestRequestOneTimesOutWithoutResponder(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	started := time.Now()
	_, err := client.RequestOne("nobody.home", nil, 100*time.Millisecond)
	require.Equal(t, ErrCodeReqTimeout, ErrorCode(err))
	require.Less(t, time.Since(started), 2*time.Second)
}

func TestFlushRoundTrip(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	require.NoError(t, client.PublishString("x", "1"))
	require.NoError(t, client.Flush())

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.OutMsgs)
	require.Positive(t, stats.OutBytes)
}

func TestJSONRoundTrip(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server, func(c *Client) { c.SetJSON(true) })

	type payload struct {
		Name  string   `json:"name"`
		Count float64  `json:"count"`
		Tags  []string `json:"tags"`
	}
	sent := payload{Name: "widget", Count: 3, Tags: []string{"a", "b"}}

	values := make(chan interface{}, 1)
	_, err := client.Subscribe("js", func(msg *Msg) error {
		values <- msg.Value
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, client.PublishJSON("js", sent))

	select {
	case value := <-values:
		raw, marshalErr := json.Marshal(value)
		require.NoError(t, marshalErr)
		var got payload
		require.NoError(t, json.Unmarshal(raw, &got))
		require.Equal(t, sent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("json message not delivered")
	}
}

func TestQueueGroupDeliversToOneMember(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	var lock sync.Mutex
	total := 0
	for i := 0; i < 3; i++ {
		_, err := client.QueueSubscribe("work", "pool", func(*Msg) error {
			lock.Lock()
			total++
			lock.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, client.PublishString("work", "job"))
	}
	require.NoError(t, client.Flush())

	waitFor(t, 2*time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return total >= 10
	}, "queue deliveries")

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, 10, total, "each job goes to exactly one group member")
}

func TestReconnectReplaysSubsAndPendingPublishes(t *testing.T) {
	server := newTestServer(t)
	addr := server.addr()
	client := connectedClient(t, server, func(c *Client) {
		c.SetReconnectWait(50 * time.Millisecond).SetMaxReconnect(20)
	})

	var lock sync.Mutex
	var got []string
	_, err := client.Subscribe("x", func(msg *Msg) error {
		lock.Lock()
		got = append(got, string(msg.Data))
		lock.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	disconnected := make(chan struct{}, 4)
	client.SetDisconnectHandler(func(*Client) { disconnected <- struct{}{} })
	reconnected := make(chan struct{}, 4)
	client.SetReconnectHandler(func(*Client) { reconnected <- struct{}{} })

	server.stop()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}

	require.NoError(t, client.Publish("x", []byte("a")))
	require.NoError(t, client.Publish("x", []byte("b")))

	restarted := newTestServerOnAddr(t, addr)
	defer restarted.stop()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect did not fire")
	}

	waitFor(t, 2*time.Second, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == 2
	}, "replayed publishes")

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []string{"a", "b"}, got, "replay preserves order")

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.Reconnects)
}

func TestStaleConnectionReconnectsSilently(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	// Answer only the handshake PING on each connection.
	server.setPongLimit(1)

	var errLock sync.Mutex
	var asyncErrs []error

	reconnected := make(chan struct{}, 4)
	_ = connectedClient(t, server, func(c *Client) {
		c.SetPingInterval(30 * time.Millisecond).
			SetMaxPingOut(2).
			SetReconnectWait(20 * time.Millisecond).
			SetMaxReconnect(20)
		c.SetErrorHandler(func(err error) {
			errLock.Lock()
			asyncErrs = append(asyncErrs, err)
			errLock.Unlock()
		})
		c.SetReconnectHandler(func(*Client) {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		})
	})

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("stale connection did not trigger reconnect")
	}

	errLock.Lock()
	defer errLock.Unlock()
	require.Empty(t, asyncErrs, "stale connections recover without an error event")
}

func writeCreds(t *testing.T, jwt string, seed []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user.creds")
	require.NoError(t, os.WriteFile(path, credsDocument(t, jwt, seed), 0o600))
	return path
}

func nonceVerifyingServer(t *testing.T, public string) *testServer {
	server := newTestServer(t)
	server.lock.Lock()
	server.infoFields["nonce"] = "aGVsbG8tbm9uY2U"
	server.onConnect = func(payload string) string {
		var fields struct {
			Sig  string `json:"sig"`
			JWT  string `json:"jwt"`
			NKey string `json:"nkey"`
		}
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return "-ERR 'Authorization Violation'\r\n"
		}
		signature, err := base64.RawURLEncoding.DecodeString(fields.Sig)
		if err != nil {
			return "-ERR 'Authorization Violation'\r\n"
		}
		verifier, err := nkeys.FromPublicKey(public)
		if err != nil {
			return "-ERR 'Authorization Violation'\r\n"
		}
		if verifier.Verify([]byte("aGVsbG8tbm9uY2U"), signature) != nil {
			return "-ERR 'Authorization Violation'\r\n"
		}
		return ""
	}
	server.lock.Unlock()
	return server
}

func TestCredentialsHandshakeSucceeds(t *testing.T) {
	user, err := nkeys.CreateUser()
	require.NoError(t, err)
	seed, err := user.Seed()
	require.NoError(t, err)
	public, err := user.PublicKey()
	require.NoError(t, err)

	server := nonceVerifyingServer(t, public)
	defer server.stop()

	client := NewClient("creds-ok")
	client.SetNoRandomize(true)
	require.NoError(t, client.SetCredentials(writeCreds(t, "user-jwt", seed)))
	require.NoError(t, client.Connect(server.url()))
	defer client.Close()

	require.True(t, client.IsConnected())
	require.Contains(t, server.lastConnect(), `"jwt":"user-jwt"`)
}

func TestCredentialsHandshakeWrongSeedFails(t *testing.T) {
	rightUser, err := nkeys.CreateUser()
	require.NoError(t, err)
	public, err := rightUser.PublicKey()
	require.NoError(t, err)

	wrongUser, err := nkeys.CreateUser()
	require.NoError(t, err)
	wrongSeed, err := wrongUser.Seed()
	require.NoError(t, err)

	server := nonceVerifyingServer(t, public)
	defer server.stop()

	client := NewClient("creds-bad")
	client.SetNoRandomize(true).SetAllowReconnect(false)
	require.NoError(t, client.SetCredentials(writeCreds(t, "user-jwt", wrongSeed)))

	err = client.Connect(server.url())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Authorization")
	client.Close()
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()

	closedEvents := 0
	client := connectedClient(t, server, func(c *Client) {
		c.SetClosedHandler(func(*Client) { closedEvents++ })
	})

	_, err := client.Subscribe("foo", func(*Msg) error { return nil })
	require.NoError(t, err)

	client.Close()
	client.Close()

	require.Equal(t, 1, closedEvents, "second close must be a no-op")
	require.Equal(t, statusClosed, client.Status())
	require.Equal(t, 0, client.NumSubscriptions())

	require.Equal(t, ErrCodeConnClosed, ErrorCode(client.Publish("foo", nil)))
	_, err = client.Subscribe("foo", func(*Msg) error { return nil })
	require.Equal(t, ErrCodeConnClosed, ErrorCode(err))
	require.Equal(t, ErrCodeConnClosed, ErrorCode(client.Flush()))
}

func TestConnectedURLAndStatus(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()
	client := connectedClient(t, server)

	require.Equal(t, statusConnected, client.Status())
	require.Contains(t, client.ConnectedURL(), server.addr())

	client.Close()
	require.Equal(t, "", client.ConnectedURL())
}

func TestConnectFailsWhenNoServerListens(t *testing.T) {
	client := NewClient("no-server")
	client.SetNoRandomize(true).SetAllowReconnect(false)

	err := client.Connect("nats://127.0.0.1:1")
	require.Equal(t, ErrCodeConnErr, ErrorCode(err))
}

func TestCommandsQueuedBeforeConnectAreSent(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()

	client := NewClient("queued")
	client.SetNoRandomize(true)

	// Publish before any connection exists: the command must survive the
	// handshake and reach the server afterwards.
	require.NoError(t, client.Publish("early", []byte("bird")))

	received := make(chan string, 1)
	_, err := client.Subscribe("early", func(msg *Msg) error {
		received <- string(msg.Data)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, client.Connect(server.url()))
	defer client.Close()

	select {
	case payload := <-received:
		require.Equal(t, "bird", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("queued publish never arrived")
	}
}

func TestVerboseAndNameReachTheServer(t *testing.T) {
	server := newTestServer(t)
	defer server.stop()

	client := NewClient("wire-fields")
	client.SetNoRandomize(true).SetVerbose(true).SetName("integration")
	require.NoError(t, client.Connect(server.url()))
	defer client.Close()

	connect := server.lastConnect()
	require.Contains(t, connect, `"verbose":true`)
	require.Contains(t, connect, `"name":"integration"`)
	require.Contains(t, connect, `"protocol":1`)
}
