package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func muxReply(client *Client, inbox string, payload []byte) {
	client.mu.Lock()
	sid := client.respMux.sid
	client.mu.Unlock()
	client.processMsg(inbox, "", sid, payload)
}

func TestRequestIdsAreStrictlyDecreasingNegative(t *testing.T) {
	client := NewClient("mux-ids")
	previous := int64(0)
	for i := 0; i < 4; i++ {
		id, err := client.Request("svc", nil, func(*Msg, error) {})
		require.NoError(t, err)
		require.Negative(t, id)
		require.Less(t, id, previous)
		previous = id
	}
}

func TestMuxIsCreatedOnceAndShared(t *testing.T) {
	client := NewClient("mux-shared")
	for i := 0; i < 100; i++ {
		_, err := client.Request("svc", []byte("ping"), func(*Msg, error) {})
		require.NoError(t, err)
	}
	require.Equal(t, 1, client.NumSubscriptions(), "all requests share one wildcard subscription")

	client.mu.Lock()
	outstanding := len(client.respMux.requests)
	client.mu.Unlock()
	require.Equal(t, 100, outstanding)
}

func TestRequestReplyDispatchByToken(t *testing.T) {
	client := NewClient("mux-dispatch")

	replies := make(chan string, 2)
	_, err := client.Request("svc", []byte("one"), func(msg *Msg, err error) {
		require.NoError(t, err)
		replies <- "first:" + string(msg.Data)
	}, RequestOptions{Max: 1})
	require.NoError(t, err)
	_, err = client.Request("svc", []byte("two"), func(msg *Msg, err error) {
		require.NoError(t, err)
		replies <- "second:" + string(msg.Data)
	}, RequestOptions{Max: 1})
	require.NoError(t, err)

	client.mu.Lock()
	var inboxes []string
	for _, request := range client.respMux.requests {
		inboxes = append(inboxes, request.inbox)
	}
	client.mu.Unlock()
	require.Len(t, inboxes, 2)

	for _, inbox := range inboxes {
		muxReply(client, inbox, []byte("pong"))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case reply := <-replies:
			seen[reply] = true
		case <-time.After(time.Second):
			t.Fatal("reply not dispatched")
		}
	}
	require.True(t, seen["first:pong"] && seen["second:pong"], "replies crossed tokens: %v", seen)
}

func TestRequestRemovedAfterExpectedReplies(t *testing.T) {
	client := NewClient("mux-expected")

	count := 0
	_, err := client.Request("svc", nil, func(msg *Msg, err error) {
		count++
	}, RequestOptions{Max: 2})
	require.NoError(t, err)

	client.mu.Lock()
	var inbox string
	for _, request := range client.respMux.requests {
		inbox = request.inbox
	}
	client.mu.Unlock()

	for i := 0; i < 4; i++ {
		muxReply(client, inbox, []byte("r"))
	}

	require.Equal(t, 2, count, "callback bounded by expected")
	client.mu.Lock()
	defer client.mu.Unlock()
	require.Empty(t, client.respMux.requests)
}

func TestRequestTimeoutDeliversReqTimeoutOnce(t *testing.T) {
	client := NewClient("mux-timeout")

	results := make(chan error, 2)
	_, err := client.Request("svc", nil, func(msg *Msg, err error) {
		results <- err
	}, RequestOptions{Max: 1, Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	client.mu.Lock()
	var inbox string
	for _, request := range client.respMux.requests {
		inbox = request.inbox
	}
	client.mu.Unlock()

	select {
	case err := <-results:
		require.Equal(t, ErrCodeReqTimeout, ErrorCode(err))
	case <-time.After(time.Second):
		t.Fatal("timeout callback did not fire")
	}

	// A late reply after the timeout must not invoke the callback again.
	muxReply(client, inbox, []byte("late"))
	select {
	case <-results:
		t.Fatal("value callback ran after REQ_TIMEOUT")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeNegativeIdCancelsRequest(t *testing.T) {
	client := NewClient("mux-cancel")

	fired := make(chan struct{}, 1)
	id, err := client.Request("svc", nil, func(*Msg, error) {
		fired <- struct{}{}
	}, RequestOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, client.Unsubscribe(id))

	client.mu.Lock()
	outstanding := len(client.respMux.requests)
	subCount := len(client.subs)
	client.mu.Unlock()
	require.Zero(t, outstanding)
	require.Equal(t, 1, subCount, "cancel must not tear down the shared wildcard")

	// The cancelled timer must not fire REQ_TIMEOUT later.
	select {
	case <-fired:
		t.Fatal("cancelled request invoked its callback")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestOldRequestStyleUsesFreshSubscription(t *testing.T) {
	client := NewClient("old-style")
	client.SetUseOldRequestStyle(true)

	id, err := client.Request("svc", []byte("ping"), func(*Msg, error) {})
	require.NoError(t, err)
	require.Positive(t, id, "legacy requests are plain subscriptions")
	require.Equal(t, 1, client.NumSubscriptions())

	client.mu.Lock()
	require.Nil(t, client.respMux, "legacy style must not create the mux")
	client.mu.Unlock()
}

func TestInboxNamesAreWellFormed(t *testing.T) {
	inbox := NewInbox()
	require.Len(t, inbox, len(inboxPrefix)+22)
	require.Equal(t, inboxPrefix, inbox[:len(inboxPrefix)])
	other := NewInbox()
	require.NotEqual(t, inbox, other)
}
