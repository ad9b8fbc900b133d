package nats

import (
	"time"

	"github.com/nats-io/nuid"
)

const inboxPrefix = "_INBOX."

// NewInbox returns a fresh inbox subject (_INBOX.<nuid>).
func NewInbox() string {
	return inboxPrefix + nuid.Next()
}

// RequestOptions tunes a single request. Max bounds how many replies the
// callback receives; Timeout delivers REQ_TIMEOUT and cancels the request if
// it is still outstanding when the timer fires (fewer than Max replies, or
// always when Max is zero).
type RequestOptions struct {
	Max     int64
	Timeout time.Duration
}

// muxRequest is one outstanding request multiplexed over the shared wildcard
// inbox subscription.
type muxRequest struct {
	id       int64
	token    string
	inbox    string
	callback RequestHandler
	received int64
	expected int64
	timer    *time.Timer
}

// respMux owns the shared request inbox. One wildcard subscription serves
// every outstanding request; per-request tokens form the final subject
// segment. Lazily created on the first request, lives until Close.
type respMux struct {
	inboxRoot string
	prefixLen int
	sid       int64
	nextID    int64
	requests  map[string]*muxRequest
	byID      map[int64]string
}

// createRespMuxLocked sets up the mux on first use. Caller holds client.mu.
func (client *Client) createRespMuxLocked() *respMux {
	if client.respMux != nil {
		return client.respMux
	}

	root := NewInbox()
	sub := client.addSubscription(root+".*", "", client.muxHandler)
	client.sendCommand(cmdSub, subProto(sub.subject, "", sub.sid))

	client.respMux = &respMux{
		inboxRoot: root,
		prefixLen: len(root) + 1,
		sid:       sub.sid,
		nextID:    -1,
		requests:  make(map[string]*muxRequest),
		byID:      make(map[int64]string),
	}
	return client.respMux
}

// muxHandler is the delivery callback of the shared wildcard subscription.
// It strips the inbox prefix to recover the request token and dispatches.
func (client *Client) muxHandler(msg *Msg) error {
	client.mu.Lock()
	mux := client.respMux
	if mux == nil || len(msg.Subject) <= mux.prefixLen {
		client.mu.Unlock()
		return nil
	}

	token := msg.Subject[mux.prefixLen:]
	request, exists := mux.requests[token]
	if !exists {
		client.mu.Unlock()
		return nil
	}

	if request.expected > 0 {
		request.received++
		if request.received >= request.expected {
			mux.removeLocked(request)
		}
	}
	callback := request.callback
	client.mu.Unlock()

	callback(msg, nil)
	return nil
}

func (mux *respMux) removeLocked(request *muxRequest) {
	if request.timer != nil {
		request.timer.Stop()
		request.timer = nil
	}
	delete(mux.requests, request.token)
	delete(mux.byID, request.id)
}

// cancelRequestLocked cancels a mux request by its negative id. The shared
// wildcard subscription stays alive. Caller holds client.mu.
func (client *Client) cancelRequestLocked(id int64) {
	mux := client.respMux
	if mux == nil {
		return
	}
	token, exists := mux.byID[id]
	if !exists {
		return
	}
	mux.removeLocked(mux.requests[token])
}

// processRequestTimeout fires when a request timer expires: the caller gets a
// REQ_TIMEOUT error and the request is cancelled.
func (client *Client) processRequestTimeout(token string) {
	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return
	}
	mux := client.respMux
	if mux == nil {
		client.mu.Unlock()
		return
	}
	request, exists := mux.requests[token]
	if !exists {
		client.mu.Unlock()
		return
	}
	mux.removeLocked(request)
	callback := request.callback
	client.mu.Unlock()

	callback(nil, newErr(ErrCodeReqTimeout))
}

// closeRespMuxLocked stops every outstanding request timer. Caller holds
// client.mu; runs during Close, after which no callbacks fire.
func (client *Client) closeRespMuxLocked() {
	if client.respMux == nil {
		return
	}
	for _, request := range client.respMux.requests {
		if request.timer != nil {
			request.timer.Stop()
			request.timer = nil
		}
	}
	client.respMux = nil
}
