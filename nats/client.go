package nats

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nuid"
)

// NewClient returns a new Client with default options. An optional name is
// reported to the server in CONNECT.
func NewClient(name ...string) *Client {
	opts := GetDefaultOptions()
	if len(name) > 0 {
		opts.Name = name[0]
	}
	return NewClientWithOptions(opts)
}

// NewClientWithOptions returns a new Client configured from a full Options
// record.
func NewClientWithOptions(opts Options) *Client {
	return &Client{
		opts: opts,
		subs: make(map[int64]*Subscription),
	}
}

func pubProto(subject, reply string, size int) []byte {
	line := make([]byte, 0, len(subject)+len(reply)+16)
	line = append(line, "PUB "...)
	line = append(line, subject...)
	if reply != "" {
		line = append(line, ' ')
		line = append(line, reply...)
	}
	line = append(line, ' ')
	line = strconv.AppendInt(line, int64(size), 10)
	line = append(line, crlf...)
	return line
}

func (client *Client) publish(subject, reply string, data []byte) error {
	if subject == "" {
		return newErr(ErrCodeBadSubject)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.isClosed() {
		return newErr(ErrCodeConnClosed)
	}

	chunk := pubProto(subject, reply, len(data))
	chunk = append(chunk, data...)
	chunk = append(chunk, crlf...)

	client.stats.OutMsgs++
	client.sendCommand(cmdPub, chunk)
	return nil
}

// Publish sends data to subject.
func (client *Client) Publish(subject string, data []byte) error {
	return client.publish(subject, "", data)
}

// PublishString sends a textual payload to subject.
func (client *Client) PublishString(subject, data string) error {
	return client.publish(subject, "", []byte(data))
}

// PublishRequest sends data to subject with a reply subject for responders.
func (client *Client) PublishRequest(subject, reply string, data []byte) error {
	if reply == "" {
		return newErr(ErrCodeBadReply)
	}
	return client.publish(subject, reply, data)
}

// PublishJSON encodes value as JSON and sends it to subject.
func (client *Client) PublishJSON(subject string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return newErr(ErrCodeBadJSON, err)
	}
	return client.publish(subject, "", payload)
}

func (client *Client) subscribe(subject, queue string, callback MsgHandler) (int64, error) {
	if subject == "" {
		return 0, newErr(ErrCodeBadSubject)
	}
	if callback == nil {
		return 0, newErr(ErrCodeBadOptions, "subscription callback is required")
	}

	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return 0, newErr(ErrCodeConnClosed)
	}

	sub := client.addSubscription(subject, queue, callback)
	client.sendCommand(cmdSub, subProto(subject, queue, sub.sid))
	handler := client.subscribeHandler
	client.mu.Unlock()

	if handler != nil {
		handler(sub.sid, subject, queue)
	}
	return sub.sid, nil
}

// Subscribe registers callback for messages published to subject and returns
// the subscription id.
func (client *Client) Subscribe(subject string, callback MsgHandler) (int64, error) {
	return client.subscribe(subject, "", callback)
}

// QueueSubscribe registers callback as part of a queue group: the server
// delivers each message to at most one member of the group.
func (client *Client) QueueSubscribe(subject, queue string, callback MsgHandler) (int64, error) {
	return client.subscribe(subject, queue, callback)
}

// Unsubscribe removes a subscription. An optional max leaves the subscription
// in place until that many messages have been delivered. A negative id
// cancels the matching mux request instead.
func (client *Client) Unsubscribe(sid int64, max ...int64) error {
	if sid < 0 {
		client.mu.Lock()
		client.cancelRequestLocked(sid)
		client.mu.Unlock()
		return nil
	}

	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return newErr(ErrCodeConnClosed)
	}

	sub, exists := client.subs[sid]
	if !exists {
		client.mu.Unlock()
		return nil
	}

	var limit int64
	if len(max) > 0 {
		limit = max[0]
	}

	removed := false
	if limit > 0 && sub.received < limit {
		sub.max = limit
	} else {
		client.removeSubscription(sid)
		removed = true
	}
	client.sendCommand(cmdUnsub, unsubProto(sid, limit))
	handler := client.unsubscribeHandler
	client.mu.Unlock()

	if removed && handler != nil {
		handler(sid, sub.subject)
	}
	return nil
}

// AutoUnsubscribe removes the subscription automatically once max messages
// have been delivered.
func (client *Client) AutoUnsubscribe(sid int64, max int64) error {
	return client.Unsubscribe(sid, max)
}

// SetSubTimeout arranges for callback to run once if fewer than expected
// messages arrive on sid before timeout elapses; the subscription is then
// removed.
func (client *Client) SetSubTimeout(sid int64, timeout time.Duration, expected int64, callback func(sid int64)) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.isClosed() {
		return newErr(ErrCodeConnClosed)
	}

	sub, exists := client.subs[sid]
	if !exists {
		return newErr(ErrCodeBadOptions, "unknown subscription: "+strconv.FormatInt(sid, 10))
	}

	sub.stopTimeout()
	sub.expected = expected
	sub.timeoutCb = callback
	sub.timeoutTimer = time.AfterFunc(timeout, func() {
		client.processSubTimeout(sid)
	})
	return nil
}

func (client *Client) processSubTimeout(sid int64) {
	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return
	}
	sub, exists := client.subs[sid]
	if !exists || sub.expected <= 0 || sub.received >= sub.expected {
		client.mu.Unlock()
		return
	}
	callback := sub.timeoutCb
	client.removeSubscription(sid)
	client.sendCommand(cmdUnsub, unsubProto(sid, 0))
	unsubHandler := client.unsubscribeHandler
	client.mu.Unlock()

	if callback != nil {
		callback(sid)
	}
	if unsubHandler != nil {
		unsubHandler(sid, sub.subject)
	}
}

// Request publishes data on subject with a multiplexed reply inbox and
// registers callback for replies. It returns the (negative) request id;
// Unsubscribe with that id cancels the request. Options carry an optional
// reply limit and timeout.
func (client *Client) Request(subject string, data []byte, callback RequestHandler, options ...RequestOptions) (int64, error) {
	if subject == "" {
		return 0, newErr(ErrCodeBadSubject)
	}
	if callback == nil {
		return 0, newErr(ErrCodeBadOptions, "request callback is required")
	}

	var requestOpts RequestOptions
	if len(options) > 0 {
		requestOpts = options[0]
	}

	client.mu.Lock()
	oldStyle := client.opts.UseOldRequestStyle
	client.mu.Unlock()
	if oldStyle {
		return client.oldRequest(subject, data, callback, requestOpts)
	}

	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return 0, newErr(ErrCodeConnClosed)
	}

	mux := client.createRespMuxLocked()
	token := nuid.Next()
	request := &muxRequest{
		id:       mux.nextID,
		token:    token,
		inbox:    mux.inboxRoot + "." + token,
		callback: callback,
		expected: requestOpts.Max,
	}
	mux.nextID--
	mux.requests[token] = request
	mux.byID[request.id] = token

	if requestOpts.Timeout > 0 {
		request.timer = time.AfterFunc(requestOpts.Timeout, func() {
			client.processRequestTimeout(token)
		})
	}

	chunk := pubProto(subject, request.inbox, len(data))
	chunk = append(chunk, data...)
	chunk = append(chunk, crlf...)
	client.stats.OutMsgs++
	client.sendCommand(cmdPub, chunk)
	client.mu.Unlock()

	return request.id, nil
}

// oldRequest is the legacy request style: a fresh subscription per request
// with an automatic unsubscribe after the reply limit.
func (client *Client) oldRequest(subject string, data []byte, callback RequestHandler, requestOpts RequestOptions) (int64, error) {
	inbox := NewInbox()
	limit := requestOpts.Max
	if limit <= 0 {
		limit = 1
	}

	sid, err := client.subscribe(inbox, "", func(msg *Msg) error {
		callback(msg, nil)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := client.AutoUnsubscribe(sid, limit); err != nil {
		return 0, err
	}

	if requestOpts.Timeout > 0 {
		client.mu.Lock()
		if sub, exists := client.subs[sid]; exists {
			sub.expected = limit
			sub.timeoutTimer = time.AfterFunc(requestOpts.Timeout, func() {
				client.oldRequestTimeout(sid, callback)
			})
		}
		client.mu.Unlock()
	}

	if err := client.PublishRequest(subject, inbox, data); err != nil {
		return 0, err
	}
	return sid, nil
}

func (client *Client) oldRequestTimeout(sid int64, callback RequestHandler) {
	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return
	}
	sub, exists := client.subs[sid]
	if !exists || sub.received >= sub.expected {
		client.mu.Unlock()
		return
	}
	client.removeSubscription(sid)
	client.sendCommand(cmdUnsub, unsubProto(sid, 0))
	client.mu.Unlock()

	callback(nil, newErr(ErrCodeReqTimeout))
}

// RequestOne publishes a request and blocks until the first reply, the
// timeout, or Close.
func (client *Client) RequestOne(subject string, data []byte, timeout time.Duration) (*Msg, error) {
	type reply struct {
		msg *Msg
		err error
	}
	replyCh := make(chan reply, 1)

	client.mu.Lock()
	closedCh := client.closedCh
	client.mu.Unlock()

	id, err := client.Request(subject, data, func(msg *Msg, err error) {
		select {
		case replyCh <- reply{msg: msg, err: err}:
		default:
		}
	}, RequestOptions{Max: 1, Timeout: timeout})
	if err != nil {
		return nil, err
	}

	if closedCh == nil {
		// Not connected yet; rely on the request timer alone.
		result := <-replyCh
		return result.msg, result.err
	}

	select {
	case result := <-replyCh:
		return result.msg, result.err
	case <-closedCh:
		client.Unsubscribe(id)
		return nil, newErr(ErrCodeConnClosed)
	}
}

// Flush sends a PING and blocks until the paired PONG arrives, confirming
// the server processed everything enqueued before it.
func (client *Client) Flush() error {
	return client.FlushTimeout(60 * time.Second)
}

// FlushTimeout is Flush bounded by a timeout.
func (client *Client) FlushTimeout(timeout time.Duration) error {
	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return newErr(ErrCodeConnClosed)
	}
	waitCh := make(chan error, 1)
	client.sendPingLocked(&pongWaiter{ch: waitCh})
	client.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err, ok := <-waitCh:
		if !ok {
			return newErr(ErrCodeConnClosed)
		}
		return err
	case <-timer.C:
		return newErr(ErrCodeReqTimeout, "flush timed out")
	}
}

// NumSubscriptions returns the number of registered subscriptions, the
// request mux wildcard included once created.
func (client *Client) NumSubscriptions() int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.subs)
}
