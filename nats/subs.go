package nats

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Subscription tracks one server-side subscription. All fields are guarded by
// the owning client's mutex.
type Subscription struct {
	sid      int64
	subject  string
	queue    string
	callback MsgHandler

	received int64
	// max, when non-zero, removes the subscription after that many
	// deliveries.
	max int64

	// timeout support: timeoutCb fires once when fewer than expected
	// messages arrived before the timer expired.
	expected     int64
	timeoutTimer *time.Timer
	timeoutCb    func(sid int64)
}

// Sid returns the subscription identifier.
func (sub *Subscription) Sid() int64 { return sub.sid }

// Subject returns the subscribed subject.
func (sub *Subscription) Subject() string { return sub.subject }

// Queue returns the queue group, or "" for a plain subscription.
func (sub *Subscription) Queue() string { return sub.queue }

func (sub *Subscription) stopTimeout() {
	if sub.timeoutTimer != nil {
		sub.timeoutTimer.Stop()
		sub.timeoutTimer = nil
		sub.timeoutCb = nil
	}
}

// addSubscription registers a subscription under a fresh positive sid.
func (client *Client) addSubscription(subject, queue string, callback MsgHandler) *Subscription {
	client.ssid++
	sub := &Subscription{
		sid:      client.ssid,
		subject:  subject,
		queue:    queue,
		callback: callback,
	}
	client.subs[sub.sid] = sub
	return sub
}

// removeSubscription drops sid from the registry and cancels its timers.
func (client *Client) removeSubscription(sid int64) {
	if sub, exists := client.subs[sid]; exists {
		sub.stopTimeout()
		delete(client.subs, sid)
	}
}

// resendSubscriptions emits a SUB command for every registered subscription,
// in sid order, into the pending buffer. Called during the handshake before
// any application traffic.
func (client *Client) resendSubscriptions() {
	sids := make([]int64, 0, len(client.subs))
	for sid := range client.subs {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	for _, sid := range sids {
		sub := client.subs[sid]
		client.pending.push(cmdSub, subProto(sub.subject, sub.queue, sub.sid))
	}
}

func subProto(subject, queue string, sid int64) []byte {
	if queue != "" {
		return []byte(fmt.Sprintf("SUB %s %s %d\r\n", subject, queue, sid))
	}
	return []byte(fmt.Sprintf("SUB %s %d\r\n", subject, sid))
}

func unsubProto(sid int64, max int64) []byte {
	if max > 0 {
		return []byte(fmt.Sprintf("UNSUB %d %d\r\n", sid, max))
	}
	return []byte(fmt.Sprintf("UNSUB %d\r\n", sid))
}

// processMsg routes one parsed MSG to its subscription. Unknown sids are
// dropped silently (an UNSUB can race deliveries already on the wire).
func (client *Client) processMsg(subject, reply string, sid int64, payload []byte) {
	client.mu.Lock()

	client.stats.InMsgs++
	client.stats.InBytes += uint64(len(payload))

	sub, exists := client.subs[sid]
	if !exists {
		client.mu.Unlock()
		return
	}

	sub.received++

	if sub.expected > 0 && sub.received >= sub.expected {
		sub.stopTimeout()
	}

	if sub.max > 0 {
		if sub.received == sub.max {
			delete(client.subs, sid)
			client.notifyUnsubscribe(sid, sub.subject)
		} else if sub.received > sub.max {
			// UNSUB with a limit raced delivery; silence the callback and
			// re-issue the unsubscribe.
			sub.callback = nil
			delete(client.subs, sid)
			client.sendCommand(cmdUnsub, unsubProto(sid, 0))
		}
	}

	callback := sub.callback
	jsonMode := client.opts.JSON
	preserve := client.opts.PreserveBuffers
	client.mu.Unlock()

	if callback == nil {
		return
	}

	data := payload
	if !preserve {
		data = append([]byte(nil), payload...)
	}

	msg := &Msg{Subject: subject, Reply: reply, Sid: sid, Data: data}
	if jsonMode {
		var value interface{}
		if err := json.Unmarshal(data, &value); err != nil {
			// Established contract: the decode error is handed to the
			// callback as the message value.
			msg.Value = err
		} else {
			msg.Value = value
		}
	}

	client.deliver(callback, msg)
}

// deliver invokes a callback, converting panics and returned errors into
// error events so the read loop is never disrupted.
func (client *Client) deliver(callback MsgHandler, msg *Msg) {
	defer func() {
		if recovered := recover(); recovered != nil {
			client.notifyError(fmt.Errorf("message callback panic: %v", recovered))
		}
	}()

	if err := callback(msg); err != nil {
		client.notifyError(err)
	}
}
