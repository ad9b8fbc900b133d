package nats

import "time"

var (
	pingProto = []byte("PING\r\n")
	pongProto = []byte("PONG\r\n")
)

// pongWaiter is one pong-queue slot. Exactly one slot is pushed per PING
// written, in order; a PONG pops and fires the front slot. A nil waiter is a
// liveness ping nobody is waiting on.
type pongWaiter struct {
	ch chan error
}

func (waiter *pongWaiter) fire(err error) {
	if waiter == nil || waiter.ch == nil {
		return
	}
	waiter.ch <- err
	close(waiter.ch)
}

// sendPingLocked enqueues PING\r\n and pushes the paired pong slot. Caller
// holds client.mu.
func (client *Client) sendPingLocked(waiter *pongWaiter) {
	client.pongs = append(client.pongs, waiter)
	client.pending.push(cmdPing, pingProto)
	client.kickFlusherLocked()
}

func (client *Client) resetPingTimerLocked() {
	if client.ptmr != nil {
		client.ptmr.Stop()
		client.ptmr = nil
	}
	if client.opts.PingInterval <= 0 {
		return
	}
	client.ptmr = time.AfterFunc(client.opts.PingInterval, client.processPingTimer)
}

// processPingTimer drives the liveness subsystem: it counts outstanding
// pings and synthesises a stale-connection error past MaxPingOut. The stale
// error follows the protocol-error path, so recovery is a silent reconnect.
func (client *Client) processPingTimer() {
	client.mu.Lock()

	if client.isClosed() {
		client.mu.Unlock()
		return
	}
	if client.status != statusConnected {
		client.resetPingTimerLocked()
		client.mu.Unlock()
		return
	}

	client.pout++
	pout := client.pout
	pingHandler := client.pingHandler
	client.mu.Unlock()

	if pingHandler != nil {
		pingHandler(pout)
	}

	client.mu.Lock()
	if client.isClosed() || client.status != statusConnected {
		client.mu.Unlock()
		return
	}
	if client.pout > client.opts.MaxPingOut {
		client.mu.Unlock()
		client.processOpErr(newErr(errCodeStaleConn))
		return
	}

	client.sendPingLocked(nil)
	client.resetPingTimerLocked()
	client.mu.Unlock()
}

// processPing answers a server PING.
func (client *Client) processPing() {
	client.mu.Lock()
	if !client.isClosed() {
		client.pending.push(cmdPong, pongProto)
		client.kickFlusherLocked()
	}
	client.mu.Unlock()
}

// processPong resets the outstanding-ping counter and fires the front pong
// slot when one is present.
func (client *Client) processPong() {
	client.mu.Lock()
	client.pout = 0
	if client.wirePings > 0 {
		client.wirePings--
	}
	var waiter *pongWaiter
	if len(client.pongs) > 0 {
		waiter = client.pongs[0]
		client.pongs = client.pongs[1:]
	}
	client.mu.Unlock()

	waiter.fire(nil)
}
