package nats

// Msg is a message delivered to a subscription or request callback.
type Msg struct {
	Subject string
	Reply   string
	Sid     int64
	Data    []byte

	// Value holds the decoded payload when the client runs in JSON mode.
	// When decoding fails the decode error itself is stored here and the
	// callback still runs; Data always carries the raw bytes.
	Value interface{}
}

// MsgHandler processes a delivered message. A returned error is reported
// through the client error handler; it never disrupts the read loop.
type MsgHandler func(msg *Msg) error

// RequestHandler receives a reply message or a terminal request error
// (REQ_TIMEOUT when the request timer fires before a reply arrives).
type RequestHandler func(msg *Msg, err error)

// Statistics tracks simple client counters. Reconnects counts established
// sessions after the first.
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}
