package nats

import (
	"bytes"
	"runtime"
	"strconv"
	"time"
)

// maxControlLineSize bounds how far into the stream the parser looks for a
// control-line terminator before yielding for more input.
const maxControlLineSize = 1024

const (
	stateAwaitingControl = iota
	stateAwaitingMsgPayload
)

var crlf = []byte("\r\n")

// parser consumes the inbound byte stream incrementally and hands typed
// events to the client. It runs only on the read loop goroutine.
type parser struct {
	client *Client
	state  int

	// leftover carries bytes between parse calls.
	leftover []byte

	msgSubject string
	msgReply   string
	msgSid     int64
	msgSize    int
}

func newParser(client *Client) *parser {
	return &parser{client: client}
}

func (p *parser) reset() {
	p.state = stateAwaitingControl
	p.leftover = nil
}

// parse consumes as much of data as possible. Unconsumed bytes are retained
// for the next call. Unrecognised input is never an error: the parser simply
// waits for more bytes.
func (p *parser) parse(data []byte) {
	work := data
	if len(p.leftover) > 0 {
		work = append(p.leftover, data...)
		p.leftover = nil
	}

	start := time.Now()
	yieldTime := p.client.opts.YieldTime

	for len(work) > 0 {
		switch p.state {
		case stateAwaitingControl:
			consumed, matched := p.parseControl(work)
			if !matched {
				p.retain(work)
				return
			}
			work = work[consumed:]

		case stateAwaitingMsgPayload:
			if len(work) < p.msgSize+2 {
				p.retain(work)
				return
			}
			payload := work[:p.msgSize]
			work = work[p.msgSize+2:]

			p.client.processMsg(p.msgSubject, p.msgReply, p.msgSid, payload)
			p.state = stateAwaitingControl

			if yieldTime > 0 && time.Since(start) > yieldTime {
				runtime.Gosched()
				start = time.Now()
			}
		}
	}
}

func (p *parser) retain(work []byte) {
	p.leftover = append([]byte(nil), work...)
}

// parseControl tries to match one control framing at the start of work.
// It returns the bytes consumed and whether a framing matched; on no match
// the caller retains the input and waits for more bytes, even for a stream
// of junk.
func (p *parser) parseControl(work []byte) (int, bool) {
	searchLimit := len(work)
	if searchLimit > maxControlLineSize+len(crlf) {
		searchLimit = maxControlLineSize + len(crlf)
	}

	end := bytes.Index(work[:searchLimit], crlf)
	if end < 0 {
		return 0, false
	}

	line := work[:end]
	consumed := end + len(crlf)

	switch {
	case hasVerb(line, "MSG"):
		if !p.parseMsgArgs(line[3:]) {
			return 0, false
		}
		p.state = stateAwaitingMsgPayload
		return consumed, true

	case bytes.Equal(line, []byte("+OK")):
		return consumed, true

	case hasVerb(line, "-ERR"):
		p.client.processErr(unquoteErr(line[4:]))
		return consumed, true

	case bytes.Equal(line, []byte("PING")):
		p.client.processPing()
		return consumed, true

	case bytes.Equal(line, []byte("PONG")):
		p.client.processPong()
		return consumed, true

	case hasVerb(line, "INFO"):
		p.client.processInfo(bytes.TrimSpace(line[4:]))
		return consumed, true
	}

	return 0, false
}

func hasVerb(line []byte, verb string) bool {
	if len(line) <= len(verb) || !bytes.HasPrefix(line, []byte(verb)) {
		return false
	}
	separator := line[len(verb)]
	return separator == ' ' || separator == '\t'
}

// parseMsgArgs extracts <subject> <sid> [<reply>] <size> from a MSG line.
// The reply is recognised by a token present before the final integer.
func (p *parser) parseMsgArgs(args []byte) bool {
	fields := bytes.Fields(args)
	if len(fields) != 3 && len(fields) != 4 {
		return false
	}

	sid, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return false
	}

	sizeField := fields[len(fields)-1]
	size, err := strconv.Atoi(string(sizeField))
	if err != nil || size < 0 {
		return false
	}

	p.msgSubject = string(fields[0])
	p.msgSid = sid
	p.msgSize = size
	if len(fields) == 4 {
		p.msgReply = string(fields[2])
	} else {
		p.msgReply = ""
	}

	return true
}

func unquoteErr(raw []byte) string {
	text := bytes.TrimSpace(raw)
	text = bytes.TrimPrefix(text, []byte("'"))
	text = bytes.TrimSuffix(text, []byte("'"))
	return string(text)
}
