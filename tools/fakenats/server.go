package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/nats-io/nuid"
)

type serverConfig struct {
	auth      map[string]string
	token     string
	nonce     bool
	gossip    []string
	gossipT   time.Duration
	logConn   bool
	echo      bool
	maxPongs  int
	pongDelay time.Duration
}

type server struct {
	config serverConfig

	lock    sync.Mutex
	clients map[*client]struct{}
	stopped bool
	wg      sync.WaitGroup
}

type client struct {
	server *server
	conn   net.Conn
	reader *bufio.Reader

	writeLock sync.Mutex
	name      string
	verbose   bool
	authed    bool
	nonce     string
	pongsSent int

	subLock sync.Mutex
	subs    map[string]*subscription
}

type subscription struct {
	subject   string
	queue     string
	sid       string
	max       int
	delivered int
}

type connectPayload struct {
	Verbose bool   `json:"verbose"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	Token   string `json:"auth_token"`
	Name    string `json:"name"`
	NKey    string `json:"nkey"`
	Sig     string `json:"sig"`
	JWT     string `json:"jwt"`
}

func newServer(config serverConfig) *server {
	return &server{
		config:  config,
		clients: make(map[*client]struct{}),
	}
}

func (s *server) serve(listener net.Listener) {
	for {
		connection, err := listener.Accept()
		if err != nil {
			return
		}
		if tcpConn, isTCP := connection.(*net.TCPConn); isTCP {
			tcpConn.SetNoDelay(true)
		}
		go s.handleConn(connection)
	}
}

func (s *server) shutdown() {
	s.lock.Lock()
	s.stopped = true
	for existing := range s.clients {
		existing.conn.Close()
	}
	s.lock.Unlock()
	s.wg.Wait()
}

func (s *server) handleConn(connection net.Conn) {
	c := &client{
		server: s,
		conn:   connection,
		reader: bufio.NewReaderSize(connection, 64*1024),
		subs:   make(map[string]*subscription),
	}

	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		connection.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.lock.Unlock()

	if s.config.logConn {
		log.Printf("fakenats: connection from %s", connection.RemoteAddr())
	}

	go c.run()
}

func (c *client) run() {
	defer c.close()

	c.sendInfo()
	if len(c.server.config.gossip) > 0 && c.server.config.gossipT > 0 {
		go c.gossipLoop()
	}

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		verb := line
		args := ""
		if space := strings.IndexAny(line, " \t"); space >= 0 {
			verb = line[:space]
			args = strings.TrimSpace(line[space+1:])
		}

		switch strings.ToUpper(verb) {
		case "CONNECT":
			if !c.processConnect(args) {
				return
			}
		case "PING":
			c.processPing()
		case "PONG":
		case "SUB":
			c.processSub(args)
		case "UNSUB":
			c.processUnsub(args)
		case "PUB":
			if !c.processPub(args) {
				return
			}
		default:
			c.sendErr("Unknown Protocol Operation")
			return
		}
	}
}

func (c *client) close() {
	c.conn.Close()
	c.server.lock.Lock()
	if _, present := c.server.clients[c]; present {
		delete(c.server.clients, c)
		c.server.wg.Done()
	}
	c.server.lock.Unlock()
	if c.server.config.logConn {
		log.Printf("fakenats: connection %s closed", c.conn.RemoteAddr())
	}
}

func (c *client) write(data string) {
	c.writeLock.Lock()
	c.conn.Write([]byte(data))
	c.writeLock.Unlock()
}

func (c *client) sendInfo() {
	info := map[string]interface{}{
		"server_id": "fakenats",
		"version":   "0.1.0",
		"proto":     1,
	}
	if len(c.server.config.auth) > 0 || c.server.config.token != "" {
		info["auth_required"] = true
	}
	if c.server.config.nonce {
		c.nonce = nuid.Next()
		info["nonce"] = c.nonce
	}
	if len(c.server.config.gossip) > 0 {
		info["connect_urls"] = c.server.config.gossip
	}
	payload, _ := json.Marshal(info)
	c.write("INFO " + string(payload) + "\r\n")
}

func (c *client) gossipLoop() {
	ticker := time.NewTicker(c.server.config.gossipT)
	defer ticker.Stop()
	for range ticker.C {
		c.server.lock.Lock()
		_, alive := c.server.clients[c]
		stopped := c.server.stopped
		c.server.lock.Unlock()
		if stopped || !alive {
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"connect_urls": c.server.config.gossip,
		})
		c.write("INFO " + string(payload) + "\r\n")
	}
}

func (c *client) sendErr(text string) {
	c.write("-ERR '" + text + "'\r\n")
}

func (c *client) sendOK() {
	if c.verbose {
		c.write("+OK\r\n")
	}
}

func (c *client) processConnect(args string) bool {
	var payload connectPayload
	if err := json.Unmarshal([]byte(args), &payload); err != nil {
		c.sendErr("Invalid CONNECT")
		return false
	}
	c.verbose = payload.Verbose
	c.name = payload.Name

	config := c.server.config
	switch {
	case c.server.config.nonce:
		if !verifyNonce(c.nonce, payload.NKey, payload.JWT, payload.Sig) {
			c.sendErr("Authorization Violation")
			return false
		}
	case len(config.auth) > 0:
		if expected, known := config.auth[payload.User]; !known || expected != payload.Pass {
			c.sendErr("Authorization Violation")
			return false
		}
	case config.token != "":
		if payload.Token != config.token {
			c.sendErr("Authorization Violation")
			return false
		}
	}

	c.authed = true
	c.sendOK()
	return true
}

// verifyNonce checks the CONNECT signature against the nkey it claims. A JWT
// without an nkey is accepted as-is: fakenats does not resolve accounts.
func verifyNonce(nonce, publicKey, jwt, sig string) bool {
	if sig == "" {
		return false
	}
	if publicKey == "" {
		return jwt != ""
	}
	signature, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	verifier, err := nkeys.FromPublicKey(publicKey)
	if err != nil {
		return false
	}
	return verifier.Verify([]byte(nonce), signature) == nil
}

func (c *client) processPing() {
	config := c.server.config
	if config.maxPongs > 0 && c.pongsSent >= config.maxPongs {
		return
	}
	c.pongsSent++
	if config.pongDelay > 0 {
		time.Sleep(config.pongDelay)
	}
	c.write("PONG\r\n")
}

func (c *client) processSub(args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 && len(fields) != 3 {
		c.sendErr("Invalid SUB")
		return
	}
	sub := &subscription{subject: fields[0], sid: fields[len(fields)-1]}
	if len(fields) == 3 {
		sub.queue = fields[1]
	}
	c.subLock.Lock()
	c.subs[sub.sid] = sub
	c.subLock.Unlock()
	c.sendOK()
}

func (c *client) processUnsub(args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		c.sendErr("Invalid UNSUB")
		return
	}
	sid := fields[0]
	max := 0
	if len(fields) > 1 {
		max, _ = strconv.Atoi(fields[1])
	}

	c.subLock.Lock()
	if sub, present := c.subs[sid]; present {
		if max > 0 && sub.delivered < max {
			sub.max = max
		} else {
			delete(c.subs, sid)
		}
	}
	c.subLock.Unlock()
	c.sendOK()
}

func (c *client) processPub(args string) bool {
	fields := strings.Fields(args)
	if len(fields) != 2 && len(fields) != 3 {
		c.sendErr("Invalid PUB")
		return false
	}
	subject := fields[0]
	reply := ""
	if len(fields) == 3 {
		reply = fields[1]
	}
	size, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || size < 0 {
		c.sendErr("Invalid PUB size")
		return false
	}

	payload := make([]byte, size+2)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return false
	}
	c.sendOK()

	c.server.route(c, subject, reply, payload[:size])
	return true
}

// route fans a publish out to every matching subscription, honoring queue
// groups (one member per group) and UNSUB limits.
func (s *server) route(origin *client, subject, reply string, payload []byte) {
	s.lock.Lock()
	clients := make([]*client, 0, len(s.clients))
	for existing := range s.clients {
		clients = append(clients, existing)
	}
	s.lock.Unlock()

	queueTaken := make(map[string]bool)
	for _, target := range clients {
		if target == origin && !s.config.echo {
			continue
		}
		target.deliverMatches(subject, reply, payload, queueTaken)
	}
}

func (c *client) deliverMatches(subject, reply string, payload []byte, queueTaken map[string]bool) {
	c.subLock.Lock()
	var matched []*subscription
	for sid, sub := range c.subs {
		if !subjectMatches(sub.subject, subject) {
			continue
		}
		if sub.queue != "" {
			if queueTaken[sub.queue] {
				continue
			}
			queueTaken[sub.queue] = true
		}
		sub.delivered++
		matched = append(matched, sub)
		if sub.max > 0 && sub.delivered >= sub.max {
			delete(c.subs, sid)
		}
	}
	c.subLock.Unlock()

	for _, sub := range matched {
		var frame string
		if reply != "" {
			frame = fmt.Sprintf("MSG %s %s %s %d\r\n%s\r\n", subject, sub.sid, reply, len(payload), payload)
		} else {
			frame = fmt.Sprintf("MSG %s %s %d\r\n%s\r\n", subject, sub.sid, len(payload), payload)
		}
		c.write(frame)
	}
}

// subjectMatches applies subject wildcard semantics: * matches one token,
// > matches the remaining tail.
func subjectMatches(pattern, subject string) bool {
	patternTokens := strings.Split(pattern, ".")
	subjectTokens := strings.Split(subject, ".")
	for i, token := range patternTokens {
		if token == ">" {
			return i < len(subjectTokens)
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}
	return len(patternTokens) == len(subjectTokens)
}
