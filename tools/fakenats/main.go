// Package main implements fakenats — a small, deterministic bus server for
// integration and performance testing of the client in this repository. It
// speaks the line-oriented wire protocol (INFO, CONNECT, PING/PONG, SUB,
// UNSUB, PUB, MSG, +OK, -ERR) with subject wildcards, queue groups,
// UNSUB limits, optional user/pass or token authentication, nonce
// challenges, and periodic connect_urls gossip for failover testing.
package main

import (
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:4222", "listen address")
	flagWSAddr   = flag.String("ws", "", "websocket listen address (e.g. ':8222'; empty disables)")
	flagAuth     = flag.String("auth", "", "require user:pass pairs (e.g. 'u1:p1,u2:p2')")
	flagToken    = flag.String("token", "", "require this auth token")
	flagNonce    = flag.Bool("nonce", false, "present a nonce and require a signature in CONNECT")
	flagGossip   = flag.String("gossip", "", "comma-separated host:port list pushed as connect_urls")
	flagGossipT  = flag.Duration("gossip-interval", 0, "re-send the gossip INFO at this interval (0 = once)")
	flagLogConn  = flag.Bool("log-conn", true, "log connect/disconnect events")
	flagEcho     = flag.Bool("echo", true, "deliver publishes back to subscriptions on the same connection")
	flagPongs    = flag.Int("max-pongs", 0, "answer at most this many PINGs per connection (0 = unlimited)")
	flagSlowPong = flag.Duration("pong-delay", 0, "artificial delay before each PONG")
)

func main() {
	flag.Parse()

	server := newServer(serverConfig{
		auth:      parseAuthPairs(*flagAuth),
		token:     *flagToken,
		nonce:     *flagNonce,
		gossip:    splitList(*flagGossip),
		gossipT:   *flagGossipT,
		logConn:   *flagLogConn,
		echo:      *flagEcho,
		maxPongs:  *flagPongs,
		pongDelay: *flagSlowPong,
	})

	listener, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatalf("fakenats: listen %s: %v", *flagAddr, err)
	}
	log.Printf("fakenats: listening on %s", listener.Addr())
	go server.serve(listener)

	if *flagWSAddr != "" {
		go serveWebsocket(server, *flagWSAddr)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.Printf("fakenats: shutting down")
	listener.Close()
	server.shutdown()
}

func parseAuthPairs(raw string) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range splitList(raw) {
		user, pass, found := strings.Cut(entry, ":")
		if found {
			pairs[user] = pass
		}
	}
	return pairs
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebsocket accepts websocket sessions and serves the same protocol
// over binary frames.
func serveWebsocket(server *server, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		session, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server.handleConn(&wsServerConn{ws: session})
	})
	log.Printf("fakenats: websocket listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("fakenats: websocket listener: %v", err)
	}
}

// wsServerConn adapts a websocket session to net.Conn for the shared
// connection handler.
type wsServerConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (connection *wsServerConn) Read(buffer []byte) (int, error) {
	for {
		if connection.reader == nil {
			_, reader, err := connection.ws.NextReader()
			if err != nil {
				return 0, err
			}
			connection.reader = reader
		}
		count, err := connection.reader.Read(buffer)
		if err == io.EOF {
			connection.reader = nil
			if count == 0 {
				continue
			}
			return count, nil
		}
		return count, err
	}
}

func (connection *wsServerConn) Write(buffer []byte) (int, error) {
	if err := connection.ws.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (connection *wsServerConn) Close() error { return connection.ws.Close() }

func (connection *wsServerConn) LocalAddr() net.Addr  { return connection.ws.LocalAddr() }
func (connection *wsServerConn) RemoteAddr() net.Addr { return connection.ws.RemoteAddr() }

func (connection *wsServerConn) SetDeadline(deadline time.Time) error {
	if err := connection.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return connection.ws.SetWriteDeadline(deadline)
}

func (connection *wsServerConn) SetReadDeadline(deadline time.Time) error {
	return connection.ws.SetReadDeadline(deadline)
}

func (connection *wsServerConn) SetWriteDeadline(deadline time.Time) error {
	return connection.ws.SetWriteDeadline(deadline)
}

var _ net.Conn = (*wsServerConn)(nil)

func init() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
}
