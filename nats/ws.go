package nats

import (
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket session to net.Conn so the connection state
// machine and parser stay transport-agnostic. Protocol bytes travel in
// binary frames; frame boundaries carry no meaning.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func wsDial(endpoint *url.URL, tlsConfig *tls.Config, timeout time.Duration) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsConfig,
	}
	session, _, err := dialer.Dial(endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: session}, nil
}

func (connection *wsConn) Read(buffer []byte) (int, error) {
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

func (connection *wsConn) Write(buffer []byte) (int, error) {
	if err := connection.ws.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (connection *wsConn) Close() error { return connection.ws.Close() }

func (connection *wsConn) LocalAddr() net.Addr  { return connection.ws.LocalAddr() }
func (connection *wsConn) RemoteAddr() net.Addr { return connection.ws.RemoteAddr() }

func (connection *wsConn) SetDeadline(deadline time.Time) error {
	if err := connection.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return connection.ws.SetWriteDeadline(deadline)
}

func (connection *wsConn) SetReadDeadline(deadline time.Time) error {
	return connection.ws.SetReadDeadline(deadline)
}

func (connection *wsConn) SetWriteDeadline(deadline time.Time) error {
	return connection.ws.SetWriteDeadline(deadline)
}
