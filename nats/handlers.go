package nats

import (
	"crypto/tls"
	"time"
)

// Builder-style configuration. Setters return the receiver for chaining and
// take effect on the next Connect.

// SetServers sets the candidate endpoint list.
func (client *Client) SetServers(servers []string) *Client {
	client.mu.Lock()
	client.opts.Servers = servers
	client.mu.Unlock()
	return client
}

// SetNoRandomize disables the initial server pool shuffle.
func (client *Client) SetNoRandomize(noRandomize bool) *Client {
	client.mu.Lock()
	client.opts.NoRandomize = noRandomize
	client.mu.Unlock()
	return client
}

// SetName sets the client name reported in CONNECT.
func (client *Client) SetName(name string) *Client {
	client.mu.Lock()
	client.opts.Name = name
	client.mu.Unlock()
	return client
}

// SetVerbose requests +OK acknowledgements from the server.
func (client *Client) SetVerbose(verbose bool) *Client {
	client.mu.Lock()
	client.opts.Verbose = verbose
	client.mu.Unlock()
	return client
}

// SetPedantic enables strict subject checking on the server.
func (client *Client) SetPedantic(pedantic bool) *Client {
	client.mu.Lock()
	client.opts.Pedantic = pedantic
	client.mu.Unlock()
	return client
}

// SetAllowReconnect toggles automatic recovery after a lost connection.
func (client *Client) SetAllowReconnect(allow bool) *Client {
	client.mu.Lock()
	client.opts.AllowReconnect = allow
	client.mu.Unlock()
	return client
}

// SetMaxReconnect bounds reconnect attempts per endpoint; -1 is unbounded.
func (client *Client) SetMaxReconnect(max int) *Client {
	client.mu.Lock()
	client.opts.MaxReconnect = max
	client.mu.Unlock()
	return client
}

// SetReconnectWait sets the delay before redialing an endpoint that has
// connected before.
func (client *Client) SetReconnectWait(wait time.Duration) *Client {
	client.mu.Lock()
	client.opts.ReconnectWait = wait
	client.mu.Unlock()
	return client
}

// SetReconnectDelayStrategy overrides the fixed reconnect wait.
func (client *Client) SetReconnectDelayStrategy(strategy ReconnectDelayStrategy) *Client {
	client.mu.Lock()
	client.opts.ReconnectDelayStrategy = strategy
	client.mu.Unlock()
	return client
}

// SetPingInterval sets the liveness ping period.
func (client *Client) SetPingInterval(interval time.Duration) *Client {
	client.mu.Lock()
	client.opts.PingInterval = interval
	client.mu.Unlock()
	return client
}

// SetMaxPingOut sets how many pings may go unanswered before the connection
// is declared stale.
func (client *Client) SetMaxPingOut(max int) *Client {
	client.mu.Lock()
	client.opts.MaxPingOut = max
	client.mu.Unlock()
	return client
}

// SetSecure requests a TLS session.
func (client *Client) SetSecure(secure bool) *Client {
	client.mu.Lock()
	client.opts.Secure = secure
	client.mu.Unlock()
	return client
}

// SetTLSConfig supplies the TLS configuration, implying a secure session.
func (client *Client) SetTLSConfig(config *tls.Config) *Client {
	client.mu.Lock()
	client.opts.TLSConfig = config
	client.mu.Unlock()
	return client
}

// SetEncoding selects the payload encoding.
func (client *Client) SetEncoding(encoding Encoding) *Client {
	client.mu.Lock()
	client.opts.Encoding = encoding
	client.mu.Unlock()
	return client
}

// SetPreserveBuffers hands callbacks sub-slices of the read buffer; the
// bytes are only valid for the duration of the callback.
func (client *Client) SetPreserveBuffers(preserve bool) *Client {
	client.mu.Lock()
	client.opts.PreserveBuffers = preserve
	client.mu.Unlock()
	return client
}

// SetJSON enables automatic JSON decoding on delivery.
func (client *Client) SetJSON(jsonMode bool) *Client {
	client.mu.Lock()
	client.opts.JSON = jsonMode
	client.mu.Unlock()
	return client
}

// SetUseOldRequestStyle switches Request to the legacy
// subscription-per-request behavior.
func (client *Client) SetUseOldRequestStyle(old bool) *Client {
	client.mu.Lock()
	client.opts.UseOldRequestStyle = old
	client.mu.Unlock()
	return client
}

// SetUserInfo sets username/password credentials.
func (client *Client) SetUserInfo(user, password string) *Client {
	client.mu.Lock()
	client.opts.User = user
	client.opts.Password = password
	client.mu.Unlock()
	return client
}

// SetToken sets an authentication token.
func (client *Client) SetToken(token string) *Client {
	client.mu.Lock()
	client.opts.Token = token
	client.mu.Unlock()
	return client
}

// SetNKey sets the public user NKEY; SignatureHandler must sign the nonce.
func (client *Client) SetNKey(publicKey string) *Client {
	client.mu.Lock()
	client.opts.NKey = publicKey
	client.mu.Unlock()
	return client
}

// SetUserJWT sets a literal user JWT.
func (client *Client) SetUserJWT(jwt string) *Client {
	client.mu.Lock()
	client.opts.UserJWT = jwt
	client.mu.Unlock()
	return client
}

// SetUserJWTHandler sets a callback that supplies the user JWT.
func (client *Client) SetUserJWTHandler(handler JWTHandler) *Client {
	client.mu.Lock()
	client.opts.UserJWTHandler = handler
	client.mu.Unlock()
	return client
}

// SetSignatureHandler sets the nonce signing callback.
func (client *Client) SetSignatureHandler(handler SignatureHandler) *Client {
	client.mu.Lock()
	client.opts.SignatureHandler = handler
	client.mu.Unlock()
	return client
}

// SetYieldTime bounds how long the read loop parses before yielding.
func (client *Client) SetYieldTime(yield time.Duration) *Client {
	client.mu.Lock()
	client.opts.YieldTime = yield
	client.mu.Unlock()
	return client
}

// SetWaitOnFirstConnect keeps endpoints in the pool even when their first
// dial fails.
func (client *Client) SetWaitOnFirstConnect(wait bool) *Client {
	client.mu.Lock()
	client.opts.WaitOnFirstConnect = wait
	client.mu.Unlock()
	return client
}

// Event surface. One setter per event; handlers run outside the client lock
// and must be safe for concurrent use.

// SetErrorHandler receives asynchronous errors: protocol violations, server
// -ERR frames and failures thrown by delivery callbacks.
func (client *Client) SetErrorHandler(handler func(error)) *Client {
	client.mu.Lock()
	client.errHandler = handler
	client.mu.Unlock()
	return client
}

// SetPermissionErrorHandler receives permission violations; the connection
// stays up.
func (client *Client) SetPermissionErrorHandler(handler func(error)) *Client {
	client.mu.Lock()
	client.permErrHandler = handler
	client.mu.Unlock()
	return client
}

// SetDisconnectHandler fires when the socket drops, before any reconnect.
func (client *Client) SetDisconnectHandler(handler func(*Client)) *Client {
	client.mu.Lock()
	client.disconnectHandler = handler
	client.mu.Unlock()
	return client
}

// SetReconnectHandler fires when a session is re-established.
func (client *Client) SetReconnectHandler(handler func(*Client)) *Client {
	client.mu.Lock()
	client.reconnectHandler = handler
	client.mu.Unlock()
	return client
}

// SetReconnectingHandler fires when recovery of a previously established
// session begins.
func (client *Client) SetReconnectingHandler(handler func(*Client)) *Client {
	client.mu.Lock()
	client.reconnectingHandler = handler
	client.mu.Unlock()
	return client
}

// SetClosedHandler fires exactly once when the client shuts down for good.
func (client *Client) SetClosedHandler(handler func(*Client)) *Client {
	client.mu.Lock()
	client.closedHandler = handler
	client.mu.Unlock()
	return client
}

// SetSubscribeHandler fires when a subscription is registered.
func (client *Client) SetSubscribeHandler(handler func(sid int64, subject, queue string)) *Client {
	client.mu.Lock()
	client.subscribeHandler = handler
	client.mu.Unlock()
	return client
}

// SetUnsubscribeHandler fires when a subscription is removed, including
// automatic removal after a delivery limit.
func (client *Client) SetUnsubscribeHandler(handler func(sid int64, subject string)) *Client {
	client.mu.Lock()
	client.unsubscribeHandler = handler
	client.mu.Unlock()
	return client
}

// SetServersHandler fires with newly added endpoint URLs after each gossip
// update that grew the pool.
func (client *Client) SetServersHandler(handler func(added []string)) *Client {
	client.mu.Lock()
	client.serversHandler = handler
	client.mu.Unlock()
	return client
}

// SetDiscoveredServersHandler fires with newly discovered endpoint URLs.
func (client *Client) SetDiscoveredServersHandler(handler func(added []string)) *Client {
	client.mu.Lock()
	client.discoveredHandler = handler
	client.mu.Unlock()
	return client
}

// SetPingHandler fires on each liveness timer tick with the number of
// outstanding pings.
func (client *Client) SetPingHandler(handler func(outstanding int)) *Client {
	client.mu.Lock()
	client.pingHandler = handler
	client.mu.Unlock()
	return client
}

// SetConnectionStateListener observes coarse lifecycle transitions.
func (client *Client) SetConnectionStateListener(listener func(Status)) *Client {
	client.mu.Lock()
	client.stateListener = listener
	client.mu.Unlock()
	return client
}
