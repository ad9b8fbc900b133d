package nats

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"
)

// Version is the client version reported in CONNECT.
const Version = "0.1.0"

// LangName is the lang field reported in CONNECT.
const LangName = "go"

// Default configuration values applied by GetDefaultOptions.
const (
	DefaultURI           = "nats://127.0.0.1:4222"
	DefaultPort          = "4222"
	DefaultPingInterval  = 2 * time.Minute
	DefaultMaxPingOut    = 2
	DefaultMaxReconnect  = 10
	DefaultReconnectWait = 2 * time.Second
)

// Encoding names the payload encoding. Validation accepts only the values
// below; delivery hands the raw payload bytes to Msg.Data under either one.
type Encoding string

// Supported payload encodings.
const (
	EncodingBinary Encoding = "binary"
	EncodingUTF8   Encoding = "utf8"
)

// SignatureHandler signs the server-provided nonce during the NKEY/JWT
// handshake and returns the raw signature bytes.
type SignatureHandler func(nonce []byte) ([]byte, error)

// JWTHandler supplies the user JWT during the handshake.
type JWTHandler func() (string, error)

// Options is the full client configuration record. The zero value is not
// usable; start from GetDefaultOptions or NewClient.
type Options struct {
	// URL is a single endpoint tried first when it is not also listed in
	// Servers; a URL already in Servers keeps its place in the pool.
	URL     string
	Servers []string

	// NoRandomize disables the initial shuffle of the server pool.
	NoRandomize bool

	Name     string
	Verbose  bool
	Pedantic bool

	AllowReconnect bool
	// MaxReconnect bounds reconnect attempts per endpoint; -1 is unbounded.
	MaxReconnect  int
	ReconnectWait time.Duration
	// ReconnectDelayStrategy, when set, overrides ReconnectWait.
	ReconnectDelayStrategy ReconnectDelayStrategy

	PingInterval time.Duration
	MaxPingOut   int

	// Secure requests a TLS session; TLSConfig additionally carries client
	// certificates and verification settings. A tls:// or wss:// scheme in
	// the URL implies Secure.
	Secure    bool
	TLSConfig *tls.Config

	Encoding Encoding
	// PreserveBuffers hands callbacks sub-slices of the read buffer instead
	// of copies; the bytes are only valid for the duration of the callback.
	PreserveBuffers bool
	// JSON enables automatic JSON decode on delivery (Msg.Value).
	// PublishJSON encodes its value whether or not this is set.
	JSON bool

	UseOldRequestStyle bool

	User     string
	Password string
	Token    string

	// NKey is the public user key whose seed signs the server nonce.
	NKey             string
	UserJWT          string
	UserJWTHandler   JWTHandler
	SignatureHandler SignatureHandler

	// YieldTime bounds how long the read loop parses without yielding to
	// the scheduler.
	YieldTime time.Duration

	// WaitOnFirstConnect keeps endpoints in the pool even when the very
	// first dial fails.
	WaitOnFirstConnect bool
}

// GetDefaultOptions returns an Options record with default values applied.
func GetDefaultOptions() Options {
	return Options{
		AllowReconnect: true,
		MaxReconnect:   DefaultMaxReconnect,
		ReconnectWait:  DefaultReconnectWait,
		PingInterval:   DefaultPingInterval,
		MaxPingOut:     DefaultMaxPingOut,
		Encoding:       EncodingUTF8,
	}
}

func (opts *Options) validate() error {
	switch opts.Encoding {
	case EncodingBinary, EncodingUTF8:
	case "":
		opts.Encoding = EncodingUTF8
	default:
		return newErr(ErrCodeInvalidEncoding, "Invalid Encoding: "+string(opts.Encoding))
	}

	if opts.User != "" && opts.Token != "" {
		return newErr(ErrCodeBadAuthentication)
	}

	return nil
}

// parseServerURL normalizes an endpoint URL: nats:// is assumed when the
// scheme is missing and 4222 when the port is missing. Userinfo is preserved.
func parseServerURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, newErr(ErrCodeBadOptions, "empty server URL")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "nats://" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, newErr(ErrCodeBadOptions, err)
	}

	switch parsed.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return nil, newErr(ErrCodeBadOptions, "unsupported scheme: "+parsed.Scheme)
	}

	if parsed.Port() == "" {
		parsed.Host = parsed.Hostname() + ":" + DefaultPort
	}

	return parsed, nil
}

func schemeImpliesTLS(scheme string) bool {
	return scheme == "tls" || scheme == "wss"
}

func schemeIsWebsocket(scheme string) bool {
	return scheme == "ws" || scheme == "wss"
}
