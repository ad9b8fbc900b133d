package nats

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"github.com/nats-io/nkeys"
)

// serverInfo is the subset of the INFO payload the client consumes.
type serverInfo struct {
	TLSRequired bool     `json:"tls_required"`
	TLSVerify   bool     `json:"tls_verify"`
	Nonce       string   `json:"nonce"`
	ConnectURLs []string `json:"connect_urls"`
}

// connectInfo is the CONNECT payload sent after the first INFO.
type connectInfo struct {
	Verbose  bool   `json:"verbose"`
	Pedantic bool   `json:"pedantic"`
	UserJWT  string `json:"jwt,omitempty"`
	NKey     string `json:"nkey,omitempty"`
	Sig      string `json:"sig,omitempty"`
	User     string `json:"user,omitempty"`
	Pass     string `json:"pass,omitempty"`
	Token    string `json:"auth_token,omitempty"`
	Name     string `json:"name,omitempty"`
	Lang     string `json:"lang"`
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
}

// connectProtoLocked assembles the CONNECT command for the current endpoint
// and server info. Caller holds client.mu.
func (client *Client) connectProtoLocked() ([]byte, error) {
	opts := &client.opts

	user, pass, token := opts.User, opts.Password, opts.Token
	urlUser, urlPass, urlToken := client.currentAuthFromURL()
	if user == "" && pass == "" && urlUser != "" {
		user, pass = urlUser, urlPass
	}
	if token == "" && urlToken != "" {
		token = urlToken
	}

	info := connectInfo{
		Verbose:  opts.Verbose,
		Pedantic: opts.Pedantic,
		User:     user,
		Pass:     pass,
		Token:    token,
		Name:     opts.Name,
		Lang:     LangName,
		Version:  Version,
		Protocol: 1,
	}

	jwt := opts.UserJWT
	if jwt == "" && opts.UserJWTHandler != nil {
		var err error
		jwt, err = opts.UserJWTHandler()
		if err != nil {
			return nil, newErr(ErrCodeBadCredentials, err)
		}
	}
	info.UserJWT = jwt
	info.NKey = opts.NKey

	if client.info.Nonce != "" {
		if opts.SignatureHandler == nil {
			return nil, newErr(ErrCodeSigRequired)
		}
		if info.NKey == "" && info.UserJWT == "" {
			return nil, newErr(ErrCodeNKeyOrJWTRequired)
		}
		signature, err := opts.SignatureHandler([]byte(client.info.Nonce))
		if err != nil {
			return nil, newErr(ErrCodeBadCredentials, err)
		}
		info.Sig = base64.RawURLEncoding.EncodeToString(signature)
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return nil, newErr(ErrCodeBadJSON, err)
	}

	line := make([]byte, 0, len(payload)+12)
	line = append(line, "CONNECT "...)
	line = append(line, payload...)
	line = append(line, crlf...)
	return line, nil
}

// parseCredsBlocks extracts the JWT and seed from a chained credentials
// document: two fenced blocks, the first holding the user JWT and the second
// the NKEY seed.
func parseCredsBlocks(contents []byte) (jwt string, seed string, err error) {
	var blocks []string
	var current []string
	inBlock := false

	for _, rawLine := range strings.Split(string(contents), "\n") {
		line := strings.TrimSpace(rawLine)
		isFence := strings.HasPrefix(line, "-----") && strings.HasSuffix(line, "-----")
		switch {
		case isFence && !inBlock && strings.HasPrefix(line, "-----BEGIN"):
			inBlock = true
			current = current[:0]
		case isFence && inBlock:
			blocks = append(blocks, strings.Join(current, ""))
			inBlock = false
		case inBlock && line != "":
			current = append(current, line)
		}
	}

	if len(blocks) < 2 {
		return "", "", newErr(ErrCodeBadCredentials)
	}
	if blocks[0] == "" {
		return "", "", newErr(ErrCodeNoUserJWTInCreds)
	}
	if blocks[1] == "" {
		return "", "", newErr(ErrCodeNoSeedInCreds)
	}
	return blocks[0], blocks[1], nil
}

// SetCredentials loads a chained credentials file once and caches the user
// JWT and a nonce signer derived from the seed.
func (client *Client) SetCredentials(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return newErr(ErrCodeBadCredentials, err)
	}
	return client.setCredentialsFromDocument(contents)
}

func (client *Client) setCredentialsFromDocument(contents []byte) error {
	jwt, seed, err := parseCredsBlocks(contents)
	if err != nil {
		return err
	}

	keyPair, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return newErr(ErrCodeBadCredentials, err)
	}

	client.mu.Lock()
	client.opts.UserJWT = jwt
	client.opts.SignatureHandler = func(nonce []byte) ([]byte, error) {
		return keyPair.Sign(nonce)
	}
	client.mu.Unlock()
	return nil
}

// SetNKeySeed derives the public key and nonce signer from an NKEY seed for
// nkey-only authentication.
func (client *Client) SetNKeySeed(seed string) error {
	keyPair, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return newErr(ErrCodeBadCredentials, err)
	}
	public, err := keyPair.PublicKey()
	if err != nil {
		return newErr(ErrCodeBadCredentials, err)
	}

	client.mu.Lock()
	client.opts.NKey = public
	client.opts.SignatureHandler = func(nonce []byte) ([]byte, error) {
		return keyPair.Sign(nonce)
	}
	client.mu.Unlock()
	return nil
}
