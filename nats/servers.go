package nats

import (
	"math/rand"
	"net/url"
)

// srv is one candidate endpoint in the rotating pool.
type srv struct {
	url        *url.URL
	didConnect bool
	reconnects int
	isImplicit bool
}

// setupServerPool seeds the pool from Options. The pool is shuffled unless
// NoRandomize is set; an explicit URL that is not already in the pool is
// prepended so it is tried first. An explicit URL already in the pool keeps
// its position.
func (client *Client) setupServerPool() error {
	client.srvPool = client.srvPool[:0]

	for _, serverURL := range client.opts.Servers {
		parsed, err := parseServerURL(serverURL)
		if err != nil {
			return err
		}
		client.srvPool = append(client.srvPool, &srv{url: parsed})
	}

	if !client.opts.NoRandomize {
		rand.Shuffle(len(client.srvPool), func(i, j int) {
			client.srvPool[i], client.srvPool[j] = client.srvPool[j], client.srvPool[i]
		})
	}

	if client.opts.URL != "" {
		parsed, err := parseServerURL(client.opts.URL)
		if err != nil {
			return err
		}
		present := false
		for _, candidate := range client.srvPool {
			if candidate.url.Host == parsed.Host {
				present = true
				break
			}
		}
		if !present {
			client.srvPool = append([]*srv{{url: parsed}}, client.srvPool...)
		}
	}

	if len(client.srvPool) == 0 {
		parsed, err := parseServerURL(DefaultURI)
		if err != nil {
			return err
		}
		client.srvPool = append(client.srvPool, &srv{url: parsed})
	}

	return nil
}

// selectNextServer pops the head of the pool, makes it current and pushes it
// to the tail. Endpoints past their reconnect budget are dropped. Returns nil
// once the pool is exhausted.
func (client *Client) selectNextServer() *srv {
	maxReconnect := client.opts.MaxReconnect

	for len(client.srvPool) > 0 {
		candidate := client.srvPool[0]
		client.srvPool = client.srvPool[1:]

		if maxReconnect != -1 && candidate.reconnects >= maxReconnect {
			continue
		}

		client.srvPool = append(client.srvPool, candidate)
		client.current = candidate
		return candidate
	}

	client.current = nil
	return nil
}

// removeCurrentServer drops the current endpoint from the pool, used when an
// endpoint that never connected fails its first dial.
func (client *Client) removeCurrentServer() {
	if client.current == nil {
		return
	}
	for i, candidate := range client.srvPool {
		if candidate == client.current {
			client.srvPool = append(client.srvPool[:i], client.srvPool[i+1:]...)
			break
		}
	}
	client.current = nil
}

// currentAuthFromURL reports credentials embedded in the current endpoint's
// authority. They override only fields the caller did not set.
func (client *Client) currentAuthFromURL() (user, pass, token string) {
	if client.current == nil || client.current.url.User == nil {
		return "", "", ""
	}

	info := client.current.url.User
	username := info.Username()
	password, hasPassword := info.Password()
	if hasPassword {
		return username, password, ""
	}
	return "", "", username
}

// processServerUpdate reconciles the pool against a gossiped connect_urls
// list. Implicit endpoints absent from the update are retracted (except the
// current one); new endpoints join as implicit. Returns the URLs added.
func (client *Client) processServerUpdate(connectURLs []string) []string {
	if len(connectURLs) == 0 {
		return nil
	}

	incoming := make(map[string]struct{}, len(connectURLs))
	for _, hostPort := range connectURLs {
		incoming[hostPort] = struct{}{}
	}

	kept := client.srvPool[:0]
	for _, candidate := range client.srvPool {
		if candidate.isImplicit && candidate != client.current {
			if _, present := incoming[candidate.url.Host]; !present {
				continue
			}
		}
		kept = append(kept, candidate)
	}
	client.srvPool = kept

	known := make(map[string]struct{}, len(client.srvPool))
	for _, candidate := range client.srvPool {
		known[candidate.url.Host] = struct{}{}
	}

	var added []string
	for _, hostPort := range connectURLs {
		if _, present := known[hostPort]; present {
			continue
		}
		parsed, err := parseServerURL("nats://" + hostPort)
		if err != nil {
			continue
		}
		client.srvPool = append(client.srvPool, &srv{url: parsed, isImplicit: true})
		added = append(added, parsed.String())
	}

	return added
}

// DiscoveredServers returns the URLs of endpoints learned from gossip.
func (client *Client) DiscoveredServers() []string {
	client.mu.Lock()
	defer client.mu.Unlock()

	var discovered []string
	for _, candidate := range client.srvPool {
		if candidate.isImplicit {
			discovered = append(discovered, candidate.url.String())
		}
	}
	return discovered
}

// Servers returns the URLs of every endpoint currently in the pool.
func (client *Client) Servers() []string {
	client.mu.Lock()
	defer client.mu.Unlock()

	all := make([]string, 0, len(client.srvPool))
	for _, candidate := range client.srvPool {
		all = append(all, candidate.url.String())
	}
	return all
}
