package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ProviderLister is the slice of the provider registry the readiness check
// needs.
type ProviderLister interface {
	SpeechNames() []string
}

// SpeechProviders reports ready when at least one speech provider is
// registered. A broker without providers would abandon every transcription
// subscription.
func SpeechProviders(reg ProviderLister) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if len(reg.SpeechNames()) == 0 {
				return errors.New("no speech providers registered")
			}
			return nil
		},
	}
}

// MediaBridge reports ready when the bridge process accepts TCP
// connections. wsURL is the bridge websocket endpoint; an empty URL means
// the bridge is disabled and the check always passes.
func MediaBridge(wsURL string) Checker {
	return Checker{
		Name: "bridge",
		Check: func(ctx context.Context) error {
			if wsURL == "" {
				return nil
			}
			host, err := wsHost(wsURL)
			if err != nil {
				return err
			}
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", host)
			if err != nil {
				return fmt.Errorf("dial %s: %w", host, err)
			}
			return conn.Close()
		},
	}
}

// Kafka reports ready when the first broker accepts TCP connections. An
// empty broker list means export is disabled and the check always passes.
func Kafka(brokers []string) Checker {
	return Checker{
		Name: "kafka",
		Check: func(ctx context.Context) error {
			if len(brokers) == 0 {
				return nil
			}
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", brokers[0])
			if err != nil {
				return fmt.Errorf("dial %s: %w", brokers[0], err)
			}
			return conn.Close()
		},
	}
}

// wsHost extracts the host:port of a ws:// or wss:// URL, defaulting the
// port from the scheme.
func wsHost(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	host := u.Host
	if host == "" {
		return "", fmt.Errorf("bridge url %q has no host", wsURL)
	}
	if !strings.Contains(host, ":") {
		if u.Scheme == "wss" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host, nil
}
