package truenas

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/dnscache"
)

const resolverRefreshInterval = 5 * time.Minute

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
)

func cachedResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(resolverRefreshInterval)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
			}
		}()
	})
	return resolver
}

// dialWithCache resolves host through the shared DNS cache and tries each
// address in turn.
func dialWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := cachedResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

// newDialer returns a websocket dialer and the URL to dial for target.
func newDialer(target *url.URL, config ClientConfig) (*websocket.Dialer, string, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeWait}

	switch target.Scheme {
	case "unix":
		socket := target.Path
		if socket == "" {
			socket = localSocketPath
		}
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		return dialer, "ws://localhost/websocket", nil
	case "ws", "wss":
		dialer.NetDialContext = dialWithCache
		if target.Scheme == "wss" {
			tlsConfig, err := buildTLSConfig(config.InsecureSkipVerify, config.Fingerprint)
			if err != nil {
				return nil, "", err
			}
			dialer.TLSClientConfig = tlsConfig
		}
		u := *target
		if u.Path == "" || u.Path == "/" {
			u.Path = "/websocket"
		}
		return dialer, u.String(), nil
	default:
		return nil, "", fmt.Errorf("unsupported middleware url scheme %q", target.Scheme)
	}
}

func buildTLSConfig(insecureSkipVerify bool, fingerprint string) (*tls.Config, error) {
	normalized, err := normalizeFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if normalized != "" {
		tlsConfig.VerifyConnection = func(state tls.ConnectionState) error {
			if len(state.PeerCertificates) == 0 {
				return fmt.Errorf("middleware tls pinning failed: missing peer certificate")
			}
			sum := sha256.Sum256(state.PeerCertificates[0].Raw)
			if hex.EncodeToString(sum[:]) != normalized {
				return fmt.Errorf("middleware tls pinning failed: fingerprint mismatch")
			}
			return nil
		}
	}
	return tlsConfig, nil
}

func normalizeFingerprint(fingerprint string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(fingerprint))
	normalized = strings.TrimPrefix(normalized, "sha256:")
	normalized = strings.ReplaceAll(normalized, ":", "")
	normalized = strings.ReplaceAll(normalized, " ", "")
	if normalized == "" {
		return "", nil
	}
	if len(normalized) != 64 {
		return "", fmt.Errorf("invalid fingerprint %q: expected 64 hex characters", fingerprint)
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return "", fmt.Errorf("invalid fingerprint %q: %w", fingerprint, err)
	}
	return normalized, nil
}
