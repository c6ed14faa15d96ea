package rendezvous

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Browser origin policy for the rendezvous WebSocket. CLI clients send no
// Origin header and bypass it entirely; for browsers the Origin gate is the
// whole policy, since WebSocket upgrades are never preflighted.

// normalizeOrigin canonicalizes an Origin header to scheme://host[:port]
// with a lowercase host and default ports dropped. The literal "null"
// (sandboxed frames, file:// pages) is preserved with an empty host. Anything
// that is not a bare http(s) origin is rejected.
func normalizeOrigin(raw string) (norm, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	// An origin is scheme and authority only.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHostPort lowercases an authority's host, validates an explicit
// port and drops it when it is the scheme's default, and re-brackets IPv6
// literals. The same canonical form is produced for Origin hosts and for the
// request's Host header so they compare bytewise.
func canonicalHostPort(authority, scheme string) (string, bool) {
	hostname, port, ok := splitAuthority(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// splitAuthority splits host[:port], returning IPv6 hostnames without their
// brackets. An unbracketed colon-riddled host is not a valid authority.
func splitAuthority(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		rest := authority[end+1:]
		switch {
		case rest == "":
			return hostname, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return hostname, rest[1:], true
		default:
			return "", "", false
		}
	}
	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}

// loopbackOrigin reports whether the canonical origin host names the local
// machine. Local dev tooling is not an interesting cross-origin attacker, so
// loopback origins skip the allowlist.
func loopbackOrigin(host string) bool {
	hostname, _, ok := splitAuthority(host)
	if !ok {
		return false
	}
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// originAllowed applies the configured allowlist to a normalized origin.
// With no allowlist the policy is same host:port as the request, compared in
// canonical form. Scheme is deliberately not compared: behind a
// TLS-terminating proxy the server sees http while the browser origin says
// https.
func originAllowed(norm, host, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == norm {
				return true
			}
		}
		return false
	}

	scheme, _, ok := strings.Cut(norm, "://")
	if !ok || host == "" {
		// "null" has no host to compare against.
		return false
	}
	reqHost, ok := canonicalHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return host == reqHost
}
