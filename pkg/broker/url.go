package broker

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const defaultPort = "5672"

// ParseURL normalises a broker address for the AMQP client. Besides amqp:// and
// amqps:// URLs it accepts the qpid forms amqp:tcp:host:port and
// amqp:ssl:host:port, optionally with user/password@ in front of the host, and
// a bare host[:port].
func ParseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("broker url is empty")
	}

	scheme := "amqp"
	rest := raw
	switch {
	case strings.HasPrefix(raw, "amqp://"), strings.HasPrefix(raw, "amqps://"):
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("invalid broker url %q: %w", raw, err)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("invalid broker url %q: missing host", raw)
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), defaultPort)
		}
		return u.String(), nil
	case strings.HasPrefix(raw, "amqp:tcp:"):
		rest = strings.TrimPrefix(raw, "amqp:tcp:")
	case strings.HasPrefix(raw, "amqp:ssl:"):
		scheme = "amqps"
		rest = strings.TrimPrefix(raw, "amqp:ssl:")
	case strings.HasPrefix(raw, "amqp:"):
		rest = strings.TrimPrefix(raw, "amqp:")
	}

	var user *url.Userinfo
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		name, password, hasPassword := strings.Cut(rest[:i], "/")
		if hasPassword {
			user = url.UserPassword(name, password)
		} else {
			user = url.User(name)
		}
		rest = rest[i+1:]
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		if strings.Contains(rest, ":") {
			return "", fmt.Errorf("invalid broker url %q: %w", raw, err)
		}
		host, port = rest, defaultPort
	}
	if host == "" || strings.ContainsAny(host, "/?#") {
		return "", fmt.Errorf("invalid broker url %q: bad host %q", raw, host)
	}

	u := url.URL{Scheme: scheme, User: user, Host: net.JoinHostPort(host, port)}
	return u.String(), nil
}
