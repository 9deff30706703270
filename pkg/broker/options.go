package broker

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/go-amqp"
)

// ErrUnsupportedProtocol is returned for connection options asking for anything but AMQP 1.0.
var ErrUnsupportedProtocol = errors.New("only protocol amqp1.0 is supported")

// ConnectionOptions are the recognised entries of a qpid style options string
// such as "{protocol:amqp1.0, username:guest, password:guest}".
type ConnectionOptions struct {
	Protocol       string
	Username       string
	Password       string
	SASLMechanisms string
	ContainerID    string
	VirtualHost    string
	Transport      string
	Heartbeat      time.Duration

	// Unknown lists keys that were present but have no effect.
	Unknown []string
}

// ParseConnectionOptions parses a flat qpid options map. Values may be quoted
// with single or double quotes. Nested maps and lists are not supported.
func ParseConnectionOptions(raw string) (ConnectionOptions, error) {
	opts := ConnectionOptions{Protocol: "amqp1.0"}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return opts, nil
	}
	if !strings.HasPrefix(raw, "{") || !strings.HasSuffix(raw, "}") {
		return opts, fmt.Errorf("connection options %q must be enclosed in braces", raw)
	}

	entries, err := splitEntries(raw[1 : len(raw)-1])
	if err != nil {
		return opts, err
	}

	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			return opts, fmt.Errorf("connection option %q has no value", entry)
		}
		key = strings.ReplaceAll(strings.TrimSpace(key), "-", "_")
		value = unquote(strings.TrimSpace(value))

		switch key {
		case "protocol":
			opts.Protocol = value
		case "username":
			opts.Username = value
		case "password":
			opts.Password = value
		case "sasl_mechanisms", "sasl_mechanism":
			opts.SASLMechanisms = value
		case "container_id":
			opts.ContainerID = value
		case "virtualhost", "hostname":
			opts.VirtualHost = value
		case "transport":
			opts.Transport = value
		case "heartbeat":
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds < 0 {
				return opts, fmt.Errorf("connection option heartbeat %q is not a number of seconds", value)
			}
			opts.Heartbeat = time.Duration(seconds) * time.Second
		default:
			opts.Unknown = append(opts.Unknown, key)
		}
	}
	sort.Strings(opts.Unknown)

	if p := strings.ToLower(opts.Protocol); p != "amqp1.0" && p != "amqp1" {
		return opts, fmt.Errorf("%w, got %q", ErrUnsupportedProtocol, opts.Protocol)
	}
	return opts, nil
}

// connOptions maps the parsed options to the AMQP client options.
func (o ConnectionOptions) connOptions() (*amqp.ConnOptions, error) {
	co := &amqp.ConnOptions{
		ContainerID: o.ContainerID,
		HostName:    o.VirtualHost,
		IdleTimeout: o.Heartbeat,
	}

	mechanisms := strings.Fields(strings.ToUpper(o.SASLMechanisms))
	if len(mechanisms) == 0 {
		if o.Username != "" {
			mechanisms = []string{"PLAIN"}
		} else {
			mechanisms = []string{"ANONYMOUS"}
		}
	}

	// first supported mechanism wins
	for _, m := range mechanisms {
		switch m {
		case "PLAIN":
			if o.Username == "" {
				continue
			}
			co.SASLType = amqp.SASLTypePlain(o.Username, o.Password)
		case "ANONYMOUS":
			co.SASLType = amqp.SASLTypeAnonymous()
		case "EXTERNAL":
			co.SASLType = amqp.SASLTypeExternal("")
		default:
			continue
		}
		return co, nil
	}
	return nil, fmt.Errorf("no supported SASL mechanism in %q", o.SASLMechanisms)
}

// splitEntries splits on commas outside of quotes.
func splitEntries(s string) ([]string, error) {
	var (
		entries []string
		current strings.Builder
		quote   rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == '{' || r == '[':
			return nil, errors.New("nested connection options are not supported")
		case r == ',':
			entries = appendEntry(entries, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote in connection options")
	}
	return appendEntry(entries, current.String()), nil
}

func appendEntry(entries []string, entry string) []string {
	if strings.TrimSpace(entry) == "" {
		return entries
	}
	return append(entries, entry)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
