package message

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/kaptinlin/jsonschema"
)

const (
	// URLField carries the endpoint locator in a request.
	URLField = "URL"
	// SkillField carries the value read from the endpoint in a response.
	SkillField = "Skill"
)

// EndpointAddress is the full locator of an OPC UA endpoint, e.g. opc.tcp://192.168.1.50:4840/server.
type EndpointAddress string

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	// EndpointPrefix is prepended to the URL field, e.g. "opc.tcp://".
	EndpointPrefix string
	// MaxLocatorLength bounds the length of the built address. Zero means no bound.
	MaxLocatorLength int
	// RequestSchema is an optional JSON schema every payload must satisfy.
	RequestSchema string
}

// Decoder validates inbound payloads and extracts the endpoint address.
type Decoder struct {
	prefix    string
	scheme    string
	maxLength int
	schema    *jsonschema.Schema
}

var (
	schemaCompiler      = jsonschema.NewCompiler()
	schemaCompilerMutex sync.Mutex
)

// NewDecoder builds a Decoder. It fails if the schema does not compile.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	d := &Decoder{
		prefix:    cfg.EndpointPrefix,
		maxLength: cfg.MaxLocatorLength,
	}
	if i := strings.Index(cfg.EndpointPrefix, "://"); i > 0 {
		d.scheme = strings.ToLower(cfg.EndpointPrefix[:i])
	}

	if strings.TrimSpace(cfg.RequestSchema) != "" {
		schemaCompilerMutex.Lock()
		compiled, err := schemaCompiler.Compile([]byte(cfg.RequestSchema))
		schemaCompilerMutex.Unlock()
		if err != nil {
			return nil, fmt.Errorf("error compiling request schema: %w", err)
		}
		d.schema = compiled
	}
	return d, nil
}

// Decode checks the body shape, extracts the URL field and builds the endpoint address.
// The returned payload is the normalised string keyed map the response is built from.
func (d *Decoder) Decode(body any) (EndpointAddress, map[string]any, error) {
	payload, err := toStringMap(body)
	if err != nil {
		return "", nil, err
	}

	if d.schema != nil {
		if err := d.validateSchema(payload); err != nil {
			return "", nil, err
		}
	}

	raw, ok := payload[URLField]
	if !ok {
		return "", nil, &DecodeError{Kind: MissingField, Field: URLField}
	}
	value, ok := raw.(string)
	if !ok {
		return "", nil, &DecodeError{Kind: MissingField, Field: URLField, Reason: fmt.Sprintf("expected string, got %T", raw)}
	}

	addr, err := d.buildAddress(value)
	if err != nil {
		return "", nil, err
	}
	return addr, payload, nil
}

func (d *Decoder) buildAddress(value string) (EndpointAddress, error) {
	invalid := func(reason string) error {
		return &DecodeError{Kind: InvalidLocator, Field: URLField, Reason: reason}
	}

	if value == "" {
		return "", invalid("empty value")
	}
	for _, r := range value {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", invalid(fmt.Sprintf("contains control or space character %q", r))
		}
	}
	if strings.Contains(value, "://") {
		return "", invalid("must not carry its own scheme")
	}

	addr := d.prefix + value
	if d.maxLength > 0 && len(addr) > d.maxLength {
		return "", invalid(fmt.Sprintf("locator length %d exceeds maximum %d", len(addr), d.maxLength))
	}

	if d.scheme == "" {
		return EndpointAddress(addr), nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", invalid(err.Error())
	}
	if strings.ToLower(u.Scheme) != d.scheme {
		return "", invalid(fmt.Sprintf("scheme %q does not match %q", u.Scheme, d.scheme))
	}
	if u.User != nil {
		return "", invalid("must not contain user information")
	}
	if u.Hostname() == "" {
		return "", invalid("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return "", invalid(fmt.Sprintf("port %q out of range", p))
		}
	}
	return EndpointAddress(addr), nil
}

func (d *Decoder) validateSchema(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return &DecodeError{Kind: SchemaViolation, Reason: err.Error()}
	}

	result := d.schema.ValidateJSON(b)
	if result == nil {
		return &DecodeError{Kind: SchemaViolation, Reason: "schema validation result is nil"}
	}
	if result.Valid {
		return nil
	}

	var reasons []string
	for _, validationErr := range result.Errors {
		if validationErr != nil {
			reasons = append(reasons, validationErr.Error())
		}
	}
	return &DecodeError{Kind: SchemaViolation, Reason: strings.Join(reasons, "; ")}
}

// toStringMap accepts the body shapes an AMQP message can carry: an AMQP map
// (decoded by the client library as map[string]any or map[any]any), or a JSON
// object in a data section.
func toStringMap(body any) (map[string]any, error) {
	switch v := body.(type) {
	case nil:
		return nil, &DecodeError{Kind: WrongShape, Reason: "empty body"}
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = normalizeValue(val)
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			key, ok := stringKey(k)
			if !ok {
				return nil, &DecodeError{Kind: WrongShape, Reason: fmt.Sprintf("non string key of type %T", k)}
			}
			out[key] = normalizeValue(val)
		}
		return out, nil
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(v, &out); err != nil || out == nil {
			return nil, &DecodeError{Kind: WrongShape, Reason: "data section is not a JSON object"}
		}
		return out, nil
	default:
		return nil, &DecodeError{Kind: WrongShape, Reason: fmt.Sprintf("unsupported body type %T", body)}
	}
}

// stringKey accepts string and named string types such as AMQP symbols.
func stringKey(k any) (string, bool) {
	if s, ok := k.(string); ok {
		return s, true
	}
	rv := reflect.ValueOf(k)
	if rv.IsValid() && rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

// normalizeValue turns UTF-8 binaries into strings. Some AMQP clients send map
// strings as binary unless an encoding is set on the message.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok && utf8.Valid(b) {
		return string(b)
	}
	return v
}
