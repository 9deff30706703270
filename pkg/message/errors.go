package message

import "fmt"

// DecodeErrorKind classifies why a request payload could not be turned into an endpoint address.
type DecodeErrorKind int

const (
	// WrongShape means the payload is not a string keyed map.
	WrongShape DecodeErrorKind = iota
	// MissingField means a required key is absent or not a string.
	MissingField
	// InvalidLocator means the endpoint value would not produce a safe, well formed address.
	InvalidLocator
	// SchemaViolation means the payload failed the configured request schema.
	SchemaViolation
)

func (k DecodeErrorKind) String() string {
	switch k {
	case WrongShape:
		return "wrong shape"
	case MissingField:
		return "missing field"
	case InvalidLocator:
		return "invalid locator"
	case SchemaViolation:
		return "schema violation"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decoder.Decode. Callers reject the request.
type DecodeError struct {
	Kind   DecodeErrorKind
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "" && e.Reason != "":
		return fmt.Sprintf("decode request: %s %q: %s", e.Kind, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("decode request: %s %q", e.Kind, e.Field)
	case e.Reason != "":
		return fmt.Sprintf("decode request: %s: %s", e.Kind, e.Reason)
	default:
		return fmt.Sprintf("decode request: %s", e.Kind)
	}
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, &DecodeError{Kind: MissingField}).
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}
