package message

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ContentTypeMap marks an AMQP value body holding a map.
const ContentTypeMap = "amqp/map"

// Response is the reply to a request: the request payload plus the Skill field.
// Every value is a string so the map is sent with string encoding.
type Response struct {
	Payload map[string]any
}

// Encode returns a shallow copy of original with SkillField set to value.
// original is never modified.
func Encode(original map[string]any, value string) Response {
	out := make(map[string]any, len(original)+1)
	for k, v := range original {
		out[k] = stringValue(v)
	}
	out[SkillField] = value
	return Response{Payload: out}
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
