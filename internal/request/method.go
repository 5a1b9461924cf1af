package request

import "strings"

// Method is the request method, reduced to the verbs the server routes on.
type Method int

const (
	MethodOther Method = iota
	MethodGet
	MethodPut
	MethodDelete
)

// ParseMethod classifies a raw method token. Matching ignores case and
// surrounding whitespace.
func ParseMethod(raw string) Method {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "get":
		return MethodGet
	case "put":
		return MethodPut
	case "delete":
		return MethodDelete
	default:
		return MethodOther
	}
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	default:
		return "OTHER"
	}
}
