// Package rerrors defines the stable numeric error-code taxonomy shared with
// the broker. These codes travel on the wire inside an Answer's error field
// (see package wire) — they are distinct from ordinary Go error wrapping
// used internally, which still uses fmt.Errorf with %w as everywhere else
// in this module.
package rerrors

// Code is a stable, broker-shared error code. Values and origins are fixed
// by the wire protocol and must never be renumbered.
type Code int

const (
	// Server-origin codes.
	InternalProblem         Code = 1
	CommandFormatWrong      Code = 2
	MethodParamsFormatWrong Code = 3
	MethodAuthFailed        Code = 4
	AccessDenied            Code = 5
	UnexpectedValue         Code = 6
	RemoteMethodNotExists   Code = 7
	AllServerBusy           Code = 8

	// Client-origin codes.
	IncorrectFormat Code = 100
	ResultTimeout   Code = 101

	// Worker-origin codes.
	NoMethod  Code = 102
	ExecError Code = 103
	FormatErr Code = 104
)

// names mirrors the code table in spec.md §6; String uses it to name a
// code (e.g. in the text of rpc.ErrResultTimeout).
var names = map[Code]string{
	InternalProblem:         "InternalProblem",
	CommandFormatWrong:      "CommandFormatWrong",
	MethodParamsFormatWrong: "MethodParamsFormatWrong",
	MethodAuthFailed:        "MethodAuthFailed",
	AccessDenied:            "AccessDenied",
	UnexpectedValue:         "UnexpectedValue",
	RemoteMethodNotExists:   "RemoteMethodNotExists",
	AllServerBusy:           "AllServerBusy",
	IncorrectFormat:         "IncorrectFormat",
	ResultTimeout:           "ResultTimeout",
	NoMethod:                "NoMethod",
	ExecError:               "ExecError",
	FormatErr:               "FormatError",
}

// String returns the taxonomy name for the code, or "Unknown" for a code not
// in the shared table — unknown codes are still propagated verbatim, never
// rejected, per the decode contract in spec.md §4.1 ("unknown fields are
// ignored").
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "Unknown"
}

// Origin classifies a code as server, client, or worker-originated.
func (c Code) Origin() string {
	switch {
	case c >= 1 && c <= 8:
		return "server"
	case c >= 100 && c <= 101:
		return "client"
	case c >= 102 && c <= 104:
		return "worker"
	default:
		return "unknown"
	}
}

// Group is the registration-time role enum (spec.md §6 "Group enum").
type Group int

const (
	GroupServer   Group = 1
	GroupClient   Group = 2
	GroupWsClient Group = 3
)

func (g Group) String() string {
	switch g {
	case GroupServer:
		return "server"
	case GroupClient:
		return "client"
	case GroupWsClient:
		return "ws_client"
	default:
		return "unknown"
	}
}
