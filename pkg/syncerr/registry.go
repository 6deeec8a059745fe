package syncerr

// Template describes a registered error kind.
type Template struct {
	Code    string
	Message string
	Detail  string
}

var registry = map[Kind]Template{
	KindUnknown: {
		Code:    "OS000",
		Message: "Something went wrong",
		Detail:  "An unclassified error occurred.",
	},
	KindUnauthenticated: {
		Code:    "OS001",
		Message: "Not logged in",
		Detail:  "The operation needs a bearer token and the session has none. No request was sent.",
	},
	KindSessionExpired: {
		Code:    "OS002",
		Message: "Your session has expired, please log in again",
		Detail:  "The backend rejected the token with 401. The session was cleared and the realtime connection torn down.",
	},
	KindTransport: {
		Code:    "OS003",
		Message: "Realtime connection unavailable",
		Detail:  "Connecting to the realtime server failed. Retries continue with backoff; live updates may be delayed.",
	},
	KindMutationFailed: {
		Code:    "OS004",
		Message: "The change could not be saved",
		Detail:  "The backend returned a non-2xx status or the request did not complete. No event was emitted.",
	},
	KindRequestFailed: {
		Code:    "OS005",
		Message: "The request failed",
		Detail:  "A read-only backend call returned a non-2xx status or did not complete.",
	},
	KindHandshakeRejected: {
		Code:    "OS006",
		Message: "Realtime server rejected the credentials",
		Detail:  "The handshake was refused with 401/403. The session is treated as expired.",
	},
}

func templateFor(kind Kind) Template {
	if t, ok := registry[kind]; ok {
		return t
	}
	return registry[KindUnknown]
}

// Lookup returns the template registered for kind.
func Lookup(kind Kind) (Template, bool) {
	t, ok := registry[kind]
	return t, ok
}

// Codes returns every registered code.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for _, t := range registry {
		codes = append(codes, t.Code)
	}
	return codes
}
