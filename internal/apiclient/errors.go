package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a protocol-level failure for retry policy and user-facing
// message selection.
type Kind int

const (
	KindNetwork Kind = iota // transport unreachable
	KindServer              // 5xx
	KindValidation          // 4xx body-level
	KindAuth                // 401 / 403
	KindTimeout             // client-local expiry
	KindProtocol            // join rejected, token mismatch
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	}
	return "unknown"
}

// Error carries the classification plus the user-facing message: the
// server-supplied one when present, otherwise a class default.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure class may be retried automatically.
// Auth and validation failures never are.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindTimeout:
		return true
	}
	return false
}

// Default user-facing messages keyed by failure class, used when the server
// body carries no message.
var defaultMessages = map[Kind]string{
	KindNetwork:    "Impossible de joindre le serveur. Vérifiez votre connexion.",
	KindServer:     "Le serveur rencontre un problème. Réessayez dans un instant.",
	KindValidation: "Données invalides. Vérifiez les informations saisies.",
	KindAuth:       "Session expirée. Reconnectez-vous.",
	KindTimeout:    "Délai dépassé. Réessayez.",
	KindProtocol:   "Opération refusée par le serveur.",
}

func kindFromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	}
	return KindProtocol
}

// classify builds an Error from an HTTP status and the server-supplied
// message, falling back to the class default when message is empty.
func classify(status int, message string) *Error {
	kind := kindFromStatus(status)
	if message == "" {
		message = defaultMessages[kind]
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// networkError wraps a transport-level failure.
func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: defaultMessages[KindNetwork], cause: err}
}

// AsError extracts a typed *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
