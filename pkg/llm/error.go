package llm

import "fmt"

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// InputError is returned when a request is missing or has an invalid field.
// The exchange never starts.
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	if e.Message == "" {
		return "invalid input"
	}
	return "invalid input: " + e.Message
}

// AuthError is returned when the caller has no valid session.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "unauthenticated"
	}
	return "unauthenticated: " + e.Message
}

// UpstreamError is returned when the completion call could not be started.
// No bytes of the reply were produced.
type UpstreamError struct {
	// Status is the HTTP status reported by the upstream or the relay,
	// 0 when the request never got a response.
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := "upstream error"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StreamInterruptedError is returned when a reply stream fails after at least
// one chunk arrived. Partial holds the text received so far; it is shown to
// the user but never persisted as a final message.
type StreamInterruptedError struct {
	Partial string
	Err     error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("incomplete response after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamInterruptedError) Unwrap() error {
	return e.Err
}
