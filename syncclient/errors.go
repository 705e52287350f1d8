package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is how the coordinator reacts to a failed remote call.
type Kind int

const (
	// KindPermanent failures are reported and never retried.
	KindPermanent Kind = iota
	// KindTransient failures are retried locally, then queued server-side.
	KindTransient
	// KindAuthorization failures ask the user to sign in again.
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthorization:
		return "authorization"
	default:
		return "permanent"
	}
}

// HTTPError is a non-2xx answer from the remote store.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("remote store error %d: %s", e.Status, e.Message)
}

// Classify sorts err into the retry taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusUnauthorized, httpErr.Status == http.StatusForbidden:
			return KindAuthorization
		case httpErr.Status == http.StatusTooManyRequests,
			httpErr.Status == http.StatusRequestTimeout,
			httpErr.Status >= http.StatusInternalServerError:
			return KindTransient
		}
		return KindPermanent
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}
