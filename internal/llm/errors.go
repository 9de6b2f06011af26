package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/yangwenmai/sdragent/internal/model"
)

// classifyStatus maps an HTTP status from a provider into the error taxonomy.
// Auth failures are unavailable and permanent, 429 is a transient rejection,
// other 4xx are permanent rejections and everything else is transient.
func classifyStatus(provider string, status int, err error) *model.ProviderError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := model.Unavailable(provider, err)
		e.Status = status
		e.Permanent = true
		return e
	case status == http.StatusTooManyRequests:
		return model.Rejected(provider, status, err)
	case status == http.StatusRequestTimeout:
		e := model.Unavailable(provider, err)
		e.Status = status
		return e
	case status >= 400 && status < 500:
		e := model.Rejected(provider, status, err)
		e.Permanent = true
		return e
	default:
		e := model.Unavailable(provider, err)
		e.Status = status
		return e
	}
}

// classifyTransport wraps errors that carry no HTTP status. Caller
// cancellation passes through untouched.
func classifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
		return err
	}
	return model.Unavailable(provider, err)
}

var errEmptyResponse = errors.New("empty response")
