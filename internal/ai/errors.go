package ai

import (
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"gopherrag/internal/retry"
)

// Classify marks client-side API failures as permanent. Rate limits, server errors and
// transport failures stay retryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && isPermanentStatus(apiErr.HTTPStatusCode) {
		return retry.Permanent(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && isPermanentStatus(reqErr.HTTPStatusCode) {
		return retry.Permanent(err)
	}
	return err
}

func isPermanentStatus(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return false
	}
	return code >= 400 && code < 500
}
