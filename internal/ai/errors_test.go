package ai

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"gopherrag/internal/retry"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("dial tcp: refused"), false},
		{"unauthorized", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, true},
		{"bad request wrapped", fmt.Errorf("llm: %w", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}), true},
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, false},
		{"server error", &openai.RequestError{HTTPStatusCode: http.StatusBadGateway}, false},
		{"not found request", &openai.RequestError{HTTPStatusCode: http.StatusNotFound}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(got))
			if tt.err != nil {
				assert.ErrorIs(t, got, tt.err)
			}
		})
	}
}

func TestWithoutStreamingHidesStreamer(t *testing.T) {
	var m ChatModel = &OpenAICompatibleClient{}
	_, streams := m.(StreamingChatModel)
	assert.True(t, streams)

	_, streams = WithoutStreaming(m).(StreamingChatModel)
	assert.False(t, streams)
}
