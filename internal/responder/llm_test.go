// ABOUTME: Tests for the language generation client
// ABOUTME: Covers request shaping, role mapping, and error handling against a stub server

package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskd/helpdeskd/internal/store"
)

func TestGenerate_SendsTranscriptAndLatest(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/replies", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(generateResponse{Reply: "try restarting"})
	}))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL, APIKey: "test-key", Model: "support-v1", Timeout: time.Second})

	transcript := []*store.Message{
		{SenderRole: store.RoleCustomer, Content: "it is broken"},
		{SenderRole: store.RoleAutomation, Content: "what is broken?"},
	}
	reply, err := c.Generate(context.Background(), transcript, "the login page")
	require.NoError(t, err)
	assert.Equal(t, "try restarting", reply)

	assert.Equal(t, "support-v1", got.Model)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "user", got.Messages[2].Role)
	assert.Equal(t, "the login page", got.Messages[2].Content)
}

func TestGenerate_UpstreamErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL, Timeout: time.Second})
	_, err := c.Generate(context.Background(), nil, "hello")
	assert.Error(t, err)
}

func TestUpstreamRole(t *testing.T) {
	assert.Equal(t, "user", upstreamRole(store.RoleCustomer))
	assert.Equal(t, "assistant", upstreamRole(store.RoleAgent))
	assert.Equal(t, "assistant", upstreamRole(store.RoleAutomation))
}
