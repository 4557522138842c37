package backends

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestHTTPClient_GenerateStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_schema", req.ResponseFormat.Type)
		assert.Equal(t, "care_plan", req.ResponseFormat.JSONSchema.Name)
		assert.Equal(t, "object", req.ResponseFormat.JSONSchema.Schema["type"])
		assert.Equal(t, "Plan for Rex", req.Messages[1].Content)

		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "{\"carePlan\": \"rest\"}"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{AI: Endpoint{BaseURL: srv.URL + "/v1", APIKey: "k1", Model: "test-model"}})
	fields, usage, err := c.GenerateStructured(context.Background(), StructuredRequest{
		Name:     "care_plan",
		Prompt:   "Plan for Rex",
		Contract: map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	assert.Equal(t, "rest", fields["carePlan"])
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestHTTPClient_GenerateStructured_NonObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "sorry, no"}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{AI: Endpoint{BaseURL: srv.URL}})
	_, _, err := c.GenerateStructured(context.Background(), StructuredRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
}

func TestHTTPClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{AI: Endpoint{BaseURL: srv.URL}})
	_, _, err := c.GenerateStructured(context.Background(), StructuredRequest{Prompt: "x"})
	require.Error(t, err)

	var se *schema.StepflowError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeExecutor, se.Code)
	assert.Equal(t, http.StatusTooManyRequests, se.Details["status"])
}

func TestHTTPClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "limping dog", body["query"])
		_, _ = w.Write([]byte(`{"answer": "See a vet.", "results": [{"title": "Limping", "url": "https://vet.example/limp", "content": "Rest the leg."}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{Search: Endpoint{BaseURL: srv.URL}})
	text, _, err := c.Search(context.Background(), "limping dog")
	require.NoError(t, err)
	assert.Contains(t, text, "See a vet.")
	assert.Contains(t, text, "[1] Limping (https://vet.example/limp)")
}

func TestHTTPClient_GenerateImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		_, _ = w.Write([]byte(`{"data": [{"url": "https://img.example/rex.png"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{Image: Endpoint{BaseURL: srv.URL}})
	url, _, err := c.GenerateImage(context.Background(), "a happy dog")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/rex.png", url)
}

func TestHTTPClient_UnconfiguredEndpoint(t *testing.T) {
	c := NewHTTPClient(Config{})
	_, _, err := c.Search(context.Background(), "q")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}
