package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "fail" {
			http.Error(w, "bad input", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{float64(len(req.Prompt)), 0.5}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOllamaEmbedder_Defaults(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{})
	assert.Equal(t, DefaultOllamaModel, e.ModelName())
	assert.Equal(t, DefaultOllamaDimension, e.Dimension())

	e = NewOllamaEmbedder(OllamaConfig{Model: "all-minilm"})
	assert.Equal(t, 384, e.Dimension())

	e = NewOllamaEmbedder(OllamaConfig{Model: "custom", Dimension: 12})
	assert.Equal(t, 12, e.Dimension())
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	var calls int32
	e := NewOllamaEmbedder(OllamaConfig{BaseURL: embedServer(t, &calls).URL})

	v, err := e.Embed(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 0.5}, v)

	_, err = e.Embed(context.Background(), "fail")
	assert.ErrorContains(t, err, "status 400")
}

func TestOllamaEmbedder_EmbedBatchKeepsOrder(t *testing.T) {
	var calls int32
	e := NewOllamaEmbedder(OllamaConfig{BaseURL: embedServer(t, &calls).URL, BatchConcurrency: 2})

	out, err := e.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, float32(1), out[0][0])
	assert.Equal(t, float32(3), out[1][0])
	assert.Equal(t, float32(2), out[2][0])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	_, err = e.EmbedBatch(context.Background(), []string{"a", "fail"})
	assert.Error(t, err)

	empty, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
