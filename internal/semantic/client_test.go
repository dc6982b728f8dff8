package semantic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	hostPort := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(hostPort, ":")
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	return NewClient(Config{
		Enabled:    true,
		Host:       parts[0],
		Port:       port,
		Collection: "case_chunks",
		Timeout:    2 * time.Second,
	}, nil)
}

func TestSearchParsesHits(t *testing.T) {
	var gotFilter map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/case_chunks/points/query", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotFilter, _ = req["filter"].(map[string]interface{})

		resp := map[string]interface{}{
			"status": "ok",
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{
						"id":    "chunk-1",
						"score": 0.91,
						"payload": map[string]interface{}{
							"document_id":   "doc-1",
							"document_date": "2024-05-04T00:00:00Z",
							"page":          float64(2),
							"paragraph":     float64(4),
							"span_start":    float64(120),
							"span_end":      float64(310),
							"modality":      "text",
							"text":          "email dated May 4 reports the failure",
						},
					},
					{
						// No document_id: must be skipped, never cited.
						"id":      "chunk-bad",
						"score":   0.88,
						"payload": map[string]interface{}{"text": "orphan"},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	hits, err := c.Search(context.Background(), []float32{0.1, 0.2}, 5, SearchFilters{CaseID: "case-7"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	h := hits[0]
	assert.Equal(t, "doc-1", h.DocumentID)
	assert.Equal(t, 2, h.Page)
	assert.Equal(t, 120, h.SpanStart)
	assert.Equal(t, 310, h.SpanEnd)
	assert.InDelta(t, 0.91, h.Score, 1e-9)
	assert.InDelta(t, 0.09, h.Distance, 1e-9)

	// Case scoping must always be present in the filter.
	must, ok := gotFilter["must"].([]interface{})
	require.True(t, ok)
	first := must[0].(map[string]interface{})
	assert.Equal(t, "case_id", first["key"])
}

func TestSearchErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.Search(context.Background(), []float32{0.1}, 5, SearchFilters{CaseID: "case-7"})
	assert.Error(t, err)
}

func TestSearchDisabled(t *testing.T) {
	c := NewClient(Config{Enabled: false, Host: "localhost"}, nil)
	_, err := c.Search(context.Background(), []float32{0.1}, 5, SearchFilters{CaseID: "c"})
	assert.Error(t, err)
}
