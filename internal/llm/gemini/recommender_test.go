package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

func candidateReply(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			},
			"finishReason": "STOP",
		}},
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestRecommendSelector(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "models/"+DefaultModel+":generateContent"), r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(candidateReply(`{"selector": "div.article-body", "reason": "main text"}`))
	}))
	defer srv.Close()

	rec, err := New(context.Background(), Config{APIKey: "test-key", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	got, err := rec.RecommendSelector(context.Background(), "<div class=\"article-body\"></div>", "The main body text.", crawler.ObjectiveDataExtraction)
	require.NoError(t, err)
	require.Equal(t, crawler.Recommendation{Selector: "div.article-body", Reason: "main text"}, got)

	gen, ok := captured["generationConfig"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "application/json", gen["responseMimeType"])
	require.Contains(t, captured, "systemInstruction")
}

func TestRecommendSelectorEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(candidateReply(`{"selector": "", "reason": "no such element"}`))
	}))
	defer srv.Close()

	rec, err := New(context.Background(), Config{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	got, err := rec.RecommendSelector(context.Background(), "<p></p>", "x", crawler.ObjectiveDataExtraction)
	require.NoError(t, err)
	require.Empty(t, got.Selector)
}

func TestRecommendSelectorServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`))
	}))
	defer srv.Close()

	rec, err := New(context.Background(), Config{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = rec.RecommendSelector(context.Background(), "<p></p>", "x", crawler.ObjectiveDataExtraction)
	require.Error(t, err)
}
