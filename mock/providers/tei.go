package main

import (
	"encoding/json"
	"net/http"
	"sort"
)

// newTEIHandler returns an http.Handler simulating a Text Embeddings
// Inference rerank server: a single POST /rerank endpoint accepting
// {query, texts} and returning [{index, score}, ...] sorted by descending
// score, plus a GET /health probe used by the gateway's health checker.
func newTEIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}

		var req teiMockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON", "invalid_request")
			return
		}
		if req.Query == "" || len(req.Texts) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "query and texts are required", "invalid_request")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal error", "internal_error")
			return
		}

		results := fakeRerankScores(req.Texts)
		writeJSON(w, http.StatusOK, results)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found")
	})

	return mux
}

type teiMockRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type teiMockResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// fakeRerankScores assigns each text a deterministic-ish pseudo-relevance
// score and sorts the results descending, matching a real TEI server's
// response ordering.
func fakeRerankScores(texts []string) []teiMockResult {
	out := make([]teiMockResult, len(texts))
	for i, t := range texts {
		out[i] = teiMockResult{Index: i, Score: pseudoRelevance(t)}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}

// pseudoRelevance derives a stable score in [0, 1) from the text's length
// and content so repeated mock runs are reproducible without needing a
// real embedding model.
func pseudoRelevance(text string) float64 {
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	return float64(h%10000) / 10000
}
