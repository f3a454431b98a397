package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geminiServer(t *testing.T, status int, body string, seen func(map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			var req map[string]any
			_ = json.Unmarshal(raw, &req)
			seen(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGemini(t *testing.T, url string) *Gemini {
	t.Helper()
	p, err := NewGemini(context.Background(), "test-key", url, Settings{Model: "gemini-test", MaxTokens: 128, Temperature: 0.7}, 5*time.Second)
	require.NoError(t, err)
	return p
}

func TestGemini_SendsFlattenedTranscript(t *testing.T) {
	var got map[string]any
	srv := geminiServer(t, http.StatusOK,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Breathe "},{"text":"slowly."}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":3}}`,
		func(req map[string]any) { got = req })

	res, err := newTestGemini(t, srv.URL).Complete(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, OutcomeText, res.Outcome)
	assert.Equal(t, "Breathe slowly.", res.Text)
	assert.Equal(t, 12, res.InputTokens)
	assert.Equal(t, 3, res.OutputTokens)

	require.NotNil(t, got)
	raw, _ := json.Marshal(got["contents"])
	assert.Contains(t, string(raw), "You are a bot.")
	assert.Contains(t, string(raw), "User: hi")
	gen, ok := got["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 128, gen["maxOutputTokens"])
}

func TestGemini_PromptBlocked(t *testing.T) {
	srv := geminiServer(t, http.StatusOK, `{"promptFeedback":{"blockReason":"SAFETY"}}`, nil)

	res, err := newTestGemini(t, srv.URL).Complete(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "SAFETY", res.Reason)
}

func TestGemini_SafetyFinishIsBlocked(t *testing.T) {
	srv := geminiServer(t, http.StatusOK, `{"candidates":[{"finishReason":"SAFETY"}]}`, nil)

	res, err := newTestGemini(t, srv.URL).Complete(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
}

func TestGemini_NoCandidatesIsMalformed(t *testing.T) {
	srv := geminiServer(t, http.StatusOK, `{"candidates":[]}`, nil)

	res, err := newTestGemini(t, srv.URL).Complete(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, res.Outcome)
}

func TestGemini_RateLimited(t *testing.T) {
	srv := geminiServer(t, http.StatusTooManyRequests,
		`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, nil)

	_, err := newTestGemini(t, srv.URL).Complete(context.Background(), testTurns)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, Classify(err))
}
