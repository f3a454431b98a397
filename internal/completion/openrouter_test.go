package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/mctrelay/internal/session"
)

var testTurns = []session.Turn{
	{Role: session.RoleSystem, Text: "You are a bot."},
	{Role: session.RoleUser, Text: "hi"},
}

func chatServer(t *testing.T, status int, body string, seen func(map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			var req map[string]any
			_ = json.Unmarshal(raw, &req)
			req["authorization"] = r.Header.Get("Authorization")
			seen(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenRouter_Success(t *testing.T) {
	var got map[string]any
	srv := chatServer(t, http.StatusOK,
		`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"  Hello!  "},"finish_reason":"stop"}],"usage":{"prompt_tokens":42,"completion_tokens":7}}`,
		func(req map[string]any) { got = req })

	p := NewOpenRouter("test-key", srv.URL, Settings{Model: "test-model", MaxTokens: 64, Temperature: 0.5}, 5*time.Second)
	res, err := p.Complete(context.Background(), testTurns)
	require.NoError(t, err)

	assert.Equal(t, OutcomeText, res.Outcome)
	assert.Equal(t, "Hello!", res.Text)
	assert.Equal(t, 42, res.InputTokens)
	assert.Equal(t, 7, res.OutputTokens)
	assert.Empty(t, res.Failure())

	require.NotNil(t, got)
	assert.Equal(t, "Bearer test-key", got["authorization"])
	assert.Equal(t, "test-model", got["model"])
	assert.EqualValues(t, 64, got["max_tokens"])
	assert.InDelta(t, 0.5, got["temperature"], 0.001)
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
}

func TestOpenRouter_EmptyChoicesIsMalformed(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"choices":[],"usage":{"prompt_tokens":10}}`, nil)
	p := NewOpenRouter("k", srv.URL, Settings{Model: "m"}, 5*time.Second)

	res, err := p.Complete(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, res.Outcome)
	assert.Equal(t, KindMalformed, res.Failure())
	assert.Empty(t, res.Text)
}

func TestOpenRouter_BlankContentIsMalformed(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"   "},"finish_reason":"stop"}]}`, nil)
	p := NewOpenRouter("k", srv.URL, Settings{Model: "m"}, 5*time.Second)

	res, err := p.Complete(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, res.Outcome)
}

func TestOpenRouter_ContentFilterIsBlocked(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":""},"finish_reason":"content_filter"}]}`, nil)
	p := NewOpenRouter("k", srv.URL, Settings{Model: "m"}, 5*time.Second)

	res, err := p.Complete(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, KindBlocked, res.Failure())
	assert.Equal(t, "content_filter", res.Reason)
}

func TestOpenRouter_StatusErrors(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusPaymentRequired, KindUnauthorized},
		{http.StatusForbidden, KindBlocked},
		{http.StatusBadGateway, KindUnavailable},
		{http.StatusInternalServerError, KindUnavailable},
		{http.StatusBadRequest, KindUnknown},
	}
	for _, c := range cases {
		t.Run(http.StatusText(c.status), func(t *testing.T) {
			srv := chatServer(t, c.status, `{"error":{"message":"nope","type":"x","code":"y"}}`, nil)
			p := NewOpenRouter("k", srv.URL, Settings{Model: "m"}, 5*time.Second)

			_, err := p.Complete(context.Background(), testTurns)
			require.Error(t, err)
			assert.Equal(t, c.want, Classify(err))
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, c.status, ce.StatusCode)
		})
	}
}

func TestOpenRouter_NonJSONErrorBody(t *testing.T) {
	srv := chatServer(t, http.StatusServiceUnavailable, `<html>upstream down</html>`, nil)
	p := NewOpenRouter("k", srv.URL, Settings{Model: "m"}, 5*time.Second)

	_, err := p.Complete(context.Background(), testTurns)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, Classify(err))
}

func TestOpenRouter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p := NewOpenRouter("k", srv.URL, Settings{Model: "m"}, 50*time.Millisecond)
	_, err := p.Complete(context.Background(), testTurns)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, Classify(err))
}
