package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOllamaGenerator(t *testing.T, url string) *OllamaGenerator {
	t.Helper()
	gen, err := NewOllamaGenerator(OllamaConfig{ServerURL: url, Model: "llama3"})
	require.NoError(t, err)
	return gen
}

func TestOllamaGenerator_Success(t *testing.T) {
	srv := newOllamaServer(t, http.StatusOK,
		`{"model":"llama3","message":{"role":"assistant","content":"no alerts"},"done":true}`+"\n")
	gen := newOllamaGenerator(t, srv.URL)

	out, err := gen.Generate(context.Background(), Prompt{System: "sys", Query: "any alerts?"})
	require.NoError(t, err)
	assert.Equal(t, "no alerts", out)
}

func TestOllamaGenerator_ClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Class
	}{
		{"html 503 from proxy", http.StatusServiceUnavailable, "<html>Service Unavailable</html>", ClassBusy},
		{"html 502 from proxy", http.StatusBadGateway, "<html>Bad Gateway</html>", ClassBusy},
		{"rate limited", http.StatusTooManyRequests, `{"error":"too many requests"}`, ClassBusy},
		{"gateway timeout", http.StatusGatewayTimeout, "", ClassBusy},
		{"bad request", http.StatusBadRequest, `{"error":"invalid options"}`, ClassMalformed},
		{"model missing", http.StatusNotFound, `{"error":"model not found"}`, ClassMalformed},
		{"html 500", http.StatusInternalServerError, "<html>oops</html>", ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newOllamaServer(t, tt.status, tt.body)
			gen := newOllamaGenerator(t, srv.URL)

			_, err := gen.Generate(context.Background(), Prompt{Query: "q"})
			require.Error(t, err)
			assert.Equal(t, tt.want, Classify(err))

			var be *BackendError
			require.True(t, errors.As(err, &be))
			assert.Contains(t, be.Error(), http.StatusText(tt.status))
		})
	}
}

func TestOllamaGenerator_BusyIsTransient(t *testing.T) {
	srv := newOllamaServer(t, http.StatusServiceUnavailable, "<html>Service Unavailable</html>")
	gen := newOllamaGenerator(t, srv.URL)

	_, err := gen.Generate(context.Background(), Prompt{Query: "q"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, Classify(err).Transient())
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, Class(""), statusClass(http.StatusOK))
	assert.Equal(t, ClassTimeout, statusClass(http.StatusRequestTimeout))
	assert.Equal(t, ClassMalformed, statusClass(http.StatusUnprocessableEntity))
	assert.Equal(t, ClassBusy, statusClass(http.StatusServiceUnavailable))
}

func TestGateway_RetriesOllamaProxyBusy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "<html>Service Unavailable</html>")
			return
		}
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"back online"},"done":true}`+"\n")
	}))
	t.Cleanup(srv.Close)

	g, clk := newTestGateway(t, &fakeIndex{results: threeRefs()}, newOllamaGenerator(t, srv.URL), nil)

	reply, err := g.Answer(context.Background(), "s1", "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "back online", reply.Content)
	assert.Equal(t, 2, reply.Attempts)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, clk.Slept())
	assert.Equal(t, int32(2), calls.Load())
}
