package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/stockportal/internal/session"
	"github.com/florianilch/stockportal/internal/tokenclient"
	"github.com/florianilch/stockportal/internal/tokenstore"
)

// portal mimics the API: token endpoints plus one protected resource that only
// accepts the current access token.
type portal struct {
	*httptest.Server

	mu        sync.Mutex
	current   string
	refreshes int
	requests  []*http.Request
}

func newPortal(t *testing.T, current string) *portal {
	t.Helper()
	p := &portal{current: current}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Refresh string `json:"refresh"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		p.mu.Lock()
		defer p.mu.Unlock()
		if body.Refresh != "R1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.refreshes++
		p.current = "A-fresh"
		_ = json.NewEncoder(w).Encode(map[string]string{"access": p.current})
	})
	mux.HandleFunc("/api/v1/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.requests = append(p.requests, r.Clone(context.Background()))
		ok := r.Header.Get("Authorization") == "Bearer "+p.current
		p.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path, "body": string(body)})
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *portal) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *portal) lastRequest() *http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func newTestProxy(t *testing.T, upstream *portal, cred session.Credential, opts ...Option) (*httptest.Server, *session.Client) {
	t.Helper()

	backend := tokenstore.NewMemoryStore()
	require.NoError(t, backend.Save(context.Background(), cred))

	endpoint, err := tokenclient.EndpointFor(upstream.URL + "/api/v1")
	require.NoError(t, err)
	client, err := session.NewClient(backend, tokenclient.New(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	p, err := New(client, upstream.URL+"/api/v1", opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return srv, client
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestProxyForwardsWithSessionToken(t *testing.T) {
	upstream := newPortal(t, "A1")
	srv, _ := newTestProxy(t, upstream, session.Credential{AccessToken: "A1", RefreshToken: "R1"})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/predict/", strings.NewReader(`{"ticker":"AAPL"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-supplied")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	body := decodeJSON(t, resp)
	assert.Equal(t, "/api/v1/predict/", body["path"])
	assert.Equal(t, `{"ticker":"AAPL"}`, body["body"])

	forwarded := upstream.lastRequest()
	assert.Equal(t, "Bearer A1", forwarded.Header.Get("Authorization"))
	assert.Equal(t, resp.Header.Get(RequestIDHeader), forwarded.Header.Get(RequestIDHeader))
}

func TestProxyRefreshesExpiredToken(t *testing.T) {
	upstream := newPortal(t, "A-current")
	srv, client := newTestProxy(t, upstream, session.Credential{AccessToken: "A-expired", RefreshToken: "R1"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/protected-view/", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))
	_ = decodeJSON(t, resp)

	assert.Equal(t, 1, upstream.refreshCount())
	assert.Equal(t, "A-fresh", client.Credential(context.Background()).AccessToken)
}

func TestProxyTranslatesTerminalAuthFailure(t *testing.T) {
	tests := []struct {
		name       string
		cred       session.Credential
		wantReason string
	}{
		{
			name:       "no refresh token",
			cred:       session.Credential{AccessToken: "A-expired"},
			wantReason: session.ErrNoRefreshToken.Error(),
		},
		{
			name:       "refresh rejected",
			cred:       session.Credential{AccessToken: "A-expired", RefreshToken: "R-revoked"},
			wantReason: session.ErrRefreshFailed.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newPortal(t, "A-current")
			srv, client := newTestProxy(t, upstream, tt.cred)

			resp, err := http.Get(srv.URL + "/protected-view/")
			require.NoError(t, err)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			body := decodeJSON(t, resp)
			assert.Equal(t, tt.wantReason, body["reason"])
			assert.Contains(t, body["error"], "stockportal login")

			select {
			case <-client.Ended():
			default:
				t.Fatal("session should have ended")
			}
		})
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	// Reserve a port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	backend := tokenstore.NewMemoryStore()
	endpoint, err := tokenclient.EndpointFor("http://" + addr)
	require.NoError(t, err)
	client, err := session.NewClient(backend, tokenclient.New(endpoint))
	require.NoError(t, err)

	p, err := New(client, "http://"+addr)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected-view/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"upstream request failed"}`, rec.Body.String())
}

func TestProxyServesMetrics(t *testing.T) {
	upstream := newPortal(t, "A1")
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "stockportal_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv, _ := newTestProxy(t, upstream, session.Credential{AccessToken: "A1"},
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stockportal_test_total 1")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "http://127.0.0.1:8000")
	require.Error(t, err)

	_, err = New(http.DefaultTransport, "not a url")
	require.Error(t, err)
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
}

func TestProxyRejectsOversizedBody(t *testing.T) {
	upstream := newPortal(t, "A1")
	backend := tokenstore.NewMemoryStore()
	require.NoError(t, backend.Save(context.Background(), session.Credential{AccessToken: "A1", RefreshToken: "R1"}))
	endpoint, err := tokenclient.EndpointFor(upstream.URL + "/api/v1")
	require.NoError(t, err)
	client, err := session.NewClient(backend, tokenclient.New(endpoint))
	require.NoError(t, err)

	p, err := New(client, upstream.URL+"/api/v1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	body := strings.NewReader(strings.Repeat("x", session.MaxReplayBody+1))
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/", body))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	assert.Empty(t, upstream.requests)
}
