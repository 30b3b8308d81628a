package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/stockportal/internal/session"
	"github.com/florianilch/stockportal/internal/tokenclient"
	"github.com/florianilch/stockportal/internal/tokenstore"
)

const predictionBody = `{
	"status": "success",
	"current_price": 189.5,
	"plot_img": "/media/AAPL_plot.png",
	"plot_moving_avg": "/media/AAPL_moving_averages.png",
	"plot_prediction": "/media/AAPL_final_prediction.png",
	"mse": 4.2,
	"rmse": 2.05,
	"r2": 0.93,
	"next_5_days_prediction": [190.1, 190.8, 191.2, 191.0, 192.4]
}`

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/api/v1/", http.DefaultTransport)
	require.NoError(t, err)
	return c
}

func TestNormalizeTicker(t *testing.T) {
	c, err := New("http://127.0.0.1:8000/api/v1", http.DefaultTransport)
	require.NoError(t, err)

	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "aapl", want: "AAPL"},
		{input: " tsla ", want: "TSLA"},
		{input: "GOOGL", want: "GOOGL"},
		{input: "abcdefghijklmnopqrst", want: "ABCDEFGHIJKLMNOPQRST"},
		{input: "abcdefghijklmnopqrstu", wantErr: true},
		{input: "", wantErr: true},
		{input: "BRK.B", wantErr: true},
		{input: "123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := c.NormalizeTicker(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredict(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/predict/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"ticker": "AAPL"}, body)

		_, _ = w.Write([]byte(predictionBody))
	}))

	got, err := c.Predict(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, "success", got.Status)
	assert.InDelta(t, 189.5, got.CurrentPrice, 1e-9)
	assert.InDelta(t, 0.93, got.R2, 1e-9)
	assert.Equal(t, "/media/AAPL_final_prediction.png", got.PlotPrediction)
	assert.Len(t, got.NextFiveDays, 5)
}

func TestPredictNoData(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "No data found for the given ticker.", "status": 404}`))
	}))

	_, err := c.Predict(context.Background(), "ZZZZ")
	require.ErrorIs(t, err, ErrNoData)
	assert.Contains(t, err.Error(), "ZZZZ")
}

func TestPredictInvalidTickerSendsNothing(t *testing.T) {
	called := false
	c := newClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	_, err := c.Predict(context.Background(), "not-a-ticker")
	require.Error(t, err)
	assert.False(t, called)
}

func TestAPIErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantFields  map[string][]string
	}{
		{
			name:        "detail",
			status:      http.StatusForbidden,
			body:        `{"detail": "You do not have permission to perform this action."}`,
			wantMessage: "You do not have permission to perform this action.",
		},
		{
			name:       "field errors",
			status:     http.StatusBadRequest,
			body:       `{"ticker": ["Ticker should contain only letters."]}`,
			wantFields: map[string][]string{"ticker": {"Ticker should contain only letters."}},
		},
		{
			name:        "plain text",
			status:      http.StatusInternalServerError,
			body:        "Server Error (500)\n",
			wantMessage: "Server Error (500)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.ProtectedView(context.Background())

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.wantFields, apiErr.Fields)
		})
	}
}

func TestRegister(t *testing.T) {
	var got Registration
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/register/", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		if got.Username == "taken" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"username": ["A user with that username already exists."]}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"username": "ada", "email": "ada@example.com"}`))
	}))

	reg := Registration{Username: "ada", Email: "ada@example.com", Password: "analytical-engine"}
	require.NoError(t, c.Register(context.Background(), reg))
	assert.Equal(t, reg, got)

	reg.Username = "taken"
	err := c.Register(context.Background(), reg)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Error(), "username: A user with that username already exists.")

	err = c.Register(context.Background(), Registration{Username: "ada", Email: "not-an-email", Password: "analytical-engine"})
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*APIError)), "invalid registrations are rejected locally")
}

func TestProtectedViewThroughSession(t *testing.T) {
	current := "A2"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access": "A2"}`))
	})
	mux.HandleFunc("GET /api/v1/protected-view/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+current {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status": "Request was permitted"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	backend := tokenstore.NewMemoryStore()
	require.NoError(t, backend.Save(context.Background(), session.Credential{AccessToken: "A1", RefreshToken: "R1"}))
	endpoint, err := tokenclient.EndpointFor(srv.URL + "/api/v1")
	require.NoError(t, err)
	sess, err := session.NewClient(backend, tokenclient.New(endpoint))
	require.NoError(t, err)

	c, err := New(srv.URL+"/api/v1", sess)
	require.NoError(t, err)

	got, err := c.ProtectedView(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Request was permitted", got["status"])

	// Once the session is gone the failure is the session's terminal error
	sess.Logout(context.Background())
	_, err = c.ProtectedView(context.Background())
	require.ErrorIs(t, err, session.ErrUnauthorized)
	require.ErrorIs(t, err, session.ErrNoRefreshToken)
}

func TestNewValidation(t *testing.T) {
	_, err := New("127.0.0.1:8000", http.DefaultTransport)
	require.Error(t, err)

	_, err = New("http://127.0.0.1:8000", nil)
	require.Error(t, err)
}
