package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/stockportal/internal/app"
	"github.com/florianilch/stockportal/internal/portal"
	"github.com/florianilch/stockportal/internal/session"
)

// runLoadConfig parses args with the root flags plus the proxy start flags and
// loads the configuration the way a command action would.
func runLoadConfig(t *testing.T, args []string, environ []string) (*app.Config, error) {
	t.Helper()

	var (
		cfg     *app.Config
		loadErr error
	)
	root := &cli.Command{
		Name: "stockportal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.StringFlag{Name: "log-level", Value: slog.LevelInfo.String(), Category: configCategory},
			&cli.StringFlag{Name: "api--base-url", Value: app.DefaultConfigAPIBaseURL, Category: configCategory},
			&cli.StringFlag{Name: "credentials--storage", Value: string(app.DefaultConfigCredentialsStorage), Category: configCategory},
		},
		Commands: []*cli.Command{
			{
				Name: "start",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "server--port", Value: int(app.DefaultConfigServerPort), Category: configCategory},
					&cli.BoolFlag{Name: "metrics--enabled", Category: configCategory},
					&cli.BoolFlag{Name: "json"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, loadErr = loadConfig(cmd.String("config"), configFlags(cmd), func() []string { return environ })
					return nil
				},
			},
		},
	}

	require.NoError(t, root.Run(context.Background(), append([]string{"stockportal"}, args...)))
	return cfg, loadErr
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
log_level = "warn"

[api]
base_url = "http://portal.internal:8000/api/v1"
timeout = "10s"

[credentials]
storage = "memory"

[server]
port = 4200
`), 0o600))

	tests := []struct {
		name    string
		args    []string
		environ []string
		check   func(t *testing.T, cfg *app.Config)
	}{
		{
			name: "file only",
			args: []string{"--config", configPath, "start"},
			check: func(t *testing.T, cfg *app.Config) {
				assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
				assert.Equal(t, "http://portal.internal:8000/api/v1", cfg.API.BaseURL)
				assert.Equal(t, 10*time.Second, cfg.API.Timeout)
				assert.Equal(t, app.CredentialStorageTypeMemory, cfg.Credentials.Storage)
				assert.Equal(t, uint16(4200), cfg.Server.Port)
				assert.False(t, cfg.Metrics.Enabled)
			},
		},
		{
			name:    "env overrides file",
			args:    []string{"--config", configPath, "start"},
			environ: []string{"STOCKPORTAL_SERVER__PORT=4300", "STOCKPORTAL_LOG_FORMAT=json", "PORTAL_ACCESS_TOKEN=ignored"},
			check: func(t *testing.T, cfg *app.Config) {
				assert.Equal(t, uint16(4300), cfg.Server.Port)
				assert.Equal(t, app.LogFormatJSON, cfg.LogFormat)
			},
		},
		{
			name:    "flags override env",
			args:    []string{"--config", configPath, "--log-level", "debug", "start", "--server--port", "4400", "--metrics--enabled"},
			environ: []string{"STOCKPORTAL_SERVER__PORT=4300"},
			check: func(t *testing.T, cfg *app.Config) {
				assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
				assert.Equal(t, uint16(4400), cfg.Server.Port)
				assert.True(t, cfg.Metrics.Enabled)
			},
		},
		{
			name:    "defaults fill the rest",
			args:    []string{"--credentials--storage", "redis", "start"},
			environ: nil,
			check: func(t *testing.T, cfg *app.Config) {
				assert.Equal(t, app.DefaultConfigAPIBaseURL, cfg.API.BaseURL)
				assert.Equal(t, app.DefaultConfigRedisAddr, cfg.Credentials.RedisAddr)
				assert.Equal(t, app.DefaultConfigRedisKey, cfg.Credentials.RedisKey)
				assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := runLoadConfig(t, tt.args, tt.environ)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := runLoadConfig(t, []string{"--credentials--storage", "floppy", "start"}, nil)
	require.Error(t, err)

	_, err = runLoadConfig(t, []string{"--config", filepath.Join(t.TempDir(), "missing.toml"), "start"}, nil)
	require.Error(t, err)
}

func TestConfigFlags(t *testing.T) {
	var got map[string]any
	root := &cli.Command{
		Name: "stockportal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.StringFlag{Name: "log-level", Category: configCategory},
			&cli.StringFlag{Name: "api--base-url", Category: configCategory},
		},
		Commands: []*cli.Command{
			{
				Name: "predict",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json"},
					&cli.StringFlag{Name: "username"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					got = configFlags(cmd)
					return nil
				},
			},
		},
	}

	args := []string{"stockportal", "--config", "x.toml", "--log-level", "debug", "predict", "--json", "--username", "ada"}
	require.NoError(t, root.Run(context.Background(), args))

	assert.Equal(t, map[string]any{"log_level": "debug"}, got)
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(-2 * time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	cfg, err := app.Default()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, cfg, session.Credential{AccessToken: access, RefreshToken: refresh}, now))

	out := buf.String()
	assert.Contains(t, out, "expired 2m0s ago")
	assert.Contains(t, out, "valid for 24h0m0s")
	assert.Contains(t, out, "yes")
	assert.NotContains(t, out, access, "tokens must never be printed")

	buf.Reset()
	require.NoError(t, renderStatus(&buf, cfg, session.Credential{}, now))
	assert.Contains(t, buf.String(), "(not set)")
	assert.Contains(t, buf.String(), "no")
}

func TestRenderPrediction(t *testing.T) {
	var buf bytes.Buffer
	err := renderPrediction(&buf, "AAPL", &portal.Prediction{
		CurrentPrice:   189.5,
		MSE:            4.2,
		RMSE:           2.05,
		R2:             0.93,
		NextFiveDays:   []float64{190.1, 190.8},
		PlotImg:        "/media/AAPL_plot.png",
		PlotMovingAvg:  "/media/AAPL_moving_averages.png",
		PlotPrediction: "/media/AAPL_final_prediction.png",
	})
	require.NoError(t, err)

	out := buf.String()
	for _, want := range []string{"AAPL", "189.50", "0.9300", "Day +2", "190.80", "AAPL_final_prediction.png"} {
		assert.Contains(t, out, want)
	}
}

func rootForTest(out, errOut io.Writer) *cli.Command {
	cmd := newRootCommand()
	cmd.Writer = out
	cmd.ErrWriter = errOut
	return cmd
}

func TestLoginPredictLogout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/token/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access": "A1", "refresh": "R1"}`)
	})
	mux.HandleFunc("POST /api/v1/predict/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"status": "success", "current_price": 100, "next_5_days_prediction": [101, 102, 103, 104, 105]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	credFile := filepath.Join(t.TempDir(), "credentials.json")
	run := func(stdin string, args ...string) (string, error) {
		t.Helper()
		var out, errOut bytes.Buffer

		// Password input is read from os.Stdin
		r, w, err := os.Pipe()
		require.NoError(t, err)
		_, _ = io.WriteString(w, stdin)
		require.NoError(t, w.Close())
		prev := os.Stdin
		os.Stdin = r
		defer func() { os.Stdin = prev; _ = r.Close() }()

		cmd := rootForTest(&out, &errOut)
		base := []string{"stockportal", "--api--base-url", srv.URL + "/api/v1", "--credentials--file", credFile}
		err = cmd.Run(context.Background(), append(base, args...))
		return out.String() + errOut.String(), err
	}

	out, err := run("analytical-engine\n", "login", "-u", "ada", "--password-stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as ada.")

	out, err = run("", "predict", "aapl")
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "105.00")

	out, err = run("", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out.")

	out, err = run("", "predict", "aapl")
	require.ErrorIs(t, err, session.ErrUnauthorized)
	assert.True(t, strings.Contains(err.Error(), "not logged in"))
	assert.Contains(t, out, "stockportal login")
}
