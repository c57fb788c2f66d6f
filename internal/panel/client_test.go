package panel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbes/shadowsocks-panel-node/internal/traffic"
)

const (
	testHost  = "https://panel.test"
	testQuery = "?node_id=7&node_type=shadowsocks&token=secret"
)

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	c, err := NewClient(Options{
		APIHost:    testHost + "/",
		NodeID:     7,
		Token:      "secret",
		Timeout:    time.Second,
		HTTPClient: &http.Client{Transport: mock},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c, mock
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{APIHost: "ftp://panel", NodeID: 1})
	assert.Error(t, err)

	_, err = NewClient(Options{APIHost: "https://panel", NodeID: 0})
	assert.Error(t, err)

	c, err := NewClient(Options{APIHost: "https://panel", NodeID: 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.timeout)
}

func TestFetchConfig(t *testing.T) {
	c, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodGet, testHost+configPath+testQuery,
		httpmock.NewStringResponder(200, `{
			"server_port": 8388,
			"cipher": "aes-256-gcm",
			"server_key": "",
			"base_config": {"push_interval": 30, "pull_interval": 90}
		}`))

	cfg, err := c.FetchConfig(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 8388, cfg.ServerPort)
	assert.Equal(t, "aes-256-gcm", cfg.Cipher)
	assert.Equal(t, 30*time.Second, cfg.BaseConfig.PushPeriod(time.Minute))
	assert.Equal(t, 90*time.Second, cfg.BaseConfig.PullPeriod(time.Minute))
}

func TestBaseConfigDefaults(t *testing.T) {
	var b BaseConfig
	assert.Equal(t, time.Minute, b.PushPeriod(time.Minute))
	assert.Equal(t, time.Minute, b.PullPeriod(time.Minute))
}

func TestFetchUsersETag(t *testing.T) {
	c, mock := newTestClient(t)

	calls := 0
	mock.RegisterResponder(http.MethodGet, testHost+usersPath+testQuery,
		func(req *http.Request) (*http.Response, error) {
			calls++
			if req.Header.Get("If-None-Match") == `"v1"` {
				return httpmock.NewStringResponse(http.StatusNotModified, ""), nil
			}
			resp := httpmock.NewStringResponse(200, `{"users":[{"id":1,"uuid":"aaa"},{"id":2,"uuid":"bbb"}]}`)
			resp.Header = http.Header{}
			resp.Header.Set("ETag", `"v1"`)
			return resp, nil
		})

	users, err := c.FetchUsers(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []User{{ID: 1, UUID: "aaa"}, {ID: 2, UUID: "bbb"}}, users)

	_, err = c.FetchUsers(t.Context())
	assert.ErrorIs(t, err, ErrNotModified)
	assert.Equal(t, 2, calls)
}

func TestFetchUsersEmptyList(t *testing.T) {
	c, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodGet, testHost+usersPath+testQuery,
		httpmock.NewStringResponder(200, `{"users":[]}`))

	users, err := c.FetchUsers(t.Context())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		transient bool
		status    int
	}{
		{"server error", httpmock.NewStringResponder(502, "bad gateway"), true, 502},
		{"throttled", httpmock.NewStringResponder(429, ""), true, 429},
		{"unauthorized", httpmock.NewStringResponder(403, `{"message":"token is error"}`), false, 403},
		{"not found", httpmock.NewStringResponder(404, ""), false, 404},
		{"network", httpmock.NewErrorResponder(errors.New("connection refused")), true, 0},
		{"garbage body", httpmock.NewStringResponder(200, "<html>"), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newTestClient(t)
			mock.RegisterResponder(http.MethodGet, testHost+configPath+testQuery, tt.responder)

			_, err := c.FetchConfig(t.Context())
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err), "transient: %v", err)
			assert.Equal(t, !tt.transient, IsRejected(err), "rejected: %v", err)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.Status)
		})
	}
}

func TestReportTraffic(t *testing.T) {
	c, mock := newTestClient(t)

	var got map[string][2]uint64
	mock.RegisterResponder(http.MethodPost, testHost+pushPath+testQuery,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(200, `{"data":true}`), nil
		})

	err := c.ReportTraffic(t.Context(), traffic.Snapshot{
		{UserID: 1, Upload: 100, Download: 200},
		{UserID: 42, Upload: 1, Download: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][2]uint64{"1": {100, 200}, "42": {1, 0}}, got)
}

func TestReportTrafficRejected(t *testing.T) {
	c, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodPost, testHost+pushPath+testQuery,
		httpmock.NewStringResponder(401, "unauthorized"))

	err := c.ReportTraffic(t.Context(), traffic.Snapshot{{UserID: 1, Upload: 1}})
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "unauthorized")
}
