package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeat_bot/internal/config"
	"heartbeat_bot/internal/logbus"
	"heartbeat_bot/internal/model"
)

type stubState struct{ state model.EngineState }

func (s stubState) State() model.EngineState { return s.state }

type stubReports struct {
	gotEmail string
	gotLimit int
	reports  []model.Report
	err      error
}

func (s *stubReports) ListReports(_ context.Context, email string, limit int) ([]model.Report, error) {
	s.gotEmail = email
	s.gotLimit = limit
	return s.reports, s.err
}

func newTestServer(t *testing.T, reports ReportLister) (*httptest.Server, *logbus.Bus) {
	t.Helper()
	bus := logbus.New(50)
	t.Cleanup(bus.Close)

	state := stubState{state: model.EngineState{
		Running: true,
		Cycles:  4,
		Accounts: []model.AccountStatus{
			{Email: "a@x.com", InstallID: "inst-1", Authenticated: true},
		},
	}}
	srv := New(Options{
		Cfg:     config.ServerConfig{Cors: config.CorsConfig{AllowOrigins: []string{"http://localhost:5173"}}},
		Bus:     bus,
		Engine:  state,
		Reports: reports,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, bus
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var body map[string]any
	resp := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestState(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var raw struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	getJSON(t, ts.URL+"/api/v1/state", &raw)
	assert.Contains(t, raw.Data, "lastCycleAt")

	var body struct {
		Data model.EngineState `json:"data"`
	}
	resp := getJSON(t, ts.URL+"/api/v1/state", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Data.Running)
	assert.Equal(t, int64(4), body.Data.Cycles)
	require.Len(t, body.Data.Accounts, 1)
	assert.Equal(t, "inst-1", body.Data.Accounts[0].InstallID)
}

func TestAccounts(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var body struct {
		Data []map[string]any `json:"data"`
	}
	resp := getJSON(t, ts.URL+"/api/v1/accounts", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "a@x.com", body.Data[0]["email"])
	assert.NotContains(t, body.Data[0], "password")
	assert.NotContains(t, body.Data[0], "accessToken")
	assert.Contains(t, body.Data[0], "expiresAt")
}

func TestReports(t *testing.T) {
	status := 200
	reports := &stubReports{reports: []model.Report{{ID: "r1", Email: "a@x.com", HeartbeatStatus: &status}}}
	ts, _ := newTestServer(t, reports)

	var body struct {
		Data []model.Report `json:"data"`
	}
	resp := getJSON(t, ts.URL+"/api/v1/reports?email=a@x.com&limit=5000", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "r1", body.Data[0].ID)
	assert.Equal(t, "a@x.com", reports.gotEmail)
	assert.Equal(t, maxReportLimit, reports.gotLimit)

	getJSON(t, ts.URL+"/api/v1/reports", nil)
	assert.Equal(t, 100, reports.gotLimit)
	assert.Empty(t, reports.gotEmail)
}

func TestReports_Errors(t *testing.T) {
	t.Run("history disabled", func(t *testing.T) {
		ts, _ := newTestServer(t, nil)
		resp := getJSON(t, ts.URL+"/api/v1/reports", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
	t.Run("bad limit", func(t *testing.T) {
		ts, _ := newTestServer(t, &stubReports{})
		resp := getJSON(t, ts.URL+"/api/v1/reports?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("store error", func(t *testing.T) {
		ts, _ := newTestServer(t, &stubReports{err: errors.New("disk I/O error")})
		resp := getJSON(t, ts.URL+"/api/v1/reports", nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
	t.Run("empty list", func(t *testing.T) {
		ts, _ := newTestServer(t, &stubReports{})
		var body map[string]json.RawMessage
		getJSON(t, ts.URL+"/api/v1/reports", &body)
		assert.Equal(t, "[]", string(body["data"]))
	})
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &stubReports{})

	resp, err := http.Post(ts.URL+"/api/v1/state", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/state", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestLogStream(t *testing.T) {
	ts, bus := newTestServer(t, nil)
	bus.Log("debug", "http request", nil)
	bus.Log("warn", "heartbeat failed", map[string]any{"email": "a@x.com"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?level=warn"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	var msg struct {
		Type string         `json:"type"`
		Data logbus.LogData `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "log", msg.Type)
	assert.Equal(t, "heartbeat failed", msg.Data.Msg)

	bus.Log("info", "account report", nil)
	bus.Log("error", "persist accounts failed", nil)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "persist accounts failed", msg.Data.Msg)
}

func TestLogStream_RejectsUnknownOrigin(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
