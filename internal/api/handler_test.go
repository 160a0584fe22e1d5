package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/collector"
	"mwd-monitor-backend/internal/db"
	"mwd-monitor-backend/internal/decoder"
	"mwd-monitor-backend/internal/fanout"
	"mwd-monitor-backend/internal/metrics"
	"mwd-monitor-backend/internal/store"
)

const testSecret = "s3cret"

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSerial struct {
	mu       sync.Mutex
	restarts []config.SerialConfig
	err      error
}

func (f *fakeSerial) Restart(cfg config.SerialConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, cfg)
	return f.err
}

func (f *fakeSerial) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts) > 0 && f.err == nil
}

func (f *fakeSerial) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

type fixture struct {
	router  *gin.Engine
	store   store.Store
	decoder *decoder.Processor
	hub     *fanout.Hub
	cfg     *config.Manager
	serial  *fakeSerial
	metrics *metrics.Registry
}

func newSQLiteDB(t *testing.T) *gorm.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gormDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))
	return gormDB
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRetention(t, 0)
}

func newFixtureWithRetention(t *testing.T, retention time.Duration) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Ingest.APIKey = testSecret
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Server.CacheTTLSeconds = 0

	clock := func() time.Time { return testNow }
	reg := metrics.NewRegistry()
	hub := fanout.NewHub(16, reg)
	st := store.NewGormStore(newSQLiteDB(t), store.Options{Retention: retention, Now: clock})
	manager := config.NewManager("", &cfg)
	proc := decoder.New(cfg.Decoder, decoder.Options{Publisher: hub, Recorder: st, Metrics: reg, Now: clock})
	coll := collector.New(st, hub, collector.Options{
		Secret:  func() string { return manager.Get().Ingest.APIKey },
		Metrics: reg,
		Now:     clock,
	})
	serial := &fakeSerial{}

	h := NewHandler(Deps{
		Store:     st,
		Decoder:   proc,
		Collector: coll,
		Config:    manager,
		Serial:    serial,
		Hub:       hub,
		Metrics:   reg,
		ListPorts: func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil },
		Now:       clock,
	})
	return &fixture{
		router:  NewRouter(h, cfg.Server),
		store:   st,
		decoder: proc,
		hub:     hub,
		cfg:     manager,
		serial:  serial,
		metrics: reg,
	}
}

func (f *fixture) do(method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func drain(sub *fanout.Subscription) []fanout.Message {
	var out []fanout.Message
	for {
		select {
		case m := <-sub.C():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestIngest_RejectsBadToken(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(nil)

	for _, header := range []map[string]string{nil, bearer("wrong"), {"Authorization": testSecret}} {
		w := f.do(http.MethodPost, "/api/ingest", bytes.NewBufferString(`{"pump_on":true}`), header)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	_, ok := f.store.LatestSnapshot(context.Background())
	assert.False(t, ok, "nothing stored")
	assert.Empty(t, drain(sub), "nothing broadcast")
}

func TestIngest_RejectsNonObject(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{`[1,2,3]`, `not json`, `"str"`} {
		w := f.do(http.MethodPost, "/api/ingest", bytes.NewBufferString(body), bearer(testSecret))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	_, ok := f.store.LatestSnapshot(context.Background())
	assert.False(t, ok)
}

func TestIngest_StoresAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(nil)

	body := `{"ts": 1773489000, "pump_on": true, "wits": {"0108": 1500.5, "0110": 1490}}`
	w := f.do(http.MethodPost, "/api/ingest", bytes.NewBufferString(body), bearer(testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	snap, ok := f.store.LatestSnapshot(context.Background())
	require.True(t, ok)
	assert.Equal(t, true, snap["pump_on"])

	msgs := drain(sub)
	require.Len(t, msgs, 2)
	assert.Equal(t, fanout.EventStateUpdate, msgs[0].Event)
	assert.Equal(t, fanout.EventWitsValues, msgs[1].Event)
	assert.Equal(t, map[string]any{"0108": 1500.5, "0110": 1490.0}, msgs[1].Data)

	w = f.do(http.MethodGet, "/api/state", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, body, w.Body.String())
}

func TestGetState_EmptyAndFromStore(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/state", nil, nil)
	assert.JSONEq(t, `{}`, w.Body.String())

	require.NoError(t, f.store.AppendSnapshot(context.Background(), testNow, map[string]any{"reset_seq": 4}))
	w = f.do(http.MethodGet, "/api/state", nil, nil)
	assert.JSONEq(t, `{"reset_seq":4}`, w.Body.String())
}

func TestGetHistory_ClampsWindow(t *testing.T) {
	// Keep rows longer than the query cap so the cap is what hides the oldest.
	f := newFixtureWithRetention(t, 96*time.Hour)
	ctx := context.Background()
	for _, age := range []time.Duration{72 * time.Hour, 47 * time.Hour, 2 * time.Hour, 30 * time.Minute} {
		require.NoError(t, f.store.AppendSnapshot(ctx, testNow.Add(-age), map[string]any{"age": age.String()}))
	}

	type history struct {
		Items []store.SnapshotRecord `json:"items"`
	}
	get := func(query string) history {
		w := f.do(http.MethodGet, "/api/history"+query, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var h history
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
		return h
	}

	assert.Len(t, get("?hours=1").Items, 1)
	assert.Len(t, get("?hours=3").Items, 2)
	assert.Len(t, get("?hours=1000").Items, 3, "capped at 48h")
	assert.Len(t, get("?hours=abc").Items, 3)
	assert.Len(t, get("").Items, 3)
	assert.Empty(t, get("?hours=-5").Items)
	for _, huge := range []string{"1e10", "1e300", "Inf", "-Inf", "NaN"} {
		assert.Len(t, get("?hours="+huge).Items, 3, "hours=%s falls back to the full window", huge)
	}

	items := get("?hours=48").Items
	for i := 1; i < len(items); i++ {
		assert.Less(t, items[i-1].TS, items[i].TS, "ascending")
	}
}

func TestIncAzmLog_JSONAndCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := testNow.Add(-time.Hour)
	require.NoError(t, f.store.AppendDirectional(ctx, ts, store.DirectionalInc, 4.5))
	require.NoError(t, f.store.AppendDirectional(ctx, ts, store.DirectionalAzm, 123.25))

	w := f.do(http.MethodGet, "/api/incazm/log?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []store.DirectionalRecord `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "Inc", resp.Items[0].Name)

	w = f.do(http.MethodGet, "/api/incazm/log.csv?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "ts,name,value", lines[0])
	assert.Equal(t, fmt.Sprintf("%.3f,Azm,123.25", store.EpochSeconds(ts)), lines[1])
}

func TestPostLines_AppliesBatch(t *testing.T) {
	f := newFixture(t)

	body := `{"lines": ["&&", "071325.4", "0715180", "!!"]}`
	w := f.do(http.MethodPost, "/api/lines", bytes.NewBufferString(body), bearer(testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"lines":4,"readings":2}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/decoder", nil, nil)
	var state map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, 25.4, state["inc"])
	assert.Equal(t, "gTFA", state["center_label"])

	w = f.do(http.MethodPost, "/api/lines", bytes.NewBufferString(`{"lines": []}`), bearer(testSecret))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodPost, "/api/lines", bytes.NewBufferString(body), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostLines_BatchWithPumpCycle(t *testing.T) {
	f := newFixture(t)

	body := `{"lines": ["0121250", "0121320", "0121250"]}`
	w := f.do(http.MethodPost, "/api/lines", bytes.NewBufferString(body), bearer(testSecret))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/decoder", nil, nil)
	var state map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.EqualValues(t, 1, state["reset_seq"])
	assert.Equal(t, false, state["pump_on"])
}

func TestConfig_GetAndUpdate(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/config", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got configResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 9600, got.Serial.BaudRate)
	assert.Equal(t, "0713", got.Decoder.Tags.Inc)
	assert.False(t, got.Replication.APIKeySet)
	assert.Equal(t, 5.0, got.Replication.IntervalSeconds)

	body := `{"serial": {"enabled": true, "port": "/dev/ttyS1", "baud_rate": 19200},
	          "decoder": {"title": "Rig 7"},
	          "replication": {"url": "https://collector.example/api/ingest", "api_key": "k"}}`
	w = f.do(http.MethodPost, "/api/config", bytes.NewBufferString(body), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cfg := f.cfg.Get()
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, "N", cfg.Serial.Parity, "unspecified fields keep their value")
	assert.Equal(t, "0713", cfg.Decoder.Tags.Inc)
	assert.True(t, cfg.Replication.Configured())

	require.Len(t, f.serial.restarts, 1)
	assert.Equal(t, "/dev/ttyS1", f.serial.restarts[0].Port)
	assert.Equal(t, "Rig 7", f.decoder.Snapshot().Title)
}

func TestConfig_ConcurrentUpdatesDoNotOverwriteEachOther(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w := f.do(http.MethodPost, "/api/config", bytes.NewBufferString(`{"decoder": {"title": "Rig 7"}}`), nil)
			assert.Equal(t, http.StatusOK, w.Code)
		}()
		go func() {
			defer wg.Done()
			w := f.do(http.MethodPost, "/api/config", bytes.NewBufferString(`{"serial": {"baud_rate": 19200}}`), nil)
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()

	cfg := f.cfg.Get()
	assert.Equal(t, "Rig 7", cfg.Decoder.Title)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
}

func TestConfig_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{
		`{"serial": {"parity": "Q"}}`,
		`{"decoder": {"tags": {"inc": "71"}}}`,
		`[1]`,
	} {
		w := f.do(http.MethodPost, "/api/config", bytes.NewBufferString(body), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, f.serial.restarts)
	assert.Equal(t, "N", f.cfg.Get().Serial.Parity)
}

func TestGetSerialPorts(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/serial/ports", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ports":["/dev/ttyUSB0"]}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/ingest", bytes.NewBufferString(`{}`), nil)

	w := f.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `mwdmonitor_ingest_requests_total{result="unauthorized"} 1`)
}

func readMessage(t *testing.T, conn *websocket.Conn) fanout.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg fanout.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocket_ReplaysLocalStateThenStreams(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn := dial(t, srv)
	first := readMessage(t, conn)
	second := readMessage(t, conn)
	assert.Equal(t, fanout.EventWitsValues, first.Event)
	assert.Equal(t, map[string]any{"0108": nil, "0110": nil}, first.Data)
	assert.Equal(t, fanout.EventDecoderState, second.Event)

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 10*time.Millisecond)
	f.decoder.HandleLine("071310")

	// Raw echo follows the state change.
	msg := readMessage(t, conn)
	assert.Equal(t, fanout.EventDecoderState, msg.Event)
	assert.Equal(t, 10.0, msg.Data.(map[string]any)["inc"])
	msg = readMessage(t, conn)
	assert.Equal(t, fanout.EventWitsmlData, msg.Event)
	assert.Equal(t, map[string]any{"data": "071310"}, msg.Data)
}

func TestWebsocket_PrefersRemoteState(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	body := `{"pump_on": false, "wits": {"0108": 12.5}}`
	w := f.do(http.MethodPost, "/api/ingest", bytes.NewBufferString(body), bearer(testSecret))
	require.Equal(t, http.StatusOK, w.Code)

	conn := dial(t, srv)
	first := readMessage(t, conn)
	second := readMessage(t, conn)
	assert.Equal(t, fanout.EventStateUpdate, first.Event)
	assert.Equal(t, false, first.Data.(map[string]any)["pump_on"])
	assert.Equal(t, fanout.EventWitsValues, second.Event)
	assert.Equal(t, map[string]any{"0108": 12.5, "0110": nil}, second.Data)
}
