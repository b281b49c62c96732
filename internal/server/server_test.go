package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/config"
	"github.com/mantonx/syncstream/internal/database"
	"github.com/mantonx/syncstream/internal/elements"
	"github.com/mantonx/syncstream/internal/events"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/rtsp"
	"github.com/mantonx/syncstream/internal/sysinfo"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv      *Server
	registry *pipeline.Registry
	rtsp     *rtsp.Server
	hub      *events.Hub
	store    *database.Store
}

func newStore(t *testing.T) *database.Store {
	t.Helper()
	cfg := config.DefaultConfig().Database
	cfg.Path = ":memory:"
	cfg.MaxOpenConns = 1
	db, err := database.Open(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database.NewStore(db, nil)
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	if deps.Registry == nil {
		deps.Registry = pipeline.NewRegistry()
	}
	if deps.RTSP == nil {
		deps.RTSP = rtsp.NewServer(rtsp.Options{})
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(nil)
	}
	t.Cleanup(deps.Hub.Close)

	srv, err := New(config.DefaultConfig().Server, deps)
	require.NoError(t, err)
	return &fixture{srv: srv, registry: deps.Registry, rtsp: deps.RTSP, hub: deps.Hub, store: deps.Store}
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.srv.Handler().ServeHTTP(w, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w.Code, body
}

func TestNew_RequiresRegistryAndRTSP(t *testing.T) {
	_, err := New(config.ServerConfig{}, Deps{})
	assert.Error(t, err)
}

func TestRouteDiscovery(t *testing.T) {
	f := newFixture(t, Deps{})
	code, body := f.get(t, "/api")
	assert.Equal(t, http.StatusOK, code)

	var paths []string
	for _, r := range f.srv.Routes() {
		paths = append(paths, r.Path)
	}
	assert.Contains(t, paths, "/api/health")
	assert.Contains(t, paths, "/api/v1/pipelines")
	assert.Contains(t, paths, "/api/v1/events")
	assert.Len(t, body["routes"], len(paths))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Deps{Clock: clock.NewSystemClock()})
	code, body := f.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	monitor := sysinfo.NewMonitor(sysinfo.Options{
		CPUThreshold: 50,
		Sampler: func(context.Context) (sysinfo.Metrics, error) {
			return sysinfo.Metrics{CPUPercent: 99, SampledAt: time.Now()}, nil
		},
	})
	monitor.Start(context.Background())
	defer monitor.Stop()

	f = newFixture(t, Deps{Monitor: monitor})
	code, body = f.get(t, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["overloaded"], "cpu")
}

func TestPipelines(t *testing.T) {
	f := newFixture(t, Deps{})
	p, err := pipeline.NewBuilder(elements.NewFactories(nil), pipeline.Options{Name: "preview", Registry: f.registry}).
		Add("videotestsrc", "src", "width=16", "height=16").
		Add("fakesink", "sink").
		Build()
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	code, body := f.get(t, "/api/v1/pipelines")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	require.NoError(t, p.SetState(context.Background(), pipeline.StatePlaying))
	defer p.SetState(context.Background(), pipeline.StateNull)

	code, body = f.get(t, "/api/v1/pipelines")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.get(t, "/api/v1/pipelines/preview")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, p.ID(), body["id"])
	assert.Equal(t, "PLAYING", strings.ToUpper(body["state"].(string)))
	assert.Len(t, body["elements"], 2)

	code, body = f.get(t, "/api/v1/pipelines/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "validation", body["code"])
}

func TestMountsAndSessions(t *testing.T) {
	store := newStore(t)
	f := newFixture(t, Deps{Store: store})

	factory, err := rtsp.NewLaunchFactory(elements.NewFactories(nil),
		"( videotestsrc is-live=true ! jpegenc ! rtpgenpay name=pay0 pt=96 )")
	require.NoError(t, err)
	factory.SetShared(true)
	require.NoError(t, f.rtsp.MountPoints().AddFactory("/test", factory))

	code, body := f.get(t, "/api/v1/mounts")
	assert.Equal(t, http.StatusOK, code)
	mounts := body["mounts"].([]interface{})
	require.Len(t, mounts, 1)
	mount := mounts[0].(map[string]interface{})
	assert.Equal(t, "/test", mount["path"])
	assert.Equal(t, true, mount["shared"])

	info := rtsp.SessionInfo{ID: "old", Path: "/test", Created: time.Now().Add(-time.Minute), LastActivity: time.Now()}
	store.SessionOpened(info)
	store.SessionClosed(info, "teardown")

	code, body = f.get(t, "/api/v1/sessions")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])
	assert.Nil(t, body["history"])

	code, body = f.get(t, "/api/v1/sessions?history=true&path=/test")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["history"], 1)

	code, body = f.get(t, "/api/v1/sessions?history=true&limit=x")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.get(t, "/api/v1/sessions/old")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["live"])

	code, _ = f.get(t, "/api/v1/sessions/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessionsWithoutHistory(t *testing.T) {
	f := newFixture(t, Deps{})
	code, _ := f.get(t, "/api/v1/sessions?history=true")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.get(t, "/api/v1/sessions/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestClock(t *testing.T) {
	f := newFixture(t, Deps{})
	code, body := f.get(t, "/api/v1/clock")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "clock_unavailable", body["code"])

	store := newStore(t)
	require.NoError(t, store.RecordClockSync("c1", "ntp", "pool.ntp.org:123", time.Millisecond, 2*time.Millisecond))
	c := clock.NewSystemClock()
	f = newFixture(t, Deps{Clock: c, Store: store})

	code, body = f.get(t, "/api/v1/clock")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, c.ID(), body["id"])
	assert.Equal(t, true, body["synced"])

	code, body = f.get(t, "/api/v1/clock/syncs")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, _ = f.get(t, "/api/v1/clock/syncs?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, Deps{})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?type=rtsp."
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool {
		subs, _ := f.hub.Stats()
		return subs == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.hub.Publish(events.NewConfigReloadedEvent("ignored.yaml"))
	f.hub.Publish(events.NewSessionEvent(events.EventSessionOpened, rtsp.SessionInfo{ID: "s1", Path: "/test"}, ""))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.EventSessionOpened, got.Type)
	assert.Equal(t, "s1", got.Data["session_id"])

	conn.Close()
	require.Eventually(t, func() bool {
		subs, _ := f.hub.Stats()
		return subs == 0
	}, 2*time.Second, 10*time.Millisecond)
}
