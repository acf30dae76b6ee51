package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB is a Pinger whose availability can be toggled.
type fakeDB struct {
	down atomic.Bool
}

func (db *fakeDB) Ping(ctx context.Context) error {
	if db.down.Load() {
		return errors.New("connection refused")
	}
	return ctx.Err()
}

// newKartHealth registers the same probes the API server does.
func newKartHealth(db *fakeDB) *Health {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, PingCheck("postgres", db))
	h.AddLivenessCheck("goroutines", time.Second, GoroutineCountCheck(100000))
	h.AddLivenessCheck("gc-pause", time.Second, GCMaxPauseCheck(time.Hour))
	return h
}

type statusBody struct {
	Status string
	Checks map[string]string
}

func get(t *testing.T, endpoint http.HandlerFunc, path string) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := statusBody{Checks: map[string]string{}}
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			v, err := d.Str()
			body.Status = v
			return err
		case "checks":
			return d.ObjBytes(func(d *jx.Decoder, name []byte) error {
				v, err := d.Str()
				body.Checks[string(name)] = v
				return err
			})
		default:
			return d.Skip()
		}
	}))
	return w.Code, body
}

func TestReadiness_Lifecycle(t *testing.T) {
	db := &fakeDB{}
	h := newKartHealth(db)
	ctx := context.Background()
	pg := h.readiness[0]

	code, body := get(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready until start-up completes")
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, body.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, body = get(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)

	db.down.Store(true)
	for range failureThreshold - 1 {
		pg.run(ctx)
	}
	assert.True(t, h.IsReady(), "a blip below the threshold keeps the pod in rotation")

	pg.run(ctx)
	code, body = get(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "ping postgres: connection refused", body.Checks["postgres"])
	assert.False(t, h.IsReady())

	db.down.Store(false)
	pg.run(ctx)
	assert.True(t, h.IsReady())

	// Draining on shutdown.
	h.SetReady(false)
	code, _ = get(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestLiveness_IgnoresDatabase(t *testing.T) {
	db := &fakeDB{}
	h := newKartHealth(db)
	db.down.Store(true)
	for range failureThreshold {
		h.readiness[0].run(context.Background())
	}

	code, body := get(t, h.LiveEndpoint, "/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
}

func TestLiveness_GoroutineLeak(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, GoroutineCountCheck(0))
	for range failureThreshold {
		h.liveness[0].run(context.Background())
	}

	code, body := get(t, h.LiveEndpoint, "/livez")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks["goroutines"], "exceeds threshold")
}

func TestProbeTimeout(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := h.readiness[0]
	assert.Nil(t, p.err())
	for range failureThreshold {
		p.run(context.Background())
	}
	assert.False(t, p.isHealthy())
	assert.ErrorIs(t, p.err(), context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	db := &fakeDB{}
	h := newKartHealth(db)
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	h.Stop()
	h.Stop()
	assert.True(t, h.IsReady())
}
