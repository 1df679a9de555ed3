package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeWAL struct {
	degraded bool
	unsynced int
	err      error
}

func (f fakeWAL) Degraded() bool { return f.degraded }
func (f fakeWAL) UnsyncedCount(context.Context) (int, error) {
	return f.unsynced, f.err
}

type fakeConn struct {
	live, reconnecting, failed bool
	err                        error
}

func (f fakeConn) IsLive() bool       { return f.live }
func (f fakeConn) Reconnecting() bool { return f.reconnecting }
func (f fakeConn) Failed() bool       { return f.failed }
func (f fakeConn) LastError() error   { return f.err }

func TestWALCheck(t *testing.T) {
	cases := []struct {
		name string
		src  fakeWAL
		want Status
	}{
		{"healthy", fakeWAL{unsynced: 3}, StatusHealthy},
		{"degraded backend", fakeWAL{degraded: true}, StatusDegraded},
		{"backlog", fakeWAL{unsynced: 11}, StatusDegraded},
		{"unreadable", fakeWAL{err: errors.New("io")}, StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WALCheck(tc.src, 10)(context.Background())
			if got.Status != tc.want {
				t.Errorf("status = %s, want %s (%s)", got.Status, tc.want, got.Message)
			}
		})
	}
}

func TestConnectionCheck(t *testing.T) {
	ctx := context.Background()
	if s := ConnectionCheck(fakeConn{live: true})(ctx).Status; s != StatusHealthy {
		t.Errorf("live: %s", s)
	}
	if s := ConnectionCheck(fakeConn{reconnecting: true})(ctx).Status; s != StatusDegraded {
		t.Errorf("reconnecting: %s", s)
	}
	r := ConnectionCheck(fakeConn{failed: true, err: errors.New("refused")})(ctx)
	if r.Status != StatusUnhealthy || r.Error != "refused" {
		t.Errorf("failed: %+v", r)
	}
}

func TestOverallStatusCriticality(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("wal", true, WALCheck(fakeWAL{}, 0))
	c.RegisterFunc("collab", false, ConnectionCheck(fakeConn{failed: true}))

	if s := c.OverallStatus(); s != StatusUnknown {
		t.Errorf("before first check: %s", s)
	}
	c.Check(context.Background())
	if s := c.OverallStatus(); s != StatusDegraded {
		t.Errorf("optional failure should degrade, got %s", s)
	}

	c.RegisterFunc("wal", true, WALCheck(fakeWAL{err: errors.New("gone")}, 0))
	c.Check(context.Background())
	if s := c.OverallStatus(); s != StatusUnhealthy {
		t.Errorf("critical failure should be unhealthy, got %s", s)
	}
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("boom", false, func(context.Context) CheckResult { panic("kaboom") })

	results := c.Check(context.Background())
	if results["slow"].Status != StatusUnhealthy {
		t.Errorf("slow: %+v", results["slow"])
	}
	if results["boom"].Error != "kaboom" {
		t.Errorf("boom: %+v", results["boom"])
	}
	if got := c.Components(); len(got) != 2 || got[0] != "boom" {
		t.Errorf("components: %v", got)
	}
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("remote", false, PingCheck("remote", func(context.Context) error { return nil }))
	c.SetReady(true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusHealthy || resp.Components["remote"].Message != "remote ok" {
		t.Errorf("unexpected response: %+v", resp)
	}

	c.SetReady(false)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness code = %d", rec.Code)
	}
}
