package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/safedeploy/internal/config"
	"github.com/kebairia/safedeploy/internal/executor"
)

type funcProbe struct {
	name  string
	quick bool
	fn    func(ctx context.Context) error
}

func (p *funcProbe) Name() string                    { return p.name }
func (p *funcProbe) Quick() bool                     { return p.quick }
func (p *funcProbe) Check(ctx context.Context) error { return p.fn(ctx) }

func pass(name string, quick bool) *funcProbe {
	return &funcProbe{name: name, quick: quick, fn: func(context.Context) error { return nil }}
}

func fail(name string, quick bool) *funcProbe {
	return &funcProbe{name: name, quick: quick, fn: func(context.Context) error { return errors.New("connection refused") }}
}

func TestChecker_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("all pass", func(t *testing.T) {
		res := NewChecker([]Probe{pass("web", true), pass("db", false)}, time.Second, nil).Verify(ctx, 0, false)
		require.True(t, res.Success)
		require.NoError(t, res.Err)
		assert.Len(t, res.Checks, 2)
		assert.Empty(t, res.Failed)
	})

	t.Run("one failing probe fails the battery", func(t *testing.T) {
		res := NewChecker([]Probe{pass("web", false), fail("db", false)}, time.Second, nil).Verify(ctx, 0, false)
		assert.False(t, res.Success)
		assert.Equal(t, []string{"db"}, res.Failed)
		assert.ErrorIs(t, res.Err, ErrUnhealthy)
		assert.Equal(t, "connection refused", res.Checks[1].Error)
	})

	t.Run("quick runs only quick probes", func(t *testing.T) {
		res := NewChecker([]Probe{pass("web", true), fail("slow-report", false)}, time.Second, nil).Verify(ctx, 0, true)
		assert.True(t, res.Success)
		require.Len(t, res.Checks, 1)
		assert.Equal(t, "web", res.Checks[0].Name)
	})

	t.Run("quick without quick probes runs the full battery", func(t *testing.T) {
		res := NewChecker([]Probe{pass("web", false), fail("db", false)}, time.Second, nil).Verify(ctx, 0, true)
		assert.False(t, res.Success)
		assert.Len(t, res.Checks, 2)
	})

	t.Run("no probes is a failure", func(t *testing.T) {
		res := NewChecker(nil, time.Second, nil).Verify(ctx, 0, false)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, ErrNoProbes)
	})

	t.Run("panicking probe counts as failed", func(t *testing.T) {
		boom := &funcProbe{name: "boom", fn: func(context.Context) error { panic("nil map") }}
		res := NewChecker([]Probe{boom, pass("web", false)}, time.Second, nil).Verify(ctx, 0, false)
		assert.False(t, res.Success)
		assert.Equal(t, []string{"boom"}, res.Failed)
		assert.Contains(t, res.Checks[0].Error, "panicked")
	})

	t.Run("hanging probe is cut off by its own timeout", func(t *testing.T) {
		hang := &funcProbe{name: "hang", fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}
		start := time.Now()
		res := NewChecker([]Probe{hang}, 50*time.Millisecond, nil).Verify(ctx, 0, false)
		assert.False(t, res.Success)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("probes run concurrently", func(t *testing.T) {
		var probes []Probe
		for i := 0; i < 5; i++ {
			probes = append(probes, &funcProbe{name: "p", fn: func(context.Context) error {
				time.Sleep(200 * time.Millisecond)
				return nil
			}})
		}
		res := NewChecker(probes, time.Second, nil).Verify(ctx, 0, false)
		assert.True(t, res.Success)
		assert.Less(t, res.Duration, 900*time.Millisecond)
	})

	t.Run("cancelled during settle", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		res := NewChecker([]Probe{pass("web", false)}, time.Second, nil).Verify(cctx, time.Hour, false)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Empty(t, res.Checks)
	})
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/accepted":
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, (&HTTPProbe{ProbeName: "web", URL: srv.URL + "/health", Client: srv.Client()}).Check(ctx))
	require.NoError(t, (&HTTPProbe{URL: srv.URL + "/accepted", ExpectedStatus: http.StatusAccepted}).Check(ctx))

	err := (&HTTPProbe{URL: srv.URL + "/down"}).Check(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	require.NoError(t, (&TCPProbe{ProbeName: "db", Address: addr}).Check(context.Background()))

	require.NoError(t, ln.Close())
	assert.Error(t, (&TCPProbe{ProbeName: "db", Address: addr}).Check(context.Background()))
}

func TestCommandProbe(t *testing.T) {
	fake := &executor.Fake{RunFunc: func(_ context.Context, cmd executor.Command) executor.Result {
		if cmd.Args[0] == "ok" {
			return executor.Result{}
		}
		return executor.Failed(cmd, 1, "no such service")
	}}

	ok := &CommandProbe{ProbeName: "ok", Command: executor.Command{Name: "check", Args: []string{"ok"}}, Exec: fake}
	require.NoError(t, ok.Check(context.Background()))

	bad := &CommandProbe{ProbeName: "bad", Command: executor.Command{Name: "check", Args: []string{"bad"}}, Exec: fake}
	err := bad.Check(context.Background())
	require.ErrorIs(t, err, executor.ErrNonZeroExit)
	assert.Contains(t, err.Error(), "no such service")
}

func TestProbesFromConfig(t *testing.T) {
	cfg := config.HealthConfig{
		ProbeTimeout: 5 * time.Second,
		HTTP:         []config.HTTPProbe{{Name: "web", URL: "http://localhost:8080/health", Quick: true}},
		TCP:          []config.TCPProbe{{Address: "localhost:5432"}},
		Commands:     []config.CommandProbe{{Name: "services", Command: []string{"docker", "compose", "ps"}}},
	}
	probes := ProbesFromConfig(cfg, "/srv/app", &executor.Fake{}, nil)
	require.Len(t, probes, 3)

	assert.Equal(t, "web", probes[0].Name())
	assert.True(t, probes[0].Quick())
	assert.Equal(t, "tcp-0", probes[1].Name())
	cmd := probes[2].(*CommandProbe).Command
	assert.Equal(t, "docker", cmd.Name)
	assert.Equal(t, "/srv/app", cmd.Dir)
	assert.Equal(t, 5*time.Second, cmd.Timeout)
}
