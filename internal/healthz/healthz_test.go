package healthz

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stoppable struct {
	done chan struct{}
	err  error
}

func (s *stoppable) Done() <-chan struct{} { return s.done }
func (s *stoppable) Err() error            { return s.err }

func static(name string, err error) Probe {
	return ProbeFunc(name, func(context.Context) error { return err })
}

func TestWorstStatusWins(t *testing.T) {
	m := New(0)
	m.Register(static("a", nil))
	assert.Equal(t, Healthy, m.Run(context.Background()).Status)

	m.Register(static("b", Degradedf("xwayland %s", "idle")))
	sum := m.Run(context.Background())
	assert.Equal(t, Degraded, sum.Status)
	require.Len(t, sum.Reports, 2)
	assert.Equal(t, "a", sum.Reports[0].Name)
	assert.Contains(t, sum.Reports[1].Message, "xwayland idle")

	m.Register(static("c", errors.New("boom")))
	assert.Equal(t, Unhealthy, m.Run(context.Background()).Status)

	r, ok := m.Last("c")
	require.True(t, ok)
	assert.Equal(t, "boom", r.Message)

	m.Unregister("c")
	_, ok = m.Last("c")
	assert.False(t, ok)
}

func TestHandler(t *testing.T) {
	m := New(0)
	m.Register(static("native", errors.New("unreachable")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string `json:"status"`
		Probes []struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"probes"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	require.Len(t, body.Probes, 1)
	assert.Equal(t, "unreachable", body.Probes[0].Message)
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wayland-0")
	p := UnixSocket("native", path)
	assert.Error(t, p.Probe(context.Background()))

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	assert.NoError(t, p.Probe(context.Background()))
}

func TestRunningAndState(t *testing.T) {
	s := &stoppable{done: make(chan struct{})}
	p := Running("coordinator", s)
	assert.NoError(t, p.Probe(context.Background()))
	s.err = errors.New("display server unreachable")
	close(s.done)
	assert.EqualError(t, p.Probe(context.Background()), "display server unreachable")

	state := "starting"
	sp := State("xwayland", func() string { return state }, "running", "idle")
	assert.ErrorIs(t, sp.Probe(context.Background()), ErrDegraded)
	state = "running"
	assert.NoError(t, sp.Probe(context.Background()))
}
