package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersMonotonic(t *testing.T) {
	before := SnapshotData()
	IncConnections()
	AddMessages(ToNative, 3)
	AddMessages(ToBrowser, 2)
	AddResourceBytes(ToNative, 64)
	IncTransferCompleted()
	IncTransferAborted()
	IncRejected("unknown_object")
	DecConnections("protocol_error")
	after := SnapshotData()

	if after.ConnectionsTotal < before.ConnectionsTotal+1 {
		t.Fatalf("connection counter did not increase as expected")
	}
	if after.MessagesToNative < before.MessagesToNative+3 {
		t.Fatalf("to-native message counter did not increase as expected")
	}
	if after.MessagesToBrowser < before.MessagesToBrowser+2 {
		t.Fatalf("to-browser message counter did not increase as expected")
	}
	if after.ResourceBytesIn < before.ResourceBytesIn+64 {
		t.Fatalf("resource byte counter did not increase as expected")
	}
	assert.Equal(t, before.ConnectionsActive, after.ConnectionsActive)
	assert.GreaterOrEqual(t, after.MessagesRejected["unknown_object"], int64(1))
	assert.GreaterOrEqual(t, after.ConnectionsClosed["protocol_error"], int64(1))
}

func TestXWaylandState(t *testing.T) {
	SetXWayland("running", 7)
	s := SnapshotData()
	assert.Equal(t, "running", s.XWaylandState)
	assert.Equal(t, int64(7), s.XWaylandDisplay)
	SetXWayland("idle", -1)
	assert.Equal(t, int64(-1), SnapshotData().XWaylandDisplay)
}

func TestHandlerServesPrometheus(t *testing.T) {
	AddMessages(ToNative, 1)
	srv := httptest.NewServer(Handler(Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `wlbridge_messages_forwarded_total{direction="to_native"}`))
}

func TestHandlerRequiresToken(t *testing.T) {
	srv := httptest.NewServer(Handler(Options{AuthToken: "s3cret"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartRefusesPublicWithoutToken(t *testing.T) {
	_, err := Start(Options{Addr: "0.0.0.0:0"}, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	srv, err := Start(Options{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, srv)

	srv, err = Start(Options{Addr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	require.NotNil(t, srv)
	_ = srv.Close()
}
