package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("native:\n  display: wayland-1\n"))
	require.NoError(t, err)
	assert.Equal(t, "wayland-1", cfg.Native.Display)
	assert.Equal(t, "ws", cfg.Transport.Mode)
	assert.Equal(t, ":8080", cfg.Transport.Listen)
	assert.Equal(t, "/wayland", cfg.Transport.Path)
	assert.Equal(t, 256, cfg.Transport.MaxPendingFrames)
	assert.Equal(t, 64<<10, cfg.Transfer.ChunkSize)
	assert.Equal(t, "none", cfg.Transfer.Compression)
	assert.EqualValues(t, 256<<20, cfg.Transfer.MaxInflight)
	assert.True(t, cfg.VerifyDigest())
	assert.Equal(t, "Xwayland", cfg.XWayland.Path)
	assert.Equal(t, 10*time.Second, cfg.XWaylandStartupTimeout())
	assert.Equal(t, 5*time.Second, cfg.XWaylandStopTimeout())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
native:
  socket: /run/user/1000/wayland-0
  max_connections: 8
transport:
  mode: wssmux
  listen: 127.0.0.1:9000
  guard: s3cret
  smux:
    keepalive_interval: 2s
transfer:
  compression: zstd
  verify_digest: false
xwayland:
  enabled: true
  startup_timeout: 3s
logging:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, "/wayland-mux", cfg.Transport.Path)
	assert.Empty(t, cfg.Native.Display)
	assert.Equal(t, 8, cfg.Native.MaxConnections)
	assert.Equal(t, 2*time.Second, cfg.SmuxKeepAliveInterval())
	assert.Equal(t, 30*time.Second, cfg.SmuxKeepAliveTimeout())
	assert.False(t, cfg.VerifyDigest())
	assert.Equal(t, 3*time.Second, cfg.XWaylandStartupTimeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"mode", "transport: {mode: quic}", "transport.mode"},
		{"listen", "transport: {listen: nope}", "transport.listen"},
		{"path", "transport: {path: wayland}", "transport.path"},
		{"chunk", "transport: {max_frame: 4096}\ntransfer: {chunk_size: 8192}", "transfer.chunk_size"},
		{"compression", "transfer: {compression: brotli}", "transfer.compression"},
		{"inflight", "transfer: {max_payload: 4096, max_inflight: 1024}", "transfer.max_inflight"},
		{"level", "logging: {level: loud}", "logging.level"},
		{"duration", "xwayland: {stop_timeout: soon}", "xwayland.stop_timeout"},
		{"connections", "native: {max_connections: -1}", "native.max_connections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReloadRejectsRestartOnlyChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wlbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: {level: info}\n"), 0o600))

	r, err := NewReloadable(path, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	seen := make(chan string, 4)
	r.Watch(func(old, new *Config) { seen <- new.Logging.Level })

	require.NoError(t, os.WriteFile(path, []byte("logging: {level: debug}\n"), 0o600))
	require.NoError(t, r.Reload())
	assert.Equal(t, "debug", r.Get().Logging.Level)
	// the watcher may also fire on a partly written file
	for level := range seen {
		if level == "debug" {
			break
		}
	}

	require.NoError(t, os.WriteFile(path, []byte("transport: {listen: ':9999'}\n"), 0o600))
	assert.ErrorIs(t, r.Reload(), ErrRestartRequired)
	assert.Equal(t, ":8080", r.Get().Transport.Listen)
}

func TestReloadFollowsFileWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wlbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transfer: {compression: none}\n"), 0o600))
	r, err := NewReloadable(path, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(path, []byte("transfer: {compression: lz4}\n"), 0o600))
	assert.Eventually(t, func() bool { return r.Get().Transfer.Compression == "lz4" }, 3*time.Second, 10*time.Millisecond)
}
