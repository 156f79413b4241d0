package coordinator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanet-platform/tgen/coordinator/internal/api"
	"github.com/yanet-platform/tgen/coordinator/internal/profile"
	"github.com/yanet-platform/tgen/dataplane/capture"
	"github.com/yanet-platform/tgen/dataplane/node"
)

const configYAML = `
clock: virtual
duration: 2s
cores:
  - cpu: -1
    socket: 0
  - cpu: -1
    socket: 0
worker:
  alloc_policy: degrade
  buffers:
    memory: 8MB
metrics:
  endpoint: 127.0.0.1:0
profile:
  ports:
    - port: 3
      worker: 1
      streams:
        - name: a
          type: continuous
          pps: 100
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ClockVirtual, cfg.Clock)
	assert.Equal(t, 2*time.Second, cfg.Duration)
	assert.Len(t, cfg.Cores, 2)
	assert.Equal(t, node.Degrade, cfg.Worker.Policy)
	assert.Equal(t, 8*datasize.MB, cfg.Worker.Buffers.Memory)
	assert.True(t, cfg.Worker.ExitIdle, "defaults survive partial sections")
	assert.Equal(t, 4096, cfg.Worker.Nodes)
	assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Endpoint)
	require.Len(t, cfg.Profile.Ports, 1)
	assert.Equal(t, uint8(3), cfg.Profile.Ports[0].Port)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{name: "unknown clock", yaml: "clock: lunar"},
		{name: "negative duration", yaml: "duration: -1s"},
		{name: "no cores", yaml: "cores: []"},
		{name: "unserved socket", yaml: "cores: [{cpu: -1, socket: 1}]"},
		{name: "malformed", yaml: "cores: {"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tgen.yaml")
			require.NoError(t, os.WriteFile(path, []byte(c.yaml), 0o644))

			_, err := LoadConfig(path)
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func writeCapture(t *testing.T, path string, n int) {
	t.Helper()

	buf := bytes.Buffer{}
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	start := time.Unix(1_700_000_000, 0)
	for idx := range n {
		data := make([]byte, 64)
		data[63] = byte(idx)
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(idx) * 250 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func testConfig(t *testing.T) *Config {
	dir := t.TempDir()
	trace := filepath.Join(dir, "trace.pcap")
	writeCapture(t, trace, 3)

	cfg := DefaultConfig()
	cfg.Output = filepath.Join(dir, "out.pcap")
	cfg.Metrics.Endpoint = "127.0.0.1:0"
	cfg.Cores = []CoreConfig{{CPU: -1}, {CPU: -1}}
	cfg.Profile = profile.Config{
		Ports: []profile.PortConfig{
			{
				Port:   0,
				Worker: 0,
				Streams: []profile.StreamConfig{
					{Name: "burst", Type: "multi_burst", PPS: 1000, BurstSize: 3, Bursts: 2, IBG: 10 * time.Millisecond},
				},
			},
		},
		Replays: []profile.ReplayConfig{
			{File: trace, Port: 1, Worker: 1},
		},
	}

	return cfg
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)

	c, err := NewCoordinator(cfg, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	require.NotEmpty(t, c.Session())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.NoError(t, c.Close())

	status := c.Status()
	assert.Equal(t, c.Session(), status.Session)
	require.Len(t, status.Workers, 2)
	assert.Equal(t, uint64(6), status.Workers[0].Packets)
	assert.Equal(t, uint64(3), status.Workers[1].Packets)
	assert.Equal(t, uint64(3*64), status.Workers[1].Bytes)

	reader, err := capture.Open(cfg.Output)
	require.NoError(t, err)
	defer reader.Close()

	count := 0
	rec := capture.Record{}
	for reader.ReadRecord(&rec) {
		count++
	}
	assert.Equal(t, 9, count)
}

func TestRunMissingCapture(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profile.Replays[0].File = filepath.Join(t.TempDir(), "missing.pcap")

	c, err := NewCoordinator(cfg, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	defer c.Close()

	require.Error(t, c.Run(context.Background()))
}

func TestNewCoordinatorErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profile.Ports[0].Worker = 5

	_, err := NewCoordinator(cfg)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Output = filepath.Join(t.TempDir(), "missing", "out.pcap")

	_, err = NewCoordinator(cfg)
	require.Error(t, err)
}

func TestController(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Timeout = 20 * time.Millisecond

	c, err := NewCoordinator(cfg, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	require.ErrorIs(t, c.UpdateRate(ctx, 7, 2), api.ErrUnknownPort)
	require.ErrorIs(t, c.Pause(ctx, 7, true), api.ErrUnknownPort)
	require.ErrorIs(t, c.Stop(ctx, 7), api.ErrUnknownPort)

	require.NoError(t, c.UpdateRate(ctx, 0, 2))
	require.NoError(t, c.Pause(ctx, 1, true))
	require.NoError(t, c.Stop(ctx, 0))
	require.NoError(t, c.StopAll(ctx))

	// Nobody runs the workers, so the dump never completes.
	buf := bytes.Buffer{}
	require.ErrorIs(t, c.Dump(ctx, 0, &buf), context.DeadlineExceeded)
	assert.Zero(t, buf.Len())
}
