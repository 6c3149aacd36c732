package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slam3d-go/particlefilter"
)

func TestTuningDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, particlefilter.DefaultLocConfig(), cfg.LocConfig())
	assert.Equal(t, particlefilter.DefaultSlamConfig(), cfg.SlamConfig())
	assert.Equal(t, 0.2, cfg.GetUwbBias(false))
	assert.Equal(t, 0.4, cfg.GetUwbBias(true))
	assert.Equal(t, 0.1, cfg.GetUwbStd())
	assert.Equal(t, 0.0, cfg.GetMinRange())
	assert.Equal(t, 30.0, cfg.GetMaxRange())
	assert.Equal(t, "xyz", cfg.GetAxes())
	assert.Equal(t, 5*time.Minute, cfg.GetSessionTimeout())
	rssi, err := cfg.RssiModel()
	require.NoError(t, err)
	assert.True(t, rssi.Near(-60))
}

func TestLoadTuningConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	body := `{
  "tag_particles": 2000,
  "beacon_particles": 300,
  "spawn_radius": 3.0,
  "seed": 123456789,
  "uwb_bias": 0.25,
  "axes": "yzx",
  "session_timeout": "45s"
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	loc := cfg.LocConfig()
	assert.Equal(t, 2000, loc.TagParticles)
	assert.Equal(t, 3.0, loc.SpawnRadius)
	require.NotNil(t, loc.Seed)
	assert.Equal(t, uint64(123456789), *loc.Seed)

	slam := cfg.SlamConfig()
	assert.Equal(t, 300, slam.BeaconParticles)
	assert.Equal(t, 0.25, cfg.GetUwbBias(true))
	assert.Equal(t, "yzx", cfg.GetAxes())
	assert.Equal(t, 45*time.Second, cfg.GetSessionTimeout())
}

func TestLoadTuningConfigErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"wrong extension", "tuning.yaml", "{}", ".json extension"},
		{"bad json", "bad.json", "{", "parse config JSON"},
		{"bad particles", "p.json", `{"tag_particles": 0}`, "tag_particles"},
		{"bad window", "w.json", `{"min_range": 5, "max_range": 1}`, "min_range"},
		{"bad timeout", "d.json", `{"session_timeout": "soon"}`, "session_timeout"},
		{"bad axes", "a.json", `{"axes": "xy"}`, "axes"},
		{"bad filter param", "f.json", `{"resample_thresh": 2}`, "resample threshold"},
		{"negative rssi factor", "r1.json", `{"rssi_factor": -3}`, "rssi factor"},
		{"zero rssi factor", "r2.json", `{"rssi_factor": 0}`, "rssi factor"},
		{"zero rssi near range", "r3.json", `{"rssi_near_range": 0}`, "near range"},
		{"huge rssi adjust", "r4.json", `{"rssi_adjust": 1e9}`, "rssi model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := LoadTuningConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTuningConfig(filepath.Join(dir, "missing.json"))
		assert.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(dir, "big.json")
		big := `{"axes":"xyz","pad":"` + strings.Repeat("x", 1<<20) + `"}`
		require.NoError(t, os.WriteFile(path, []byte(big), 0644))
		_, err := LoadTuningConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestValidateRssiModel(t *testing.T) {
	cfg := EmptyTuningConfig()
	cfg.RssiFactor = ptrFloat64(-3)
	assert.ErrorIs(t, cfg.Validate(), particlefilter.ErrInvalidConfig)
	_, err := cfg.RssiModel()
	assert.Error(t, err)

	cfg.RssiFactor = ptrFloat64(2.5)
	cfg.RssiNearRange = ptrFloat64(math.NaN())
	assert.Error(t, cfg.Validate())

	cfg.RssiNearRange = ptrFloat64(5)
	require.NoError(t, cfg.Validate())
	rssi, err := cfg.RssiModel()
	require.NoError(t, err)
	assert.Equal(t, 5.0, rssi.NearRange)
}

func TestTuningPointerHelpers(t *testing.T) {
	cfg := &TuningConfig{
		StdXyz:       ptrFloat64(0.002),
		JitterXyz:    ptrFloat64(0.05),
		TagParticles: ptrInt(50),
		Axes:         ptrString("zxy"),
	}
	require.NoError(t, cfg.Validate())
	loc := cfg.LocConfig()
	assert.Equal(t, 0.002, loc.StdXyz)
	assert.Equal(t, 0.05, loc.JitterXyz)
	assert.Equal(t, 50, loc.TagParticles)
}

const projectXML = `<?xml version="1.0" encoding="utf-8"?>
<project>
  <anchorlist>
    <deviceItem id="1A0001" class="2:1" pos="100,250,300"/>
    <deviceItem id="1A0002" pos="0,0,0"/>
    <deviceItem id="zz" pos="1,2,3"/>
    <deviceItem id="1A0003" pos="1,2"/>
  </anchorlist>
  <beaconlist>
    <deviceItem id="BB0001" pos="5,5,5"/>
  </beaconlist>
  <txlist>
    <transferItem addr="127.0.0.1" port="9000" type="UDP" data="3"/>
    <transferItem addr="10.0.0.2" port="9100" type="tcp" data="50331649"/>
    <transferItem addr="" port="1" type="udp" data="1"/>
  </txlist>
</project>`

func writeProject(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.xml")
	require.NoError(t, os.WriteFile(path, []byte(projectXML), 0644))
	return path
}

func TestParseProjectAnchors(t *testing.T) {
	anchors, err := ParseProjectAnchors(writeProject(t))
	require.NoError(t, err)

	want := map[int]Anchor{
		1: {ID: 1, X: 1, Y: 2.5, Z: 3, Layer: 2},
		2: {ID: 2},
	}
	if diff := cmp.Diff(want, anchors); diff != "" {
		t.Errorf("anchors (-want +got):\n%s", diff)
	}
	assert.Equal(t, particlefilter.Point{X: 1, Y: 2.5, Z: 3}, anchors[1].Point())

	_, err = ParseProjectAnchors(filepath.Join(t.TempDir(), "none.xml"))
	assert.Error(t, err)
}

func TestParsePublishTargets(t *testing.T) {
	targets, err := ParsePublishTargets(writeProject(t))
	require.NoError(t, err)

	want := []PublishTarget{
		{Addr: "127.0.0.1", Port: 9000, Type: "udp", Mask: 3},
		{Addr: "10.0.0.2", Port: 9100, Type: "tcp", Mask: 50331649},
	}
	if diff := cmp.Diff(want, targets); diff != "" {
		t.Errorf("targets (-want +got):\n%s", diff)
	}
}
