// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	errs := cfg.Validate()
	assert.False(t, errs.HasErrors(), "defaults must be valid: %s", errs.Error())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	content := `
ingest:
  netflow_listen: "0.0.0.0:2055"
  queue_size: 1024
detection:
  syn_flood_threshold: 200
api:
  listen: "0.0.0.0:9090"
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:2055", cfg.Ingest.NetFlowListen)
	assert.Equal(t, 1024, cfg.Ingest.QueueSize)
	assert.Equal(t, 200, cfg.Detection.SYNFloodThreshold)
	assert.Equal(t, "0.0.0.0:9090", cfg.API.Listen)

	// Untouched sections keep defaults.
	assert.Equal(t, 50, cfg.Detection.PortScanThreshold)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.ShutdownTimeout)

	lcfg := cfg.Logging.ToLogging()
	assert.Equal(t, logging.LevelDebug, lcfg.Level)
	assert.Equal(t, "json", lcfg.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/sentinel.yaml")
	assert.Error(t, err)
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Detection, cfg.Detection)
}

func TestValidateCatchesBadValues(t *testing.T) {
	cfg := Default()
	cfg.Ingest.NetFlowListen = "not-an-addr"
	cfg.Ingest.QueueSize = 0
	cfg.Detection.SYNFloodThreshold = 0
	cfg.Publish.Backend = "kafka"
	cfg.Stats.Enabled = true
	cfg.Logging.Level = "loud"

	errs := cfg.Validate()
	require.True(t, errs.HasErrors())

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	assert.True(t, fields["ingest.netflow_listen"])
	assert.True(t, fields["ingest.queue_size"])
	assert.True(t, fields["detection.syn_flood_threshold"])
	assert.True(t, fields["publish.backend"])
	assert.True(t, fields["stats.redis_addr"])
	assert.True(t, fields["logging.level"])
}

func TestInterfaceExcludesPcapFile(t *testing.T) {
	cfg := Default()
	cfg.Ingest.Interface = "eth0"
	assert.False(t, cfg.Validate().HasErrors())

	pcap := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, os.WriteFile(pcap, []byte("stub"), 0o644))
	cfg.Ingest.PcapFile = pcap
	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "ingest.interface")
}

func TestPubsubBackendRequiresProject(t *testing.T) {
	cfg := Default()
	cfg.Publish.Backend = "pubsub"
	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "publish.project_id")
}

func TestDetectionConversion(t *testing.T) {
	d := Default().Detection
	dc := d.ToDetect()
	assert.Equal(t, 100, dc.SYNFloodThreshold)
	assert.Equal(t, int64(10000), dc.LargePayloadThreshold)
	assert.Equal(t, 60*time.Minute, dc.DedupTTL)
}
