package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.WebSocket.Addr)
	assert.Equal(t, "/ocpp", cfg.WebSocket.Path)
	assert.Equal(t, "ocpp1.6", cfg.WebSocket.Subprotocol)
	assert.Equal(t, 30*time.Second, cfg.OCPP.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.OCPP.HeartbeatInterval)
	assert.Equal(t, int64(1000), cfg.OCPP.TransactionIDStart)
	assert.True(t, cfg.OCPP.StrictUnknownActions)
	assert.Equal(t, 60*time.Second, cfg.ChargePoint.MeterInterval)
	assert.Equal(t, int64(7400), cfg.ChargePoint.MeterStepWh)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	yaml := `
websocket:
  addr: ":9100"
ocpp:
  heartbeatInterval: 15s
  strictUnknownActions: false
chargepoint:
  id: CP-YAML
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("OCPP_CHARGEPOINT_ID", "CP-ENV")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.WebSocket.Addr)
	assert.Equal(t, 15*time.Second, cfg.OCPP.HeartbeatInterval)
	assert.False(t, cfg.OCPP.StrictUnknownActions)
	assert.Equal(t, "CP-ENV", cfg.ChargePoint.ID)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("websocket: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
