package chargepoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/ocpp-server/internal/centralsystem"
	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/endpoint"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
)

// harness 充电桩与中央系统通过内存管道直连
type harness struct {
	cp     *ChargePoint
	svc    *centralsystem.Service
	server *endpoint.Endpoint
	cmd    *centralsystem.Commander
	done   chan error
}

func connect(t *testing.T, cfg Config, opts ...centralsystem.Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cpSide, serverSide := endpoint.Pipe()

	svc := centralsystem.NewService(nil, append([]centralsystem.Option{centralsystem.WithHeartbeatInterval(time.Second)}, opts...)...)
	d := dispatch.New()
	svc.Register(d)
	server := endpoint.New(cfg.ID, serverSide, d)
	go server.Run(ctx)

	h := &harness{
		cp:     New(cfg),
		svc:    svc,
		server: server,
		done:   make(chan error, 1),
	}
	h.cmd = centralsystem.NewCommander(func(id string) (centralsystem.Target, bool) {
		return server, id == cfg.ID
	}, time.Second, nil)

	go func() { h.done <- h.cp.Run(ctx, cpSide) }()

	t.Cleanup(func() {
		cancel()
		server.Close(nil)
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("charge point did not stop")
		}
	})
	return h
}

func TestSimulatorChargingSession(t *testing.T) {
	h := connect(t, Config{
		ID:            "CP1",
		MeterInterval: 20 * time.Millisecond,
		MeterStepWh:   100,
		Autostart:     true,
		AutostartWait: 10 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return h.svc.Transactions().Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	txs := h.svc.Transactions().List("CP1")
	require.Len(t, txs, 1)
	txID := txs[0].ID
	assert.Equal(t, int64(1000), txID)
	assert.Equal(t, "USER-001", txs[0].IdTag)

	// 电表读数同步推进到中央系统
	require.Eventually(t, func() bool {
		tx, ok := h.svc.Transactions().Get(txID)
		return ok && tx.MeterCurrent >= 200
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.cp.Status(1) == ocpp16.StatusCharging }, time.Second, 5*time.Millisecond)

	conf, err := h.cmd.RemoteStopTransaction(context.Background(), "CP1", txID)
	require.NoError(t, err)
	assert.Equal(t, ocpp16.RemoteAccepted, conf.Status)

	require.Eventually(t, func() bool { return h.svc.Closed().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	sum := h.svc.Closed().Recent(1)[0]
	assert.Equal(t, txID, sum.Transaction.ID)
	assert.Equal(t, "Remote", sum.Reason)
	assert.GreaterOrEqual(t, sum.EnergyConsumed, int64(200))
	assert.LessOrEqual(t, sum.MeterStop, h.cp.Meter(1))
	assert.Eventually(t, func() bool { return h.cp.Status(1) == ocpp16.StatusAvailable }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.cp.Transactions().Count())

	// 心跳间隔来自 BootNotification
	cfg, err := h.cmd.GetConfiguration(context.Background(), "CP1", KeyHeartbeatInterval)
	require.NoError(t, err)
	require.Len(t, cfg.ConfigurationKey, 1)
	assert.Equal(t, "1", *cfg.ConfigurationKey[0].Value)
}

func TestSimulatorRemoteStartAndReset(t *testing.T) {
	h := connect(t, Config{ID: "CP2", Connectors: 2, MeterInterval: time.Hour, ResetDelay: 10 * time.Millisecond})

	// 等待注册完成后再下发
	require.Eventually(t, func() bool {
		cp, err := h.svc.Repo().GetChargePoint(context.Background(), "CP2")
		return err == nil && cp.BootedAt != nil
	}, 2*time.Second, 5*time.Millisecond)

	conf, err := h.cmd.RemoteStartTransaction(context.Background(), "CP2", 2, "TAG-9")
	require.NoError(t, err)
	assert.Equal(t, ocpp16.RemoteAccepted, conf.Status)
	require.Eventually(t, func() bool {
		_, ok := h.svc.Transactions().ActiveOn("CP2", 2)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// 同一枪再次远程启动被拒绝
	conf, err = h.cmd.RemoteStartTransaction(context.Background(), "CP2", 2, "TAG-9")
	require.NoError(t, err)
	assert.Equal(t, ocpp16.RemoteRejected, conf.Status)

	reset, err := h.cmd.Reset(context.Background(), "CP2", ocpp16.ResetSoft)
	require.NoError(t, err)
	assert.Equal(t, ocpp16.ResetAccepted, reset.Status)

	require.Eventually(t, func() bool { return h.svc.Closed().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Reboot", h.svc.Closed().Recent(1)[0].Reason)
	assert.Eventually(t, func() bool {
		return h.cp.Status(1) == ocpp16.StatusAvailable && h.cp.Status(2) == ocpp16.StatusAvailable
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSimulatorStartRejected(t *testing.T) {
	h := connect(t, Config{ID: "CP3", MeterInterval: time.Hour},
		centralsystem.WithAuthList(centralsystem.NewAuthList(centralsystem.AuthEntry{IdTag: "ONLY", Status: "Accepted"})))

	var err error
	require.Eventually(t, func() bool {
		_, err = h.cp.StartTransaction(context.Background(), 1, "STRANGER")
		return err != nil && err != ErrNotConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 0, h.cp.Transactions().Count())
	assert.Equal(t, ocpp16.StatusAvailable, h.cp.Status(1))

	_, err = h.cp.StartTransaction(context.Background(), 5, "ONLY")
	assert.ErrorIs(t, err, ErrInvalidConnector)
}

func TestChangeConfiguration(t *testing.T) {
	c := New(Config{ID: "CP4"})
	ctx := context.Background()

	cases := []struct {
		key, value string
		want       ocpp16.ConfigurationStatus
	}{
		{KeyHeartbeatInterval, "45", ocpp16.ConfigurationAccepted},
		{KeyMeterValueSampleInterval, "15", ocpp16.ConfigurationAccepted},
		{KeyHeartbeatInterval, "abc", ocpp16.ConfigurationRejected},
		{KeyHeartbeatInterval, "0", ocpp16.ConfigurationRejected},
		{KeyNumberOfConnectors, "4", ocpp16.ConfigurationRejected},
		{"AuthorizeRemoteTxRequests", "true", ocpp16.ConfigurationNotSupported},
	}
	for _, tc := range cases {
		conf, err := c.changeConfiguration(ctx, nil, &ocpp16.ChangeConfigurationRequest{Key: tc.key, Value: tc.value})
		require.NoError(t, err)
		assert.Equal(t, tc.want, conf.Status, "%s=%s", tc.key, tc.value)
	}

	conf, err := c.getConfiguration(ctx, nil, &ocpp16.GetConfigurationRequest{})
	require.NoError(t, err)
	require.Len(t, conf.ConfigurationKey, 3)
	values := map[string]string{}
	for _, kv := range conf.ConfigurationKey {
		values[kv.Key] = *kv.Value
		if kv.Key == KeyNumberOfConnectors {
			assert.True(t, kv.Readonly)
		}
	}
	assert.Equal(t, "45", values[KeyHeartbeatInterval])
	assert.Equal(t, "15", values[KeyMeterValueSampleInterval])
	assert.Equal(t, "1", values[KeyNumberOfConnectors])

	conf, err = c.getConfiguration(ctx, nil, &ocpp16.GetConfigurationRequest{Key: []string{"Foo", KeyNumberOfConnectors}})
	require.NoError(t, err)
	assert.Len(t, conf.ConfigurationKey, 1)
	assert.Equal(t, []string{"Foo"}, conf.UnknownKey)
}

func TestHandlersWithoutConnection(t *testing.T) {
	c := New(Config{ID: "CP5", Connectors: 2})
	ctx := context.Background()

	start, err := c.remoteStart(ctx, nil, &ocpp16.RemoteStartTransactionRequest{IdTag: "T"})
	require.NoError(t, err)
	assert.Equal(t, ocpp16.RemoteRejected, start.Status)

	three := 3
	start, err = c.remoteStart(ctx, nil, &ocpp16.RemoteStartTransactionRequest{IdTag: "T", ConnectorID: &three})
	require.NoError(t, err)
	assert.Equal(t, ocpp16.RemoteRejected, start.Status)

	stop, err := c.remoteStop(ctx, nil, &ocpp16.RemoteStopTransactionRequest{TransactionID: 1000})
	require.NoError(t, err)
	assert.Equal(t, ocpp16.RemoteRejected, stop.Status)

	unlock, err := c.unlockConnector(ctx, nil, &ocpp16.UnlockConnectorRequest{ConnectorID: 2})
	require.NoError(t, err)
	assert.Equal(t, ocpp16.Unlocked, unlock.Status)
	unlock, err = c.unlockConnector(ctx, nil, &ocpp16.UnlockConnectorRequest{ConnectorID: 9})
	require.NoError(t, err)
	assert.Equal(t, ocpp16.NotSupportedUnlock, unlock.Status)

	_, err = c.StartTransaction(ctx, 1, "T")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, c.Samples())
}
