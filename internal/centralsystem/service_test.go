package centralsystem

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/storage/memory"
	"github.com/taoyao-code/ocpp-server/internal/thirdparty"
	"github.com/taoyao-code/ocpp-server/internal/transaction"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*thirdparty.StandardEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev *thirdparty.StandardEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t thirdparty.EventType) []*thirdparty.StandardEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*thirdparty.StandardEvent
	for _, ev := range p.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type recordingObserver struct {
	heartbeats int
	energy     int64
	active     int
	long       int
}

func (o *recordingObserver) RecordHeartbeat()            { o.heartbeats++ }
func (o *recordingObserver) RecordEnergy(wh int64)       { o.energy += wh }
func (o *recordingObserver) SetActiveTransactions(n int) { o.active = n }
func (o *recordingObserver) SetLongTransactions(n int)   { o.long = n }

type heartbeatRecorder struct {
	ids []string
}

func (h *heartbeatRecorder) OnHeartbeat(id string, _ time.Time) { h.ids = append(h.ids, id) }

type fixture struct {
	svc  *Service
	d    *dispatch.Dispatcher
	repo *memory.Repository
	pub  *recordingPublisher
	obs  *recordingObserver
	hb   *heartbeatRecorder
	now  time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo: memory.New(),
		pub:  &recordingPublisher{},
		obs:  &recordingObserver{},
		hb:   &heartbeatRecorder{},
		now:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	base := []Option{
		WithRepo(f.repo),
		WithPublisher(f.pub),
		WithObserver(f.obs),
		WithHeartbeatSink(f.hb),
		WithNow(func() time.Time { return f.now }),
	}
	f.svc = NewService(transaction.NewManager(transaction.WithNow(func() time.Time { return f.now })), append(base, opts...)...)
	f.d = dispatch.New()
	f.svc.Register(f.d)
	return f
}

// call 以 CP001 身份发送一条 Call 并把 CallResult 载荷解码到 out
func (f *fixture) call(t *testing.T, action ocpp16.Action, payload any, out any) {
	t.Helper()
	f.callAs(t, "CP001", action, payload, out)
}

func (f *fixture) callAs(t *testing.T, chargePointID string, action ocpp16.Action, payload any, out any) {
	t.Helper()
	c, err := ocpp16.NewCall("m1", action, payload)
	require.NoError(t, err)
	msg := f.d.Dispatch(context.Background(), chargePointID, c)
	res, ok := msg.(*ocpp16.CallResult)
	require.True(t, ok, "expected CallResult, got %#v", msg)
	if out != nil {
		require.NoError(t, json.Unmarshal(res.Payload, out))
	}
}

func TestBootNotification(t *testing.T) {
	f := newFixture(t, WithHeartbeatInterval(45*time.Second))

	var conf ocpp16.BootNotificationConfirmation
	f.call(t, ocpp16.ActionBootNotification, ocpp16.BootNotificationRequest{
		ChargePointVendor: "VendorX",
		ChargePointModel:  "ModelY",
		FirmwareVersion:   "1.2.3",
	}, &conf)

	assert.Equal(t, ocpp16.RegistrationAccepted, conf.Status)
	assert.Equal(t, 45, conf.Interval)
	assert.True(t, conf.CurrentTime.Equal(f.now))

	cp, err := f.repo.GetChargePoint(context.Background(), "CP001")
	require.NoError(t, err)
	assert.Equal(t, "VendorX", cp.Vendor)
	require.NotNil(t, cp.FirmwareVersion)
	assert.Equal(t, "1.2.3", *cp.FirmwareVersion)
	assert.Nil(t, cp.SerialNumber)
	assert.Len(t, f.pub.ofType(thirdparty.EventChargePointBooted), 1)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	var conf ocpp16.HeartbeatConfirmation
	f.call(t, ocpp16.ActionHeartbeat, struct{}{}, &conf)

	assert.True(t, conf.CurrentTime.Equal(f.now))
	assert.Equal(t, []string{"CP001"}, f.hb.ids)
	assert.Equal(t, 1, f.obs.heartbeats)
}

func TestStatusNotificationPersisted(t *testing.T) {
	f := newFixture(t)
	f.call(t, ocpp16.ActionStatusNotification, ocpp16.StatusNotificationRequest{
		ConnectorID: 1,
		ErrorCode:   ocpp16.NoError,
		Status:      ocpp16.StatusAvailable,
	}, nil)

	cs, err := f.repo.ListConnectors(context.Background(), "CP001")
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "Available", cs[0].Status)
	assert.Len(t, f.pub.ofType(thirdparty.EventConnectorStatusChanged), 1)
}

func TestChargingSession(t *testing.T) {
	f := newFixture(t)

	var start ocpp16.StartTransactionConfirmation
	f.call(t, ocpp16.ActionStartTransaction, ocpp16.StartTransactionRequest{
		ConnectorID: 1, IdTag: "TAG1", MeterStart: 1000, Timestamp: ocpp16.NewDateTime(f.now),
	}, &start)
	assert.Equal(t, ocpp16.AuthorizationAccepted, start.IdTagInfo.Status)
	assert.Equal(t, int64(1000), start.TransactionID)
	assert.Equal(t, 1, f.obs.active)

	txID := start.TransactionID
	f.call(t, ocpp16.ActionMeterValues, ocpp16.MeterValuesRequest{
		ConnectorID:   1,
		TransactionID: &txID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp:    ocpp16.NewDateTime(f.now.Add(time.Minute)),
			SampledValue: []ocpp16.SampledValue{{Value: "5000"}},
		}},
	}, nil)
	tx, ok := f.svc.Transactions().Get(txID)
	require.True(t, ok)
	assert.Equal(t, int64(5000), tx.MeterCurrent)

	var stop ocpp16.StopTransactionConfirmation
	f.call(t, ocpp16.ActionStopTransaction, ocpp16.StopTransactionRequest{
		TransactionID: txID, MeterStop: 9400, Timestamp: ocpp16.NewDateTime(f.now.Add(time.Hour)), Reason: ocpp16.ReasonLocal,
	}, &stop)
	require.NotNil(t, stop.IdTagInfo)
	assert.Equal(t, ocpp16.AuthorizationAccepted, stop.IdTagInfo.Status)

	assert.Equal(t, 0, f.svc.Transactions().Count())
	assert.Equal(t, int64(8400), f.obs.energy)
	assert.Equal(t, 0, f.obs.active)

	closed := f.svc.Closed().Recent(10)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(8400), closed[0].EnergyConsumed)

	started := f.pub.ofType(thirdparty.EventTransactionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, thirdparty.TransactionEventID(thirdparty.EventTransactionStarted, "CP001", txID), started[0].EventID)

	stopped := f.pub.ofType(thirdparty.EventTransactionStopped)
	require.Len(t, stopped, 1)
	data := stopped[0].Data.(thirdparty.TransactionStoppedData)
	assert.Equal(t, int64(8400), data.EnergyWh)
	assert.Equal(t, int64(3600), data.DurationSec)
	assert.False(t, data.Anomalous)
}

func TestStartTransactionConnectorBusy(t *testing.T) {
	f := newFixture(t)
	req := ocpp16.StartTransactionRequest{ConnectorID: 1, IdTag: "TAG1", Timestamp: ocpp16.NewDateTime(f.now)}

	var first, second ocpp16.StartTransactionConfirmation
	f.call(t, ocpp16.ActionStartTransaction, req, &first)
	f.call(t, ocpp16.ActionStartTransaction, req, &second)

	assert.Equal(t, int64(1000), first.TransactionID)
	assert.Equal(t, ocpp16.AuthorizationConcurrentTx, second.IdTagInfo.Status)
	assert.Equal(t, int64(0), second.TransactionID)
	assert.Equal(t, 1, f.svc.Transactions().Count())
}

func TestStartTransactionRejectedTag(t *testing.T) {
	f := newFixture(t, WithAuthList(NewAuthList(AuthEntry{IdTag: "GOOD", Status: "Accepted"})))

	var conf ocpp16.StartTransactionConfirmation
	f.call(t, ocpp16.ActionStartTransaction, ocpp16.StartTransactionRequest{
		ConnectorID: 1, IdTag: "BAD", Timestamp: ocpp16.NewDateTime(f.now),
	}, &conf)
	assert.Equal(t, ocpp16.AuthorizationInvalid, conf.IdTagInfo.Status)
	assert.Equal(t, int64(0), conf.TransactionID)
	assert.Equal(t, 0, f.svc.Transactions().Count())
}

func TestStopUnknownTransactionStillAccepted(t *testing.T) {
	f := newFixture(t)
	var conf ocpp16.StopTransactionConfirmation
	f.call(t, ocpp16.ActionStopTransaction, ocpp16.StopTransactionRequest{TransactionID: 4242, MeterStop: 10}, &conf)

	require.NotNil(t, conf.IdTagInfo)
	assert.Equal(t, ocpp16.AuthorizationAccepted, conf.IdTagInfo.Status)
	assert.Empty(t, f.svc.Closed().Recent(10))
	assert.Empty(t, f.pub.ofType(thirdparty.EventTransactionStopped))
}

func TestStopFromOtherChargePointIgnored(t *testing.T) {
	f := newFixture(t)
	var start ocpp16.StartTransactionConfirmation
	f.call(t, ocpp16.ActionStartTransaction, ocpp16.StartTransactionRequest{
		ConnectorID: 1, IdTag: "TAG", MeterStart: 1000, Timestamp: ocpp16.NewDateTime(f.now),
	}, &start)
	txID := start.TransactionID

	var conf ocpp16.StopTransactionConfirmation
	f.callAs(t, "CP-OTHER", ocpp16.ActionStopTransaction, ocpp16.StopTransactionRequest{
		TransactionID: txID,
		MeterStop:     500,
		Timestamp:     ocpp16.NewDateTime(f.now),
		TransactionData: []ocpp16.MeterValue{{
			Timestamp:    ocpp16.NewDateTime(f.now),
			SampledValue: []ocpp16.SampledValue{{Value: "100"}},
		}},
	}, &conf)
	require.NotNil(t, conf.IdTagInfo)
	assert.Equal(t, ocpp16.AuthorizationAccepted, conf.IdTagInfo.Status)

	tx, ok := f.svc.Transactions().Get(txID)
	require.True(t, ok, "transaction of CP001 must stay active")
	assert.Equal(t, "CP001", tx.ChargePointID)
	assert.Equal(t, int64(1000), tx.MeterCurrent)
	assert.Equal(t, 0, tx.Anomalies)
	assert.Empty(t, f.svc.Closed().Recent(10))
	assert.Empty(t, f.pub.ofType(thirdparty.EventTransactionStopped))

	// 所属充电桩仍可正常结束
	f.call(t, ocpp16.ActionStopTransaction, ocpp16.StopTransactionRequest{
		TransactionID: txID, MeterStop: 1500, Timestamp: ocpp16.NewDateTime(f.now),
	}, &conf)
	closed := f.svc.Closed().Recent(10)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(500), closed[0].EnergyConsumed)
	assert.False(t, closed[0].Anomalous)
}

func TestMeterValuesFromOtherChargePointIgnored(t *testing.T) {
	f := newFixture(t)
	var start ocpp16.StartTransactionConfirmation
	f.call(t, ocpp16.ActionStartTransaction, ocpp16.StartTransactionRequest{
		ConnectorID: 1, IdTag: "TAG", MeterStart: 1000, Timestamp: ocpp16.NewDateTime(f.now),
	}, &start)
	txID := start.TransactionID

	f.callAs(t, "CP-OTHER", ocpp16.ActionMeterValues, ocpp16.MeterValuesRequest{
		ConnectorID:   1,
		TransactionID: &txID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp:    ocpp16.NewDateTime(f.now),
			SampledValue: []ocpp16.SampledValue{{Value: "10"}},
		}},
	}, nil)

	tx, ok := f.svc.Transactions().Get(txID)
	require.True(t, ok)
	assert.Equal(t, int64(1000), tx.MeterCurrent)
	assert.Equal(t, 0, tx.Anomalies)
	assert.Empty(t, f.pub.ofType(thirdparty.EventMeterAnomaly))
}

func TestMeterDecreasePublishesAnomaly(t *testing.T) {
	f := newFixture(t)
	var start ocpp16.StartTransactionConfirmation
	f.call(t, ocpp16.ActionStartTransaction, ocpp16.StartTransactionRequest{
		ConnectorID: 2, IdTag: "TAG", MeterStart: 500, Timestamp: ocpp16.NewDateTime(f.now),
	}, &start)

	// 不带 transactionId，按枪号关联活动事务
	f.call(t, ocpp16.ActionMeterValues, ocpp16.MeterValuesRequest{
		ConnectorID: 2,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp:    ocpp16.NewDateTime(f.now),
			SampledValue: []ocpp16.SampledValue{{Value: "0.2", Unit: "kWh", Measurand: ocpp16.MeasurandEnergyActiveImportRegister}},
		}},
	}, nil)

	tx, ok := f.svc.Transactions().Get(start.TransactionID)
	require.True(t, ok)
	assert.Equal(t, int64(200), tx.MeterCurrent)
	assert.Equal(t, 1, tx.Anomalies)

	anomalies := f.pub.ofType(thirdparty.EventMeterAnomaly)
	require.Len(t, anomalies, 1)
	data := anomalies[0].Data.(thirdparty.MeterAnomalyData)
	assert.Equal(t, int64(500), data.PreviousWh)
	assert.Equal(t, int64(200), data.ReportedWh)
}

func TestAuthorizeAndDataTransfer(t *testing.T) {
	f := newFixture(t)
	var auth ocpp16.AuthorizeConfirmation
	f.call(t, ocpp16.ActionAuthorize, ocpp16.AuthorizeRequest{IdTag: "ANY"}, &auth)
	assert.Equal(t, ocpp16.AuthorizationAccepted, auth.IdTagInfo.Status)
	require.NotNil(t, auth.IdTagInfo.ExpiryDate)
	assert.Equal(t, 2030, auth.IdTagInfo.ExpiryDate.Year())

	var dt ocpp16.DataTransferConfirmation
	f.call(t, ocpp16.ActionDataTransfer, ocpp16.DataTransferRequest{VendorID: "acme"}, &dt)
	assert.Equal(t, ocpp16.DataTransferAccepted, dt.Status)
}

func TestConnectionEvents(t *testing.T) {
	f := newFixture(t)
	f.svc.OnConnected(context.Background(), "CP001", "c1")
	f.svc.OnDisconnected(context.Background(), "CP001", "c1", nil)

	cp, err := f.repo.GetChargePoint(context.Background(), "CP001")
	require.NoError(t, err)
	require.NotNil(t, cp.LastSeenAt)
	assert.Len(t, f.pub.ofType(thirdparty.EventChargePointConnected), 1)
	assert.Len(t, f.pub.ofType(thirdparty.EventChargePointDisconnected), 1)
}

func TestMonitorFlagsLongTransactions(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Transactions().Start("CP001", 1, "TAG", 0, f.now)
	require.NoError(t, err)

	f.now = f.now.Add(13 * time.Hour)
	require.NoError(t, f.svc.checkTransactions(12*time.Hour)(context.Background()))
	assert.Equal(t, 1, f.obs.long)
	assert.Equal(t, 1, f.obs.active)

	f.now = f.now.Add(-12 * time.Hour)
	require.NoError(t, f.svc.checkTransactions(12*time.Hour)(context.Background()))
	assert.Equal(t, 0, f.obs.long)
}
