// Package transaction 充电事务状态机：Preparing → Charging → Stopped。
// 每个 (充电桩, 枪号) 最多一个活动事务，事务ID单调递增且不复用。
package transaction

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrConnectorBusy      = errors.New("transaction: connector busy")
	ErrUnknownTransaction = errors.New("transaction: unknown transaction")
)

type Status string

const (
	StatusPreparing Status = "Preparing"
	StatusCharging  Status = "Charging"
	StatusStopped   Status = "Stopped"
)

// Transaction 一次充电会话（返回给调用方的均为快照）
type Transaction struct {
	ID            int64     `json:"transactionId"`
	ChargePointID string    `json:"chargePointId"`
	ConnectorID   int       `json:"connectorId"`
	IdTag         string    `json:"idTag"`
	MeterStart    int64     `json:"meterStart"`
	MeterCurrent  int64     `json:"meterCurrent"`
	StartedAt     time.Time `json:"startedAt"`
	LastMeterAt   time.Time `json:"lastMeterAt"`
	Status        Status    `json:"status"`
	Anomalies     int       `json:"anomalies"`
}

// Energy 当前累计电量（Wh）
func (t Transaction) Energy() int64 {
	return t.MeterCurrent - t.MeterStart
}

// StopSummary 事务结束时的结算信息
type StopSummary struct {
	Transaction    Transaction `json:"transaction"`
	MeterStop      int64       `json:"meterStop"`
	EnergyConsumed int64       `json:"energyConsumed"`
	Reason         string      `json:"reason"`
	StoppedAt      time.Time   `json:"stoppedAt"`
	Anomalous      bool        `json:"anomalous"`
}

type Observer interface {
	Record(operation, status string)
}

type ObserverFunc func(operation, status string)

func (f ObserverFunc) Record(operation, status string) {
	if f != nil {
		f(operation, status)
	}
}

func NopObserver() Observer {
	return ObserverFunc(func(string, string) {})
}

type connectorKey struct {
	chargePointID string
	connectorID   int
}

// Manager 活动事务集合，按事务ID与枪号双索引
type Manager struct {
	mu          sync.Mutex
	byID        map[int64]*Transaction
	byConnector map[connectorKey]int64
	nextID      int64
	nextLocalID int64

	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

type Option func(*Manager)

const defaultStartID = 1000

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byID:        make(map[int64]*Transaction),
		byConnector: make(map[connectorKey]int64),
		nextID:      defaultStartID,
		nextLocalID: -1,
		logger:      zap.NewNop(),
		observer:    NopObserver(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithStartID 第一个分配的事务ID
func WithStartID(id int64) Option {
	return func(m *Manager) {
		if id > 0 {
			m.nextID = id
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Start 中央系统侧：分配新事务ID并直接进入 Charging
func (m *Manager) Start(chargePointID string, connectorID int, idTag string, meterStart int64, startedAt time.Time) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := connectorKey{strings.TrimSpace(chargePointID), connectorID}
	if id, busy := m.byConnector[key]; busy {
		m.observer.Record("start", "busy")
		m.logger.Warn("connector busy",
			zap.String("charge_point_id", key.chargePointID),
			zap.Int("connector_id", connectorID),
			zap.Int64("transaction_id", id))
		return Transaction{}, ErrConnectorBusy
	}

	id := m.nextID
	m.nextID++
	tx := m.insert(id, key, idTag, meterStart, startedAt, StatusCharging)
	m.observer.Record("start", "ok")
	return *tx, nil
}

// Prepare 充电桩侧：在收到中央系统分配的ID之前占用枪号（本地临时ID为负数）
func (m *Manager) Prepare(chargePointID string, connectorID int, idTag string, meterStart int64) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := connectorKey{strings.TrimSpace(chargePointID), connectorID}
	if _, busy := m.byConnector[key]; busy {
		m.observer.Record("prepare", "busy")
		return Transaction{}, ErrConnectorBusy
	}
	id := m.nextLocalID
	m.nextLocalID--
	tx := m.insert(id, key, idTag, meterStart, m.now(), StatusPreparing)
	m.observer.Record("prepare", "ok")
	return *tx, nil
}

// Confirm 以中央系统分配的ID替换临时ID并进入 Charging
func (m *Manager) Confirm(localID, transactionID int64) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[localID]
	if !ok || tx.Status != StatusPreparing {
		m.observer.Record("confirm", "unknown")
		return Transaction{}, ErrUnknownTransaction
	}
	if _, taken := m.byID[transactionID]; taken && transactionID != localID {
		m.observer.Record("confirm", "conflict")
		return Transaction{}, ErrConnectorBusy
	}
	delete(m.byID, localID)
	tx.ID = transactionID
	tx.Status = StatusCharging
	m.byID[transactionID] = tx
	m.byConnector[connectorKey{tx.ChargePointID, tx.ConnectorID}] = transactionID
	m.observer.Record("confirm", "ok")
	return *tx, nil
}

// Abort 放弃尚未确认的事务（中央系统拒绝或调用失败）
func (m *Manager) Abort(localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[localID]
	if !ok || tx.Status != StatusPreparing {
		return ErrUnknownTransaction
	}
	m.remove(tx)
	m.observer.Record("abort", "ok")
	return nil
}

// RecordMeter 推进电表读数。读数回退照常记录但标记为异常。
func (m *Manager) RecordMeter(transactionID, value int64, at time.Time) (anomaly bool, err error) {
	return m.recordMeter(transactionID, "", false, value, at)
}

// RecordMeterFor 同 RecordMeter，但事务必须属于 chargePointID，否则按未知事务处理
func (m *Manager) RecordMeterFor(chargePointID string, transactionID, value int64, at time.Time) (anomaly bool, err error) {
	return m.recordMeter(transactionID, chargePointID, true, value, at)
}

func (m *Manager) recordMeter(transactionID int64, owner string, checkOwner bool, value int64, at time.Time) (anomaly bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.lookup(transactionID, owner, checkOwner)
	if !ok {
		m.observer.Record("meter", "unknown")
		return false, ErrUnknownTransaction
	}
	if value < tx.MeterCurrent {
		anomaly = true
		tx.Anomalies++
		m.observer.Record("meter", "anomaly")
		m.logger.Warn("meter value decreased",
			zap.String("charge_point_id", tx.ChargePointID),
			zap.Int64("transaction_id", tx.ID),
			zap.Int64("previous", tx.MeterCurrent),
			zap.Int64("value", value))
	} else {
		m.observer.Record("meter", "ok")
	}
	tx.MeterCurrent = value
	tx.LastMeterAt = at
	return anomaly, nil
}

// Stop 结算并移出活动集合。重复 Stop 返回 ErrUnknownTransaction。
func (m *Manager) Stop(transactionID, meterStop int64, reason string, at time.Time) (StopSummary, error) {
	return m.stop(transactionID, "", false, meterStop, reason, at)
}

// StopFor 同 Stop，但事务必须属于 chargePointID；其他充电桩的事务保持不变
func (m *Manager) StopFor(chargePointID string, transactionID, meterStop int64, reason string, at time.Time) (StopSummary, error) {
	return m.stop(transactionID, chargePointID, true, meterStop, reason, at)
}

func (m *Manager) stop(transactionID int64, owner string, checkOwner bool, meterStop int64, reason string, at time.Time) (StopSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.lookup(transactionID, owner, checkOwner)
	if !ok {
		m.observer.Record("stop", "unknown")
		return StopSummary{}, ErrUnknownTransaction
	}
	if at.IsZero() {
		at = m.now()
	}

	energy := meterStop - tx.MeterStart
	anomalous := energy < 0 || meterStop < tx.MeterCurrent || tx.Anomalies > 0
	tx.MeterCurrent = meterStop
	tx.Status = StatusStopped
	m.remove(tx)

	if energy < 0 {
		m.logger.Warn("negative energy on stop",
			zap.String("charge_point_id", tx.ChargePointID),
			zap.Int64("transaction_id", tx.ID),
			zap.Int64("meter_start", tx.MeterStart),
			zap.Int64("meter_stop", meterStop))
	}
	m.observer.Record("stop", "ok")

	return StopSummary{
		Transaction:    *tx,
		MeterStop:      meterStop,
		EnergyConsumed: energy,
		Reason:         reason,
		StoppedAt:      at,
		Anomalous:      anomalous,
	}, nil
}

// lookup 调用方持锁
func (m *Manager) lookup(transactionID int64, owner string, checkOwner bool) (*Transaction, bool) {
	tx, ok := m.byID[transactionID]
	if !ok || (checkOwner && tx.ChargePointID != owner) {
		return nil, false
	}
	return tx, true
}

// Get 按事务ID查询活动事务
func (m *Manager) Get(transactionID int64) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[transactionID]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// ActiveOn 查询枪上的活动事务
func (m *Manager) ActiveOn(chargePointID string, connectorID int) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byConnector[connectorKey{strings.TrimSpace(chargePointID), connectorID}]
	if !ok {
		return Transaction{}, false
	}
	return *m.byID[id], true
}

// List 按事务ID排序的全部活动事务；chargePointID 非空时只返回该桩的事务
func (m *Manager) List(chargePointID string) []Transaction {
	m.mu.Lock()
	out := make([]Transaction, 0, len(m.byID))
	for _, tx := range m.byID {
		if chargePointID != "" && tx.ChargePointID != chargePointID {
			continue
		}
		out = append(out, *tx)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count 活动事务数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// OlderThan 开始时间早于 now-age 的活动事务
func (m *Manager) OlderThan(age time.Duration) []Transaction {
	cutoff := m.now().Add(-age)
	var out []Transaction
	for _, tx := range m.List("") {
		if tx.Status == StatusCharging && tx.StartedAt.Before(cutoff) {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Manager) insert(id int64, key connectorKey, idTag string, meterStart int64, startedAt time.Time, status Status) *Transaction {
	if startedAt.IsZero() {
		startedAt = m.now()
	}
	tx := &Transaction{
		ID:            id,
		ChargePointID: key.chargePointID,
		ConnectorID:   key.connectorID,
		IdTag:         strings.TrimSpace(idTag),
		MeterStart:    meterStart,
		MeterCurrent:  meterStart,
		StartedAt:     startedAt,
		LastMeterAt:   startedAt,
		Status:        status,
	}
	m.byID[id] = tx
	m.byConnector[key] = id
	return tx
}

func (m *Manager) remove(tx *Transaction) {
	delete(m.byID, tx.ID)
	key := connectorKey{tx.ChargePointID, tx.ConnectorID}
	if m.byConnector[key] == tx.ID {
		delete(m.byConnector, key)
	}
}
