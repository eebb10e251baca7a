package pg

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/taoyao-code/ocpp-server/internal/endpoint"
	"github.com/taoyao-code/ocpp-server/internal/storage/models"
)

var messageLogColumns = []string{"charge_point_id", "direction", "message_type", "message_id", "action", "payload", "created_at"}

// DB FrameLog 所需的最小接口（*pgxpool.Pool 满足）
type DB interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// FrameLogOptions 批量写入参数
type FrameLogOptions struct {
	QueueSize     int           // 缓冲帧数，满则丢弃
	BatchSize     int           // 单次 COPY 行数上限
	FlushInterval time.Duration // 未满批次的最长等待
	Logger        *zap.Logger
	// OnDrop 缓冲满丢弃时回调（指标）
	OnDrop func()
}

func (o FrameLogOptions) withDefaults() FrameLogOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OnDrop == nil {
		o.OnDrop = func() {}
	}
	return o
}

// FrameLog 异步 OCPP 帧审计日志：实现 endpoint.Observer，读写路径只做非阻塞入队，
// 后台按批 COPY 进 message_log。
type FrameLog struct {
	db      DB
	opts    FrameLogOptions
	ch      chan models.MessageLog
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ endpoint.Observer = (*FrameLog)(nil)

func NewFrameLog(db DB, opts FrameLogOptions) *FrameLog {
	opts = opts.withDefaults()
	return &FrameLog{
		db:   db,
		opts: opts,
		ch:   make(chan models.MessageLog, opts.QueueSize),
	}
}

// Frame 记录一帧（不阻塞）
func (f *FrameLog) Frame(chargePointID string, dir endpoint.Direction, raw []byte) {
	rec := models.MessageLog{
		ChargePointID: chargePointID,
		Direction:     string(dir),
		Payload:       string(raw),
		CreatedAt:     time.Now(),
	}
	rec.MessageType, rec.MessageID, rec.Action = frameHeader(raw)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- rec:
	default:
		f.dropped.Add(1)
		f.opts.OnDrop()
	}
}

// Malformed 帧本身已由 Frame 记录（message_type=0）
func (f *FrameLog) Malformed(string, []byte, error) {}

// Dropped 缓冲满被丢弃的帧数
func (f *FrameLog) Dropped() int64 { return f.dropped.Load() }

// Start 启动后台写入；ctx 取消或 Close 后写完剩余批次退出
func (f *FrameLog) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.loop(ctx)
}

// Close 停止接收并等待缓冲写完
func (f *FrameLog) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *FrameLog) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.MessageLog, 0, f.opts.BatchSize)
	for {
		select {
		case rec, ok := <-f.ch:
			if !ok {
				f.flush(context.Background(), batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= f.opts.BatchSize {
				f.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			f.flush(ctx, batch)
			batch = batch[:0]
		case <-ctx.Done():
			f.drain(batch)
			return
		}
	}
}

func (f *FrameLog) drain(batch []models.MessageLog) {
	for {
		select {
		case rec, ok := <-f.ch:
			if !ok {
				f.flush(context.Background(), batch)
				return
			}
			batch = append(batch, rec)
		default:
			f.flush(context.Background(), batch)
			return
		}
	}
}

func (f *FrameLog) flush(ctx context.Context, batch []models.MessageLog) {
	if len(batch) == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := f.db.CopyFrom(wctx, pgx.Identifier{"message_log"}, messageLogColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			r := batch[i]
			return []any{r.ChargePointID, r.Direction, r.MessageType, r.MessageID, r.Action, r.Payload, r.CreatedAt}, nil
		}))
	if err != nil {
		f.opts.Logger.Warn("message log flush failed", zap.Int("rows", len(batch)), zap.Error(err))
		return
	}
	f.opts.Logger.Debug("message log flushed", zap.Int64("rows", n))
}

// Recent 查询充电桩最近的帧，按时间倒序
func (f *FrameLog) Recent(ctx context.Context, chargePointID string, limit int) ([]models.MessageLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const q = `SELECT id, charge_point_id, direction, message_type, message_id, action, payload, created_at
               FROM message_log
               WHERE charge_point_id = $1
               ORDER BY created_at DESC, id DESC
               LIMIT $2`
	rows, err := f.db.Query(ctx, q, chargePointID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MessageLog, error) {
		var m models.MessageLog
		err := row.Scan(&m.ID, &m.ChargePointID, &m.Direction, &m.MessageType, &m.MessageID, &m.Action, &m.Payload, &m.CreatedAt)
		return m, err
	})
}

// frameHeader 尽量取出 [type, id, action]；无法解析时 type=0
func frameHeader(raw []byte) (int16, string, string) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) < 2 {
		return 0, "", ""
	}
	var typ int16
	var id string
	if json.Unmarshal(elems[0], &typ) != nil || json.Unmarshal(elems[1], &id) != nil {
		return 0, "", ""
	}
	var action string
	if typ == 2 && len(elems) > 2 {
		_ = json.Unmarshal(elems[2], &action)
	}
	return typ, id, action
}
