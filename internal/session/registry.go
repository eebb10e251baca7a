package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taoyao-code/ocpp-server/internal/correlator"
	"go.uber.org/zap"
)

// ErrSuperseded 同一充电桩重连，旧连接被顶替（errors.Is 同时匹配 correlator.ErrConnectionClosed）
var ErrSuperseded = fmt.Errorf("%w: superseded by a newer connection", correlator.ErrConnectionClosed)

// Handle 注册表中的连接句柄
type Handle interface {
	comparable
	// Supersede 被新连接顶替：结束未决调用、取消周期任务、关闭传输
	Supersede()
}

// Info 连接快照
type Info struct {
	ChargePointID string    `json:"chargePointId"`
	ConnID        string    `json:"connId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeen      time.Time `json:"lastSeen"`
}

type entry[H Handle] struct {
	handle      H
	connID      string
	connectedAt time.Time
}

// Registry 充电桩ID到在线连接的映射，每个ID同一时刻至多一个连接
type Registry[H Handle] struct {
	mu       sync.RWMutex
	entries  map[string]*entry[H]
	lastSeen map[string]time.Time
	timeout  time.Duration

	presence Presence
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*options)

type options struct {
	timeout  time.Duration
	presence Presence
	logger   *zap.Logger
	now      func() time.Time
}

// WithTimeout 心跳超时，超过即视为离线（默认 5 分钟）
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPresence 跨实例在线状态镜像（如 Redis）
func WithPresence(p Presence) Option {
	return func(o *options) {
		if p != nil {
			o.presence = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func NewRegistry[H Handle](opts ...Option) *Registry[H] {
	o := options{
		timeout:  5 * time.Minute,
		presence: NopPresence{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[H]{
		entries:  make(map[string]*entry[H]),
		lastSeen: make(map[string]time.Time),
		timeout:  o.timeout,
		presence: o.presence,
		logger:   o.logger,
		now:      o.now,
	}
}

// Register 绑定连接。已有连接时旧连接被顶替（在锁外调用 Supersede），返回新连接ID与是否发生顶替。
func (r *Registry[H]) Register(chargePointID string, h H) (connID string, superseded bool) {
	id := strings.TrimSpace(chargePointID)
	now := r.now()
	e := &entry[H]{handle: h, connID: uuid.NewString(), connectedAt: now}

	r.mu.Lock()
	prev, had := r.entries[id]
	r.entries[id] = e
	r.lastSeen[id] = now
	r.mu.Unlock()

	if had && prev.handle != h {
		r.logger.Info("connection superseded",
			zap.String("charge_point_id", id),
			zap.String("old_conn_id", prev.connID),
			zap.String("new_conn_id", e.connID))
		prev.handle.Supersede()
		superseded = true
	}

	r.mirror(func(ctx context.Context) error { return r.presence.Bind(ctx, id, e.connID, now) })
	return e.connID, superseded
}

// Lookup 查找在线连接
func (r *Registry[H]) Lookup(chargePointID string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(chargePointID)]
	if !ok {
		var zero H
		return zero, false
	}
	return e.handle, true
}

// Unregister 仅当当前登记的正是该句柄时才移除，避免旧连接的关闭把新连接踢掉
func (r *Registry[H]) Unregister(chargePointID string, h H) bool {
	id := strings.TrimSpace(chargePointID)

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.handle != h {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.mirror(func(ctx context.Context) error { return r.presence.Unbind(ctx, id, e.connID) })
	return true
}

// OnHeartbeat 更新最近活跃时间
func (r *Registry[H]) OnHeartbeat(chargePointID string, t time.Time) {
	id := strings.TrimSpace(chargePointID)
	r.mu.Lock()
	r.lastSeen[id] = t
	r.mu.Unlock()

	r.mirror(func(ctx context.Context) error { return r.presence.Touch(ctx, id, t) })
}

// IsOnline 已连接且心跳未超时
func (r *Registry[H]) IsOnline(chargePointID string, now time.Time) bool {
	id := strings.TrimSpace(chargePointID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	ts, ok := r.lastSeen[id]
	return ok && now.Sub(ts) <= r.timeout
}

// Info 单个连接快照
func (r *Registry[H]) Info(chargePointID string) (Info, bool) {
	id := strings.TrimSpace(chargePointID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Info{}, false
	}
	return Info{ChargePointID: id, ConnID: e.connID, ConnectedAt: e.connectedAt, LastSeen: r.lastSeen[id]}, true
}

// List 按充电桩ID排序的连接快照
func (r *Registry[H]) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Info{ChargePointID: id, ConnID: e.connID, ConnectedAt: e.connectedAt, LastSeen: r.lastSeen[id]})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChargePointID < out[j].ChargePointID })
	return out
}

// Count 在线连接数
func (r *Registry[H]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// OnlineCount 心跳未超时的连接数
func (r *Registry[H]) OnlineCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for id := range r.entries {
		if ts, ok := r.lastSeen[id]; ok && now.Sub(ts) <= r.timeout {
			count++
		}
	}
	return count
}

const presenceTimeout = 2 * time.Second

func (r *Registry[H]) mirror(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn("presence mirror failed", zap.Error(err))
	}
}
