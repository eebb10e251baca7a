package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/storage"
	"github.com/taoyao-code/ocpp-server/internal/storage/models"
)

type connectorKey struct {
	chargePointID string
	connectorID   int
}

// Repository 进程内 ChargePointRepo，数据库未启用时使用
type Repository struct {
	mu         sync.RWMutex
	cps        map[string]models.ChargePoint
	connectors map[connectorKey]models.Connector
	now        func() time.Time
}

var _ storage.ChargePointRepo = (*Repository)(nil)

func New() *Repository {
	return &Repository{
		cps:        make(map[string]models.ChargePoint),
		connectors: make(map[connectorKey]models.Connector),
		now:        time.Now,
	}
}

func (r *Repository) UpsertChargePoint(_ context.Context, cp *models.ChargePoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec := *cp
	if old, ok := r.cps[cp.ID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	r.cps[cp.ID] = rec
	return nil
}

func (r *Repository) TouchChargePoint(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, ok := r.cps[id]
	if !ok {
		rec = models.ChargePoint{ID: id, CreatedAt: now}
	}
	ts := at
	rec.LastSeenAt = &ts
	rec.UpdatedAt = now
	r.cps[id] = rec
	return nil
}

func (r *Repository) GetChargePoint(_ context.Context, id string) (*models.ChargePoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.cps[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (r *Repository) ListChargePoints(_ context.Context, limit, offset int) ([]models.ChargePoint, error) {
	r.mu.RLock()
	out := make([]models.ChargePoint, 0, len(r.cps))
	for _, cp := range r.cps {
		out = append(out, cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset > 0 {
		if offset >= len(out) {
			return []models.ChargePoint{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) UpsertConnector(_ context.Context, c *models.Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = r.now()
	}
	r.connectors[connectorKey{c.ChargePointID, c.ConnectorID}] = *c
	return nil
}

func (r *Repository) ListConnectors(_ context.Context, chargePointID string) ([]models.Connector, error) {
	r.mu.RLock()
	out := make([]models.Connector, 0)
	for k, c := range r.connectors {
		if k.chargePointID == chargePointID {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out, nil
}
