package centralsystem

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"gopkg.in/yaml.v3"
)

// AuthEntry 本地授权列表中的一项
type AuthEntry struct {
	IdTag       string    `yaml:"idTag"`
	Status      string    `yaml:"status"`
	Expiry      time.Time `yaml:"expiry"`
	ParentIdTag string    `yaml:"parentIdTag"`
}

// AuthList 本地授权列表。列表为空时任何 idTag 均放行。
type AuthList struct {
	mu      sync.RWMutex
	entries map[string]AuthEntry
	expiry  time.Time // 放行时下发的默认过期时间
}

type authFile struct {
	Entries []AuthEntry `yaml:"entries"`
}

var defaultExpiry = time.Date(2030, 12, 31, 23, 59, 59, 0, time.UTC)

// NewAuthList 以给定条目构造授权列表
func NewAuthList(entries ...AuthEntry) *AuthList {
	l := &AuthList{entries: make(map[string]AuthEntry, len(entries)), expiry: defaultExpiry}
	for _, e := range entries {
		l.entries[e.IdTag] = e
	}
	return l
}

// LoadAuthList 读取 YAML 授权列表；path 为空返回空列表
func LoadAuthList(path string) (*AuthList, error) {
	if path == "" {
		return NewAuthList(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth list: %w", err)
	}
	var f authFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("unmarshal auth list: %w", err)
	}
	for i, e := range f.Entries {
		if e.IdTag == "" {
			return nil, fmt.Errorf("auth list entry %d: empty idTag", i)
		}
		if e.Status == "" {
			f.Entries[i].Status = string(ocpp16.AuthorizationAccepted)
		}
	}
	return NewAuthList(f.Entries...), nil
}

// Len 条目数
func (l *AuthList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Authorize 查询 idTag 的授权信息
func (l *AuthList) Authorize(idTag string, now time.Time) ocpp16.IdTagInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		exp := ocpp16.NewDateTime(l.expiry)
		return ocpp16.IdTagInfo{Status: ocpp16.AuthorizationAccepted, ExpiryDate: &exp}
	}
	e, ok := l.entries[idTag]
	if !ok {
		return ocpp16.IdTagInfo{Status: ocpp16.AuthorizationInvalid}
	}
	info := ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatus(e.Status), ParentIdTag: e.ParentIdTag}
	if !e.Expiry.IsZero() {
		exp := ocpp16.NewDateTime(e.Expiry)
		info.ExpiryDate = &exp
		if info.Status == ocpp16.AuthorizationAccepted && now.After(e.Expiry) {
			info.Status = ocpp16.AuthorizationExpired
		}
	}
	return info
}
