package transaction

import "sync"

// ClosedLog 已结束事务的环形缓冲区，容量满后覆盖最旧的记录
type ClosedLog struct {
	mu    sync.Mutex
	items []StopSummary
	next  int
	full  bool
}

func NewClosedLog(size int) *ClosedLog {
	if size <= 0 {
		size = 256
	}
	return &ClosedLog{items: make([]StopSummary, size)}
}

func (l *ClosedLog) Add(s StopSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[l.next] = s
	l.next = (l.next + 1) % len(l.items)
	if l.next == 0 {
		l.full = true
	}
}

func (l *ClosedLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.items)
	}
	return l.next
}

// Recent 最近的 n 条记录，新的在前；n<=0 返回全部
func (l *ClosedLog) Recent(n int) []StopSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = len(l.items)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]StopSummary, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.items)) % len(l.items)
		out = append(out, l.items[idx])
	}
	return out
}
