package audit

import (
	"sync"

	"github.com/BearBump/DockBox/internal/models"
)

const defaultCap = 100

// Log — ограниченная история движений, новые записи впереди.
// Продьюсеры только добавляют; при переполнении хвост обрезается.
type Log struct {
	mu      sync.Mutex
	cap     int
	entries []models.AuditEntry
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCap
	}
	return &Log{cap: capacity}
}

func (l *Log) Record(e models.AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prepend(e)
}

// RecordAll добавляет несколько записей атомарно, в порядке аргументов:
// последняя записанная оказывается самой свежей.
func (l *Log) RecordAll(es ...models.AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range es {
		l.prepend(e)
	}
}

func (l *Log) prepend(e models.AuditEntry) {
	l.entries = append([]models.AuditEntry{e}, l.entries...)
	if len(l.entries) > l.cap {
		l.entries = l.entries[:l.cap]
	}
}

// Query возвращает срез от самой свежей записи. limit <= 0 — дефолт 20.
func (l *Log) Query(limit, offset int) []models.AuditEntry {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if offset >= len(l.entries) {
		return []models.AuditEntry{}
	}
	end := offset + limit
	if end > len(l.entries) {
		end = len(l.entries)
	}
	return append([]models.AuditEntry(nil), l.entries[offset:end]...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot отдаёт копию всей истории для персист-коллаборатора.
func (l *Log) Snapshot() []models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.AuditEntry(nil), l.entries...)
}

// Restore загружает историю из снапшота при старте процесса.
func (l *Log) Restore(entries []models.AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) > l.cap {
		entries = entries[:l.cap]
	}
	l.entries = append([]models.AuditEntry(nil), entries...)
}
