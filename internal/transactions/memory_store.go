package transactions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudshield/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Transaction
	now  func() time.Time
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*Transaction),
		now:  time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[tx.ID]; exists {
		return ErrDuplicateID
	}
	m.rows[tx.ID] = tx.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.clone(), nil
}

// sortedLocked returns rows newest first. Caller must hold m.mu.
func (m *MemoryStore) sortedLocked() []*Transaction {
	out := make([]*Transaction, 0, len(m.rows))
	for _, tx := range m.rows {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) List(_ context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.sortedLocked() {
		if len(result) >= limit {
			break
		}
		if f.PayerID != "" && tx.PayerID != f.PayerID {
			continue
		}
		if f.Status != "" && tx.PaymentStatus != f.Status {
			continue
		}
		if f.FraudOnly && !tx.IsFraud {
			continue
		}
		if !cursor.After(tx.CreatedAt, tx.ID) {
			continue
		}
		result = append(result, tx.clone())
	}
	return result, nil
}

func (m *MemoryStore) Aggregates(_ context.Context, cur *Transaction, w Window) (*Aggregates, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := &Aggregates{KnownFraudIPs: make(map[string]bool)}
	failureCutoff := cur.CreatedAt.Add(-w.Failure)
	velocityCutoff := cur.CreatedAt.Add(-w.Velocity)

	var payeeTotal, payeeFraud int
	sum := decimal.Zero

	for _, tx := range m.sortedLocked() {
		if tx.ID == cur.ID || tx.CreatedAt.After(cur.CreatedAt) {
			continue
		}

		if tx.PayerID == cur.PayerID {
			if tx.PaymentStatus == StatusFailed && !tx.CreatedAt.Before(failureCutoff) {
				agg.RecentFailures++
			}
			if !tx.CreatedAt.Before(velocityCutoff) {
				agg.RecentActivity++
			}
			if agg.HistoryCount < w.HistoryLimit {
				agg.HistoryCount++
				sum = sum.Add(tx.Amount)
			}
			if tx.PayeeID == cur.PayeeID && tx.PaymentStatus == StatusCompleted {
				agg.PriorCompleted++
			}
		}

		if tx.PayeeID == cur.PayeeID {
			payeeTotal++
			if tx.IsFraud {
				payeeFraud++
			}
		}

		if tx.IsFraud && tx.IP != "" && len(agg.KnownFraudIPs) < w.KnownFraudIPLimit {
			agg.KnownFraudIPs[tx.IP] = true
		}
	}

	if agg.HistoryCount > 0 {
		agg.HistoryAverage = sum.Div(decimal.NewFromInt(int64(agg.HistoryCount)))
	}
	if payeeTotal > 0 {
		agg.PayeeFraudRatio = float64(payeeFraud) / float64(payeeTotal)
	}
	return agg, nil
}

func (m *MemoryStore) ApplyDecision(_ context.Context, id string, d Decision) (*Transaction, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if tx.Decided() {
		return nil, ErrAlreadyDecided
	}

	score := d.FraudScore
	decidedAt := m.now().UTC()
	tx.IsFraud = d.IsFraud
	tx.FraudScore = &score
	tx.PaymentStatus = d.Status
	tx.DecidedAt = &decidedAt
	if d.IncrementFailures {
		tx.FailedAttempts++
	}
	return tx.clone(), nil
}

func (m *MemoryStore) MarkReported(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	tx.FraudReported = true
	return nil
}

func (m *MemoryStore) Stats(_ context.Context, since time.Time, topN int) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{TopRegions: []RegionCount{}}
	byRegion := make(map[string]int)
	var scoreSum float64
	var scored int

	for _, tx := range m.rows {
		if tx.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		if tx.IsFraud {
			stats.Fraudulent++
			byRegion[tx.Region]++
		}
		if tx.FraudScore != nil {
			scoreSum += *tx.FraudScore
			scored++
		}
	}

	for region, n := range byRegion {
		stats.TopRegions = append(stats.TopRegions, RegionCount{Region: region, Count: n})
	}
	sort.Slice(stats.TopRegions, func(i, j int) bool {
		a, b := stats.TopRegions[i], stats.TopRegions[j]
		if a.Count == b.Count {
			return a.Region < b.Region
		}
		return a.Count > b.Count
	})
	if len(stats.TopRegions) > topN {
		stats.TopRegions = stats.TopRegions[:topN]
	}
	if scored > 0 {
		stats.AverageScore = scoreSum / float64(scored)
	}
	return stats, nil
}
