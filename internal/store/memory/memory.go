// Package memory implements store.Store with mutex-guarded maps. It mirrors
// the postgres semantics exactly (unique client order ids, CAS transitions,
// fill dedup) so the engine behaves the same under test and in dry-run mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"execgw/internal/models"
	"execgw/internal/store"
)

type Store struct {
	mu        sync.Mutex
	orders    map[string]models.Order
	slices    map[string]models.OrderSlice
	fills     map[string]models.Fill
	positions map[string]models.Position
	runs      []models.ReconciliationRun
	orphans   map[string]models.OrphanOrder
	audit     []models.AuditEntry
}

func New() *Store {
	return &Store{
		orders:    make(map[string]models.Order),
		slices:    make(map[string]models.OrderSlice),
		fills:     make(map[string]models.Fill),
		positions: make(map[string]models.Position),
		orphans:   make(map[string]models.OrphanOrder),
	}
}

func (s *Store) CreateOrder(_ context.Context, order models.Order) (models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.ClientOrderID]; ok {
		return existing, false, nil
	}
	s.orders[order.ClientOrderID] = order
	return order, true, nil
}

func (s *Store) GetOrder(_ context.Context, clientOrderID string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[clientOrderID]
	if !ok {
		return models.Order{}, store.ErrNotFound
	}
	return order, nil
}

func (s *Store) GetOrderByBrokerID(_ context.Context, brokerOrderID string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.BrokerOrderID != "" && order.BrokerOrderID == brokerOrderID {
			return order, nil
		}
	}
	return models.Order{}, store.ErrNotFound
}

func (s *Store) OpenOrders(_ context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []models.Order
	for _, order := range s.orders {
		if !order.Status.Terminal() {
			open = append(open, order)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ClientOrderID < open[j].ClientOrderID })
	return open, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, clientOrderID string, prev models.OrderStatus, upd store.OrderUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[clientOrderID]
	if !ok {
		return false, store.ErrNotFound
	}
	if order.Status != prev {
		return false, nil
	}
	order.Status = upd.Status
	if upd.BrokerOrderID != "" {
		order.BrokerOrderID = upd.BrokerOrderID
	}
	// Fill quantity is monotonic; a stale update never winds it back.
	if upd.FilledQty > order.FilledQty {
		order.FilledQty = upd.FilledQty
	}
	order.Source = upd.Source
	if upd.Reason != "" {
		order.Reason = upd.Reason
	}
	order.UpdateTime = time.Now()
	s.orders[clientOrderID] = order
	return true, nil
}

func (s *Store) SavePlan(_ context.Context, slices []models.OrderSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range slices {
		if _, ok := s.slices[sl.SliceID]; ok {
			continue
		}
		s.slices[sl.SliceID] = sl
	}
	return nil
}

func (s *Store) PlanForParent(_ context.Context, parentOrderID string) ([]models.OrderSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plan []models.OrderSlice
	for _, sl := range s.slices {
		if sl.ParentOrderID == parentOrderID {
			plan = append(plan, sl)
		}
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Index < plan[j].Index })
	return plan, nil
}

func (s *Store) DueSlices(_ context.Context, now time.Time) ([]models.OrderSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.OrderSlice
	for _, sl := range s.slices {
		if sl.Status == models.SliceStatusScheduled && !sl.ReleaseAt.After(now) {
			due = append(due, sl)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReleaseAt.Before(due[j].ReleaseAt) })
	return due, nil
}

func (s *Store) UpdateSliceStatus(_ context.Context, sliceID string, prev, next models.SliceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slices[sliceID]
	if !ok {
		return false, store.ErrNotFound
	}
	if sl.Status != prev {
		return false, nil
	}
	sl.Status = next
	sl.UpdateTime = time.Now()
	s.slices[sliceID] = sl
	return true, nil
}

func (s *Store) InsertFill(_ context.Context, fill models.Fill, pos models.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fills[fill.BrokerFillID]; ok {
		return false, nil
	}
	s.fills[fill.BrokerFillID] = fill
	s.positions[pos.Symbol] = pos
	return true, nil
}

func (s *Store) FillsForOrder(_ context.Context, clientOrderID string) ([]models.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Fill
	for _, f := range s.fills {
		if f.ClientOrderID == clientOrderID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) FillsForSymbol(_ context.Context, symbol string) ([]models.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Fill
	for _, f := range s.fills {
		if f.Symbol == symbol {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) GetPosition(_ context.Context, symbol string) (models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return models.Position{}, store.ErrNotFound
	}
	return pos, nil
}

func (s *Store) Positions(_ context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Position
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) UpsertPosition(_ context.Context, pos models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Symbol] = pos
	return nil
}

func (s *Store) SaveRun(_ context.Context, run models.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].RunID == run.RunID {
			s.runs[i] = run
			return nil
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *Store) Runs(_ context.Context, limit int) ([]models.ReconciliationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ReconciliationRun, len(s.runs))
	copy(out, s.runs)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LastCompletedRun(_ context.Context) (models.ReconciliationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last models.ReconciliationRun
	found := false
	for _, run := range s.runs {
		if run.FinishedAt.IsZero() {
			continue
		}
		if !found || run.FinishedAt.After(last.FinishedAt) {
			last = run
			found = true
		}
	}
	if !found {
		return models.ReconciliationRun{}, store.ErrNotFound
	}
	return last, nil
}

func (s *Store) QuarantineOrphan(_ context.Context, orphan models.OrphanOrder) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orphans {
		if existing.BrokerOrderID == orphan.BrokerOrderID {
			return false, nil
		}
	}
	s.orphans[orphan.QuarantineID] = orphan
	return true, nil
}

func (s *Store) Orphans(_ context.Context, includeResolved bool) ([]models.OrphanOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrphanOrder
	for _, orphan := range s.orphans {
		if !includeResolved && orphan.Resolved {
			continue
		}
		out = append(out, orphan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	return out, nil
}

func (s *Store) ResolveOrphan(_ context.Context, quarantineID, actor, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orphan, ok := s.orphans[quarantineID]
	if !ok {
		return store.ErrNotFound
	}
	orphan.Resolved = true
	orphan.ResolvedBy = actor
	orphan.Note = note
	s.orphans[quarantineID] = orphan
	return nil
}

func (s *Store) AppendAudit(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) AuditHistory(_ context.Context, flag string, limit int) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEntry
	for _, entry := range s.audit {
		if flag != "" && entry.Flag != flag {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
