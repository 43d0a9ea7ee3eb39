package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// MemoryStore is an in-process implementation of the commission and
// compliance stores. Every method copies on the way in and out so callers
// never share state with the store. Used for local runs and tests.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	commissions map[string]*CommissionRecord
	statusLog   []*StatusLogEntry
	deniedJobs  map[string]*DeniedJob
	violations  map[string]*ComplianceViolation
	holds       map[string]*ComplianceHold
	escalations map[string]*Escalation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		commissions: make(map[string]*CommissionRecord),
		deniedJobs:  make(map[string]*DeniedJob),
		violations:  make(map[string]*ComplianceViolation),
		holds:       make(map[string]*ComplianceHold),
		escalations: make(map[string]*Escalation),
	}
}

// ── Commissions ───────────────────────────────────────────────────────────────

func (m *MemoryStore) Create(_ context.Context, rec *CommissionRecord, entry *StatusLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec.ID = uuid.NewString()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.commissions[rec.ID] = rec.Clone()

	entry.CommissionID = rec.ID
	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*CommissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.commissions[id]
	if !ok {
		return nil, errors.NotFound("commission", id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f CommissionFilter) ([]*CommissionRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*CommissionRecord, 0)
	for _, rec := range m.commissions {
		if f.Status != nil && rec.State.Status() != *f.Status {
			continue
		}
		if f.Stage != nil {
			stage := rec.State.ApprovalStage()
			if stage == nil || *stage != *f.Stage {
				continue
			}
		}
		if f.SubmittedBy != nil && rec.SubmittedBy != *f.SubmittedBy {
			continue
		}
		if f.JobID != nil && rec.AcculynxJobID != *f.JobID {
			continue
		}
		if f.IsDraw != nil && rec.IsDraw != *f.IsDraw {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	page := paginate(matched, f.Limit, f.Offset)
	out := make([]*CommissionRecord, len(page))
	for i, rec := range page {
		out[i] = rec.Clone()
	}
	return out, total, nil
}

func (m *MemoryStore) UpdateInputs(_ context.Context, rec *CommissionRecord, expected workflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.commissions[rec.ID]
	if !ok {
		return errors.NotFound("commission", rec.ID)
	}
	if cur.State != expected {
		return ErrStaleState
	}
	rec.UpdatedAt = m.now()
	m.commissions[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, w *TransitionWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.commissions[w.Record.ID]
	if !ok {
		return errors.NotFound("commission", w.Record.ID)
	}
	if cur.State != w.Expected {
		return ErrStaleState
	}

	w.Record.UpdatedAt = m.now()
	m.commissions[w.Record.ID] = w.Record.Clone()

	if w.DenyJob != nil {
		if _, exists := m.deniedJobs[w.DenyJob.JobID]; !exists {
			dj := *w.DenyJob
			dj.DeniedAt = m.now()
			m.deniedJobs[dj.JobID] = &dj
		}
	}

	m.appendLocked(w.Entry)
	return nil
}

func (m *MemoryStore) IsJobDenied(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deniedJobs[jobID]
	return ok, nil
}

func (m *MemoryStore) History(_ context.Context, commissionID string) ([]*StatusLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*StatusLogEntry, 0)
	for _, e := range m.statusLog {
		if e.CommissionID == commissionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.commissions[id]; !ok {
		return errors.NotFound("commission", id)
	}
	delete(m.commissions, id)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) appendLocked(entry *StatusLogEntry) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = m.now()
	cp := *entry
	m.statusLog = append(m.statusLog, &cp)
}

// ── Violations ────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateViolation(_ context.Context, v *ComplianceViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	v.ID = uuid.NewString()
	v.CreatedAt, v.UpdatedAt = now, now
	cp := *v
	m.violations[v.ID] = &cp
	return nil
}

func (m *MemoryStore) GetViolation(_ context.Context, id string) (*ComplianceViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.violations[id]
	if !ok {
		return nil, errors.NotFound("violation", id)
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) ListViolations(_ context.Context, f ViolationFilter) ([]*ComplianceViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*ComplianceViolation, 0)
	for _, v := range m.violations {
		if f.Status != nil && v.Status != *f.Status {
			continue
		}
		if f.Severity != nil && v.Severity != *f.Severity {
			continue
		}
		if f.JobID != nil && (v.JobID == nil || *v.JobID != *f.JobID) {
			continue
		}
		if f.UserID != nil && (v.UserID == nil || *v.UserID != *f.UserID) {
			continue
		}
		cp := *v
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, f.Limit, f.Offset), nil
}

func (m *MemoryStore) ApplyViolationUpdate(_ context.Context, u *ViolationUpdate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.violations[u.Violation.ID]; !ok {
		return 0, errors.NotFound("violation", u.Violation.ID)
	}
	if e := u.Escalation; e != nil {
		cur, ok := m.escalations[e.ID]
		if !ok {
			return 0, errors.NotFound("escalation", e.ID)
		}
		if cur.Status != EscalationPending {
			return 0, errors.Conflict("escalation has already been decided")
		}
	}

	now := m.now()
	u.Violation.UpdatedAt = now
	v := *u.Violation
	m.violations[v.ID] = &v

	if e := u.Escalation; e != nil {
		e.UpdatedAt = now
		cp := *e
		m.escalations[e.ID] = &cp
	}

	released := 0
	if u.ReleaseRelated {
		for _, h := range m.holds {
			if h.Status == HoldActive && h.RelatedEntityID != nil && *h.RelatedEntityID == v.ID {
				by, at := u.ReleasedBy, u.At
				h.Status = HoldReleased
				h.ReleasedBy = &by
				h.ReleasedAt = &at
				h.UpdatedAt = now
				released++
			}
		}
	}
	return released, nil
}

// ── Holds ─────────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateHold(_ context.Context, h *ComplianceHold, blockViolation bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	h.ID = uuid.NewString()
	h.CreatedAt, h.UpdatedAt = now, now
	cp := *h
	m.holds[h.ID] = &cp

	if blockViolation && h.RelatedEntityID != nil {
		if v, ok := m.violations[*h.RelatedEntityID]; ok && v.Status == ViolationOpen {
			v.Status = ViolationBlocked
			v.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryStore) GetHold(_ context.Context, id string) (*ComplianceHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, errors.NotFound("hold", id)
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ReleaseHold(_ context.Context, h *ComplianceHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.holds[h.ID]
	if !ok {
		return errors.NotFound("hold", h.ID)
	}
	if cur.Status != HoldActive {
		return errors.Conflict("hold is not active")
	}
	h.Status = HoldReleased
	h.UpdatedAt = m.now()
	cp := *h
	m.holds[h.ID] = &cp
	return nil
}

func (m *MemoryStore) ListHolds(_ context.Context, f HoldFilter) ([]*ComplianceHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*ComplianceHold, 0)
	for _, h := range m.holds {
		if f.Status != nil && h.Status != *f.Status {
			continue
		}
		if f.TargetType != nil && h.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && h.TargetID != *f.TargetID {
			continue
		}
		cp := *h
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, f.Limit, f.Offset), nil
}

func (m *MemoryStore) FindActiveHold(_ context.Context, jobID, userID string) (*ComplianceHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *ComplianceHold
	for _, h := range m.holds {
		if h.Status != HoldActive {
			continue
		}
		match := (h.TargetType == TargetJob && jobID != "" && h.TargetID == jobID) ||
			(h.TargetType == TargetUser && userID != "" && h.TargetID == userID)
		if match && (found == nil || h.CreatedAt.Before(found.CreatedAt)) {
			found = h
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

// ── Escalations ───────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateEscalation(_ context.Context, e *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.escalations {
		if existing.ViolationID == e.ViolationID {
			return errors.Conflict("violation already has an escalation")
		}
	}
	v, ok := m.violations[e.ViolationID]
	if !ok {
		return errors.NotFound("violation", e.ViolationID)
	}

	now := m.now()
	e.ID = uuid.NewString()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	m.escalations[e.ID] = &cp

	v.Status = ViolationEscalated
	v.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetEscalation(_ context.Context, id string) (*Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escalations[id]
	if !ok {
		return nil, errors.NotFound("escalation", id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEscalationByViolation(_ context.Context, violationID string) (*Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escalations {
		if e.ViolationID == violationID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
