package requests

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory request store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]*ServiceRequest
	jobs          map[string]*Job
	cancellations map[string]*Cancellation // customerID|requestID
	refunds       map[string]*Refund       // customerID|requestID
	reviews       map[string]*Review       // requestID|reviewerID
	reports       []*Report
	progress      map[string][]*ProgressUpdate
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*ServiceRequest),
		jobs:          make(map[string]*Job),
		cancellations: make(map[string]*Cancellation),
		refunds:       make(map[string]*Refund),
		reviews:       make(map[string]*Review),
		progress:      make(map[string][]*ProgressUpdate),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *ServiceRequest, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc := *r
	jc := *j
	m.requests[r.ID] = &rc
	m.jobs[j.RequestID] = &jc
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetJob(_ context.Context, requestID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string, limit int) ([]*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ServiceRequest
	for _, r := range m.requests {
		if r.CustomerID == customerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateDetails(_ context.Context, id string, d RequestDetails) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusSubmitted {
		return nil, ErrNotEditable
	}
	r.Details = d
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) Award(_ context.Context, requestID, awardeeID string, role AwardRole, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	j, ok := m.jobs[requestID]
	if !ok {
		return ErrNotFound
	}

	if j.Type == JobAwarded {
		if j.AwardedToID != awardeeID || j.AwardedToRole != role {
			return ErrAlreadyAwarded
		}
	} else if r.Status == StatusCancelled || r.Status == StatusCompleted {
		return ErrClosed
	} else {
		awardedAt := at
		j.Type = JobAwarded
		j.AwardedToID = awardeeID
		j.AwardedToRole = role
		j.AwardedAt = &awardedAt
	}

	if r.Status == StatusSubmitted || r.Status == StatusOfferPending {
		r.Status = StatusInProgress
	}
	r.PaymentStatus = PaymentPaid
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, types []JobType, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[JobType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	return m.listingsLocked(func(r *ServiceRequest, j *Job) bool {
		return want[j.Type] && r.Status != StatusCancelled
	}, limit), nil
}

func (m *MemoryStore) ListAwarded(_ context.Context, awardeeID string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listingsLocked(func(_ *ServiceRequest, j *Job) bool {
		return j.Type == JobAwarded && j.AwardedToID == awardeeID
	}, limit), nil
}

// Caller must hold m.mu.
func (m *MemoryStore) listingsLocked(match func(*ServiceRequest, *Job) bool, limit int) []*Listing {
	var out []*Listing
	for id, j := range m.jobs {
		r := m.requests[id]
		if r == nil || !match(r, j) {
			continue
		}
		rc, jc := *r, *j
		out = append(out, &Listing{Request: &rc, Job: &jc})
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Request.CreatedAt.After(out[b].Request.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Cancel(_ context.Context, c *Cancellation, refund *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := c.CustomerID + "|" + c.RequestID
	if _, exists := m.cancellations[key]; exists {
		return ErrAlreadyCancelled
	}
	r, ok := m.requests[c.RequestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	if r.Status == StatusCompleted {
		return ErrNotCancellable
	}
	if r.PaymentStatus == PaymentPaid && c.PaymentID == "" {
		return ErrPaymentPending
	}

	cc := *c
	m.cancellations[key] = &cc
	r.Status = StatusCancelled
	r.UpdatedAt = c.CreatedAt
	if refund != nil {
		rc := *refund
		m.refunds[key] = &rc
	}
	return nil
}

func (m *MemoryStore) ListJobsIn(_ context.Context, requestIDs []string, types []JobType, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		ids[id] = true
	}
	want := make(map[JobType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	return m.listingsLocked(func(r *ServiceRequest, j *Job) bool {
		return ids[r.ID] && want[j.Type] && r.Status != StatusCancelled
	}, limit), nil
}

func (m *MemoryStore) CreateReview(_ context.Context, rv *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rv.RequestID + "|" + rv.ReviewerID
	if _, exists := m.reviews[key]; exists {
		return ErrAlreadyReviewed
	}
	cp := *rv
	m.reviews[key] = &cp
	return nil
}

func (m *MemoryStore) CreateReport(_ context.Context, rp *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rp
	m.reports = append(m.reports, &cp)
	return nil
}

func (m *MemoryStore) AddProgress(_ context.Context, u *ProgressUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[u.RequestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusInProgress {
		return ErrInvalidStatus
	}
	cp := *u
	m.progress[u.RequestID] = append(m.progress[u.RequestID], &cp)
	return nil
}

func (m *MemoryStore) ListProgress(_ context.Context, requestID string, limit int) ([]*ProgressUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.progress[requestID]
	out := make([]*ProgressUpdate, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Reports returns the reports filed against a request, oldest first.
func (m *MemoryStore) Reports(requestID string) []*Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Report
	for _, rp := range m.reports {
		if rp.RequestID == requestID {
			cp := *rp
			out = append(out, &cp)
		}
	}
	return out
}

// Refund returns the refund recorded for a cancelled request, if any.
func (m *MemoryStore) Refund(customerID, requestID string) *Refund {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[customerID+"|"+requestID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func sortNewestFirst(rs []*ServiceRequest) {
	sort.Slice(rs, func(a, b int) bool {
		if rs[a].CreatedAt.Equal(rs[b].CreatedAt) {
			return rs[a].ID > rs[b].ID
		}
		return rs[a].CreatedAt.After(rs[b].CreatedAt)
	})
}
