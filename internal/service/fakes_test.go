package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/market-broadcast/internal/cache"
	"github.com/LeventeLantos/market-broadcast/internal/model"
	"github.com/LeventeLantos/market-broadcast/internal/repo"
)

// memRepo implements both repositories in memory with the same
// token-and-status conditional update semantics as the Postgres
// implementations, so engine tests exercise the real claim races.
type memRepo struct {
	mu         sync.Mutex
	runs       map[int64]*model.Run
	deliveries map[int64]*model.Delivery
	nextRunID  int64
	nextDelID  int64
	nextToken  int
}

func newMemRepo() *memRepo {
	return &memRepo{
		runs:       map[int64]*model.Run{},
		deliveries: map[int64]*model.Delivery{},
	}
}

func (m *memRepo) token() string {
	m.nextToken++
	return fmt.Sprintf("tok-%d", m.nextToken)
}

func copyRun(r *model.Run) *model.Run {
	cp := *r
	return &cp
}

func copyDelivery(d *model.Delivery) *model.Delivery {
	cp := *d
	return &cp
}

// --- RunRepository ---

func (m *memRepo) CreateWithDeliveries(ctx context.Context, run *model.Run, recipients []model.Recipient) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRunID++
	now := time.Now().UTC()

	cp := *run
	cp.ID = m.nextRunID
	cp.Status = model.RunQueued
	cp.Counts = model.RunCounts{Total: len(recipients), Pending: len(recipients)}
	cp.QueuedAt = now
	cp.UpdatedAt = now
	if len(recipients) == 0 {
		cp.Status = model.RunCompleted
		cp.FinishedAt = &now
	}
	m.runs[cp.ID] = &cp

	for _, rc := range recipients {
		m.nextDelID++
		m.deliveries[m.nextDelID] = &model.Delivery{
			ID:        m.nextDelID,
			RunID:     cp.ID,
			UserID:    rc.UserID,
			Address:   rc.Address,
			Status:    model.DeliveryPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	return copyRun(&cp), nil
}

func (m *memRepo) Get(ctx context.Context, id int64) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return copyRun(r), nil
}

func (m *memRepo) ClaimNext(ctx context.Context, leaseFor time.Duration) (*model.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	var candidates []*model.Run
	for _, r := range m.runs {
		switch {
		case r.Status == model.RunQueued && (r.LeaseExpiresAt == nil || r.LeaseExpiresAt.Before(now)):
			candidates = append(candidates, r)
		case r.Status == model.RunRunning && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now):
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i], candidates[j]
		if (ri.Status == model.RunRunning) != (rj.Status == model.RunRunning) {
			return ri.Status != model.RunRunning
		}
		return ri.QueuedAt.Before(rj.QueuedAt)
	})

	r := candidates[0]
	tok := m.token()
	exp := now.Add(leaseFor)
	r.Status = model.RunRunning
	r.LeaseToken = &tok
	r.LeaseExpiresAt = &exp
	r.HeartbeatAt = &now
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.UpdatedAt = now

	return copyRun(r), tok, nil
}

func (m *memRepo) RenewLease(ctx context.Context, id int64, token string, leaseFor time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.Status != model.RunRunning || r.LeaseToken == nil || *r.LeaseToken != token {
		return false, nil
	}
	now := time.Now()
	exp := now.Add(leaseFor)
	r.LeaseExpiresAt = &exp
	r.HeartbeatAt = &now
	return true, nil
}

func (m *memRepo) ReleaseLease(ctx context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.Status != model.RunRunning || r.LeaseToken == nil || *r.LeaseToken != token {
		return nil
	}
	r.Status = model.RunQueued
	r.LeaseToken = nil
	r.LeaseExpiresAt = nil
	return nil
}

func (m *memRepo) Finalize(ctx context.Context, id int64, token string, status model.RunStatus, counts model.RunCounts) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.Status != model.RunRunning || r.LeaseToken == nil || *r.LeaseToken != token {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = status
	r.Counts = counts
	r.FinishedAt = &now
	r.LeaseToken = nil
	r.LeaseExpiresAt = nil
	r.UpdatedAt = now
	return true, nil
}

func (m *memRepo) UpdateCounts(ctx context.Context, id int64, counts model.RunCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runs[id]; ok {
		r.Counts = counts
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *memRepo) Reopen(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.Status == model.RunRunning {
		return false, nil
	}
	r.Status = model.RunQueued
	r.FinishedAt = nil
	r.LeaseToken = nil
	r.LeaseExpiresAt = nil
	return true, nil
}

func (m *memRepo) MarkCancelled(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || (r.Status != model.RunQueued && r.Status != model.RunRunning) {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = model.RunCancelled
	r.FinishedAt = &now
	r.LeaseToken = nil
	r.LeaseExpiresAt = nil
	return true, nil
}

func (m *memRepo) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if !r.Terminal() {
		return repo.ErrRunNotTerminal
	}
	delete(m.runs, id)
	for did, d := range m.deliveries {
		if d.RunID == id {
			delete(m.deliveries, did)
		}
	}
	return nil
}

func (m *memRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.runs {
		if r.Terminal() && r.FinishedAt != nil && r.FinishedAt.Before(cutoff) {
			delete(m.runs, id)
			for did, d := range m.deliveries {
				if d.RunID == id {
					delete(m.deliveries, did)
				}
			}
			n++
		}
	}
	return n, nil
}

// --- DeliveryRepository ---

func (m *memRepo) ClaimBatch(ctx context.Context, runID int64, batchSize int, lockFor time.Duration) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	var due []*model.Delivery
	for _, d := range m.deliveries {
		if d.RunID != runID {
			continue
		}
		claimable := d.Status == model.DeliveryPending ||
			(d.Status == model.DeliveryFailedRetry && d.NextAttemptAt != nil && !d.NextAttemptAt.After(now))
		lockFree := d.LockToken == nil || (d.LockExpiresAt != nil && d.LockExpiresAt.Before(now))
		if claimable && lockFree {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	var claimed []model.Delivery
	for _, d := range due {
		if len(claimed) >= batchSize {
			break
		}
		tok := m.token()
		exp := now.Add(lockFor)
		d.Status = model.DeliveryProcessing
		d.LockToken = &tok
		d.LockExpiresAt = &exp
		d.AttemptCount++
		d.LastAttemptAt = &now
		d.NextAttemptAt = nil
		claimed = append(claimed, *copyDelivery(d))
	}
	return claimed, nil
}

func (m *memRepo) locked(id int64, token string) *model.Delivery {
	d, ok := m.deliveries[id]
	if !ok || d.Status != model.DeliveryProcessing || d.LockToken == nil || *d.LockToken != token {
		return nil
	}
	return d
}

func (m *memRepo) MarkSent(ctx context.Context, id int64, lockToken, remoteMessageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.locked(id, lockToken)
	if d == nil {
		return false, nil
	}
	now := time.Now().UTC()
	d.Status = model.DeliverySent
	d.SentAt = &now
	d.RemoteMessageID = &remoteMessageID
	d.LastError = nil
	d.LockToken = nil
	d.LockExpiresAt = nil
	return true, nil
}

func (m *memRepo) MarkRetry(ctx context.Context, id int64, lockToken string, nextAttemptAt time.Time, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.locked(id, lockToken)
	if d == nil {
		return false, nil
	}
	d.Status = model.DeliveryFailedRetry
	d.NextAttemptAt = &nextAttemptAt
	d.LastError = &reason
	d.LockToken = nil
	d.LockExpiresAt = nil
	return true, nil
}

func (m *memRepo) MarkPermanent(ctx context.Context, id int64, lockToken, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.locked(id, lockToken)
	if d == nil {
		return false, nil
	}
	d.Status = model.DeliveryFailedPermanent
	d.LastError = &reason
	d.LockToken = nil
	d.LockExpiresAt = nil
	d.NextAttemptAt = nil
	return true, nil
}

func (m *memRepo) SweepStale(ctx context.Context, runID int64, grace time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-grace)
	msg := "processing lock expired without a result; delivery outcome unknown"

	var n int64
	for _, d := range m.deliveries {
		if runID != 0 && d.RunID != runID {
			continue
		}
		if d.Status != model.DeliveryProcessing {
			continue
		}
		if d.LockExpiresAt == nil || !d.LockExpiresAt.Before(cutoff) {
			continue
		}
		d.Status = model.DeliveryUnknown
		d.LastError = &msg
		d.LockToken = nil
		d.LockExpiresAt = nil
		d.NextAttemptAt = nil
		n++
	}
	return n, nil
}

func (m *memRepo) CountByStatus(ctx context.Context, runID int64) (model.RunCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c model.RunCounts
	for _, d := range m.deliveries {
		if d.RunID != runID {
			continue
		}
		c.Total++
		switch d.Status {
		case model.DeliveryPending, model.DeliveryProcessing, model.DeliveryFailedRetry:
			c.Pending++
		case model.DeliverySent:
			c.Sent++
		case model.DeliveryFailedPermanent:
			c.Failed++
		case model.DeliveryUnknown:
			c.Unknown++
		}
	}
	return c, nil
}

func (m *memRepo) CancelActive(ctx context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	failMsg := "run cancelled"
	unknownMsg := "run cancelled while delivery was in flight"

	for _, d := range m.deliveries {
		if d.RunID != runID {
			continue
		}
		switch d.Status {
		case model.DeliveryPending, model.DeliveryFailedRetry:
			d.Status = model.DeliveryFailedPermanent
			d.LastError = &failMsg
		case model.DeliveryProcessing:
			d.Status = model.DeliveryUnknown
			d.LastError = &unknownMsg
		default:
			continue
		}
		d.LockToken = nil
		d.LockExpiresAt = nil
		d.NextAttemptAt = nil
	}
	return nil
}

func (m *memRepo) RequeueUnknown(ctx context.Context, runID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, d := range m.deliveries {
		if d.RunID != runID || d.Status != model.DeliveryUnknown {
			continue
		}
		d.Status = model.DeliveryPending
		d.LastError = nil
		d.NextAttemptAt = nil
		d.LockToken = nil
		d.LockExpiresAt = nil
		n++
	}
	return n, nil
}

func (m *memRepo) ListByRun(ctx context.Context, runID int64, statuses []model.DeliveryStatus, limit, offset int) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(s model.DeliveryStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	var all []*model.Delivery
	for _, d := range m.deliveries {
		if d.RunID == runID && match(d.Status) {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if limit <= 0 {
		limit = 50
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	out := make([]model.Delivery, 0, end-offset)
	for _, d := range all[offset:end] {
		out = append(out, *copyDelivery(d))
	}
	return out, nil
}

// delivery mutates a stored delivery row directly, for test setup that
// simulates crashed workers or exhausted attempts.
func (m *memRepo) delivery(id int64, mutate func(*model.Delivery)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		mutate(d)
	}
}

// run mutates a stored run row directly.
func (m *memRepo) run(id int64, mutate func(*model.Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		mutate(r)
	}
}

// fakeSender scripts per-address outcomes and tracks how many sends run
// concurrently.
type fakeSender struct {
	mu          sync.Mutex
	results     map[string]error // nil entry (or missing key) means success
	calls       []string
	inFlight    int
	maxInFlight int
	block       chan struct{} // when non-nil, sends park until it is closed
}

func (f *fakeSender) Send(ctx context.Context, address, message string, attachments []string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, address)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block := f.block
	err := f.results[address]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	return "remote-" + address, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeDirectory records deactivated addresses.
type fakeDirectory struct {
	mu       sync.Mutex
	inactive []string
	err      error
}

func (f *fakeDirectory) MarkInactive(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inactive = append(f.inactive, address)
	return nil
}

// staticResolver returns a fixed recipient list regardless of selector.
type staticResolver struct {
	recipients []model.Recipient
	err        error
}

func (s *staticResolver) Resolve(ctx context.Context, sel model.Selector, limit int) ([]model.Recipient, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit > 0 && len(s.recipients) > limit {
		return s.recipients[:limit], nil
	}
	return s.recipients, nil
}

// memProgress records progress snapshots in memory.
type memProgress struct {
	mu        sync.Mutex
	snapshots map[int64]cache.Progress
}

func newMemProgress() *memProgress {
	return &memProgress{snapshots: map[int64]cache.Progress{}}
}

func (p *memProgress) StoreProgress(ctx context.Context, runID int64, pr cache.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[runID] = pr
	return nil
}

func (p *memProgress) GetProgress(ctx context.Context, runID int64) (*cache.Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.snapshots[runID]; ok {
		cp := pr
		return &cp, nil
	}
	return nil, nil
}
