package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type memCampaign struct {
	model.Campaign
	claimedBy    string
	claimExpires time.Time
}

type memSignal struct {
	campaignID int
	kind       string
	at         time.Time
}

// MemoryDB is a process-local stand-in for Postgres with the same
// conditional-update semantics. It backs tests and database-less runs.
type MemoryDB struct {
	mu sync.Mutex

	campaigns   map[int]*memCampaign
	recipients  map[int]model.Recipient
	targets     map[int]map[int]bool
	attempts    map[int]*model.DispatchAttempt
	pairs       map[[2]int]int
	assessments []model.RiskAssessment
	signals     []memSignal

	nextCampaign, nextRecipient, nextAttempt, nextAssessment int

	now func() time.Time
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		campaigns:  map[int]*memCampaign{},
		recipients: map[int]model.Recipient{},
		targets:    map[int]map[int]bool{},
		attempts:   map[int]*model.DispatchAttempt{},
		pairs:      map[[2]int]int{},
		now:        time.Now,
	}
}

func (m *MemoryDB) WithClock(now func() time.Time) *MemoryDB {
	m.now = now
	return m
}

// Repositories exposes the MemoryDB through the repository interfaces.
func (m *MemoryDB) Repositories() Repositories {
	return Repositories{
		Campaigns:  memCampaigns{m},
		Recipients: memRecipients{m},
		Attempts:   memAttempts{m},
		Risk:       memRisk{m},
	}
}

// NewMemory returns repositories over a fresh MemoryDB.
func NewMemory() Repositories {
	return NewMemoryDB().Repositories()
}

// ====================== Campaigns ======================

type memCampaigns struct{ *MemoryDB }

func (m memCampaigns) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCampaign++
	c.ID = m.nextCampaign
	c.CreatedAt = m.now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Channel == "" {
		c.Channel = "sms"
	}
	m.campaigns[c.ID] = &memCampaign{Campaign: cloneCampaign(*c)}
	return nil
}

func (m memCampaigns) Update(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	now := m.now()
	row.Name = c.Name
	row.BaseTemplate = c.BaseTemplate
	row.RequiredVars = append([]string(nil), c.RequiredVars...)
	row.RewriteEnabled = c.RewriteEnabled
	row.RewriteTone = c.RewriteTone
	row.ScheduledAt = c.ScheduledAt
	row.UpdatedAt = &now
	return nil
}

func (m memCampaigns) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	c := cloneCampaign(row.Campaign)
	return &c, nil
}

func (m memCampaigns) ListCampaigns(_ context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*model.Campaign
	for _, row := range m.campaigns {
		if channel != "" && row.Channel != channel {
			continue
		}
		if status != "" && string(row.Status) != status {
			continue
		}
		c := cloneCampaign(row.Campaign)
		matched = append(matched, &c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (m memCampaigns) ListIDsByStatus(_ context.Context, status model.CampaignStatus) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int
	for id, row := range m.campaigns {
		if row.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (m memCampaigns) ListDueScheduled(_ context.Context, now time.Time) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int
	for id, row := range m.campaigns {
		if row.Status == model.CampaignScheduled && row.ScheduledAt != nil && !row.ScheduledAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (m memCampaigns) Transition(_ context.Context, id int, next model.CampaignStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.campaigns[id]
	if !ok || !row.Status.CanTransition(next) {
		return false, nil
	}
	now := m.now()
	row.Status = next
	row.StatusReason = reason
	row.UpdatedAt = &now
	switch {
	case next == model.CampaignScheduled && row.ScheduledAt == nil:
		row.ScheduledAt = &now
	case next == model.CampaignRunning && row.StartedAt == nil:
		row.StartedAt = &now
	case next.Terminal():
		row.EndedAt = &now
		row.claimedBy = ""
	}
	return true, nil
}

func (m memCampaigns) Claim(_ context.Context, id int, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.campaigns[id]
	if !ok || row.Status != model.CampaignRunning {
		return false, nil
	}
	now := m.now()
	if row.claimedBy != "" && row.claimedBy != owner && now.Before(row.claimExpires) {
		return false, nil
	}
	row.claimedBy = owner
	row.claimExpires = now.Add(ttl)
	return true, nil
}

func (m memCampaigns) ReleaseClaim(_ context.Context, id int, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.campaigns[id]; ok && row.claimedBy == owner {
		row.claimedBy = ""
		row.claimExpires = time.Time{}
	}
	return nil
}

// ====================== Recipients ======================

type memRecipients struct{ *MemoryDB }

func (m memRecipients) Create(_ context.Context, r *model.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.recipients {
		if existing.Address == r.Address {
			return appErrors.ErrDuplicateRecipient
		}
	}
	m.nextRecipient++
	r.ID = m.nextRecipient
	m.recipients[r.ID] = *r
	return nil
}

func (m memRecipients) GetByID(_ context.Context, id int) (*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recipients[id]
	if !ok {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	return &r, nil
}

func (m memRecipients) ListAll(_ context.Context) ([]model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Recipient, 0, len(m.recipients))
	for _, r := range m.recipients {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memRecipients) AddToCampaign(_ context.Context, campaignID int, recipientIDs []int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.campaigns[campaignID]; !ok {
		return 0, appErrors.NewCampaignNotFound(campaignID)
	}
	for _, id := range recipientIDs {
		if _, ok := m.recipients[id]; !ok {
			return 0, fmt.Errorf("add recipients to campaign %d: %w", campaignID, appErrors.NewRecipientNotFound(id))
		}
	}
	set := m.targets[campaignID]
	if set == nil {
		set = map[int]bool{}
		m.targets[campaignID] = set
	}
	added := 0
	for _, id := range recipientIDs {
		if !set[id] {
			set[id] = true
			added++
		}
	}
	return added, nil
}

func (m memRecipients) CountForCampaign(_ context.Context, campaignID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets[campaignID]), nil
}

func (m memRecipients) Candidates(_ context.Context, campaignID int) ([]model.DispatchCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.targets[campaignID]))
	for id := range m.targets[campaignID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]model.DispatchCandidate, 0, len(ids))
	for _, id := range ids {
		cand := model.DispatchCandidate{Recipient: m.recipients[id]}
		if aid, ok := m.pairs[[2]int{campaignID, id}]; ok {
			a := *m.attempts[aid]
			cand.Attempt = &a
		}
		out = append(out, cand)
	}
	return out, nil
}

// ====================== Attempts ======================

type memAttempts struct{ *MemoryDB }

func (m memAttempts) CreateOrGet(_ context.Context, campaignID, recipientID int, body string) (*model.DispatchAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int{campaignID, recipientID}
	if id, ok := m.pairs[key]; ok {
		a := *m.attempts[id]
		return &a, nil
	}
	now := m.now()
	m.nextAttempt++
	a := &model.DispatchAttempt{
		ID:           m.nextAttempt,
		CampaignID:   campaignID,
		RecipientID:  recipientID,
		RenderedBody: body,
		Status:       model.AttemptPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.attempts[a.ID] = a
	m.pairs[key] = a.ID
	out := *a
	return &out, nil
}

func (m memAttempts) GetByID(_ context.Context, id int) (*model.DispatchAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, appErrors.NewAttemptNotFound(id)
	}
	out := *a
	return &out, nil
}

func (m memAttempts) MarkSent(_ context.Context, id int, externalID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok || a.Status != model.AttemptPending {
		return false, nil
	}
	a.Status = model.AttemptSent
	a.ExternalID = &externalID
	a.SentAt = &at
	a.LastError = ""
	a.UpdatedAt = m.now()
	return true, nil
}

func (m memAttempts) MarkFailed(_ context.Context, id int, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok || a.Status != model.AttemptPending {
		return false, nil
	}
	a.Status = model.AttemptFailed
	a.LastError = reason
	a.UpdatedAt = m.now()
	return true, nil
}

func (m memAttempts) RecordRetry(_ context.Context, id int, count int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return appErrors.NewAttemptNotFound(id)
	}
	a.RetryCount = count
	a.LastError = lastError
	a.UpdatedAt = m.now()
	return nil
}

func (m memAttempts) CountPending(_ context.Context, campaignID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.attempts {
		if a.CampaignID == campaignID && a.Status == model.AttemptPending {
			n++
		}
	}
	return n, nil
}

func (m memAttempts) GetCampaignStats(_ context.Context, campaignID int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := emptyStats()
	for _, a := range m.attempts {
		if a.CampaignID == campaignID {
			stats[string(a.Status)]++
		}
	}
	return stats, nil
}

func (m memAttempts) List(_ context.Context, campaignID int, status string, offset, limit int) ([]*model.DispatchAttempt, int, error) {
	all := m.filter(func(a *model.DispatchAttempt) bool {
		return a.CampaignID == campaignID && (status == "" || string(a.Status) == status)
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	if offset >= total {
		return []*model.DispatchAttempt{}, total, nil
	}
	return all[offset:min(offset+limit, total)], total, nil
}

func (m memAttempts) SentSince(_ context.Context, campaignID int, since time.Time) ([]*model.DispatchAttempt, error) {
	out := m.filter(func(a *model.DispatchAttempt) bool {
		return a.CampaignID == campaignID && a.Status.Dispatched() && a.SentAt != nil && !a.SentAt.Before(since)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(*out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(*out[j].SentAt)
	})
	return out, nil
}

func (m memAttempts) SentTimesByIdentity(_ context.Context, identity string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []time.Time{}
	for _, a := range m.attempts {
		c, ok := m.campaigns[a.CampaignID]
		if !ok || c.IdentityID != identity || !a.Status.Dispatched() || a.SentAt == nil || a.SentAt.Before(since) {
			continue
		}
		out = append(out, *a.SentAt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m memAttempts) filter(keep func(*model.DispatchAttempt) bool) []*model.DispatchAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*model.DispatchAttempt{}
	for _, a := range m.attempts {
		if keep(a) {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

// ====================== Risk ======================

type memRisk struct{ *MemoryDB }

func (m memRisk) Append(_ context.Context, a *model.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAssessment++
	a.ID = m.nextAssessment
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	stored := *a
	stored.Factors = append([]model.RiskFactor(nil), a.Factors...)
	m.assessments = append(m.assessments, stored)
	return nil
}

func (m memRisk) Latest(ctx context.Context, campaignID int) (*model.RiskAssessment, error) {
	list, err := m.List(ctx, campaignID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (m memRisk) List(_ context.Context, campaignID, limit int) ([]*model.RiskAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := []*model.RiskAssessment{}
	for i := len(m.assessments) - 1; i >= 0 && len(out) < limit; i-- {
		if m.assessments[i].CampaignID == campaignID {
			a := m.assessments[i]
			out = append(out, &a)
		}
	}
	return out, nil
}

func (m memRisk) RecordSignal(_ context.Context, campaignID, _ int, kind string) error {
	if kind != model.SignalReply && kind != model.SignalBlock {
		return fmt.Errorf("unknown signal kind %q", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signals = append(m.signals, memSignal{campaignID: campaignID, kind: kind, at: m.now()})
	return nil
}

func (m memRisk) Signals(_ context.Context, campaignID int, since time.Time) (model.ChannelSignals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s model.ChannelSignals
	for _, sig := range m.signals {
		if sig.campaignID != campaignID || sig.at.Before(since) {
			continue
		}
		switch sig.kind {
		case model.SignalReply:
			s.Replies++
		case model.SignalBlock:
			s.Blocks++
		}
	}
	return s, nil
}

func cloneCampaign(c model.Campaign) model.Campaign {
	c.RequiredVars = append([]string(nil), c.RequiredVars...)
	return c
}
