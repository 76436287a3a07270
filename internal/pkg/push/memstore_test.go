package push

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/storekeeper/app/models"
)

// memStore mirrors the GORM store: keyset paging on token id, the cursor
// guard on commit and the (campaign, token) uniqueness of dispatch logs.
type memStore struct {
	mu        sync.Mutex
	campaigns map[uint]*models.PushCampaign
	tokens    []*models.DeviceToken
	optedOut  map[uint]bool
	logs      []models.PushDispatchLog
	dupLogs   int

	// afterCommit runs under the store lock after every committed batch.
	afterCommit func(s *memStore, commits int)
	commits     int
}

func newMemStore() *memStore {
	return &memStore{campaigns: map[uint]*models.PushCampaign{}, optedOut: map[uint]bool{}}
}

func (s *memStore) addCampaign(c models.PushCampaign) {
	if c.Status == "" {
		c.Status = models.CampaignStatusPending
	}
	s.campaigns[c.ID] = &c
}

// addTokens appends n active tokens; user ids repeat every 3 tokens.
func (s *memStore) addTokens(n int, platform string) {
	for i := 0; i < n; i++ {
		id := uint(len(s.tokens) + 1)
		s.tokens = append(s.tokens, &models.DeviceToken{
			ID:       id,
			UserID:   id/3 + 1,
			Token:    fmt.Sprintf("tok-%d", id),
			Platform: platform,
			IsActive: true,
		})
	}
}

func (s *memStore) campaign(id uint) models.PushCampaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) setStatus(id uint, status string) {
	s.campaigns[id].Status = status
}

func (s *memStore) token(id uint) models.DeviceToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tokens[id-1]
}

func (s *memStore) logsFor(campaignID uint) []models.PushDispatchLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PushDispatchLog
	for _, l := range s.logs {
		if l.CampaignID == campaignID {
			out = append(out, l)
		}
	}
	return out
}

func (s *memStore) GetCampaign(ctx context.Context, id uint) (*models.PushCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) StartCampaign(ctx context.Context, id uint, total int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if c.Status != models.CampaignStatusPending {
		return false, nil
	}
	c.Status = models.CampaignStatusProcessing
	c.TotalRecipients = total
	c.StartedAt = &at
	return true, nil
}

func (s *memStore) matching(platform string) []*models.DeviceToken {
	var out []*models.DeviceToken
	for _, t := range s.tokens {
		if !t.IsActive || s.optedOut[t.UserID] {
			continue
		}
		if platform != "" && t.Platform != platform {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) CountRecipients(ctx context.Context, platform string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.matching(platform))), nil
}

func (s *memStore) NextRecipients(ctx context.Context, platform string, afterTokenID uint, limit int) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Recipient
	for _, t := range s.matching(platform) {
		if t.ID <= afterTokenID {
			continue
		}
		out = append(out, Recipient{TokenID: t.ID, UserID: t.UserID, Token: t.Token, Platform: t.Platform})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) CommitBatch(ctx context.Context, campaignID uint, b Batch, at time.Time) error {
	s.mu.Lock()
	c := s.campaigns[campaignID]
	if c.CursorTokenID != b.PrevCursorTokenID {
		s.mu.Unlock()
		return ErrCursorMoved
	}
	c.SentCount += b.Sent
	c.FailedCount += b.Failed
	c.CursorOffset += int64(len(b.Logs))
	c.CursorTokenID = b.NextCursorTokenID
	if b.LastError != "" {
		c.LastError = b.LastError
	}
	for _, l := range b.Logs {
		dup := false
		for _, existing := range s.logs {
			if existing.CampaignID == l.CampaignID && existing.DeviceTokenID == l.DeviceTokenID {
				dup = true
				break
			}
		}
		if dup {
			s.dupLogs++
			continue
		}
		s.logs = append(s.logs, l)
	}
	for id, reason := range b.Deactivate {
		t := s.tokens[id-1]
		t.IsActive = false
		t.DeactivatedAt = &at
		t.LastError = reason
	}
	s.commits++
	if s.afterCommit != nil {
		s.afterCommit(s, s.commits)
	}
	s.mu.Unlock()
	return nil
}

func (s *memStore) CompleteCampaign(ctx context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if c.Status == models.CampaignStatusProcessing {
		c.Status = models.CampaignStatusCompleted
		c.CompletedAt = &at
	}
	return nil
}

func (s *memStore) FailCampaign(ctx context.Context, id uint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if !c.IsTerminal() {
		c.Status = models.CampaignStatusFailed
		c.LastError = reason
	}
	return nil
}

func (s *memStore) CancelCampaign(ctx context.Context, id uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.IsTerminal() {
		return false, nil
	}
	c.Status = models.CampaignStatusCancelled
	return true, nil
}

func (s *memStore) ListStalled(ctx context.Context, idleSince time.Time, limit int) ([]models.PushCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PushCampaign
	for _, c := range s.campaigns {
		if c.Status == models.CampaignStatusProcessing && c.UpdatedAt.Before(idleSince) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// fakeSender records deliveries; fail maps a token to the error it returns.
type fakeSender struct {
	mu         sync.Mutex
	prepareErr error
	prepares   int
	delivered  map[string]int
	fail       map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{delivered: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeSender) Prepare(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepares++
	return f.prepareErr
}

func (f *fakeSender) Send(ctx context.Context, to Recipient, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[to.Token]++
	return f.fail[to.Token]
}

func (f *fakeSender) attempts(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[token]
}

type continuation struct {
	campaignID uint
	offset     int64
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []continuation
	err   error
}

func (r *recordingScheduler) ScheduleContinuation(ctx context.Context, campaignID uint, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, continuation{campaignID, offset})
	return nil
}
