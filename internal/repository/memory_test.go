package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

func seedRunning(t *testing.T, repos repository.Repositories) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{Name: "Promo", BaseTemplate: "Hi {first_name}", IdentityID: "sender-1"}
	require.NoError(t, repos.Campaigns.Create(ctx, c))
	for _, next := range []model.CampaignStatus{model.CampaignScheduled, model.CampaignRunning} {
		ok, err := repos.Campaigns.Transition(ctx, c.ID, next, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
	return c
}

func TestMemoryCampaignTransitions(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewMemory()

	c := &model.Campaign{Name: "Promo", BaseTemplate: "Hi", IdentityID: "sender-1"}
	require.NoError(t, repos.Campaigns.Create(ctx, c))
	assert.Equal(t, model.CampaignDraft, c.Status)

	ok, err := repos.Campaigns.Transition(ctx, c.ID, model.CampaignRunning, "")
	require.NoError(t, err)
	assert.False(t, ok, "draft cannot start directly")

	ok, _ = repos.Campaigns.Transition(ctx, c.ID, model.CampaignScheduled, "")
	assert.True(t, ok)
	ok, _ = repos.Campaigns.Transition(ctx, c.ID, model.CampaignRunning, "")
	assert.True(t, ok)
	ok, _ = repos.Campaigns.Transition(ctx, c.ID, model.CampaignPaused, "risk critical")
	assert.True(t, ok)

	got, err := repos.Campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPaused, got.Status)
	assert.Equal(t, "risk critical", got.StatusReason)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.ScheduledAt)

	ok, _ = repos.Campaigns.Transition(ctx, c.ID, model.CampaignCancelled, "")
	assert.True(t, ok)
	ok, _ = repos.Campaigns.Transition(ctx, c.ID, model.CampaignRunning, "")
	assert.False(t, ok, "terminal campaigns stay terminal")

	_, err = repos.Campaigns.GetByID(ctx, 999)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestMemoryClaimLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	db := repository.NewMemoryDB().WithClock(func() time.Time { return now })
	repos := db.Repositories()
	c := seedRunning(t, repos)

	ok, err := repos.Campaigns.Claim(ctx, c.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = repos.Campaigns.Claim(ctx, c.ID, "worker-b", time.Minute)
	assert.False(t, ok, "held lease blocks other owners")

	ok, _ = repos.Campaigns.Claim(ctx, c.ID, "worker-a", time.Minute)
	assert.True(t, ok, "owner may renew")

	now = now.Add(2 * time.Minute)
	ok, _ = repos.Campaigns.Claim(ctx, c.ID, "worker-b", time.Minute)
	assert.True(t, ok, "expired lease is reclaimable")

	require.NoError(t, repos.Campaigns.ReleaseClaim(ctx, c.ID, "worker-a"))
	ok, _ = repos.Campaigns.Claim(ctx, c.ID, "worker-a", time.Minute)
	assert.False(t, ok, "release by a non-owner is ignored")

	require.NoError(t, repos.Campaigns.ReleaseClaim(ctx, c.ID, "worker-b"))
	ok, _ = repos.Campaigns.Claim(ctx, c.ID, "worker-a", time.Minute)
	assert.True(t, ok)
}

func TestMemoryClaimRequiresRunning(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewMemory()
	c := seedRunning(t, repos)

	_, _ = repos.Campaigns.Transition(ctx, c.ID, model.CampaignPaused, "")
	ok, err := repos.Campaigns.Claim(ctx, c.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryAttemptsAreOnePerPair(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewMemory()
	c := seedRunning(t, repos)
	r := &model.Recipient{Address: "+1", Name: "Ana"}
	require.NoError(t, repos.Recipients.Create(ctx, r))

	var wg sync.WaitGroup
	ids := make([]int, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := repos.Attempts.CreateOrGet(ctx, c.ID, r.ID, "Hi Ana")
			if assert.NoError(t, err) {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	ok, err := repos.Attempts.MarkSent(ctx, ids[0], "ext-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = repos.Attempts.MarkSent(ctx, ids[0], "ext-2", time.Now())
	assert.False(t, ok, "only pending attempts can be marked sent")
	ok, _ = repos.Attempts.MarkFailed(ctx, ids[0], "late failure")
	assert.False(t, ok)

	a, err := repos.Attempts.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSent, a.Status)
	assert.Equal(t, "ext-1", *a.ExternalID)

	stats, _ := repos.Attempts.GetCampaignStats(ctx, c.ID)
	assert.Equal(t, 1, stats["sent"])
	assert.Equal(t, 0, stats["pending"])
}

func TestMemoryCandidatesOrderAndAttempts(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewMemory()
	c := seedRunning(t, repos)

	var ids []int
	for _, addr := range []string{"+3", "+1", "+2"} {
		r := &model.Recipient{Address: addr}
		require.NoError(t, repos.Recipients.Create(ctx, r))
		ids = append(ids, r.ID)
	}
	added, err := repos.Recipients.AddToCampaign(ctx, c.ID, []int{ids[2], ids[0], ids[1], ids[0]})
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	_, err = repos.Attempts.CreateOrGet(ctx, c.ID, ids[1], "body")
	require.NoError(t, err)

	cands, err := repos.Recipients.Candidates(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, ids, []int{cands[0].Recipient.ID, cands[1].Recipient.ID, cands[2].Recipient.ID})
	assert.Nil(t, cands[0].Attempt)
	require.NotNil(t, cands[1].Attempt)
	assert.Equal(t, model.AttemptPending, cands[1].Attempt.Status)

	assert.ErrorIs(t, repos.Recipients.Create(ctx, &model.Recipient{Address: "+1"}), appErrors.ErrDuplicateRecipient)
}

func TestMemoryRiskHistory(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewMemory()
	c := seedRunning(t, repos)

	latest, err := repos.Risk.Latest(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, repos.Risk.Append(ctx, &model.RiskAssessment{CampaignID: c.ID, Score: 10, Level: model.RiskLow}))
	require.NoError(t, repos.Risk.Append(ctx, &model.RiskAssessment{CampaignID: c.ID, Score: 85, Level: model.RiskCritical}))

	latest, _ = repos.Risk.Latest(ctx, c.ID)
	assert.Equal(t, 85, latest.Score)
	list, _ := repos.Risk.List(ctx, c.ID, 10)
	assert.Len(t, list, 2)

	require.NoError(t, repos.Risk.RecordSignal(ctx, c.ID, 0, model.SignalBlock))
	require.NoError(t, repos.Risk.RecordSignal(ctx, c.ID, 0, model.SignalReply))
	assert.Error(t, repos.Risk.RecordSignal(ctx, c.ID, 0, "like"))

	s, err := repos.Risk.Signals(ctx, c.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.ChannelSignals{Replies: 1, Blocks: 1}, s)
}
