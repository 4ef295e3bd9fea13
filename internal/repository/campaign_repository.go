package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

var campaignColumns = []string{
	"id", "name", "channel", "status", "base_template", "required_vars", "identity_id",
	"rewrite_enabled", "rewrite_tone", "status_reason", "scheduled_at", "started_at", "ended_at",
	"created_at", "updated_at",
}

type CampaignRepository struct {
	DB *sql.DB
	sb sq.StatementBuilderType
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{DB: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Channel == "" {
		c.Channel = "sms"
	}
	q := r.sb.Insert("campaigns").
		Columns("name", "channel", "status", "base_template", "required_vars", "identity_id",
			"rewrite_enabled", "rewrite_tone", "scheduled_at", "created_at").
		Values(c.Name, c.Channel, c.Status, c.BaseTemplate, pq.Array(nonNil(c.RequiredVars)), c.IdentityID,
			c.RewriteEnabled, c.RewriteTone, c.ScheduledAt, c.CreatedAt).
		Suffix("RETURNING id")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build campaign insert: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&c.ID); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// Update edits the operator-owned fields. Status is changed through Transition.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	q := r.sb.Update("campaigns").
		Set("name", c.Name).
		Set("base_template", c.BaseTemplate).
		Set("required_vars", pq.Array(nonNil(c.RequiredVars))).
		Set("rewrite_enabled", c.RewriteEnabled).
		Set("rewrite_tone", c.RewriteTone).
		Set("scheduled_at", c.ScheduledAt).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": c.ID})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build campaign update: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query, args, err := r.sb.Select(campaignColumns...).From("campaigns").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build campaign select: %w", err)
	}
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %d: %w", id, err)
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	filter := sq.And{}
	if channel != "" {
		filter = append(filter, sq.Eq{"channel": channel})
	}
	if status != "" {
		filter = append(filter, sq.Eq{"status": status})
	}

	q := r.sb.Select(campaignColumns...).From("campaigns").
		OrderBy("id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	if len(filter) > 0 {
		q = q.Where(filter)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build campaign list: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	cq := r.sb.Select("COUNT(*)").From("campaigns")
	if len(filter) > 0 {
		cq = cq.Where(filter)
	}
	countQuery, countArgs, err := cq.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build campaign count: %w", err)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) ListIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int, error) {
	return r.listIDs(ctx, sq.Eq{"status": string(status)})
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]int, error) {
	return r.listIDs(ctx, sq.And{
		sq.Eq{"status": string(model.CampaignScheduled)},
		sq.LtOrEq{"scheduled_at": now},
	})
}

func (r *CampaignRepository) listIDs(ctx context.Context, where sq.Sqlizer) ([]int, error) {
	query, args, err := r.sb.Select("id").From("campaigns").Where(where).OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build campaign id list: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaign ids: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ====================== Status and claim ======================

func (r *CampaignRepository) Transition(ctx context.Context, id int, next model.CampaignStatus, reason string) (bool, error) {
	sources := statusStrings(model.SourcesFor(next))
	if len(sources) == 0 {
		return false, nil
	}

	q := r.sb.Update("campaigns").
		Set("status", string(next)).
		Set("status_reason", reason).
		Set("updated_at", sq.Expr("NOW()"))

	switch {
	case next == model.CampaignScheduled:
		q = q.Set("scheduled_at", sq.Expr("COALESCE(scheduled_at, NOW())"))
	case next == model.CampaignRunning:
		q = q.Set("started_at", sq.Expr("COALESCE(started_at, NOW())"))
	case next.Terminal():
		q = q.Set("ended_at", sq.Expr("NOW()")).
			Set("claimed_by", nil).
			Set("claim_expires_at", nil)
	}

	query, args, err := q.Where(sq.Eq{"id": id, "status": sources}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build campaign transition: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition campaign %d to %s: %w", id, next, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignRepository) Claim(ctx context.Context, id int, owner string, ttl time.Duration) (bool, error) {
	q := r.sb.Update("campaigns").
		Set("claimed_by", owner).
		Set("claim_expires_at", sq.Expr("NOW() + (? * INTERVAL '1 millisecond')", ttl.Milliseconds())).
		Where(sq.Eq{"id": id, "status": string(model.CampaignRunning)}).
		Where(sq.Or{
			sq.Eq{"claimed_by": nil},
			sq.Expr("claim_expires_at < NOW()"),
			sq.Eq{"claimed_by": owner},
		})

	query, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build campaign claim: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim campaign %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignRepository) ReleaseClaim(ctx context.Context, id int, owner string) error {
	query, args, err := r.sb.Update("campaigns").
		Set("claimed_by", nil).
		Set("claim_expires_at", nil).
		Where(sq.Eq{"id": id, "claimed_by": owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build claim release: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release claim on campaign %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var vars []string
	err := row.Scan(
		&c.ID, &c.Name, &c.Channel, &c.Status, &c.BaseTemplate, pq.Array(&vars), &c.IdentityID,
		&c.RewriteEnabled, &c.RewriteTone, &c.StatusReason, &c.ScheduledAt, &c.StartedAt, &c.EndedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.RequiredVars = vars
	return &c, nil
}

func statusStrings(in []model.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
