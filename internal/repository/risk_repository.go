package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// RiskRepository keeps the append-only assessment history and the inbound
// reply/block signals it is computed from.
type RiskRepository struct {
	DB *sql.DB
	sb sq.StatementBuilderType
}

func NewRiskRepository(db *sql.DB) *RiskRepository {
	return &RiskRepository{DB: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func (r *RiskRepository) Append(ctx context.Context, a *model.RiskAssessment) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("encode risk factors: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	query, args, err := r.sb.Insert("risk_assessments").
		Columns("campaign_id", "identity_id", "score", "level", "factors", "created_at").
		Values(a.CampaignID, a.IdentityID, a.Score, string(a.Level), factors, a.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build risk insert: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&a.ID); err != nil {
		return fmt.Errorf("insert risk assessment: %w", err)
	}
	return nil
}

// Latest returns nil when the campaign has never been assessed.
func (r *RiskRepository) Latest(ctx context.Context, campaignID int) (*model.RiskAssessment, error) {
	list, err := r.List(ctx, campaignID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (r *RiskRepository) List(ctx context.Context, campaignID, limit int) ([]*model.RiskAssessment, error) {
	if limit <= 0 {
		limit = 50
	}
	query, args, err := r.sb.Select("id", "campaign_id", "identity_id", "score", "level", "factors", "created_at").
		From("risk_assessments").
		Where(sq.Eq{"campaign_id": campaignID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build risk list: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list risk assessments: %w", err)
	}
	defer rows.Close()

	out := []*model.RiskAssessment{}
	for rows.Next() {
		var a model.RiskAssessment
		var factors []byte
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.IdentityID, &a.Score, &a.Level, &factors, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk assessment: %w", err)
		}
		if len(factors) > 0 {
			if err := json.Unmarshal(factors, &a.Factors); err != nil {
				return nil, fmt.Errorf("decode risk factors: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *RiskRepository) RecordSignal(ctx context.Context, campaignID, recipientID int, kind string) error {
	if kind != model.SignalReply && kind != model.SignalBlock {
		return fmt.Errorf("unknown signal kind %q", kind)
	}
	var recipient any
	if recipientID > 0 {
		recipient = recipientID
	}
	query, args, err := r.sb.Insert("channel_signals").
		Columns("campaign_id", "recipient_id", "kind").
		Values(campaignID, recipient, kind).
		ToSql()
	if err != nil {
		return fmt.Errorf("build signal insert: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record %s signal: %w", kind, err)
	}
	return nil
}

func (r *RiskRepository) Signals(ctx context.Context, campaignID int, since time.Time) (model.ChannelSignals, error) {
	var s model.ChannelSignals
	query, args, err := r.sb.Select(
		"COUNT(*) FILTER (WHERE kind = 'reply')",
		"COUNT(*) FILTER (WHERE kind = 'block')",
	).
		From("channel_signals").
		Where(sq.Eq{"campaign_id": campaignID}).
		Where(sq.GtOrEq{"created_at": since}).
		ToSql()
	if err != nil {
		return s, fmt.Errorf("build signal count: %w", err)
	}
	err = r.DB.QueryRowContext(ctx, query, args...).Scan(&s.Replies, &s.Blocks)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("count signals: %w", err)
	}
	return s, nil
}

var _ RiskRepositoryInterface = (*RiskRepository)(nil)
