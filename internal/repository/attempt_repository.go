package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

var attemptColumns = []string{
	"id", "campaign_id", "recipient_id", "rendered_body", "status", "external_id",
	"retry_count", "last_error", "sent_at", "created_at", "updated_at",
}

// AttemptRepository stores one dispatch attempt per campaign and recipient.
type AttemptRepository struct {
	DB *sql.DB
	sb sq.StatementBuilderType
}

func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{DB: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Idempotent insert
func (r *AttemptRepository) CreateOrGet(ctx context.Context, campaignID, recipientID int, body string) (*model.DispatchAttempt, error) {
	query, args, err := r.sb.Insert("dispatch_attempts").
		Columns("campaign_id", "recipient_id", "rendered_body", "status").
		Values(campaignID, recipientID, body, string(model.AttemptPending)).
		Suffix("ON CONFLICT (campaign_id, recipient_id) DO NOTHING RETURNING " + strings.Join(attemptColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build attempt insert: %w", err)
	}

	a, err := scanAttempt(r.DB.QueryRowContext(ctx, query, args...))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	// Another invocation created it first.
	query, args, err = r.sb.Select(attemptColumns...).From("dispatch_attempts").
		Where(sq.Eq{"campaign_id": campaignID, "recipient_id": recipientID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build attempt lookup: %w", err)
	}
	a, err = scanAttempt(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("read existing attempt: %w", err)
	}
	return a, nil
}

func (r *AttemptRepository) GetByID(ctx context.Context, id int) (*model.DispatchAttempt, error) {
	query, args, err := r.sb.Select(attemptColumns...).From("dispatch_attempts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build attempt select: %w", err)
	}
	a, err := scanAttempt(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewAttemptNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %d: %w", id, err)
	}
	return a, nil
}

func (r *AttemptRepository) MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error) {
	return r.leavePending(ctx, id, r.sb.Update("dispatch_attempts").
		Set("status", string(model.AttemptSent)).
		Set("external_id", externalID).
		Set("sent_at", at).
		Set("last_error", ""))
}

func (r *AttemptRepository) MarkFailed(ctx context.Context, id int, reason string) (bool, error) {
	return r.leavePending(ctx, id, r.sb.Update("dispatch_attempts").
		Set("status", string(model.AttemptFailed)).
		Set("last_error", reason))
}

func (r *AttemptRepository) leavePending(ctx context.Context, id int, q sq.UpdateBuilder) (bool, error) {
	query, args, err := q.Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": string(model.AttemptPending)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build attempt update: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *AttemptRepository) RecordRetry(ctx context.Context, id int, count int, lastError string) error {
	query, args, err := r.sb.Update("dispatch_attempts").
		Set("retry_count", count).
		Set("last_error", lastError).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build attempt retry update: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record retry on attempt %d: %w", id, err)
	}
	return nil
}

func (r *AttemptRepository) CountPending(ctx context.Context, campaignID int) (int, error) {
	query, args, err := r.sb.Select("COUNT(*)").From("dispatch_attempts").
		Where(sq.Eq{"campaign_id": campaignID, "status": string(model.AttemptPending)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build pending count: %w", err)
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending attempts: %w", err)
	}
	return n, nil
}

func (r *AttemptRepository) GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	query, args, err := r.sb.Select("status", "COUNT(*)").From("dispatch_attempts").
		Where(sq.Eq{"campaign_id": campaignID}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build attempt stats: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("attempt stats: %w", err)
	}
	defer rows.Close()

	stats := emptyStats()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *AttemptRepository) List(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.DispatchAttempt, int, error) {
	filter := sq.Eq{"campaign_id": campaignID}
	if status != "" {
		filter["status"] = status
	}

	query, args, err := r.sb.Select(attemptColumns...).From("dispatch_attempts").
		Where(filter).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build attempt list: %w", err)
	}
	attempts, err := r.query(ctx, query, args)
	if err != nil {
		return nil, 0, err
	}

	countQuery, countArgs, err := r.sb.Select("COUNT(*)").From("dispatch_attempts").Where(filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build attempt count: %w", err)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}
	return attempts, total, nil
}

func (r *AttemptRepository) SentSince(ctx context.Context, campaignID int, since time.Time) ([]*model.DispatchAttempt, error) {
	query, args, err := r.sb.Select(attemptColumns...).From("dispatch_attempts").
		Where(sq.Eq{"campaign_id": campaignID, "status": []string{string(model.AttemptSent), string(model.AttemptDelivered)}}).
		Where(sq.GtOrEq{"sent_at": since}).
		OrderBy("sent_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sent attempts select: %w", err)
	}
	return r.query(ctx, query, args)
}

func (r *AttemptRepository) SentTimesByIdentity(ctx context.Context, identity string, since time.Time) ([]time.Time, error) {
	query, args, err := r.sb.Select("a.sent_at").From("dispatch_attempts a").
		Join("campaigns c ON c.id = a.campaign_id").
		Where(sq.Eq{"c.identity_id": identity, "a.status": []string{string(model.AttemptSent), string(model.AttemptDelivered)}}).
		Where(sq.GtOrEq{"a.sent_at": since}).
		OrderBy("a.sent_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build identity sends select: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query identity sends: %w", err)
	}
	defer rows.Close()

	out := []time.Time{}
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scan identity send: %w", err)
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func (r *AttemptRepository) query(ctx context.Context, query string, args []any) ([]*model.DispatchAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := []*model.DispatchAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row rowScanner) (*model.DispatchAttempt, error) {
	var (
		a          model.DispatchAttempt
		externalID sql.NullString
		sentAt     sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.CampaignID, &a.RecipientID, &a.RenderedBody, &a.Status, &externalID,
		&a.RetryCount, &a.LastError, &sentAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if externalID.Valid {
		a.ExternalID = &externalID.String
	}
	a.SentAt = scanTime(sentAt)
	return &a, nil
}

func emptyStats() map[string]int {
	return map[string]int{
		string(model.AttemptPending):   0,
		string(model.AttemptSent):      0,
		string(model.AttemptDelivered): 0,
		string(model.AttemptFailed):    0,
	}
}

var _ AttemptRepositoryInterface = (*AttemptRepository)(nil)
