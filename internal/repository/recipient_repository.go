package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// RecipientRepository reads and writes the customers table.
type RecipientRepository struct {
	DB *sql.DB
	sb sq.StatementBuilderType
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{DB: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func (r *RecipientRepository) Create(ctx context.Context, rec *model.Recipient) error {
	meta, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode recipient metadata: %w", err)
	}
	query, args, err := r.sb.Insert("customers").
		Columns("phone", "name", "email", "metadata").
		Values(rec.Address, rec.Name, rec.Email, meta).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build recipient insert: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&rec.ID); err != nil {
		if pqCode(err) == pqUniqueViolation {
			return appErrors.ErrDuplicateRecipient
		}
		return fmt.Errorf("insert recipient: %w", err)
	}
	return nil
}

// GetByID fetches a customer by ID
func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	query, args, err := r.sb.Select("id", "phone", "name", "email", "metadata").
		From("customers").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recipient select: %w", err)
	}
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient %d: %w", id, err)
	}
	return rec, nil
}

// ListAll fetches all customers
func (r *RecipientRepository) ListAll(ctx context.Context) ([]model.Recipient, error) {
	query, args, err := r.sb.Select("id", "phone", "name", "email", "metadata").
		From("customers").
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recipient list: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

func (r *RecipientRepository) AddToCampaign(ctx context.Context, campaignID int, recipientIDs []int) (int, error) {
	if len(recipientIDs) == 0 {
		return 0, nil
	}
	q := r.sb.Insert("campaign_recipients").Columns("campaign_id", "recipient_id")
	for _, id := range recipientIDs {
		q = q.Values(campaignID, id)
	}
	query, args, err := q.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build campaign recipients insert: %w", err)
	}

	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return 0, fmt.Errorf("add recipients to campaign %d: unknown campaign or recipient: %w", campaignID, err)
		}
		return 0, fmt.Errorf("add recipients to campaign %d: %w", campaignID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *RecipientRepository) CountForCampaign(ctx context.Context, campaignID int) (int, error) {
	query, args, err := r.sb.Select("COUNT(*)").From("campaign_recipients").Where(sq.Eq{"campaign_id": campaignID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build campaign recipient count: %w", err)
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recipients for campaign %d: %w", campaignID, err)
	}
	return n, nil
}

func (r *RecipientRepository) Candidates(ctx context.Context, campaignID int) ([]model.DispatchCandidate, error) {
	query, args, err := r.sb.Select(
		"c.id", "c.phone", "c.name", "c.email", "c.metadata",
		"a.id", "a.rendered_body", "a.status", "a.external_id", "a.retry_count", "a.last_error",
		"a.sent_at", "a.created_at", "a.updated_at",
	).
		From("campaign_recipients cr").
		Join("customers c ON c.id = cr.recipient_id").
		LeftJoin("dispatch_attempts a ON a.campaign_id = cr.campaign_id AND a.recipient_id = cr.recipient_id").
		Where(sq.Eq{"cr.campaign_id": campaignID}).
		OrderBy("c.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidate select: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates for campaign %d: %w", campaignID, err)
	}
	defer rows.Close()

	var out []model.DispatchCandidate
	for rows.Next() {
		var (
			rec        model.Recipient
			meta       []byte
			attemptID  sql.NullInt64
			body       sql.NullString
			status     sql.NullString
			externalID sql.NullString
			retries    sql.NullInt64
			lastErr    sql.NullString
			sentAt     sql.NullTime
			createdAt  sql.NullTime
			updatedAt  sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID, &rec.Address, &rec.Name, &rec.Email, &meta,
			&attemptID, &body, &status, &externalID, &retries, &lastErr,
			&sentAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if err := decodeMetadata(meta, &rec); err != nil {
			return nil, err
		}

		cand := model.DispatchCandidate{Recipient: rec}
		if attemptID.Valid {
			a := &model.DispatchAttempt{
				ID:           int(attemptID.Int64),
				CampaignID:   campaignID,
				RecipientID:  rec.ID,
				RenderedBody: body.String,
				Status:       model.AttemptStatus(status.String),
				RetryCount:   int(retries.Int64),
				LastError:    lastErr.String,
				CreatedAt:    createdAt.Time,
				UpdatedAt:    updatedAt.Time,
			}
			if externalID.Valid {
				a.ExternalID = &externalID.String
			}
			a.SentAt = scanTime(sentAt)
			cand.Attempt = a
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var rec model.Recipient
	var meta []byte
	if err := row.Scan(&rec.ID, &rec.Address, &rec.Name, &rec.Email, &meta); err != nil {
		return nil, err
	}
	if err := decodeMetadata(meta, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeMetadata(raw []byte, rec *model.Recipient) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &rec.Metadata); err != nil {
		return fmt.Errorf("decode metadata for recipient %d: %w", rec.ID, err)
	}
	return nil
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// scanTime returns nil for NULL timestamps.
func scanTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
