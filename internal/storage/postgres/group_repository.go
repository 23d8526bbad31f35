package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

type GroupRepository struct {
	conn
}

func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{conn{pool: pool}}
}

const groupColumns = `id::text, activity_id, initiator_user_id, required_members, status, expires_at, created_at, completed_at`

func (r *GroupRepository) CreateGroup(ctx context.Context, g domain.GroupOrder) error {
	const stmt = `
INSERT INTO group_orders (id, activity_id, initiator_user_id, required_members, status, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.exec(ctx, stmt, g.ID, g.ActivityID, g.InitiatorUserID, g.RequiredMembers, string(g.Status), g.ExpiresAt, g.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrActivityNotFound
		}
		return fmt.Errorf("create group order: %w", err)
	}
	return nil
}

func (r *GroupRepository) GetGroup(ctx context.Context, groupOrderID string) (domain.GroupOrder, error) {
	return r.getGroup(ctx, `SELECT `+groupColumns+` FROM group_orders WHERE id = $1`, groupOrderID)
}

// GetGroupForUpdate holds a row lock on this one group; joins to other groups
// proceed in parallel.
func (r *GroupRepository) GetGroupForUpdate(ctx context.Context, groupOrderID string) (domain.GroupOrder, error) {
	return r.getGroup(ctx, `SELECT `+groupColumns+` FROM group_orders WHERE id = $1 FOR UPDATE`, groupOrderID)
}

func (r *GroupRepository) getGroup(ctx context.Context, query, groupOrderID string) (domain.GroupOrder, error) {
	var g domain.GroupOrder
	var status string
	err := r.queryRow(ctx, query, groupOrderID).Scan(&g.ID, &g.ActivityID, &g.InitiatorUserID, &g.RequiredMembers,
		&status, &g.ExpiresAt, &g.CreatedAt, &g.CompletedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.GroupOrder{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.GroupOrder{}, domain.ErrGroupNotFound
		}
		return domain.GroupOrder{}, fmt.Errorf("get group order: %w", err)
	}
	g.Status = domain.GroupStatus(status)
	return g, nil
}

func (r *GroupRepository) AddParticipant(ctx context.Context, p domain.GroupParticipant) (bool, error) {
	const stmt = `
INSERT INTO group_participants (group_order_id, user_id, order_id, joined_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (group_order_id, user_id) DO NOTHING`

	tag, err := r.exec(ctx, stmt, p.GroupOrderID, p.UserID, nullIfEmpty(p.OrderID), p.JoinedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return false, domain.ErrGroupNotFound
		}
		return false, fmt.Errorf("add participant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *GroupRepository) HasParticipant(ctx context.Context, groupOrderID, userID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM group_participants WHERE group_order_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.queryRow(ctx, query, groupOrderID, userID).Scan(&exists); err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

func (r *GroupRepository) CountParticipants(ctx context.Context, groupOrderID string) (int, error) {
	const query = `SELECT COUNT(*) FROM group_participants WHERE group_order_id = $1`

	var n int
	if err := r.queryRow(ctx, query, groupOrderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

func (r *GroupRepository) ListParticipants(ctx context.Context, groupOrderID string) ([]domain.GroupParticipant, error) {
	const query = `
SELECT group_order_id::text, user_id, COALESCE(order_id::text, ''), joined_at
FROM group_participants
WHERE group_order_id = $1
ORDER BY joined_at ASC`

	rows, err := r.query(ctx, query, groupOrderID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []domain.GroupParticipant
	for rows.Next() {
		var p domain.GroupParticipant
		if err := rows.Scan(&p.GroupOrderID, &p.UserID, &p.OrderID, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate participants: %w", rows.Err())
	}
	return out, nil
}

func (r *GroupRepository) TransitionGroup(ctx context.Context, groupOrderID string, from, to domain.GroupStatus, at time.Time) (bool, error) {
	const stmt = `UPDATE group_orders SET status = $3, completed_at = $4 WHERE id = $1 AND status = $2`

	tag, err := r.exec(ctx, stmt, groupOrderID, string(from), string(to), at)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("transition group order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *GroupRepository) ListOverdueGroups(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
SELECT id::text
FROM group_orders
WHERE status = 'forming' AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue groups: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("scan overdue groups: %w", err)
	}
	return ids, nil
}
