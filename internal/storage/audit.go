package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

// InsertAudit は監査ログを1件追記します。
func (s *Storage) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	const op = "storage.InsertAudit"

	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_logs (event_type, user_id, username, resource_type, resource_id, changes,
		                        ip_address, user_agent, request_path, request_method, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.EventType, e.UserID, e.Username, e.ResourceType, e.ResourceID, e.Changes,
		e.IPAddress, e.UserAgent, e.RequestPath, e.RequestMethod, e.CreatedAt,
	).Scan(&e.ID)
	return wrap(op, err)
}

// QueryAudit は条件に一致する監査ログを新しい順で返します。
func (s *Storage) QueryAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, int, error) {
	const op = "storage.QueryAudit"

	var (
		conds = []string{"TRUE"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != nil {
		conds = append(conds, "user_id = "+arg(*f.UserID))
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = "+arg(f.EventType))
	}
	if f.From != nil {
		conds = append(conds, "created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "created_at <= "+arg(*f.To))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM audit_logs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, wrap(op, err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT id, event_type, user_id, COALESCE(username, ''), COALESCE(resource_type, ''),
		       COALESCE(resource_id, ''), changes, COALESCE(ip_address, ''), COALESCE(user_agent, ''),
		       COALESCE(request_path, ''), COALESCE(request_method, ''), created_at
		FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrap(op, err)
	}
	defer rows.Close()

	entries := make([]models.AuditEntry, 0, f.Limit)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.UserID, &e.Username, &e.ResourceType, &e.ResourceID,
			&e.Changes, &e.IPAddress, &e.UserAgent, &e.RequestPath, &e.RequestMethod, &e.CreatedAt); err != nil {
			return nil, 0, wrap(op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap(op, err)
	}
	return entries, total, nil
}

// PurgeAudit は before より古い監査ログを削除し、削除件数を返します。
func (s *Storage) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.PurgeAudit"
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, wrap(op, err)
	}
	return tag.RowsAffected(), nil
}
