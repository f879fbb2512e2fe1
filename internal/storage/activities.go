package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

const activityColumns = `a.id, a.user_id, u.username, a.activity_type, a.duration_minutes, a.distance_km,
	a.calories_burned, a.activity_time, a.notes, a.is_public, a.created_at, a.updated_at`

// ORDER BY 句は列挙値からのみ組み立てる
var activityOrder = map[models.ActivitySort]string{
	models.SortDateDesc:     "a.activity_time DESC, a.id DESC",
	models.SortDateAsc:      "a.activity_time ASC, a.id ASC",
	models.SortDurationDesc: "a.duration_minutes DESC, a.id DESC",
	models.SortDurationAsc:  "a.duration_minutes ASC, a.id ASC",
	models.SortCaloriesDesc: "a.calories_burned DESC, a.id DESC",
	models.SortCaloriesAsc:  "a.calories_burned ASC, a.id ASC",
	models.SortDistanceDesc: "a.distance_km DESC NULLS LAST, a.id DESC",
	models.SortDistanceAsc:  "a.distance_km ASC NULLS LAST, a.id ASC",
	models.SortTypeAsc:      "a.activity_type ASC, a.activity_time DESC",
}

func scanActivity(row pgx.Row) (*models.Activity, error) {
	a := &models.Activity{}
	if err := row.Scan(&a.ID, &a.UserID, &a.Username, &a.ActivityType, &a.DurationMinutes, &a.DistanceKm,
		&a.CaloriesBurned, &a.ActivityTime, &a.Notes, &a.IsPublic, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateActivity は運動記録を保存し、ID とタイムスタンプを a に設定します。
func (s *Storage) CreateActivity(ctx context.Context, a *models.Activity) error {
	const op = "storage.CreateActivity"

	query := `INSERT INTO fitness_activities
			      (user_id, activity_type, duration_minutes, distance_km, calories_burned, activity_time, notes, is_public)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  RETURNING id, created_at, updated_at`
	err := s.pool.QueryRow(ctx, query,
		a.UserID, a.ActivityType, a.DurationMinutes, a.DistanceKm, a.CaloriesBurned, a.ActivityTime, a.Notes, a.IsPublic,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	return wrap(op, err)
}

// GetActivity は運動記録を ID で取得します。閲覧権限の判定は呼び出し側で行います。
func (s *Storage) GetActivity(ctx context.Context, id int64) (*models.Activity, error) {
	const op = "storage.GetActivity"
	a, err := scanActivity(s.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM fitness_activities a JOIN users u ON u.id = a.user_id WHERE a.id = $1`, id))
	if err != nil {
		return nil, wrap(op, err)
	}
	return a, nil
}

// UpdateActivity は所有者（または管理者）の場合のみ更新します。
// 事前の所有者チェックと更新の間に削除された場合は ErrNotFound を返します。
func (s *Storage) UpdateActivity(ctx context.Context, a *models.Activity, actorID int64, isAdmin bool) error {
	const op = "storage.UpdateActivity"

	query := `UPDATE fitness_activities
			  SET activity_type = $1, duration_minutes = $2, distance_km = $3, calories_burned = $4,
			      activity_time = $5, notes = $6, is_public = $7, updated_at = now()
			  WHERE id = $8 AND (user_id = $9 OR $10)
			  RETURNING updated_at`
	err := s.pool.QueryRow(ctx, query,
		a.ActivityType, a.DurationMinutes, a.DistanceKm, a.CaloriesBurned, a.ActivityTime, a.Notes, a.IsPublic,
		a.ID, actorID, isAdmin,
	).Scan(&a.UpdatedAt)
	return wrap(op, err)
}

// DeleteActivity は所有者（または管理者）の場合のみ削除します。
func (s *Storage) DeleteActivity(ctx context.Context, id, actorID int64, isAdmin bool) error {
	const op = "storage.DeleteActivity"
	return s.execOne(ctx, op,
		`DELETE FROM fitness_activities WHERE id = $1 AND (user_id = $2 OR $3)`, id, actorID, isAdmin)
}

// SearchActivities は閲覧フィルター → 条件 → 並び順 → ページングの順に適用して検索します。
func (s *Storage) SearchActivities(ctx context.Context, f models.ActivityFilter) ([]models.Activity, int, error) {
	const op = "storage.SearchActivities"

	where, args := activityWhere(f)
	order, ok := activityOrder[f.Sort]
	if !ok {
		order = activityOrder[models.SortDateDesc]
	}

	var total int
	countQuery := `SELECT count(*) FROM fitness_activities a WHERE ` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wrap(op, err)
	}

	args = append(args, f.Limit, f.Offset())
	query := fmt.Sprintf(`SELECT %s FROM fitness_activities a JOIN users u ON u.id = a.user_id
		WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`, activityColumns, where, order, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrap(op, err)
	}
	defer rows.Close()

	items := make([]models.Activity, 0, f.Limit)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, 0, wrap(op, err)
		}
		items = append(items, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap(op, err)
	}
	return items, total, nil
}

func activityWhere(f models.ActivityFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	// アクセスフィルターは常に最初に適用する
	switch {
	case f.ViewerID == 0:
		conds = append(conds, "a.is_public")
	case f.OnlyMine:
		conds = append(conds, "a.user_id = "+arg(f.ViewerID))
	default:
		conds = append(conds, "(a.is_public OR a.user_id = "+arg(f.ViewerID)+")")
	}

	if f.Type != "" {
		conds = append(conds, "a.activity_type = "+arg(f.Type))
	}
	if f.MinDuration != nil {
		conds = append(conds, "a.duration_minutes >= "+arg(*f.MinDuration))
	}
	if f.MaxDuration != nil {
		conds = append(conds, "a.duration_minutes <= "+arg(*f.MaxDuration))
	}
	if f.MinCalories != nil {
		conds = append(conds, "a.calories_burned >= "+arg(*f.MinCalories))
	}
	if f.MaxCalories != nil {
		conds = append(conds, "a.calories_burned <= "+arg(*f.MaxCalories))
	}
	if f.From != nil {
		conds = append(conds, "a.activity_time >= "+arg(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "a.activity_time <= "+arg(*f.To))
	}
	if f.IsPublic != nil {
		conds = append(conds, "a.is_public = "+arg(*f.IsPublic))
	}
	return strings.Join(conds, " AND "), args
}

// ActivityStats はユーザーの運動記録を種類ごとに集計します。
func (s *Storage) ActivityStats(ctx context.Context, userID int64) ([]models.ActivityStats, error) {
	const op = "storage.ActivityStats"

	rows, err := s.pool.Query(ctx, `
		SELECT activity_type, count(*), COALESCE(sum(duration_minutes), 0),
		       COALESCE(sum(calories_burned), 0), COALESCE(sum(distance_km), 0)
		FROM fitness_activities
		WHERE user_id = $1
		GROUP BY activity_type
		ORDER BY activity_type`, userID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var stats []models.ActivityStats
	for rows.Next() {
		var st models.ActivityStats
		if err := rows.Scan(&st.ActivityType, &st.Count, &st.TotalMinutes, &st.TotalCalories, &st.TotalDistance); err != nil {
			return nil, wrap(op, err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return stats, nil
}

// ListUserActivities はエクスポート用にユーザーの全記録を新しい順で返します。
func (s *Storage) ListUserActivities(ctx context.Context, userID int64) ([]models.Activity, error) {
	const op = "storage.ListUserActivities"

	rows, err := s.pool.Query(ctx, `SELECT `+activityColumns+`
		FROM fitness_activities a JOIN users u ON u.id = a.user_id
		WHERE a.user_id = $1
		ORDER BY a.activity_time DESC, a.id DESC`, userID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var items []models.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		items = append(items, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return items, nil
}
