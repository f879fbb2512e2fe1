// Package activity は運動記録の登録・検索・更新・削除と、本人向けの集計・エクスポートを提供します。
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
)

// Repository は運動記録の永続化操作です。
type Repository interface {
	CreateActivity(ctx context.Context, a *models.Activity) error
	GetActivity(ctx context.Context, id int64) (*models.Activity, error)
	UpdateActivity(ctx context.Context, a *models.Activity, actorID int64, isAdmin bool) error
	DeleteActivity(ctx context.Context, id, actorID int64, isAdmin bool) error
	SearchActivities(ctx context.Context, f models.ActivityFilter) ([]models.Activity, int, error)
	ActivityStats(ctx context.Context, userID int64) ([]models.ActivityStats, error)
	ListUserActivities(ctx context.Context, userID int64) ([]models.Activity, error)
}

// Viewer はリクエストの主体です。ID が 0 の場合は未ログインです。
type Viewer struct {
	ID       int64
	Username string
	IsAdmin  bool
}

// Input は新規登録の入力です。
type Input struct {
	ActivityType    models.ActivityType `json:"activity_type" binding:"required,oneof=Running Walking Cycling Swimming Yoga Weightlifting Hiking Other"`
	DurationMinutes int                 `json:"duration_minutes" binding:"required,min=1,max=1440"`
	DistanceKm      *float64            `json:"distance_km" binding:"omitempty,min=0,max=1000"`
	CaloriesBurned  int                 `json:"calories_burned" binding:"min=0,max=10000"`
	ActivityTime    *time.Time          `json:"activity_time"`
	Notes           *string             `json:"notes" binding:"omitempty,max=1000"`
	IsPublic        bool                `json:"is_public"`
}

// Patch は部分更新の入力です。nil のフィールドは変更しません。
type Patch struct {
	ActivityType    *models.ActivityType `json:"activity_type" binding:"omitempty,oneof=Running Walking Cycling Swimming Yoga Weightlifting Hiking Other"`
	DurationMinutes *int                 `json:"duration_minutes" binding:"omitempty,min=1,max=1440"`
	DistanceKm      *float64             `json:"distance_km" binding:"omitempty,min=0,max=1000"`
	CaloriesBurned  *int                 `json:"calories_burned" binding:"omitempty,min=0,max=10000"`
	ActivityTime    *time.Time           `json:"activity_time"`
	Notes           *string              `json:"notes" binding:"omitempty,max=1000"`
	IsPublic        *bool                `json:"is_public"`
}

// Summary は本人の記録の集計です。
type Summary struct {
	Count         int                    `json:"count"`
	TotalMinutes  int                    `json:"total_minutes"`
	TotalCalories int                    `json:"total_calories"`
	TotalDistance float64                `json:"total_distance_km"`
	ByType        []models.ActivityStats `json:"by_type"`
}

// Service は運動記録の業務処理をまとめます。
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService は Service を作成します。
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// check は保存前のレコードが制約を満たすかを確認します。
func check(a *models.Activity) error {
	switch {
	case !a.ActivityType.Valid():
		return apperror.Validation("activity_type is invalid", "activity_type")
	case a.DurationMinutes < 1 || a.DurationMinutes > models.MaxDurationMinutes:
		return apperror.Validation(fmt.Sprintf("duration_minutes must be between 1 and %d", models.MaxDurationMinutes), "duration_minutes")
	case a.DistanceKm != nil && (*a.DistanceKm < 0 || *a.DistanceKm > models.MaxDistanceKm):
		return apperror.Validation(fmt.Sprintf("distance_km must be between 0 and %d", models.MaxDistanceKm), "distance_km")
	case a.CaloriesBurned < 0 || a.CaloriesBurned > models.MaxCalories:
		return apperror.Validation(fmt.Sprintf("calories_burned must be between 0 and %d", models.MaxCalories), "calories_burned")
	case a.Notes != nil && len([]rune(*a.Notes)) > models.MaxNotesLength:
		return apperror.Validation(fmt.Sprintf("notes must be at most %d characters", models.MaxNotesLength), "notes")
	}
	return nil
}

func cleanNotes(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}

// Search はアクセス可能な記録を検索します。未ログインの場合は公開レコードのみです。
func (s *Service) Search(ctx context.Context, v Viewer, f models.ActivityFilter) ([]models.Activity, int, error) {
	if f.OnlyMine && v.ID == 0 {
		return nil, 0, apperror.Authentication("Authentication required")
	}
	if f.Sort == "" {
		f.Sort = models.SortDateDesc
	}
	if !f.Sort.Valid() {
		return nil, 0, apperror.Validation("sort is invalid", "sort")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = models.DefaultPageSize
	}
	if f.Limit < 1 || f.Limit > models.MaxPageSize {
		return nil, 0, apperror.Validation(fmt.Sprintf("limit must be between 1 and %d", models.MaxPageSize), "limit")
	}
	f.ViewerID = v.ID

	items, total, err := s.repo.SearchActivities(ctx, f)
	if err != nil {
		return nil, 0, apperror.Server(err)
	}
	if items == nil {
		items = []models.Activity{}
	}
	return items, total, nil
}

// Get は閲覧可能な記録を返します。閲覧できない記録は存在しないものとして扱います。
func (s *Service) Get(ctx context.Context, v Viewer, id int64) (*models.Activity, error) {
	a, err := s.repo.GetActivity(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperror.NotFound("Activity not found")
	}
	if err != nil {
		return nil, apperror.Server(err)
	}
	if !a.VisibleTo(v.ID, v.IsAdmin) {
		return nil, apperror.NotFound("Activity not found")
	}
	return a, nil
}

// editable は編集対象を読み込み、所有者か管理者であることを確認します。
func (s *Service) editable(ctx context.Context, v Viewer, id int64) (*models.Activity, error) {
	a, err := s.Get(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if !a.EditableBy(v.ID, v.IsAdmin) {
		return nil, apperror.Authorization("You can only modify your own activities")
	}
	return a, nil
}

// Create は v を所有者として記録を作成します。
func (s *Service) Create(ctx context.Context, v Viewer, in Input) (*models.Activity, error) {
	if v.ID == 0 {
		return nil, apperror.Authentication("Authentication required")
	}
	at := s.now()
	if in.ActivityTime != nil && !in.ActivityTime.IsZero() {
		at = *in.ActivityTime
	}
	a := &models.Activity{
		UserID:          v.ID,
		Username:        v.Username,
		ActivityType:    in.ActivityType,
		DurationMinutes: in.DurationMinutes,
		DistanceKm:      in.DistanceKm,
		CaloriesBurned:  in.CaloriesBurned,
		ActivityTime:    at,
		Notes:           cleanNotes(in.Notes),
		IsPublic:        in.IsPublic,
	}
	if err := check(a); err != nil {
		return nil, err
	}
	if err := s.repo.CreateActivity(ctx, a); err != nil {
		return nil, apperror.Server(err)
	}
	return a, nil
}

// Update は部分更新を行い、更新前後の記録を返します。
func (s *Service) Update(ctx context.Context, v Viewer, id int64, p Patch) (before, after *models.Activity, err error) {
	before, err = s.editable(ctx, v, id)
	if err != nil {
		return nil, nil, err
	}
	next := *before
	if p.ActivityType != nil {
		next.ActivityType = *p.ActivityType
	}
	if p.DurationMinutes != nil {
		next.DurationMinutes = *p.DurationMinutes
	}
	if p.DistanceKm != nil {
		next.DistanceKm = p.DistanceKm
	}
	if p.CaloriesBurned != nil {
		next.CaloriesBurned = *p.CaloriesBurned
	}
	if p.ActivityTime != nil && !p.ActivityTime.IsZero() {
		next.ActivityTime = *p.ActivityTime
	}
	if p.Notes != nil {
		next.Notes = cleanNotes(p.Notes)
	}
	if p.IsPublic != nil {
		next.IsPublic = *p.IsPublic
	}
	if err := check(&next); err != nil {
		return nil, nil, err
	}
	// 所有者条件付きの UPDATE なので、確認後に削除された場合は 0 行になる
	if err := s.repo.UpdateActivity(ctx, &next, v.ID, v.IsAdmin); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperror.NotFound("Activity not found")
		}
		return nil, nil, apperror.Server(err)
	}
	return before, &next, nil
}

// Delete は記録を削除し、削除前の記録を返します。
func (s *Service) Delete(ctx context.Context, v Viewer, id int64) (*models.Activity, error) {
	a, err := s.editable(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.DeleteActivity(ctx, id, v.ID, v.IsAdmin); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperror.NotFound("Activity not found")
		}
		return nil, apperror.Server(err)
	}
	return a, nil
}

// Stats は本人の記録を種類ごとに集計します。
func (s *Service) Stats(ctx context.Context, userID int64) (*Summary, error) {
	byType, err := s.repo.ActivityStats(ctx, userID)
	if err != nil {
		return nil, apperror.Server(err)
	}
	sum := &Summary{ByType: byType}
	if sum.ByType == nil {
		sum.ByType = []models.ActivityStats{}
	}
	for _, st := range byType {
		sum.Count += st.Count
		sum.TotalMinutes += st.TotalMinutes
		sum.TotalCalories += st.TotalCalories
		sum.TotalDistance += st.TotalDistance
	}
	return sum, nil
}

// Own は本人の全記録を新しい順に返します。
func (s *Service) Own(ctx context.Context, userID int64) ([]models.Activity, error) {
	items, err := s.repo.ListUserActivities(ctx, userID)
	if err != nil {
		return nil, apperror.Server(err)
	}
	return items, nil
}
