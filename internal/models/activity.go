package models

import "time"

// ActivityType は記録できる運動の種類です。
type ActivityType string

const (
	ActivityRunning       ActivityType = "Running"
	ActivityWalking       ActivityType = "Walking"
	ActivityCycling       ActivityType = "Cycling"
	ActivitySwimming      ActivityType = "Swimming"
	ActivityYoga          ActivityType = "Yoga"
	ActivityWeightlifting ActivityType = "Weightlifting"
	ActivityHiking        ActivityType = "Hiking"
	ActivityOther         ActivityType = "Other"
)

// ActivityTypes は選択肢を表示順で返します。
func ActivityTypes() []ActivityType {
	return []ActivityType{
		ActivityRunning,
		ActivityWalking,
		ActivityCycling,
		ActivitySwimming,
		ActivityYoga,
		ActivityWeightlifting,
		ActivityHiking,
		ActivityOther,
	}
}

// Valid は列挙値に含まれるかを返します。
func (t ActivityType) Valid() bool {
	for _, v := range ActivityTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// 入力値の上限
const (
	MaxDurationMinutes = 1440
	MaxDistanceKm      = 1000
	MaxCalories        = 10000
	MaxNotesLength     = 1000
)

// Activity は fitness_activities テーブルの1行です。
type Activity struct {
	ID              int64        `json:"id"`
	UserID          int64        `json:"user_id"`
	Username        string       `json:"username,omitempty"`
	ActivityType    ActivityType `json:"activity_type"`
	DurationMinutes int          `json:"duration_minutes"`
	DistanceKm      *float64     `json:"distance_km"`
	CaloriesBurned  int          `json:"calories_burned"`
	ActivityTime    time.Time    `json:"activity_time"`
	Notes           *string      `json:"notes"`
	IsPublic        bool         `json:"is_public"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// VisibleTo は閲覧者がこのレコードを参照できるかを返します。
// viewerID が 0 の場合は未ログインとして扱います。
func (a *Activity) VisibleTo(viewerID int64, isAdmin bool) bool {
	return a.IsPublic || (viewerID != 0 && a.UserID == viewerID) || isAdmin
}

// EditableBy は所有者か管理者であるかを返します。
func (a *Activity) EditableBy(actorID int64, isAdmin bool) bool {
	return isAdmin || (actorID != 0 && a.UserID == actorID)
}

// ActivitySort は一覧の並び順です。
type ActivitySort string

const (
	SortDateDesc     ActivitySort = "date_desc"
	SortDateAsc      ActivitySort = "date_asc"
	SortDurationDesc ActivitySort = "duration_desc"
	SortDurationAsc  ActivitySort = "duration_asc"
	SortCaloriesDesc ActivitySort = "calories_desc"
	SortCaloriesAsc  ActivitySort = "calories_asc"
	SortDistanceDesc ActivitySort = "distance_desc"
	SortDistanceAsc  ActivitySort = "distance_asc"
	SortTypeAsc      ActivitySort = "type_asc"
)

// Valid は許可された並び順かを返します。
func (s ActivitySort) Valid() bool {
	switch s {
	case SortDateDesc, SortDateAsc, SortDurationDesc, SortDurationAsc,
		SortCaloriesDesc, SortCaloriesAsc, SortDistanceDesc, SortDistanceAsc, SortTypeAsc:
		return true
	}
	return false
}

// ページング
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ActivityFilter は一覧・検索の条件です。
// ViewerID が 0 の場合は公開レコードのみが対象になります。
type ActivityFilter struct {
	ViewerID    int64
	OnlyMine    bool
	Type        ActivityType
	MinDuration *int
	MaxDuration *int
	MinCalories *int
	MaxCalories *int
	From        *time.Time
	To          *time.Time
	IsPublic    *bool
	Sort        ActivitySort
	Page        int
	Limit       int
}

// Offset はページ番号から OFFSET を計算します。
func (f ActivityFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// ActivityStats は種類ごとの集計です。
type ActivityStats struct {
	ActivityType  ActivityType `json:"activity_type"`
	Count         int          `json:"count"`
	TotalMinutes  int          `json:"total_minutes"`
	TotalCalories int          `json:"total_calories"`
	TotalDistance float64      `json:"total_distance_km"`
}
