// Package memory は storage.Storage と同じ操作をプロセス内メモリで提供します。
// DATABASE_URL 未設定のローカル開発と、ハンドラーのテストで利用します。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
)

// Store はすべてのテーブルをスライスとマップで保持します。
type Store struct {
	mu sync.RWMutex

	users         map[int64]*models.User
	activities    map[int64]*models.Activity
	verifications map[int64]*models.EmailVerification
	audit         []models.AuditEntry

	nextUser, nextActivity, nextVerification, nextAudit int64

	now func() time.Time
}

// New は空のストアを作成します。
func New() *Store {
	return &Store{
		users:         make(map[int64]*models.User),
		activities:    make(map[int64]*models.Activity),
		verifications: make(map[int64]*models.EmailVerification),
		now:           time.Now,
	}
}

// SetClock はテスト用に時刻関数を差し替えます。
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
}

func duplicate(op, field string) error {
	return fmt.Errorf("%s: %w", op, &storage.DuplicateError{Field: field})
}

// ---- users ----

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	const op = "memory.CreateUser"
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Email = strings.ToLower(u.Email)
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return duplicate(op, "username")
		}
		if existing.Email == u.Email {
			return duplicate(op, "email")
		}
	}
	s.nextUser++
	u.ID = s.nextUser
	u.CreatedAt = s.now()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, notFound("memory.GetUserByID")
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, notFound("memory.GetUserByUsername")
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(email)
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, notFound("memory.GetUserByEmail")
}

func (s *Store) ListUsers(_ context.Context, limit, offset int) ([]models.User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, *u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return page(all, limit, offset), len(all), nil
}

func (s *Store) UpdateProfile(_ context.Context, id int64, firstName, lastName string) error {
	return s.updateUser("memory.UpdateProfile", id, func(u *models.User) error {
		u.FirstName, u.LastName = firstName, lastName
		return nil
	})
}

func (s *Store) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	return s.updateUser("memory.UpdatePassword", id, func(u *models.User) error {
		u.PasswordHash = passwordHash
		return nil
	})
}

func (s *Store) UpdateEmail(_ context.Context, id int64, email string) error {
	const op = "memory.UpdateEmail"
	email = strings.ToLower(email)
	return s.updateUser(op, id, func(u *models.User) error {
		for _, other := range s.users {
			if other.ID != id && other.Email == email {
				return duplicate(op, "email")
			}
		}
		u.Email = email
		return nil
	})
}

func (s *Store) SetAdmin(_ context.Context, id int64, isAdmin bool) error {
	return s.updateUser("memory.SetAdmin", id, func(u *models.User) error {
		u.IsAdmin = isAdmin
		return nil
	})
}

// DeleteUser は外部キーのカスケードと同じく、運動記録と確認コードも削除します。
func (s *Store) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return notFound("memory.DeleteUser")
	}
	delete(s.users, id)
	for aid, a := range s.activities {
		if a.UserID == id {
			delete(s.activities, aid)
		}
	}
	for vid, v := range s.verifications {
		if v.UserID == id {
			delete(s.verifications, vid)
		}
	}
	return nil
}

func (s *Store) updateUser(op string, id int64, mutate func(*models.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return notFound(op)
	}
	return mutate(u)
}

// ---- activities ----

func (s *Store) CreateActivity(_ context.Context, a *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[a.UserID]; !ok {
		return fmt.Errorf("memory.CreateActivity: unknown user %d", a.UserID)
	}
	s.nextActivity++
	a.ID = s.nextActivity
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	s.activities[a.ID] = &cp
	return nil
}

func (s *Store) GetActivity(_ context.Context, id int64) (*models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.activities[id]; ok {
		return s.withUsername(*a), nil
	}
	return nil, notFound("memory.GetActivity")
}

func (s *Store) UpdateActivity(_ context.Context, a *models.Activity, actorID int64, isAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.activities[a.ID]
	if !ok || !(current.UserID == actorID || isAdmin) {
		return notFound("memory.UpdateActivity")
	}
	a.UserID = current.UserID
	a.CreatedAt = current.CreatedAt
	a.UpdatedAt = s.now()
	cp := *a
	s.activities[a.ID] = &cp
	return nil
}

func (s *Store) DeleteActivity(_ context.Context, id, actorID int64, isAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.activities[id]
	if !ok || !(current.UserID == actorID || isAdmin) {
		return notFound("memory.DeleteActivity")
	}
	delete(s.activities, id)
	return nil
}

func (s *Store) SearchActivities(_ context.Context, f models.ActivityFilter) ([]models.Activity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Activity
	for _, a := range s.activities {
		if matches(a, f) {
			matched = append(matched, *s.withUsername(*a))
		}
	}
	sortActivities(matched, f.Sort)
	return page(matched, f.Limit, f.Offset()), len(matched), nil
}

func matches(a *models.Activity, f models.ActivityFilter) bool {
	switch {
	case f.ViewerID == 0:
		if !a.IsPublic {
			return false
		}
	case f.OnlyMine:
		if a.UserID != f.ViewerID {
			return false
		}
	default:
		if !a.IsPublic && a.UserID != f.ViewerID {
			return false
		}
	}
	if f.Type != "" && a.ActivityType != f.Type {
		return false
	}
	if f.MinDuration != nil && a.DurationMinutes < *f.MinDuration {
		return false
	}
	if f.MaxDuration != nil && a.DurationMinutes > *f.MaxDuration {
		return false
	}
	if f.MinCalories != nil && a.CaloriesBurned < *f.MinCalories {
		return false
	}
	if f.MaxCalories != nil && a.CaloriesBurned > *f.MaxCalories {
		return false
	}
	if f.From != nil && a.ActivityTime.Before(*f.From) {
		return false
	}
	if f.To != nil && a.ActivityTime.After(*f.To) {
		return false
	}
	if f.IsPublic != nil && a.IsPublic != *f.IsPublic {
		return false
	}
	return true
}

func sortActivities(items []models.Activity, by models.ActivitySort) {
	distance := func(a models.Activity) float64 {
		if a.DistanceKm == nil {
			return -1
		}
		return *a.DistanceKm
	}
	less := map[models.ActivitySort]func(a, b models.Activity) bool{
		models.SortDateAsc:      func(a, b models.Activity) bool { return a.ActivityTime.Before(b.ActivityTime) },
		models.SortDurationDesc: func(a, b models.Activity) bool { return a.DurationMinutes > b.DurationMinutes },
		models.SortDurationAsc:  func(a, b models.Activity) bool { return a.DurationMinutes < b.DurationMinutes },
		models.SortCaloriesDesc: func(a, b models.Activity) bool { return a.CaloriesBurned > b.CaloriesBurned },
		models.SortCaloriesAsc:  func(a, b models.Activity) bool { return a.CaloriesBurned < b.CaloriesBurned },
		models.SortDistanceDesc: func(a, b models.Activity) bool { return distance(a) > distance(b) },
		models.SortDistanceAsc:  func(a, b models.Activity) bool { return distance(a) < distance(b) },
		models.SortTypeAsc:      func(a, b models.Activity) bool { return a.ActivityType < b.ActivityType },
	}[by]
	if less == nil {
		less = func(a, b models.Activity) bool { return a.ActivityTime.After(b.ActivityTime) }
	}
	sort.SliceStable(items, func(i, j int) bool {
		if less(items[i], items[j]) {
			return true
		}
		if less(items[j], items[i]) {
			return false
		}
		return items[i].ID < items[j].ID
	})
}

func (s *Store) ActivityStats(_ context.Context, userID int64) ([]models.ActivityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[models.ActivityType]*models.ActivityStats)
	for _, a := range s.activities {
		if a.UserID != userID {
			continue
		}
		st, ok := byType[a.ActivityType]
		if !ok {
			st = &models.ActivityStats{ActivityType: a.ActivityType}
			byType[a.ActivityType] = st
		}
		st.Count++
		st.TotalMinutes += a.DurationMinutes
		st.TotalCalories += a.CaloriesBurned
		if a.DistanceKm != nil {
			st.TotalDistance += *a.DistanceKm
		}
	}
	stats := make([]models.ActivityStats, 0, len(byType))
	for _, st := range byType {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ActivityType < stats[j].ActivityType })
	return stats, nil
}

func (s *Store) ListUserActivities(_ context.Context, userID int64) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []models.Activity
	for _, a := range s.activities {
		if a.UserID == userID {
			items = append(items, *s.withUsername(*a))
		}
	}
	sortActivities(items, models.SortDateDesc)
	return items, nil
}

func (s *Store) withUsername(a models.Activity) *models.Activity {
	if u, ok := s.users[a.UserID]; ok {
		a.Username = u.Username
	}
	return &a
}

// ---- verifications ----

func (s *Store) CreateVerification(_ context.Context, v *models.EmailVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.verifications {
		if existing.UserID == v.UserID && existing.Purpose == v.Purpose && existing.UsedAt == nil {
			delete(s.verifications, id)
		}
	}
	s.nextVerification++
	v.ID = s.nextVerification
	v.CreatedAt = s.now()
	cp := *v
	s.verifications[v.ID] = &cp
	return nil
}

func (s *Store) ConsumeVerification(_ context.Context, userID int64, purpose models.VerificationPurpose, code string) (*models.EmailVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, v := range s.verifications {
		if v.UserID == userID && v.Purpose == purpose && v.Code == code && v.Usable(now) {
			v.UsedAt = &now
			cp := *v
			return &cp, nil
		}
	}
	return nil, notFound("memory.ConsumeVerification")
}

// ---- audit ----

func (s *Store) InsertAudit(_ context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAudit++
	e.ID = s.nextAudit
	s.audit = append(s.audit, *e)
	return nil
}

func (s *Store) QueryAudit(_ context.Context, f models.AuditFilter) ([]models.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		matched = append(matched, e)
	}
	return page(matched, f.Limit, f.Offset), len(matched), nil
}

func (s *Store) PurgeAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	var purged int64
	for _, e := range s.audit {
		if e.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return purged, nil
}

// Ping は storage.Storage と揃えるためのものです。
func (s *Store) Ping(context.Context) error {
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
