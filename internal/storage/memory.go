package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/miam-bot/miam/internal/apperr"
	"github.com/miam-bot/miam/internal/models"
)

// MemoryStore keeps everything in process memory behind one mutex. Used for
// local runs without Postgres and as the store under test.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[int64]*models.User
	passwords   map[int64]string
	threads     map[int64]*models.Thread
	checkpoints map[int64]*models.Checkpoint
	nextUserID  int64
	nextThread  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[int64]*models.User),
		passwords:   make(map[int64]string),
		threads:     make(map[int64]*models.Thread),
		checkpoints: make(map[int64]*models.Checkpoint),
	}
}

func cloneUser(u *models.User) *models.User {
	cp := *u
	return &cp
}

func (s *MemoryStore) Register(ctx context.Context, profile models.Profile, password string) (*models.User, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperr.Validation("password", "required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, profile.Email) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrDuplicateEmail, profile.Email)
		}
	}

	s.nextUserID++
	user := &models.User{
		ID:        s.nextUserID,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Email:     profile.Email,
		Phone:     profile.Phone,
		BirthDate: profile.BirthDate,
		Address:   profile.Address,
		City:      profile.City,
		Country:   profile.Country,
		CreatedAt: time.Now(),
	}
	s.users[user.ID] = user
	s.passwords[user.ID] = string(hash)
	return cloneUser(user), nil
}

func (s *MemoryStore) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	if email == "" {
		return nil, apperr.Validation("email", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			if bcrypt.CompareHashAndPassword([]byte(s.passwords[u.ID]), []byte(password)) != nil {
				return nil, apperr.ErrAuthentication
			}
			now := time.Now()
			u.LastLogin = &now
			return cloneUser(u), nil
		}
	}
	return nil, apperr.ErrAuthentication
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, apperr.NotFound("user", userID)
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) UpdateProfile(ctx context.Context, userID int64, profile models.Profile) (*models.User, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, apperr.NotFound("user", userID)
	}
	for id, u := range s.users {
		if id != userID && strings.EqualFold(u.Email, profile.Email) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrDuplicateEmail, profile.Email)
		}
	}

	user.FirstName = profile.FirstName
	user.LastName = profile.LastName
	user.Email = profile.Email
	user.Phone = profile.Phone
	user.BirthDate = profile.BirthDate
	user.Address = profile.Address
	user.City = profile.City
	user.Country = profile.Country
	return cloneUser(user), nil
}

func (s *MemoryStore) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if next == "" {
		return apperr.Validation("password", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.passwords[userID]
	if !ok {
		return apperr.NotFound("user", userID)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(current)) != nil {
		return apperr.ErrAuthentication
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	s.passwords[userID] = string(newHash)
	return nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return apperr.NotFound("user", userID)
	}

	for id, t := range s.threads {
		if t.UserID == userID {
			delete(s.checkpoints, id)
			delete(s.threads, id)
		}
	}
	delete(s.passwords, userID)
	delete(s.users, userID)
	return nil
}

func (s *MemoryStore) CreateThread(ctx context.Context, userID int64, name string) (*models.Thread, error) {
	if name == "" {
		name = "Thread " + time.Now().Format("2006-01-02 15:04")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, apperr.NotFound("user", userID)
	}

	s.nextThread++
	now := time.Now()
	thread := &models.Thread{
		ID:        s.nextThread,
		UserID:    userID,
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[thread.ID] = thread
	user.ThreadCount++

	cp := *thread
	return &cp, nil
}

func (s *MemoryStore) ListThreads(ctx context.Context, userID int64) ([]*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var threads []*models.Thread
	for _, t := range s.threads {
		if t.UserID == userID {
			cp := *t
			threads = append(threads, &cp)
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].ID > threads[j].ID
		}
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
	return threads, nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, apperr.NotFound("thread", threadID)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetThreadDetails(ctx context.Context, threadID int64) (*models.ThreadDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, apperr.NotFound("thread", threadID)
	}
	d := &models.ThreadDetails{Thread: *t}
	if cp, ok := s.checkpoints[threadID]; ok {
		d.MessageCount = len(cp.Messages)
	}
	return d, nil
}

func (s *MemoryStore) UpdateThread(ctx context.Context, threadID int64, name *string, isActive *bool) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, apperr.NotFound("thread", threadID)
	}
	if name != nil {
		t.Name = *name
	}
	if isActive != nil {
		t.IsActive = *isActive
	}
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) DeleteThread(ctx context.Context, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return apperr.NotFound("thread", threadID)
	}
	if user, ok := s.users[t.UserID]; ok {
		user.ThreadCount--
	}
	delete(s.checkpoints, threadID)
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, threadID int64) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, apperr.NotFound("thread", threadID)
	}
	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, nil
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp *models.Checkpoint, tokenDelta int) error {
	if cp == nil || cp.ThreadID == 0 {
		return apperr.Validation("checkpoint", "thread id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[cp.ThreadID]
	if !ok {
		return apperr.NotFound("thread", cp.ThreadID)
	}

	var storedVersion int64
	if stored, ok := s.checkpoints[cp.ThreadID]; ok {
		storedVersion = stored.Version
	}
	if cp.Version != storedVersion+1 {
		return apperr.ErrConcurrencyConflict
	}

	s.checkpoints[cp.ThreadID] = cp.Clone()
	thread.UpdatedAt = time.Now()
	if user, ok := s.users[thread.UserID]; ok {
		user.TokenCount += int64(tokenDelta)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
