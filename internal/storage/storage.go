package storage

import (
	"context"

	"github.com/miam-bot/miam/internal/models"
)

// AccountStore owns durable registration and authentication of users.
type AccountStore interface {
	// Register creates a user with a bcrypt-hashed password. A duplicate
	// email (case-insensitive) fails with apperr.ErrDuplicateEmail, caught
	// by the unique constraint rather than a pre-check.
	Register(ctx context.Context, profile models.Profile, password string) (*models.User, error)

	// Authenticate verifies the credentials and updates last_login on
	// success. Unknown email and wrong password both fail with
	// apperr.ErrAuthentication.
	Authenticate(ctx context.Context, email, password string) (*models.User, error)

	// GetProfile returns the user or apperr.ErrNotFound.
	GetProfile(ctx context.Context, userID int64) (*models.User, error)

	// UpdateProfile overwrites the mutable profile fields. Email changes
	// hit the same uniqueness constraint as Register.
	UpdateProfile(ctx context.Context, userID int64, profile models.Profile) (*models.User, error)

	// ChangePassword verifies the current password before storing a new hash.
	ChangePassword(ctx context.Context, userID int64, current, next string) error

	// DeleteUser removes the user and cascades to all owned threads and
	// their checkpoints. A second call on the same id reports ErrNotFound.
	DeleteUser(ctx context.Context, userID int64) error
}

// ThreadStore owns the thread lifecycle for a user.
type ThreadStore interface {
	// CreateThread inserts a thread and increments the owner's thread
	// counter in the same transaction.
	CreateThread(ctx context.Context, userID int64, name string) (*models.Thread, error)

	// ListThreads returns the user's threads, most recent first.
	ListThreads(ctx context.Context, userID int64) ([]*models.Thread, error)

	// GetThread returns the thread or apperr.ErrNotFound.
	GetThread(ctx context.Context, threadID int64) (*models.Thread, error)

	// GetThreadDetails returns the thread together with the number of
	// messages its checkpoint holds (zero for a fresh thread).
	GetThreadDetails(ctx context.Context, threadID int64) (*models.ThreadDetails, error)

	// UpdateThread renames and/or activates a thread; nil leaves a field
	// untouched. updated_at is always bumped.
	UpdateThread(ctx context.Context, threadID int64, name *string, isActive *bool) (*models.Thread, error)

	// DeleteThread removes the thread's checkpoint, then the thread, and
	// decrements the owner's counter, all in one transaction. A missing
	// thread is apperr.ErrNotFound, never a runtime fault.
	DeleteThread(ctx context.Context, threadID int64) error
}

// CheckpointStore owns the versioned conversation snapshot for each thread.
type CheckpointStore interface {
	// GetCheckpoint returns the latest checkpoint, or (nil, nil) for an
	// existing thread that has none yet. An unknown thread id is
	// apperr.ErrNotFound.
	GetCheckpoint(ctx context.Context, threadID int64) (*models.Checkpoint, error)

	// PutCheckpoint replaces the thread's checkpoint with cp, whose Version
	// must be exactly one past the stored version (1 for the first write).
	// A mismatch fails with apperr.ErrConcurrencyConflict; an unknown
	// thread with apperr.ErrNotFound. The owner's token counter is
	// incremented by tokenDelta in the same transaction, and durability is
	// guaranteed before a nil return.
	PutCheckpoint(ctx context.Context, cp *models.Checkpoint, tokenDelta int) error
}

// Store is the full persistence surface the service wires together.
type Store interface {
	AccountStore
	ThreadStore
	CheckpointStore
	Close() error
}
