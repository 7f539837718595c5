package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/report-keeper/internal/crypto"
	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/repository"
)

// defaultRole is given to users created without an explicit role.
const defaultRole = "User"

// IdentityService owns user records and the admin check.
type IdentityService interface {
	// CreateUser assigns the next user id and a fresh api key.
	CreateUser(ctx context.Context, in model.NewUser) (*model.User, error)
	// FindByLoginField resolves a user by username, phone or email.
	FindByLoginField(ctx context.Context, field model.LoginField, value string) (*model.User, error)
	// GetByID loads a user by id.
	GetByID(ctx context.Context, id int64) (*model.User, error)
	// GetByAPIKey loads the user currently owning apiKey.
	GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error)
	// List returns every user ordered by id.
	List(ctx context.Context) ([]*model.User, error)
	// IsAdmin reports whether apiKey belongs to an administrator.
	IsAdmin(ctx context.Context, apiKey string) (bool, error)
	// RotateAPIKey replaces the user's api key unconditionally.
	RotateAPIKey(ctx context.Context, userID int64) (string, error)
	// ReplaceAPIKey rotates the key only while it still equals current.
	ReplaceAPIKey(ctx context.Context, userID int64, current string) (string, error)
	// UpdateProfile applies the non-empty fields of patch.
	UpdateProfile(ctx context.Context, userID int64, patch model.ProfilePatch) (*model.User, error)
	// SetProfileImage stores a new profile picture for the user.
	SetProfileImage(ctx context.Context, userID int64, img model.Upload) (*model.User, error)
	// EnsureAdmin creates an administrator when none exists yet.
	EnsureAdmin(ctx context.Context, username, email string) (*model.User, bool, error)
}

type IdentityServiceImpl struct {
	users    repository.UserRepository
	counters repository.CounterRepository
	files    AttachmentStore
	log      *zap.Logger
	now      func() time.Time
}

var _ IdentityService = (*IdentityServiceImpl)(nil)

// NewIdentityService constructs IdentityService.
func NewIdentityService(users repository.UserRepository, counters repository.CounterRepository, files AttachmentStore, log *zap.Logger) *IdentityServiceImpl {
	return &IdentityServiceImpl{users: users, counters: counters, files: files, log: log, now: time.Now}
}

func usernameTaken(users map[int64]*model.User, username string, except int64) bool {
	for id, u := range users {
		if id != except && u.Username == username {
			return true
		}
	}
	return false
}

func sortedUsers(users map[int64]*model.User) []*model.User {
	out := make([]*model.User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateUser validates input, reserves an id and stores the user.
func (s *IdentityServiceImpl) CreateUser(ctx context.Context, in model.NewUser) (*model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, fmt.Errorf("username is required: %w", errs.ErrInvalidInput)
	}
	if in.Role == "" {
		in.Role = defaultRole
	}
	if in.Fullname == "" {
		in.Fullname = in.Username
	}
	key, err := pkgcrypto.NewAPIKey()
	if err != nil {
		return nil, err
	}

	existing, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	if usernameTaken(existing, in.Username, 0) {
		return nil, fmt.Errorf("username %q: %w", in.Username, errs.ErrConflict)
	}
	// the id is reserved outside the users lock; a conflict found below leaves a gap
	id, err := s.counters.Next(ctx, model.CounterUser)
	if err != nil {
		return nil, err
	}
	var created *model.User
	err = s.users.Update(ctx, func(users map[int64]*model.User) error {
		if usernameTaken(users, in.Username, 0) {
			return fmt.Errorf("username %q: %w", in.Username, errs.ErrConflict)
		}
		u := &model.User{
			ID:        id,
			Username:  in.Username,
			Fullname:  in.Fullname,
			Role:      in.Role,
			Phone:     in.Phone,
			Email:     in.Email,
			APIKey:    key,
			CreatedAt: s.now().UTC(),
		}
		users[id] = u
		c := *u
		created = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("user created", zap.Int64("user_id", created.ID), zap.String("role", created.Role))
	return created, nil
}

// FindByLoginField returns the lowest-id user whose field equals value. Emails compare case-insensitively.
func (s *IdentityServiceImpl) FindByLoginField(ctx context.Context, field model.LoginField, value string) (*model.User, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("login field %q: %w", field, errs.ErrInvalidInput)
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range sortedUsers(users) {
		var match bool
		switch field {
		case model.LoginByUsername:
			match = u.Username == value
		case model.LoginByPhone:
			match = u.Phone != "" && u.Phone == value
		case model.LoginByEmail:
			match = u.Email != "" && strings.EqualFold(u.Email, value)
		}
		if match {
			return u, nil
		}
	}
	return nil, errs.ErrNotFound
}

// GetByID loads a user by id.
func (s *IdentityServiceImpl) GetByID(ctx context.Context, id int64) (*model.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	u, ok := users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return u, nil
}

// GetByAPIKey loads the user currently owning apiKey.
func (s *IdentityServiceImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	if apiKey == "" {
		return nil, errs.ErrNotFound
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.APIKey == apiKey {
			return u, nil
		}
	}
	return nil, errs.ErrNotFound
}

// List returns every user ordered by id.
func (s *IdentityServiceImpl) List(ctx context.Context) ([]*model.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	return sortedUsers(users), nil
}

// IsAdmin reports whether apiKey belongs to an administrator. Unknown keys are not admins.
func (s *IdentityServiceImpl) IsAdmin(ctx context.Context, apiKey string) (bool, error) {
	u, err := s.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsAdmin(), nil
}

// RotateAPIKey replaces the user's api key.
func (s *IdentityServiceImpl) RotateAPIKey(ctx context.Context, userID int64) (string, error) {
	return s.ReplaceAPIKey(ctx, userID, "")
}

// ReplaceAPIKey rotates the key; a non-empty current must still be the user's key.
func (s *IdentityServiceImpl) ReplaceAPIKey(ctx context.Context, userID int64, current string) (string, error) {
	key, err := pkgcrypto.NewAPIKey()
	if err != nil {
		return "", err
	}
	err = s.users.Update(ctx, func(users map[int64]*model.User) error {
		u, ok := users[userID]
		if !ok {
			return errs.ErrNotFound
		}
		if current != "" && u.APIKey != current {
			return errs.ErrInvalidAPIKey
		}
		u.APIKey = key
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// UpdateProfile applies non-empty patch fields; a new username must not belong to another user.
func (s *IdentityServiceImpl) UpdateProfile(ctx context.Context, userID int64, patch model.ProfilePatch) (*model.User, error) {
	patch.Username = strings.TrimSpace(patch.Username)
	var updated *model.User
	err := s.users.Update(ctx, func(users map[int64]*model.User) error {
		u, ok := users[userID]
		if !ok {
			return errs.ErrNotFound
		}
		if patch.Username != "" {
			if usernameTaken(users, patch.Username, userID) {
				return fmt.Errorf("username %q: %w", patch.Username, errs.ErrConflict)
			}
			u.Username = patch.Username
		}
		if patch.Fullname != "" {
			u.Fullname = patch.Fullname
		}
		if patch.Phone != "" {
			u.Phone = patch.Phone
		}
		u.LastEditAt = s.now().UTC()
		c := *u
		updated = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetProfileImage writes the picture to users/{id}{ext} and records its locator.
func (s *IdentityServiceImpl) SetProfileImage(ctx context.Context, userID int64, img model.Upload) (*model.User, error) {
	if len(img.Data) == 0 {
		return nil, fmt.Errorf("empty image: %w", errs.ErrInvalidInput)
	}
	if _, err := s.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	locator := fmt.Sprintf("users/%d%s", userID, sanitizeExt(img.Name))
	if err := s.files.Put(ctx, locator, img); err != nil {
		return nil, err
	}

	var (
		updated *model.User
		old     string
	)
	err := s.users.Update(ctx, func(users map[int64]*model.User) error {
		u, ok := users[userID]
		if !ok {
			return errs.ErrNotFound
		}
		old = u.ProfileImagePath
		u.ProfileImagePath = locator
		u.LastEditAt = s.now().UTC()
		c := *u
		updated = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if old != "" && old != locator {
		if err := s.files.Delete(ctx, model.Attachment{Path: old}); err != nil {
			s.log.Warn("old profile image not removed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return updated, nil
}

// EnsureAdmin creates the bootstrap administrator when no administrator exists.
func (s *IdentityServiceImpl) EnsureAdmin(ctx context.Context, username, email string) (*model.User, bool, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, u := range sortedUsers(users) {
		if u.IsAdmin() {
			return u, false, nil
		}
	}
	u, err := s.CreateUser(ctx, model.NewUser{Username: username, Email: email, Role: model.RoleAdministrator})
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}
