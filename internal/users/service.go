package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corates/backend/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrIdentityNotFound indicates no mirrored record exists for a user id.
	ErrIdentityNotFound = errors.New("users: identity not found")
)

// ServiceConfig describes the dependencies required for user identity mirroring.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service mirrors user identities and project memberships pushed from the
// web application, and refreshes profile details as sessions are seen.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// RecordSighting upserts the identity carried by validated session claims
// and returns the user id. Profile fields are refreshed when the session
// carries newer non-empty values.
func (s *Service) RecordSighting(claims auth.SessionClaims) (string, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		return "", ErrInvalidIdentity
	}

	if _, ok := s.cache.Load(userID); ok {
		_ = s.db.Model(&Identity{}).
			Where("user_id = ?", userID).
			Update("last_seen_at", s.now()).
			Error
		return userID, nil
	}

	var identity Identity
	err := s.db.Where("user_id = ?", userID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      userID,
			Username:    normalize(claims.Username),
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if username := normalize(claims.Username); username != "" && username != identity.Username {
			updates["username"] = username
		}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.Model(&Identity{}).
				Where("user_id = ?", userID).
				Updates(updates).
				Error
		}
	}

	s.cache.Store(userID, struct{}{})
	return userID, nil
}

// Lookup returns the mirrored identity for a user id.
func (s *Service) Lookup(userID string) (Identity, error) {
	trimmed := normalize(userID)
	if trimmed == "" {
		return Identity{}, ErrInvalidIdentity
	}
	var identity Identity
	err := s.db.Where("user_id = ?", trimmed).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// SyncMembership upserts the membership mirror for a project member.
func (s *Service) SyncMembership(projectID, userID, role string) error {
	projectID = normalize(projectID)
	userID = normalize(userID)
	role = normalize(role)
	if projectID == "" || userID == "" || role == "" {
		return ErrInvalidIdentity
	}

	var existing Membership
	err := s.db.Where("project_id = ? AND user_id = ?", projectID, userID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&Membership{ProjectID: projectID, UserID: userID, Role: role}).Error
	}
	if err != nil {
		return err
	}
	if existing.Role == role {
		return nil
	}
	return s.db.Model(&Membership{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Update("role", role).
		Error
}

// RemoveMembership deletes a membership mirror row; absent rows are a no-op.
func (s *Service) RemoveMembership(projectID, userID string) error {
	projectID = normalize(projectID)
	userID = normalize(userID)
	if projectID == "" || userID == "" {
		return ErrInvalidIdentity
	}
	return s.db.Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&Membership{}).
		Error
}

// ListProjectMembers returns the mirrored memberships for a project.
func (s *Service) ListProjectMembers(projectID string) ([]Membership, error) {
	trimmed := normalize(projectID)
	if trimmed == "" {
		return nil, ErrInvalidIdentity
	}
	var memberships []Membership
	if err := s.db.Where("project_id = ?", trimmed).Order("user_id").Find(&memberships).Error; err != nil {
		return nil, err
	}
	return memberships, nil
}
