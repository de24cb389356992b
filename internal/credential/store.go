// Package credential persists marketplace account credentials and reports
// changes to them.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/shopkeep/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no credential has the requested id.
	ErrNotFound = errors.New("credential: not found")
	// ErrMissingUserID is returned when a cookie bag has no user id cookie.
	ErrMissingUserID = errors.New("credential: cookie has no " + UserIDKey + " value")
)

// Store reads and mutates credentials.
//
// Admin mutations (Create, ReplaceCookies, SetEnabled) bump the revision so
// the Watcher reports them. Session-owned writes (UpdateToken, MergeCookies,
// EnsureDeviceID, MarkInvalid) do not.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get loads one credential.
func (s *Store) Get(ctx context.Context, id string) (*models.Credential, error) {
	var c models.Credential
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("credential: get %s: %w", id, err)
	}
	return &c, nil
}

// List returns every credential ordered by id.
func (s *Store) List(ctx context.Context) ([]models.Credential, error) {
	var out []models.Credential
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("credential: list: %w", err)
	}
	return out, nil
}

// ListEnabled returns credentials that should have a running session.
func (s *Store) ListEnabled(ctx context.Context) ([]models.Credential, error) {
	var out []models.Credential
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND invalid = ?", true, false).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("credential: list enabled: %w", err)
	}
	return out, nil
}

// Create inserts a new credential. The marketplace user id is derived from
// the cookie bag.
func (s *Store) Create(ctx context.Context, c *models.Credential) error {
	uid := ParseCookies(c.Cookies).UserID()
	if uid == "" {
		return ErrMissingUserID
	}
	c.MarketplaceUserID = uid
	c.Revision = 1
	c.Invalid = false
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("credential: create %s: %w", c.ID, err)
	}
	return nil
}

// ReplaceCookies swaps the cookie bag after a manual re-login. The stored
// access token is discarded and the invalid flag cleared.
func (s *Store) ReplaceCookies(ctx context.Context, id, raw string) error {
	uid := ParseCookies(raw).UserID()
	if uid == "" {
		return ErrMissingUserID
	}
	res := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Updates(map[string]interface{}{
		"cookies":                 raw,
		"marketplace_user_id":     uid,
		"invalid":                 false,
		"access_token":            "",
		"access_token_expires_at": nil,
		"revision":                gorm.Expr("revision + 1"),
	})
	return checkUpdate(res, "replace cookies", id)
}

// SetEnabled enables or disables a credential.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Updates(map[string]interface{}{
		"enabled":  enabled,
		"revision": gorm.Expr("revision + 1"),
	})
	return checkUpdate(res, "set enabled", id)
}

// Delete removes a credential.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Credential{})
	return checkUpdate(res, "delete", id)
}

// UpdateToken stores a freshly refreshed access token.
func (s *Store) UpdateToken(ctx context.Context, id string, tok Token) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Updates(map[string]interface{}{
		"access_token":            tok.Value,
		"access_token_expires_at": tok.ExpiresAt,
		"last_refresh_at":         now,
	})
	return checkUpdate(res, "update token", id)
}

// ClearToken discards the stored access token so the next connect
// refreshes it. The last refresh time is kept.
func (s *Store) ClearToken(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Updates(map[string]interface{}{
		"access_token":            "",
		"access_token_expires_at": nil,
	}).Error
	if err != nil {
		return fmt.Errorf("credential: clear token %s: %w", id, err)
	}
	return nil
}

// MergeCookies overlays Set-Cookie values returned by the marketplace onto
// the stored bag.
func (s *Store) MergeCookies(ctx context.Context, id string, updates Cookies) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Credential
		if err := tx.Where("id = ?", id).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("credential: merge cookies %s: %w", id, err)
		}
		merged := ParseCookies(c.Cookies).Merge(updates)
		fields := map[string]interface{}{"cookies": merged.String()}
		if uid := merged.UserID(); uid != "" {
			fields["marketplace_user_id"] = uid
		}
		if err := tx.Model(&models.Credential{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return fmt.Errorf("credential: merge cookies %s: %w", id, err)
		}
		return nil
	})
}

// EnsureDeviceID returns the credential's device id, generating and storing
// a random one on first use.
func (s *Store) EnsureDeviceID(ctx context.Context, id string) (string, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if c.DeviceID != "" {
		return c.DeviceID, nil
	}
	dev, err := NewDeviceID()
	if err != nil {
		return "", err
	}
	// Only the first writer wins; re-read to return the stored value.
	err = s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ? AND (device_id = '' OR device_id IS NULL)", id).
		Update("device_id", dev).Error
	if err != nil {
		return "", fmt.Errorf("credential: store device id %s: %w", id, err)
	}
	c, err = s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return c.DeviceID, nil
}

// MarkInvalid flags the credential as needing a manual re-login.
func (s *Store) MarkInvalid(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Update("invalid", true).Error
	if err != nil {
		return fmt.Errorf("credential: mark invalid %s: %w", id, err)
	}
	return nil
}

// NewDeviceID returns 16 random bytes as lowercase hex.
func NewDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("credential: device id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func checkUpdate(res *gorm.DB, op, id string) error {
	if res.Error != nil {
		return fmt.Errorf("credential: %s %s: %w", op, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
