// Package directory exposes the user-directory collaborator consumed by the
// relationship engine and the profile cache. The engine only ever sees the
// Directory interface; tests substitute stubs.
package directory

import (
	"context"
	"errors"

	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/relerr"
	"gorm.io/gorm"
)

// Profile is the projection embedded into relationship records.
type Profile struct {
	DisplayName string `json:"display_name"`
	PhotoRef    string `json:"photo_ref"`
}

// Directory resolves user identifiers to profiles.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

// GormDirectory reads profiles from the accounts table.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates a Directory backed by the accounts table.
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var acc model.Account
	err := d.db.WithContext(ctx).
		Select("id", "display_name", "photo_ref", "username").
		Where("id = ?", userID).
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, relerr.E(relerr.KindUserNotFound, "directory.GetProfile", "user not found")
	}
	if err != nil {
		return Profile{}, relerr.Wrap(relerr.KindTransientStore, "directory.GetProfile", "lookup failed", err)
	}
	name := acc.DisplayName
	if name == "" {
		name = acc.Username
	}
	return Profile{DisplayName: name, PhotoRef: acc.PhotoRef}, nil
}

func (d *GormDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", userID).Count(&n).Error
	if err != nil {
		return false, relerr.Wrap(relerr.KindTransientStore, "directory.Exists", "lookup failed", err)
	}
	return n > 0, nil
}
