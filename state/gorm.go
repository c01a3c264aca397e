package state

import (
	"context"
	"fmt"
	"time"

	oidc "github.com/haileyok/azuread-oidc-golang"
	"gorm.io/gorm"
)

type AuthRequestRow struct {
	Token    string `gorm:"primaryKey"`
	IssuedAt int64  `gorm:"index"`
	ReturnTo string
}

func (AuthRequestRow) TableName() string {
	return "auth_request_states"
}

// GormStore keeps states in a SQL table so several server instances can share them.
type GormStore struct {
	db   *gorm.DB
	opts options
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, opts ...Option) (*GormStore, error) {
	if err := db.AutoMigrate(&AuthRequestRow{}); err != nil {
		return nil, fmt.Errorf("could not migrate state table: %w", err)
	}

	return &GormStore{
		db:   db,
		opts: newOptions(opts),
	}, nil
}

func (s *GormStore) Issue(ctx context.Context, returnTo string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("could not generate state token: %w", err)
	}

	row := &AuthRequestRow{
		Token:    token,
		IssuedAt: s.opts.now().UnixNano(),
		ReturnTo: returnTo,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", fmt.Errorf("could not persist state: %w", err)
	}

	if err := s.Prune(ctx); err != nil {
		s.opts.logger.Warn("failed to prune states", "error", err)
	}

	return token, nil
}

func (s *GormStore) ValidateAndConsume(ctx context.Context, token string) (*AuthRequestState, error) {
	if token == "" {
		return nil, oidc.ErrInvalidState
	}

	var row AuthRequestRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("token = ?", token).Limit(1).Find(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return oidc.ErrInvalidState
		}

		// the delete is the consumption gate; a concurrent consumer sees zero rows
		del := tx.Where("token = ?", token).Delete(&AuthRequestRow{})
		if del.Error != nil {
			return del.Error
		}
		if del.RowsAffected == 0 {
			return oidc.ErrInvalidState
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	createdAt := time.Unix(0, row.IssuedAt)
	if s.opts.expired(createdAt) {
		return nil, oidc.ErrExpiredState
	}

	return &AuthRequestState{
		Token:     row.Token,
		CreatedAt: createdAt,
		ReturnTo:  row.ReturnTo,
	}, nil
}

func (s *GormStore) Prune(ctx context.Context) error {
	cutoff := s.opts.now().Add(-s.opts.retention()).UnixNano()
	return s.db.WithContext(ctx).Where("issued_at < ?", cutoff).Delete(&AuthRequestRow{}).Error
}
