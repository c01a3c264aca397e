package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	oidc "github.com/haileyok/azuread-oidc-golang"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxCreateAttempts = 5

type UserRow struct {
	ID          int64  `gorm:"primaryKey"`
	Username    string `gorm:"uniqueIndex"`
	Email       string `gorm:"index"`
	DisplayName string
	Nickname    string
	CreatedAt   time.Time
}

func (UserRow) TableName() string {
	return "users"
}

// OIDCMetaRow holds the external binding and the last seen claims for a user. A user has
// at most one row and a subject belongs to at most one user.
type OIDCMetaRow struct {
	UserID            int64          `gorm:"primaryKey;autoIncrement:false"`
	SubjectIdentity   *string        `gorm:"uniqueIndex"`
	LastIDTokenClaims map[string]any `gorm:"serializer:json"`
	LastUserClaims    map[string]any `gorm:"serializer:json"`
	LastTokenResponse map[string]any `gorm:"serializer:json"`
	UpdatedAt         time.Time
}

func (OIDCMetaRow) TableName() string {
	return "user_oidc_meta"
}

type GormStore struct {
	db *gorm.DB
}

var _ AccountStore = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&UserRow{}, &OIDCMetaRow{}); err != nil {
		return nil, fmt.Errorf("could not migrate account tables: %w", err)
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) FindBySubject(ctx context.Context, subject string) (*LinkedAccount, error) {
	return findBySubject(s.db.WithContext(ctx), subject)
}

func findBySubject(db *gorm.DB, subject string) (*LinkedAccount, error) {
	var meta OIDCMetaRow
	res := db.Where("subject_identity = ?", subject).Limit(1).Find(&meta)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, oidc.ErrAccountNotFound
	}

	var user UserRow
	if err := db.First(&user, meta.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oidc.ErrAccountNotFound
		}
		return nil, err
	}

	return toAccount(user, &meta), nil
}

func (s *GormStore) FindByField(ctx context.Context, field MatchField, value string) ([]LinkedAccount, error) {
	var column string
	switch field {
	case MatchEmail:
		column = "email"
	case MatchUsername:
		column = "username"
	default:
		return nil, fmt.Errorf("unsupported match field %q", field)
	}

	db := s.db.WithContext(ctx)

	var users []UserRow
	if err := db.Where("LOWER("+column+") = LOWER(?)", value).Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}

	var metas []OIDCMetaRow
	if err := db.Where("user_id IN ?", ids).Find(&metas).Error; err != nil {
		return nil, err
	}
	byUser := make(map[int64]*OIDCMetaRow, len(metas))
	for i := range metas {
		byUser[metas[i].UserID] = &metas[i]
	}

	out := make([]LinkedAccount, 0, len(users))
	for _, u := range users {
		out = append(out, *toAccount(u, byUser[u.ID]))
	}
	return out, nil
}

func (s *GormStore) Link(ctx context.Context, userID int64, subject string) (*LinkedAccount, error) {
	var account *LinkedAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findBySubject(tx, subject)
		if err == nil {
			account = existing
			return nil
		}
		if !errors.Is(err, oidc.ErrAccountNotFound) {
			return err
		}

		var user UserRow
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return oidc.ErrAccountNotFound
			}
			return err
		}

		var meta OIDCMetaRow
		res := tx.Where("user_id = ?", userID).Limit(1).Find(&meta)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 && meta.SubjectIdentity != nil {
			return fmt.Errorf("user %d is already linked to another identity", userID)
		}

		meta.UserID = userID
		meta.SubjectIdentity = &subject
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"subject_identity", "updated_at"}),
		}).Create(&meta).Error; err != nil {
			return err
		}

		account = toAccount(user, &meta)
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return s.FindBySubject(ctx, subject)
		}
		return nil, err
	}

	return account, nil
}

func (s *GormStore) CreateLinked(ctx context.Context, user NewUser, subject string) (*LinkedAccount, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		account, created, err := s.createLinked(ctx, user, subject)
		if err == nil {
			return account, created, nil
		}
		if !isUniqueViolation(err) {
			return nil, false, err
		}

		// either a concurrent login bound the subject or the username was just taken
		if existing, ferr := s.FindBySubject(ctx, subject); ferr == nil {
			return existing, false, nil
		}
		lastErr = err
	}

	return nil, false, fmt.Errorf("could not allocate a unique username after %d attempts: %w", maxCreateAttempts, lastErr)
}

func (s *GormStore) createLinked(ctx context.Context, user NewUser, subject string) (*LinkedAccount, bool, error) {
	var (
		account *LinkedAccount
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findBySubject(tx, subject)
		if err == nil {
			account = existing
			return nil
		}
		if !errors.Is(err, oidc.ErrAccountNotFound) {
			return err
		}

		row, err := insertUser(tx, user)
		if err != nil {
			return err
		}

		meta := &OIDCMetaRow{
			UserID:          row.ID,
			SubjectIdentity: &subject,
		}
		if err := tx.Create(meta).Error; err != nil {
			return err
		}

		account = toAccount(*row, meta)
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return account, created, nil
}

func (s *GormStore) CreateUser(ctx context.Context, user NewUser) (*LinkedAccount, error) {
	var row *UserRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = insertUser(tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}

	return toAccount(*row, nil), nil
}

func (s *GormStore) UpdateClaims(ctx context.Context, userID int64, snap ClaimSnapshot) error {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&UserRow{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return oidc.ErrAccountNotFound
	}

	meta := &OIDCMetaRow{
		UserID:            userID,
		LastIDTokenClaims: snap.IDTokenClaims,
		LastUserClaims:    snap.UserClaims,
		LastTokenResponse: snap.TokenResponse,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_id_token_claims", "last_user_claims", "last_token_response", "updated_at"}),
	}).Create(meta).Error
}

func insertUser(tx *gorm.DB, user NewUser) (*UserRow, error) {
	username, err := uniqueUsername(tx, user.Username)
	if err != nil {
		return nil, err
	}

	row := &UserRow{
		Username:    username,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Nickname:    user.Nickname,
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func uniqueUsername(tx *gorm.DB, base string) (string, error) {
	name := base
	for i := 2; ; i++ {
		var count int64
		if err := tx.Model(&UserRow{}).Where("LOWER(username) = LOWER(?)", name).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return name, nil
		}
		name = fmt.Sprintf("%s%d", base, i)
	}
}

func toAccount(user UserRow, meta *OIDCMetaRow) *LinkedAccount {
	acc := &LinkedAccount{
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Nickname:    user.Nickname,
	}
	if meta == nil {
		return acc
	}

	if meta.SubjectIdentity != nil {
		acc.SubjectIdentity = *meta.SubjectIdentity
	}
	acc.LastIDTokenClaims = meta.LastIDTokenClaims
	acc.LastUserClaims = meta.LastUserClaims
	acc.LastTokenResponse = meta.LastTokenResponse
	return acc
}
