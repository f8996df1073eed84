package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Credential is the persisted login record. Only the bcrypt hash of the
// password is stored.
type Credential struct {
	Username     string `gorm:"primaryKey;type:text"`
	PasswordHash string `gorm:"not null;type:text"`
	CreatedAt    time.Time
}

// TableName returns the table name for the Credential entity.
func (Credential) TableName() string {
	return "credentials"
}

// Store implements Gateway on top of a GORM database.
type Store struct {
	db     *gorm.DB
	hasher *PasswordHasher
}

var _ Gateway = (*Store)(nil)

// NewStore migrates the credentials table and returns a ready Store.
func NewStore(db *gorm.DB, hasher *PasswordHasher) (*Store, error) {
	if err := db.AutoMigrate(&Credential{}); err != nil {
		return nil, fmt.Errorf("failed to migrate credentials: %w", err)
	}
	if hasher == nil {
		hasher = NewPasswordHasher(DefaultBcryptCost)
	}
	return &Store{db: db, hasher: hasher}, nil
}

// Verify checks password against the stored hash for username.
func (s *Store) Verify(ctx context.Context, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}

	var cred Credential
	err := s.db.WithContext(ctx).First(&cred, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to find credential: %w", err)
	}
	return s.hasher.Verify(password, cred.PasswordHash), nil
}

// Register hashes password and inserts a new credential. The insert ignores
// conflicts so that of two concurrent registrations for one name exactly one
// succeeds and the other observes ErrUserExists.
func (s *Store) Register(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	cred := &Credential{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(cred)
	if result.Error != nil {
		return fmt.Errorf("failed to create credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserExists
	}

	log.Printf("[auth] Registered user %q", username)
	return nil
}
