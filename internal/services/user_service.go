package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/solvohq/authcore/internal/models"
	apperrors "github.com/solvohq/authcore/pkg/errors"
)

// DefaultRoleCode is granted to every newly registered account.
const DefaultRoleCode = "standard_user"

// UserService owns user rows: lookups, lifecycle flags and role membership.
// It never reads or writes credentials beyond storing the hash handed to it.
type UserService struct {
	db *gorm.DB
}

// NewUserService constructs a user store over the given database handle.
func NewUserService(db *gorm.DB) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	return &UserService{db: db}, nil
}

// CreateUserInput carries the fields persisted for a new account. Password
// must already be hashed.
type CreateUserInput struct {
	Username    string
	Email       string
	Password    string
	FirstName   string
	LastName    string
	PhoneNumber string
	RoleCodes   []string
}

// Create inserts a new user. Identifiers are normalised to lower case first,
// so uniqueness and later lookups are case-insensitive. When no roles are
// given the default role is attached.
func (s *UserService) Create(ctx context.Context, input CreateUserInput) (*models.User, error) {
	username := strings.ToLower(strings.TrimSpace(input.Username))
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if username == "" || email == "" {
		return nil, apperrors.NewValidation("username and email are required")
	}
	if input.Password == "" {
		return nil, apperrors.NewValidation("password hash is required")
	}

	roleCodes := input.RoleCodes
	if len(roleCodes) == 0 {
		roleCodes = []string{DefaultRoleCode}
	}

	user := &models.User{
		Username:    username,
		Email:       email,
		Password:    input.Password,
		FirstName:   strings.TrimSpace(input.FirstName),
		LastName:    strings.TrimSpace(input.LastName),
		PhoneNumber: strings.TrimSpace(input.PhoneNumber),
		IsActive:    true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var roles []models.Role
		if err := tx.Where("code IN ?", roleCodes).Find(&roles).Error; err != nil {
			return fmt.Errorf("load roles: %w", err)
		}
		if len(roles) != len(roleCodes) {
			return apperrors.NewValidation("unknown role code")
		}

		if err := tx.Create(user).Error; err != nil {
			return err
		}

		if err := tx.Model(user).Association("Roles").Append(roles); err != nil {
			return fmt.Errorf("attach roles: %w", err)
		}

		user.Roles = roles
		return nil
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewConflict("A user with that username or email already exists")
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, fmt.Errorf("user service: create user: %w", err)
	}

	return user, nil
}

// GetByID loads a user with roles preloaded, or nil when absent.
func (s *UserService) GetByID(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Roles").Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user service: find user: %w", err)
	}
	return &user, nil
}

// GetByUsername looks a user up by normalised username.
func (s *UserService) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getByColumn(ctx, "username", strings.ToLower(strings.TrimSpace(username)))
}

// GetByEmail looks a user up by normalised email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getByColumn(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// GetByUsernameOrEmail resolves a login identifier against both columns.
func (s *UserService) GetByUsernameOrEmail(ctx context.Context, identifier string) (*models.User, error) {
	normalized := strings.ToLower(strings.TrimSpace(identifier))
	if normalized == "" {
		return nil, nil
	}

	var user models.User
	err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("username = ? OR email = ?", normalized, normalized).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user service: find user by identifier: %w", err)
	}
	return &user, nil
}

// ExistsByUsername reports whether a username is already taken.
func (s *UserService) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return s.existsByColumn(ctx, "username", strings.ToLower(strings.TrimSpace(username)))
}

// ExistsByEmail reports whether an email is already registered.
func (s *UserService) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.existsByColumn(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// UpdateProfileInput holds the mutable profile fields. Nil pointers leave the
// current value untouched.
type UpdateProfileInput struct {
	FirstName   *string
	LastName    *string
	PhoneNumber *string
}

// UpdateProfile applies a partial profile update.
func (s *UserService) UpdateProfile(ctx context.Context, userID uint, input UpdateProfileInput) (*models.User, error) {
	updates := map[string]any{}
	if input.FirstName != nil {
		updates["first_name"] = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		updates["last_name"] = strings.TrimSpace(*input.LastName)
	}
	if input.PhoneNumber != nil {
		updates["phone_number"] = strings.TrimSpace(*input.PhoneNumber)
	}

	if len(updates) > 0 {
		result := s.db.WithContext(ctx).
			Model(&models.User{}).
			Where("id = ?", userID).
			Updates(updates)
		if result.Error != nil {
			return nil, fmt.Errorf("user service: update profile: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, apperrors.ErrNotFound.WithMessage("User not found")
		}
	}

	return s.GetByID(ctx, userID)
}

// UpdatePassword stores a new password hash and clears lockout state. The two
// updates travel together so an unlock can never land without the new hash.
func (s *UserService) UpdatePassword(ctx context.Context, db *gorm.DB, userID uint, passwordHash string) error {
	if db == nil {
		db = s.db
	}

	result := db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"password":        passwordHash,
			"failed_attempts": 0,
			"locked_until":    nil,
		})
	if result.Error != nil {
		return fmt.Errorf("user service: update password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("User not found")
	}
	return nil
}

// UpdateLastLogin stamps the most recent successful authentication.
func (s *UserService) UpdateLastLogin(ctx context.Context, userID uint, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_login_at", at).Error
	if err != nil {
		return fmt.Errorf("user service: update last login: %w", err)
	}
	return nil
}

// SetActiveStatus enables or disables an account.
func (s *UserService) SetActiveStatus(ctx context.Context, userID uint, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("user service: set active status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("User not found")
	}
	return nil
}

// SetVerified marks an account's email as verified.
func (s *UserService) SetVerified(ctx context.Context, userID uint) error {
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("is_verified", true)
	if result.Error != nil {
		return fmt.Errorf("user service: set verified: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("User not found")
	}
	return nil
}

// AssignRole attaches a role to a user by code. Attaching an already-held
// role is a no-op.
func (s *UserService) AssignRole(ctx context.Context, userID uint, roleCode string) error {
	user, role, err := s.loadUserAndRole(ctx, userID, roleCode)
	if err != nil {
		return err
	}
	for _, held := range user.Roles {
		if held.ID == role.ID {
			return nil
		}
	}
	if err := s.db.WithContext(ctx).Model(user).Association("Roles").Append(role); err != nil {
		return fmt.Errorf("user service: assign role: %w", err)
	}
	return nil
}

// RemoveRole detaches a role from a user by code.
func (s *UserService) RemoveRole(ctx context.Context, userID uint, roleCode string) error {
	user, role, err := s.loadUserAndRole(ctx, userID, roleCode)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(user).Association("Roles").Delete(role); err != nil {
		return fmt.Errorf("user service: remove role: %w", err)
	}
	return nil
}

// RoleCodes extracts the stable role identifiers from a loaded user.
func RoleCodes(user *models.User) []string {
	if user == nil {
		return nil
	}
	codes := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		codes = append(codes, role.Code)
	}
	return codes
}

// HasRole reports whether a loaded user holds the given role code.
func HasRole(user *models.User, roleCode string) bool {
	if user == nil {
		return false
	}
	for _, role := range user.Roles {
		if role.Code == roleCode {
			return true
		}
	}
	return false
}

func (s *UserService) loadUserAndRole(ctx context.Context, userID uint, roleCode string) (*models.User, *models.Role, error) {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, apperrors.ErrNotFound.WithMessage("User not found")
	}

	var role models.Role
	err = s.db.WithContext(ctx).Take(&role, "code = ?", roleCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apperrors.ErrNotFound.WithMessage("Role not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("user service: find role: %w", err)
	}

	return user, &role, nil
}

func (s *UserService) getByColumn(ctx context.Context, column, value string) (*models.User, error) {
	if value == "" {
		return nil, nil
	}

	var user models.User
	err := s.db.WithContext(ctx).
		Preload("Roles").
		Take(&user, column+" = ?", value).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user service: find user by %s: %w", column, err)
	}
	return &user, nil
}

func (s *UserService) existsByColumn(ctx context.Context, column, value string) (bool, error) {
	if value == "" {
		return false, nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where(column+" = ?", value).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("user service: count users by %s: %w", column, err)
	}
	return count > 0, nil
}
