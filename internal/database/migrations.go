package database

import (
	"gorm.io/gorm"

	"github.com/solvohq/authcore/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.Session{},
		&models.TwoFactor{},
		&models.PasswordResetToken{},
		&models.AuditLog{},
	)
}

// SeedData populates the system roles referenced by the capability checker.
func SeedData(db *gorm.DB) error {
	roles := []models.Role{
		{
			Code:        "admin",
			Name:        "Administrator",
			Description: "Full system access",
			IsSystem:    true,
		},
		{
			Code:        "standard_user",
			Name:        "Standard User",
			Description: "Default role assigned at registration",
			IsSystem:    true,
		},
	}

	for _, role := range roles {
		if err := db.Where(models.Role{Code: role.Code}).Attrs(role).FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	return nil
}
