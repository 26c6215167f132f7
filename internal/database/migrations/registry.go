package migrations

import (
	"gorm.io/gorm"

	"github.com/browsercast/castrelay/internal/models"
)

// AllMigrations returns the schema history in order.
func AllMigrations() []Migration {
	return []Migration{
		{
			Version:     "001",
			Description: "Create streams table",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Stream{})
			},
		},
		{
			Version:     "002",
			Description: "Index streams by status",
			Up: func(tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&models.Stream{}, "idx_streams_status") {
					return nil
				}
				return tx.Migrator().CreateIndex(&models.Stream{}, "idx_streams_status")
			},
		},
	}
}
