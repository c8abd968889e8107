package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type PredictionJob struct {
	RowsProcessed int `gorm:"default:0"`
	RowsFailed    int `gorm:"default:0"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&PredictionJob{}, "rows_processed"); err != nil {
		return fmt.Errorf("error adding RowsProcessed column: %w", err)
	}
	if err := db.Migrator().AddColumn(&PredictionJob{}, "rows_failed"); err != nil {
		return fmt.Errorf("error adding RowsFailed column: %w", err)
	}

	if err := db.Model(&PredictionJob{}).
		Where("rows_processed IS NULL").
		Update("rows_processed", 0).Error; err != nil {
		return fmt.Errorf("error setting default value for RowsProcessed: %w", err)
	}
	if err := db.Model(&PredictionJob{}).
		Where("rows_failed IS NULL").
		Update("rows_failed", 0).Error; err != nil {
		return fmt.Errorf("error setting default value for RowsFailed: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&PredictionJob{}, "RowsProcessed"); err != nil {
		return fmt.Errorf("error dropping RowsProcessed column: %w", err)
	}
	if err := db.Migrator().DropColumn(&PredictionJob{}, "RowsFailed"); err != nil {
		return fmt.Errorf("error dropping RowsFailed column: %w", err)
	}

	return nil
}
