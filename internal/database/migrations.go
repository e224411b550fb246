package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/subsync/internal/submissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCreateSubmissions     = "2024-06-01_create_submissions"
	migrationIndexSubmissionEpochs = "2024-06-02_index_submission_epochs"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// migrations is append-only; its length is the schema version.
var migrations = []migrationDefinition{
	{name: migrationCreateSubmissions, apply: createSubmissions},
	{name: migrationIndexSubmissionEpochs, apply: indexSubmissionEpochs},
}

// SchemaVersion reports the schema version a freshly opened database ends up at.
func SchemaVersion() int {
	return len(migrations)
}

// AppliedVersion counts the migrations recorded in db.
func AppliedVersion(db *gorm.DB) (int, error) {
	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func createSubmissions(db *gorm.DB) error {
	return db.AutoMigrate(&submissions.Submission{})
}

func indexSubmissionEpochs(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_submissions_epoch ON submissions (epoch_second)").Error
}
