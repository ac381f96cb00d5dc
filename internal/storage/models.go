package storage

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSON is a raw JSON column. Stored as jsonb on PostgreSQL and text on
// SQLite; both drivers pass it through as bytes.
type JSON []byte

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	return nil
}

// ToolModel maps to the "tools" table. One row per registered
// package/export pair; version tracks the latest registration.
type ToolModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	PackageName string    `gorm:"not null;uniqueIndex:idx_tools_package_export"`
	ExportName  string    `gorm:"not null;uniqueIndex:idx_tools_package_export"`
	Version     string    `gorm:"not null;default:'latest'"`
	Description string
	InputSchema JSON `gorm:"default:null"`

	// Health columns, written through the report interface only.
	HealthStatus  string `gorm:"not null;default:'unknown';index"`
	LastCheckedAt *time.Time
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (ToolModel) TableName() string { return "tools" }

// CollectionModel maps to the "collections" table.
type CollectionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null"`
	Slug        string    `gorm:"not null;uniqueIndex"`
	Description string
	Public      bool `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (CollectionModel) TableName() string { return "collections" }

// CollectionToolModel maps to the "collection_tools" join table. Position
// fixes the order tools are listed in over MCP.
type CollectionToolModel struct {
	CollectionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	ToolID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Position     int       `gorm:"not null;default:0"`
	CreatedAt    time.Time
}

func (CollectionToolModel) TableName() string { return "collection_tools" }

// CheckRunModel maps to the "check_runs" table. Append-only record of batch
// health sweeps.
type CheckRunModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartedAt  time.Time `gorm:"not null;index"`
	DurationMs int64     `gorm:"not null"`
	Checked    int       `gorm:"not null"`
	Healthy    int       `gorm:"not null"`
	Broken     int       `gorm:"not null"`
	Skipped    int       `gorm:"not null"`
}

func (CheckRunModel) TableName() string { return "check_runs" }
