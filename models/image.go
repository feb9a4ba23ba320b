package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// ProcessingStatus tracks the lifecycle of an image record.
type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusCompleted ProcessingStatus = "completed"
	StatusFailed    ProcessingStatus = "failed"
)

// JSONMap stores arbitrary image metadata as a jsonb column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(data, m)
}

// Image is the stored record for an uploaded image: file metadata, the
// embedding vector used for similarity search, and the processing lifecycle.
type Image struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	Filename         string           `gorm:"size:255;not null" json:"filename"`
	OriginalFilename string           `gorm:"size:255;not null" json:"original_filename"`
	ContentType      string           `gorm:"size:100;not null" json:"content_type"`
	FileSize         int64            `gorm:"not null" json:"file_size"`
	FilePath         string           `gorm:"size:512" json:"file_path"`
	UploadTimestamp  time.Time        `gorm:"autoCreateTime;not null" json:"upload_timestamp"`
	ProcessedAt      *time.Time       `gorm:"column:processed_timestamp" json:"processed_timestamp,omitempty"`
	Embedding        pgvector.Vector  `gorm:"type:vector(512)" json:"-"`
	Metadata         JSONMap          `gorm:"type:jsonb" json:"metadata,omitempty"`
	ProcessingStatus ProcessingStatus `gorm:"size:50;not null;default:pending;index" json:"processing_status"`
}

func (Image) TableName() string { return "images" }

// BeforeCreate assigns a random UUID when none was set by the caller.
func (i *Image) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
