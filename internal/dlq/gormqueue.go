package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

const (
	errorOperationDLQ = "dlq"
	errorSubjectEntry = "entry"
	errorCodeInsert   = "insert"
	errorCodeList     = "list"
	errorCodeMigrate  = "migrate"
)

// DeadLetter mirrors the dead_letters table.
type DeadLetter struct {
	DeadLetterID  string    `gorm:"type:uuid;primaryKey"`
	ReservationID string    `gorm:"not null;index"`
	ChatID        int64     `gorm:"not null"`
	UserID        int64     `gorm:"not null"`
	AmountChips   int64     `gorm:"not null"`
	Reason        string    `gorm:"not null"`
	Resolved      bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

// TableName fixes the table name.
func (DeadLetter) TableName() string { return "dead_letters" }

// BeforeCreate assigns the primary key.
func (deadLetter *DeadLetter) BeforeCreate(tx *gorm.DB) error {
	if deadLetter.DeadLetterID == "" {
		deadLetter.DeadLetterID = uuid.NewString()
	}
	return nil
}

// GormQueue implements Queue using GORM.
type GormQueue struct {
	db *gorm.DB
}

// NewGormQueue migrates the schema and returns a queue backed by db.
func NewGormQueue(db *gorm.DB) (*GormQueue, error) {
	if err := db.AutoMigrate(&DeadLetter{}); err != nil {
		return nil, gamecore.WrapError(errorOperationDLQ, errorSubjectEntry, errorCodeMigrate, err)
	}
	return &GormQueue{db: db}, nil
}

// Push appends an entry.
func (queue *GormQueue) Push(ctx context.Context, entry Entry) error {
	record := DeadLetter{
		ReservationID: entry.ReservationID,
		ChatID:        entry.ChatID,
		UserID:        entry.UserID,
		AmountChips:   entry.Amount,
		Reason:        entry.Reason,
		CreatedAt:     entry.CreatedAt,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := queue.db.WithContext(ctx).Create(&record).Error; err != nil {
		return gamecore.WrapError(errorOperationDLQ, errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// Pending lists unresolved entries oldest first.
func (queue *GormQueue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	var records []DeadLetter
	query := queue.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, gamecore.WrapError(errorOperationDLQ, errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, Entry{
			ReservationID: record.ReservationID,
			ChatID:        record.ChatID,
			UserID:        record.UserID,
			Amount:        record.AmountChips,
			Reason:        record.Reason,
			CreatedAt:     record.CreatedAt,
		})
	}
	return entries, nil
}
