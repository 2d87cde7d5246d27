package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fliws/immortyx/internal/model"
)

// entryRow is the table layout of a consensus entry. The summary and the
// supporting fact ids are stored as JSON.
type entryRow struct {
	TopicID           string `gorm:"primaryKey"`
	Version           int64
	EvidenceLevel     string
	EvidenceScore     float64
	SummaryJSON       string
	SupportingJSON    string
	LastSynthesizedAt time.Time `gorm:"index"`
}

func (entryRow) TableName() string { return "consensus_entries" }

// GormStore is a Store on SQLite through gorm
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens (and migrates) the consensus database at path
func OpenGorm(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("consensus: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("consensus: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Put implements Store. The version check and the write share one
// transaction.
func (g *GormStore) Put(ctx context.Context, entry model.ConsensusEntry) error {
	if entry.TopicID == "" {
		return fmt.Errorf("consensus: put: topic id is required")
	}
	row, err := toRow(entry)
	if err != nil {
		return err
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev entryRow
		err := tx.Where("topic_id = ?", entry.TopicID).Take(&prev).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return fmt.Errorf("consensus: put %s: %w", entry.TopicID, err)
		}
		if entry.Version <= prev.Version {
			return fmt.Errorf("%w: %s v%d <= v%d", ErrStaleVersion, entry.TopicID, entry.Version, prev.Version)
		}
		return tx.Save(&row).Error
	})
}

// Get implements Store
func (g *GormStore) Get(ctx context.Context, topicID string) (model.ConsensusEntry, bool, error) {
	var row entryRow
	err := g.db.WithContext(ctx).Where("topic_id = ?", topicID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ConsensusEntry{}, false, nil
	}
	if err != nil {
		return model.ConsensusEntry{}, false, fmt.Errorf("consensus: get %s: %w", topicID, err)
	}
	entry, err := fromRow(row)
	if err != nil {
		return model.ConsensusEntry{}, false, err
	}
	return entry, true, nil
}

// List implements Store
func (g *GormStore) List(ctx context.Context) ([]model.ConsensusEntry, error) {
	var rows []entryRow
	if err := g.db.WithContext(ctx).Order("topic_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("consensus: list: %w", err)
	}
	out := make([]model.ConsensusEntry, 0, len(rows))
	for _, r := range rows {
		e, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close implements Store
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(e model.ConsensusEntry) (entryRow, error) {
	summary, err := json.Marshal(e.Summary)
	if err != nil {
		return entryRow{}, fmt.Errorf("consensus: encode summary: %w", err)
	}
	supporting, err := json.Marshal(e.SupportingFactIDs)
	if err != nil {
		return entryRow{}, fmt.Errorf("consensus: encode supporting facts: %w", err)
	}
	return entryRow{
		TopicID:           e.TopicID,
		Version:           e.Version,
		EvidenceLevel:     string(e.EvidenceLevel),
		EvidenceScore:     e.EvidenceScore,
		SummaryJSON:       string(summary),
		SupportingJSON:    string(supporting),
		LastSynthesizedAt: e.LastSynthesizedAt.UTC(),
	}, nil
}

func fromRow(r entryRow) (model.ConsensusEntry, error) {
	e := model.ConsensusEntry{
		TopicID:           r.TopicID,
		Version:           r.Version,
		EvidenceLevel:     model.EvidenceLevel(r.EvidenceLevel),
		EvidenceScore:     r.EvidenceScore,
		LastSynthesizedAt: r.LastSynthesizedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.SummaryJSON), &e.Summary); err != nil {
		return e, fmt.Errorf("consensus: decode summary of %s: %w", r.TopicID, err)
	}
	if err := json.Unmarshal([]byte(r.SupportingJSON), &e.SupportingFactIDs); err != nil {
		return e, fmt.Errorf("consensus: decode supporting facts of %s: %w", r.TopicID, err)
	}
	return e, nil
}
