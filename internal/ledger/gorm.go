package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// recordModel maps the event_records table for gorm.
type recordModel struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	EventID     string     `gorm:"size:255;not null;uniqueIndex:event_records_event_topic_key,priority:1"`
	TopicName   string     `gorm:"size:255;not null;uniqueIndex:event_records_event_topic_key,priority:2"`
	Payload     string     `gorm:"type:jsonb;not null"`
	Status      string     `gorm:"size:16;not null;index:event_records_status_received_idx,priority:1"`
	ReceivedAt  time.Time  `gorm:"not null;index:event_records_status_received_idx,priority:2"`
	ProcessedAt *time.Time `gorm:"index:event_records_processed_idx"`
}

func (recordModel) TableName() string {
	return "event_records"
}

func toModel(r *event.Record) *recordModel {
	m := &recordModel{
		EventID:    r.EventID,
		TopicName:  r.TopicName,
		Payload:    string(r.Payload),
		Status:     string(r.Status),
		ReceivedAt: r.ReceivedAt.UTC(),
	}
	if r.ProcessedAt != nil {
		t := r.ProcessedAt.UTC()
		m.ProcessedAt = &t
	}
	return m
}

func (m *recordModel) toRecord() *event.Record {
	return &event.Record{
		EventID:     m.EventID,
		TopicName:   m.TopicName,
		Payload:     []byte(m.Payload),
		Status:      event.Status(m.Status),
		ReceivedAt:  m.ReceivedAt,
		ProcessedAt: m.ProcessedAt,
	}
}

// GormStore is the ledger on gorm, backed by postgres or sqlite.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore opens the database for the gorm-postgres or sqlite driver.
func NewGormStore(cfg dto.LedgerConfig, logger *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "gorm-postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported gorm ledger driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get %s connection pool: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		// every sqlite connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			sqlDB.SetMaxOpenConns(int(cfg.MaxConns))
		}
		if cfg.MinConns > 0 {
			sqlDB.SetMaxIdleConns(int(cfg.MinConns))
		}
	}

	s := &GormStore{db: db, logger: logger}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&recordModel{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate %s ledger: %w", cfg.Driver, err)
		}
	}

	logger.Info("Opened gorm ledger",
		zap.String("driver", cfg.Driver),
		zap.Bool("auto_migrate", cfg.AutoMigrate))
	return s, nil
}

func (s *GormStore) Exists(ctx context.Context, key event.Key) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&recordModel{}).
		Where("event_id = ? AND topic_name = ?", key.EventID, key.Topic).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, wrap("exists", key, err)
	}
	return count > 0, nil
}

func (s *GormStore) Insert(ctx context.Context, record *event.Record) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}, {Name: "topic_name"}},
			DoNothing: true,
		}).
		Create(toModel(record))
	if result.Error != nil {
		return wrap("insert", record.Key(), result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrDuplicateEvent
	}
	return nil
}

func (s *GormStore) MarkProcessed(ctx context.Context, key event.Key, at time.Time) error {
	return s.update(ctx, "mark_processed", key, map[string]any{
		"status":       string(event.StatusProcessed),
		"processed_at": at.UTC(),
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, key event.Key) error {
	return s.update(ctx, "mark_failed", key, map[string]any{
		"status": string(event.StatusFailed),
	})
}

func (s *GormStore) update(ctx context.Context, op string, key event.Key, values map[string]any) error {
	result := s.db.WithContext(ctx).Model(&recordModel{}).
		Where("event_id = ? AND topic_name = ?", key.EventID, key.Topic).
		Updates(values)
	if result.Error != nil {
		return wrap(op, key, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrap(op, key, apperrors.ErrRecordNotFound)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, key event.Key) (*event.Record, error) {
	var m recordModel
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND topic_name = ?", key.EventID, key.Topic).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wrap("get", key, apperrors.ErrRecordNotFound)
	}
	if err != nil {
		return nil, wrap("get", key, err)
	}
	return m.toRecord(), nil
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]*event.Record, error) {
	q := s.db.WithContext(ctx).Model(&recordModel{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.statusStrings())
	}
	if filter.Topic != "" {
		q = q.Where("topic_name = ?", filter.Topic)
	}
	if filter.byProcessed() {
		q = q.Where("processed_at > ?", filter.ProcessedAfter.UTC()).
			Order("processed_at").Order("topic_name").Order("event_id")
	} else {
		q = q.Order("received_at").Order("topic_name").Order("event_id")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []recordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, wrap("list", event.Key{Topic: filter.Topic}, err)
	}

	records := make([]*event.Record, 0, len(models))
	for i := range models {
		records = append(records, models[i].toRecord())
	}
	return records, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
