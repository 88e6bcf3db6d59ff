package relay

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type storedEnvelope struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement"`
	EnvelopeID string `gorm:"uniqueIndex;size:64;not null"`
	Room       string `gorm:"index;size:16;not null"`
	Envelope   []byte `gorm:"not null"`
	CreatedAt  time.Time
}

func (storedEnvelope) TableName() string { return "relay_envelopes" }

type PostgresStore struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&storedEnvelope{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Put(ctx context.Context, room, id string, envelope []byte) (bool, error) {
	row := storedEnvelope{EnvelopeID: id, Room: room, Envelope: envelope}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "envelope_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("postgres put: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) List(ctx context.Context, room string) ([][]byte, error) {
	var rows []storedEnvelope
	if err := s.db.WithContext(ctx).Where("room = ?", room).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = r.Envelope
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
