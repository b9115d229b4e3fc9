package connector

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is the database row of a connector definition. Password and AuthToken are
// stored sealed when the store has an encryption key.
type Record struct {
	ID                 string  `gorm:"primaryKey" json:"id"`
	Kind               string  `gorm:"not null" json:"kind"`
	Host               string  `json:"host"`
	Port               int     `json:"port"`
	SystemID           string  `json:"system_id"`
	Password           string  `json:"-"`
	SystemType         string  `json:"system_type"`
	AccountSID         string  `json:"account_sid"`
	AuthToken          string  `json:"-"`
	StatusCallback     string  `json:"status_callback"`
	SubmitRate         float64 `json:"submit_rate"`
	Burst              int     `json:"burst"`
	QueueCap           int     `json:"queue_cap"`
	MaxSubmitAttempts  int     `json:"max_submit_attempts"`
	EnquireLinkSeconds int     `json:"enquire_link_seconds"`
	AutoStart          bool    `json:"autostart"`
	Enabled            bool    `gorm:"default:true" json:"enabled"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Record) TableName() string { return "connectors" }

// GormStore loads and saves connector definitions.
type GormStore struct {
	db  *gorm.DB
	psk string
}

// OpenGormStore connects to Postgres and migrates the connectors table.
func OpenGormStore(dsn, encryptionKey string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open connector store: %w", err)
	}
	return NewGormStore(db, encryptionKey)
}

func NewGormStore(db *gorm.DB, encryptionKey string) (*GormStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate connectors: %w", err)
	}
	return &GormStore{db: db, psk: encryptionKey}, nil
}

// Load returns every enabled connector definition.
func (s *GormStore) Load(ctx context.Context) ([]Config, error) {
	var rows []Record
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Config, 0, len(rows))
	for _, r := range rows {
		cfg, err := s.toConfig(r)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", r.ID, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Save inserts or replaces a definition.
func (s *GormStore) Save(ctx context.Context, cfg Config) error {
	password, err := sealSecret(cfg.Password, s.psk)
	if err != nil {
		return err
	}
	token, err := sealSecret(cfg.AuthToken, s.psk)
	if err != nil {
		return err
	}
	r := Record{
		ID:                 cfg.ID,
		Kind:               cfg.Kind,
		Host:               cfg.Host,
		Port:               cfg.Port,
		SystemID:           cfg.SystemID,
		Password:           password,
		SystemType:         cfg.SystemType,
		AccountSID:         cfg.AccountSID,
		AuthToken:          token,
		StatusCallback:     cfg.StatusCallback,
		SubmitRate:         cfg.SubmitRate,
		Burst:              cfg.Burst,
		QueueCap:           cfg.QueueCap,
		MaxSubmitAttempts:  cfg.MaxSubmitAttempts,
		EnquireLinkSeconds: int(cfg.EnquireLink / time.Second),
		AutoStart:          cfg.AutoStart,
		Enabled:            true,
	}
	return s.db.WithContext(ctx).Save(&r).Error
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Record{}, "id = ?", id).Error
}

func (s *GormStore) toConfig(r Record) (Config, error) {
	password, err := openSecret(r.Password, s.psk)
	if err != nil {
		return Config{}, fmt.Errorf("password: %w", err)
	}
	token, err := openSecret(r.AuthToken, s.psk)
	if err != nil {
		return Config{}, fmt.Errorf("auth token: %w", err)
	}
	return Config{
		ID:                r.ID,
		Kind:              r.Kind,
		Host:              r.Host,
		Port:              r.Port,
		SystemID:          r.SystemID,
		Password:          password,
		SystemType:        r.SystemType,
		AccountSID:        r.AccountSID,
		AuthToken:         token,
		StatusCallback:    r.StatusCallback,
		SubmitRate:        r.SubmitRate,
		Burst:             r.Burst,
		QueueCap:          r.QueueCap,
		MaxSubmitAttempts: r.MaxSubmitAttempts,
		EnquireLink:       time.Duration(r.EnquireLinkSeconds) * time.Second,
		AutoStart:         r.AutoStart,
	}, nil
}

// Merge overlays stored definitions on file ones; a stored id replaces the file entry.
func Merge(file, stored []Config) []Config {
	index := make(map[string]int, len(file))
	out := make([]Config, 0, len(file)+len(stored))
	for _, c := range file {
		index[c.ID] = len(out)
		out = append(out, c)
	}
	for _, c := range stored {
		if i, ok := index[c.ID]; ok {
			out[i] = c
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}
