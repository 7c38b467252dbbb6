package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Property is a single row of the shared status store.
type Property struct {
	Name      string    `gorm:"primaryKey;size:512"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// errSwapLost rolls back a Swap transaction whose condition did not hold.
var errSwapLost = errors.New("swap condition not met")

// Compile-time interface check.
var _ Store = (*gormStore)(nil)

type gormStore struct {
	log logrus.FieldLogger
	cfg *config.StoreConfig
	db  *gorm.DB
}

// NewGormStore creates a Store backed by SQLite or PostgreSQL.
func NewGormStore(log logrus.FieldLogger, cfg *config.StoreConfig) Store {
	return &gormStore{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *gormStore) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.StoreDriverSQLite:
		dialector = sqlite.Open(sqliteDSN(s.cfg.SQLite.Path))
	case config.StoreDriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == config.StoreDriverSQLite {
		// SQLite allows a single writer; serialising at the pool keeps
		// concurrent swaps from failing with SQLITE_BUSY.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Property{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Status store connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *gormStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *gormStore) Get(ctx context.Context, key string) (string, error) {
	var prop Property

	err := s.db.WithContext(ctx).Where("name = ?", key).First(&prop).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("getting property %s: %w", key, err)
	}

	return prop.Value, nil
}

func (s *gormStore) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	var props []Property

	if err := s.db.WithContext(ctx).
		Where(`name LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Find(&props).Error; err != nil {
		return nil, fmt.Errorf("listing properties with prefix %s: %w", prefix, err)
	}

	out := make(map[string]string, len(props))

	// SQLite LIKE ignores ASCII case.
	for _, p := range props {
		if strings.HasPrefix(p.Name, prefix) {
			out[p.Name] = p.Value
		}
	}

	return out, nil
}

func (s *gormStore) Put(ctx context.Context, key, value string) error {
	return s.PutAll(ctx, map[string]string{key: value})
}

func (s *gormStore) PutAll(ctx context.Context, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}

	if err := upsert(s.db.WithContext(ctx), props); err != nil {
		return fmt.Errorf("writing properties: %w", err)
	}

	return nil
}

func (s *gormStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Where("name IN ?", keys).
		Delete(&Property{}).Error; err != nil {
		return fmt.Errorf("deleting properties: %w", err)
	}

	return nil
}

func (s *gormStore) PutIfEqual(
	ctx context.Context, key, expected, value string, others map[string]string,
) (bool, error) {
	return putIfEqual(ctx, s, key, expected, value, others)
}

// Swap relies on single-statement conditional writes: an UPDATE filtered
// on the expected value, or an INSERT that does nothing on conflict. The
// affected row count decides the outcome, so concurrent swappers on the
// same key cannot both win.
func (s *gormStore) Swap(ctx context.Context, sw Swap) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var res *gorm.DB
		if sw.Expected == "" {
			res = tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&Property{Name: sw.Key, Value: sw.Value, UpdatedAt: now})
		} else {
			res = tx.Model(&Property{}).
				Where("name = ? AND value = ?", sw.Key, sw.Expected).
				Updates(map[string]any{"value": sw.Value, "updated_at": now})
		}

		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected != 1 {
			return errSwapLost
		}

		if err := upsert(tx, sw.Puts); err != nil {
			return err
		}

		if len(sw.Deletes) > 0 {
			if err := tx.Where("name IN ?", sw.Deletes).Delete(&Property{}).Error; err != nil {
				return err
			}
		}

		return nil
	})

	if errors.Is(err, errSwapLost) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("swapping property %s: %w", sw.Key, err)
	}

	return true, nil
}

func upsert(db *gorm.DB, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]Property, 0, len(props))

	for k, v := range props {
		rows = append(rows, Property{Name: k, Value: v, UpdatedAt: now})
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rows).Error
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// sqliteDSN adds a busy timeout so concurrent writers queue instead of
// failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}

	return path + "?_pragma=busy_timeout(5000)"
}
