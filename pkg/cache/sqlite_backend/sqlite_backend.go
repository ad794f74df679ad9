package sqlite_backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pmkol/qcache/pkg/cache"
)

// Record is one persisted cache record.
type Record struct {
	Key       string `gorm:"column:key;primaryKey"`
	Value     string `gorm:"column:value;not null"`
	ExpiresAt int64  `gorm:"column:expires_at;not null;default:0;index"` // unix nano, 0 means never
	UpdatedAt string `gorm:"column:updated_at;not null"`
}

func (Record) TableName() string { return "qcache_records" }

type Opts struct {
	// DB cannot be nil.
	DB *gorm.DB

	// CloseDB closes DB's underlying *sql.DB in Close.
	CloseDB bool

	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

// SQLiteBackend is a cache.Backend on a gorm database. It is written for
// SQLite but only uses portable SQL.
type SQLiteBackend struct {
	opts Opts
}

var (
	_ cache.Backend     = (*SQLiteBackend)(nil)
	_ cache.BatchSetter = (*SQLiteBackend)(nil)
)

// New creates the table if needed.
func New(opts Opts) (*SQLiteBackend, error) {
	if opts.DB == nil {
		return nil, errors.New("nil db")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := opts.DB.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate %s, %w", Record{}.TableName(), err)
	}
	return &SQLiteBackend{opts: opts}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var row Record
	if err := b.opts.DB.WithContext(ctx).Where("key = ?", key).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query record, %w", err)
	}
	if row.ExpiresAt > 0 && b.opts.Now().UnixNano() >= row.ExpiresAt {
		return "", false, nil
	}
	return row.Value, true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key, value string, retention time.Duration) error {
	return b.upsert(ctx, []Record{b.record(key, value, retention)})
}

func (b *SQLiteBackend) BatchSet(ctx context.Context, kvs []cache.KV) error {
	rows := make([]Record, 0, len(kvs))
	seen := make(map[string]int, len(kvs))
	for _, kv := range kvs {
		// One statement cannot update the same row twice. Keep the last.
		if i, ok := seen[kv.Key]; ok {
			rows[i] = b.record(kv.Key, kv.Value, kv.Retention)
			continue
		}
		seen[kv.Key] = len(rows)
		rows = append(rows, b.record(kv.Key, kv.Value, kv.Retention))
	}
	return b.upsert(ctx, rows)
}

func (b *SQLiteBackend) record(key, value string, retention time.Duration) Record {
	now := b.opts.Now()
	r := Record{
		Key:       key,
		Value:     value,
		UpdatedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if retention > 0 {
		r.ExpiresAt = now.Add(retention).UnixNano()
	}
	return r
}

func (b *SQLiteBackend) upsert(ctx context.Context, rows []Record) error {
	if len(rows) == 0 {
		return nil
	}
	err := b.opts.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert record, %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if err := b.opts.DB.WithContext(ctx).Where("key = ?", key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("delete record, %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.opts.DB.WithContext(ctx).Model(&Record{}).
		Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("list records, %w", err)
	}
	return keys, nil
}

// Purge deletes expired records and returns the number deleted.
func (b *SQLiteBackend) Purge(ctx context.Context) (int64, error) {
	res := b.opts.DB.WithContext(ctx).
		Where("expires_at > 0 AND expires_at <= ?", b.opts.Now().UnixNano()).
		Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge records, %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (b *SQLiteBackend) Close() error {
	if !b.opts.CloseDB {
		return nil
	}
	sqlDB, err := b.opts.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}
