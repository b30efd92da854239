package inu

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelChanged = "inu_kv_changed"
	recordSeparator              = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma busy_timeout = 5000;",
	}
	listenRetryDelay = 5 * time.Second
)

// KVRecord is the gorm model backing DatabaseBackend
type KVRecord struct {
	Namespace string `gorm:"primaryKey;size:64" json:"namespace"`
	Key       string `gorm:"primaryKey;column:record_key;size:512" json:"key"`
	Value     []byte `json:"value"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (KVRecord) TableName() string {
	return "kv_records"
}

// DatabaseBackend stores records in a single table via gorm, on either
// sqlite or postgres. On postgres, writes are announced with NOTIFY so
// other instances can drop cached state.
type DatabaseBackend struct {
	db                     *gorm.DB
	dbType                 string
	dsn                    string
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
	notifyID               string
	retry                  retryConfig
}

// OpenDatabaseBackend connects to the database and migrates the schema
func OpenDatabaseBackend(
	ctx context.Context,
	dbType string,
	dsn string,
	config *TagStoreConfig,
	logger *slog.Logger,
) (*DatabaseBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	slowThreshold := DefaultDatabaseSlowThreshold
	var dbLogLevel slog.Leveler = DefaultDatabaseLogLevel
	if config != nil {
		slowThreshold = config.DatabaseSlowThreshold
		if config.DatabaseLogLevel != nil {
			dbLogLevel = config.DatabaseLogLevel
		}
	}
	gormLogger := newGORMLogger(
		NewLogHandler(defaultLogWriter, dbLogLevel),
		slowThreshold,
	)

	logger.InfoContext(ctx, "initializing database", "database_type", dbType)
	db, err := CreateDB(ctx, dbType, dsn, gormLogger)
	if err != nil {
		return nil, err
	}

	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	return &DatabaseBackend{
		db:                     db,
		dbType:                 dbType,
		dsn:                    dsn,
		logger:                 logger.With(loggerNameKey, "database_backend"),
		enableConcurrentWrites: dbType == dbTypePostgres,
		notifyID:               notifyID,
		retry:                  defaultRetryConfig,
	}, nil
}

// CreateDB opens the database and runs migrations
func CreateDB(
	ctx context.Context,
	dbType string,
	dsn string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(dbType, dsn, gormLogger)
	if err != nil {
		return nil, err
	}
	if err = db.WithContext(ctx).AutoMigrate(&KVRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return db, nil
}

// getDB returns a connection for the given database type. For sqlite,
// the parent directory of the database file is created if needed.
func getDB(
	dbType string,
	dsn string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch dbType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(dsn)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			dbType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

func (d *DatabaseBackend) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func (d *DatabaseBackend) where(db *gorm.DB, namespace, key string) *gorm.DB {
	return db.Where("namespace = ? AND record_key = ?", namespace, key)
}

func (d *DatabaseBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var rec KVRecord
	err := d.where(d.db.WithContext(ctx), namespace, key).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.Value, nil
}

func (d *DatabaseBackend) Put(
	ctx context.Context,
	namespace, key string,
	value []byte,
	mode PutMode,
) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	unlock := d.lock()
	defer unlock()

	rec := KVRecord{Namespace: namespace, Key: key, Value: value}
	err := retryOp(
		ctx, d.retry, func() error {
			db := d.db.WithContext(ctx)
			switch mode {
			case PutCreate:
				rv := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
				if rv.Error != nil {
					return rv.Error
				}
				if rv.RowsAffected == 0 {
					return ErrConflict
				}
			case PutReplace:
				rv := d.where(db.Model(&KVRecord{}), namespace, key).Updates(
					map[string]any{
						"value":      value,
						"updated_at": time.Now().UTC().UnixMilli(),
					},
				)
				if rv.Error != nil {
					return rv.Error
				}
				if rv.RowsAffected == 0 {
					return ErrNotFound
				}
			case PutUpsert:
				return db.Clauses(
					clause.OnConflict{
						Columns: []clause.Column{
							{Name: "namespace"},
							{Name: "record_key"},
						},
						DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
					},
				).Create(&rec).Error
			default:
				return invalid("mode", mode.String())
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	d.notify(ctx, namespace, key)
	return nil
}

func (d *DatabaseBackend) Delete(ctx context.Context, namespace, key string) error {
	unlock := d.lock()
	defer unlock()

	err := retryOp(
		ctx, d.retry, func() error {
			rv := d.where(d.db.WithContext(ctx), namespace, key).Delete(&KVRecord{})
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrNotFound
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	d.notify(ctx, namespace, key)
	return nil
}

func (d *DatabaseBackend) Scan(
	ctx context.Context,
	namespace, prefix string,
) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		db := d.db.WithContext(ctx)
		rows, err := db.Model(&KVRecord{}).
			Where(
				"namespace = ? AND record_key LIKE ? ESCAPE ?",
				namespace,
				escapeLike(prefix)+"%",
				`\`,
			).
			Order("record_key").
			Rows()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var rec KVRecord
			if err = db.ScanRows(rows, &rec); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(Entry{Key: rec.Key, Value: rec.Value}, nil) {
				return
			}
		}
		if err = rows.Err(); err != nil {
			yield(Entry{}, err)
		}
	}
}

func (d *DatabaseBackend) Update(
	ctx context.Context,
	namespace, key string,
	fn UpdateFunc,
) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	unlock := d.lock()
	defer unlock()

	var fnErr error
	err := retryOp(
		ctx, d.retry, func() error {
			fnErr = nil
			return d.db.WithContext(ctx).Transaction(
				func(tx *gorm.DB) error {
					q := tx
					if d.dbType == dbTypePostgres {
						q = q.Clauses(clause.Locking{Strength: "UPDATE"})
					}
					var rec KVRecord
					exists := true
					if e := d.where(q, namespace, key).Take(&rec).Error; e != nil {
						if !errors.Is(e, gorm.ErrRecordNotFound) {
							return e
						}
						exists = false
					}
					next, e := fn(rec.Value, exists)
					if e != nil {
						fnErr = e
						return e
					}
					if !exists {
						return tx.Create(
							&KVRecord{Namespace: namespace, Key: key, Value: next},
						).Error
					}
					return d.where(tx.Model(&KVRecord{}), namespace, key).Updates(
						map[string]any{
							"value":      next,
							"updated_at": time.Now().UTC().UnixMilli(),
						},
					).Error
				},
			)
		},
	)
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return err
	}
	d.notify(ctx, namespace, key)
	return nil
}

func (d *DatabaseBackend) Flush(context.Context) error {
	if d.dbType == dbTypeSQLite {
		return d.db.Exec("pragma wal_checkpoint(TRUNCATE);").Error
	}
	return nil
}

func (d *DatabaseBackend) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *DatabaseBackend) notifies() bool {
	return d.dbType == dbTypePostgres
}

// notify announces a changed key to other instances. Failures are only
// logged, the write itself already succeeded.
func (d *DatabaseBackend) notify(ctx context.Context, namespace, key string) {
	if !d.notifies() {
		return
	}
	msg := newChangeNotificationMessage(d.notifyID, namespace, key)
	err := d.db.WithContext(context.WithoutCancel(ctx)).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelChanged,
		msg,
	).Error
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error sending change notification",
			"namespace", namespace,
			"key", key,
			tint.Err(err),
		)
	}
}

// Listen subscribes to change notifications from other instances. It
// reconnects after errors until ctx is canceled.
func (d *DatabaseBackend) Listen(ctx context.Context, fn func(namespace, key string)) error {
	if !d.notifies() {
		<-ctx.Done()
		return nil
	}
	logger := d.logger.With("channel", postgresNotifyChannelChanged)

	config, err := pgxpool.ParseConfig(d.dsn)
	if err != nil {
		return fmt.Errorf("parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	for ctx.Err() == nil {
		if e := d.listen(ctx, pool, logger, fn); e != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "listener error, retrying", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(listenRetryDelay):
			}
		}
	}
	return nil
}

func (d *DatabaseBackend) listen(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *slog.Logger,
	fn func(namespace, key string),
) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelChanged); err != nil {
		return err
	}
	logger.InfoContext(ctx, "started listening for changes")

	for {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			return e
		}
		notifierID, namespace, key, ok := parseChangeNotification(notification.Payload)
		if !ok {
			logger.WarnContext(ctx, "malformed notification", "payload", notification.Payload)
			continue
		}
		if notifierID == d.notifyID {
			continue
		}
		logTrace(ctx, logger, "received change", "namespace", namespace, "key", key)
		fn(namespace, key)
	}
}

func newChangeNotificationMessage(notifierID, namespace, key string) string {
	return strings.Join([]string{notifierID, namespace, key}, recordSeparator)
}

func parseChangeNotification(s string) (notifierID, namespace, key string, ok bool) {
	parts := strings.SplitN(s, recordSeparator, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// retryConfig controls retries of transient database errors
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientDBErr reports whether err is a lock contention error from
// sqlite, or a unique violation from two concurrent inserts in Update.
func isTransientDBErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp runs fn, retrying transient errors with exponential backoff
// and jitter.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if !isTransientDBErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoffDelay(cfg, attempt)):
			}
		}
	}
	return lastErr
}

func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
