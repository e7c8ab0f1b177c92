package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/config"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormLogger adapts slog to be used as a GORM logger.
type gormLogger struct {
	slogger *slog.Logger
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return l
}
func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.slogger.InfoContext(ctx, msg, "gorm_data", data)
}
func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.slogger.WarnContext(ctx, msg, "gorm_data", data)
}
func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.slogger.ErrorContext(ctx, msg, "gorm_data", data)
}
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []slog.Attr{
		slog.String("latency", elapsed.String()),
		slog.String("sql", sql),
		slog.Int64("rows_affected", rows),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		attrs = append(attrs, slog.Any("error", err))
		l.slogger.LogAttrs(ctx, slog.LevelError, "GORM Trace", attrs...)
	} else {
		l.slogger.LogAttrs(ctx, slog.LevelDebug, "GORM Trace", attrs...)
	}
}

// Database holds the DB connection and all repository instances.
type Database struct {
	DB           *gorm.DB
	DeviceRepo   interfaces.DeviceRepositoryInterface
	PatientRepo  interfaces.PatientRepositoryInterface
	HospitalRepo interfaces.HospitalRepositoryInterface
	ReadingRepo  interfaces.ReadingRepositoryInterface
	ChainRepo    interfaces.ChainRepositoryInterface
}

// NewDatabase creates a new database connection and initializes repositories.
func NewDatabase(cfg *config.Config, appLogger *slog.Logger) (*Database, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=Asia/Bangkok",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	dbLogger := appLogger.With("component", "database")
	dbLogger.Info("Connecting to database...", "host", cfg.DBHost, "port", cfg.DBPort, "user", cfg.DBUser)

	newGormLogger := &gormLogger{slogger: dbLogger}
	gormConfig := &gorm.Config{
		Logger: newGormLogger.LogMode(logger.Info),
		// Needed so uniqueness violations surface as gorm.ErrDuplicatedKey
		// for the conflict-safe upserts.
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	dbLogger.Info("Database connected successfully")

	dbLogger.Info("Starting database migration...")
	err = db.AutoMigrate(
		&models.Hospital{}, &models.Patient{}, &models.Device{},
		&models.CanonicalReading{}, &models.ResourceRevision{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	dbLogger.Info("Database migration completed successfully")

	return &Database{
		DB:           db,
		DeviceRepo:   repositories.NewDeviceRepository(db),
		PatientRepo:  repositories.NewPatientRepository(db),
		HospitalRepo: repositories.NewHospitalRepository(db),
		ReadingRepo:  repositories.NewReadingRepository(db),
		ChainRepo:    repositories.NewChainRepository(db),
	}, nil
}
