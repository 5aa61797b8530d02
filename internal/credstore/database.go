package credstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates no GORM dialector matches the URL scheme.
	ErrUnsupportedDialect = errors.New("cred_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("cred_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("cred_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("cred_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("cred_store.unsupported_no_scheme")
)

// DatabaseStore persists credential snapshots using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type credentialRecord struct {
	PrincipalID string `gorm:"column:principal_id;primaryKey"`
	CookieData  []byte `gorm:"column:cookie_data;not null"`
	SavedAtUnix int64  `gorm:"column:saved_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "server_credentials"
}

// NewDatabaseStore constructs a GORM-backed store; sqlite:// and
// postgres:// URLs are supported.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("cred_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, dialectErr := resolveDialector(databaseURL)
	if dialectErr != nil {
		return nil, dialectErr
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("cred_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("cred_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Save upserts the credential snapshot for the principal.
func (store *DatabaseStore) Save(ctx context.Context, principalID string, cookieData []byte) error {
	if strings.TrimSpace(principalID) == "" {
		return fmt.Errorf("cred_store.save.%s: %w", store.driverLabel, ErrEmptyPrincipalID)
	}
	record := credentialRecord{
		PrincipalID: principalID,
		CookieData:  cookieData,
		SavedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "principal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cookie_data", "saved_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("cred_store.save.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Load returns the stored snapshot or ErrCredentialNotFound.
func (store *DatabaseStore) Load(ctx context.Context, principalID string) ([]byte, error) {
	var record credentialRecord
	err := store.db.WithContext(ctx).Where("principal_id = ?", principalID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("cred_store.load.%s: %w", store.driverLabel, ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("cred_store.load.%s: %w", store.driverLabel, err)
	}
	return record.CookieData, nil
}

// Delete removes the snapshot; missing rows are ignored.
func (store *DatabaseStore) Delete(ctx context.Context, principalID string) error {
	err := store.db.WithContext(ctx).Where("principal_id = ?", principalID).Delete(&credentialRecord{}).Error
	if err != nil {
		return fmt.Errorf("cred_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, parseErr := url.Parse(databaseURL)
	if parseErr != nil {
		return nil, "", fmt.Errorf("cred_store.parse_url: %w", parseErr)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("cred_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("cred_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("cred_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
