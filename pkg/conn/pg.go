// Package conn builds database connections from resolved
// configuration.
package conn

import (
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Postgres holds the settings for one PostgreSQL database.
type Postgres struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Params   map[string]string
	Config   *gorm.Config
}

// Open connects and returns the gorm handle.
func (p Postgres) Open() (*gorm.DB, error) {
	config := p.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(p.DSN()), config)
	if err != nil {
		return nil, fmt.Errorf("open postgres %s/%s: %w", p.Host, p.Database, err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DSN renders the postgres connection URL.
func (p Postgres) DSN() string {
	host := p.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := p.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	if p.Database != "" {
		u.Path = "/" + p.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range p.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}
