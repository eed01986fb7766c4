package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quota-shortener/config"
)

// Database holds the PostgreSQL connection and the store built on it
type Database struct {
	conn  *sql.DB
	Store *GormStore
}

// InitDB establishes a connection to the PostgreSQL database described by
// cfg, applies the embedded migrations and wraps the handle for gorm.
func InitDB(cfg config.DatabaseConfig) (*Database, error) {
	return Open(cfg.URL())
}

// Open is InitDB for a ready-made connection string
func Open(connStr string) (*Database, error) {
	// Connect to the database
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	// Create the database structure
	if err := Migrate(connStr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error wrapping database: %w", err)
	}

	return &Database{conn: conn, Store: NewGormStore(gdb)}, nil
}

// Ping reports whether the database is reachable
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}
