package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

func wrapOpenDB(err error) error {
	return fmt.Errorf("open db: %w", err)
}

// OpenDB opens a local sqlite database, creating parent directories as needed.
func OpenDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapOpenDB(err)
	}

	// see this stackoverflow post for information on why the following
	// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, wrapOpenDB(err)
	}

	return db, nil
}

// OpenRemoteDB opens a libsql (turso) database over the network.
func OpenRemoteDB(dbUrl, authToken string) (*sql.DB, error) {
	parsed, err := url.Parse(dbUrl)
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	if authToken != "" {
		query := parsed.Query()
		query.Set("authToken", authToken)
		parsed.RawQuery = query.Encode()
	}

	db, err := sql.Open("libsql", parsed.String())
	if err != nil {
		return nil, wrapOpenDB(err)
	}
	return db, nil
}

// Migrate applies an idempotent schema (every statement must be written with
// "if not exists").
func Migrate(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}
	return nil
}

// Config selects between a local file and a remote libsql database, the
// remote one wins when Url is set.
type Config struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

func (c Config) OpenAndMigrate(ctx context.Context, schema string) (*sql.DB, error) {
	var db *sql.DB
	var err error
	switch {
	case c.Url != "":
		db, err = OpenRemoteDB(c.Url, c.AuthToken)
	case c.File != "":
		db, err = OpenDB(c.File)
	default:
		return nil, wrapOpenDB(fmt.Errorf("neither a file nor a url was specified"))
	}
	if err != nil {
		return nil, err
	}

	err = Migrate(ctx, db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
