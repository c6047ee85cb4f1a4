// Copyright (c) 2022 Netskope, Inc. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	dbDriver      = "mysql"
	DefaultDBName = "batch_exports"
	dbPoolSize    = 10
	dbConnLife    = 30 * time.Minute
	dbTimeout     = 5
)

var ErrBadHostname = fmt.Errorf("hostname is required")

// SQLClient is a pooled MySQL connection with a per-statement timeout.
type SQLClient struct {
	db      *sql.DB
	timeout time.Duration
	name    string
}

func (sc *SQLClient) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

func (sc *SQLClient) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, sc.timeout)
}

func (sc *SQLClient) Close() error {
	if sc.db != nil {
		err := sc.db.Close()
		sc.db = nil
		return err
	}
	return nil
}

func (sc *SQLClient) GetDB() *sql.DB {
	return sc.db
}

func (sc *SQLClient) Ping(ctx context.Context) error {
	ctx, cancel := sc.context(ctx)
	defer cancel()
	return sc.db.PingContext(ctx)
}

// BuildDSN returns the go-sql-driver DSN for the given database flavour.
func BuildDSN(hostname, user, pwd, dbType, dbName string) (string, error) {
	if hostname == "" {
		return "", ErrBadHostname
	}

	if dbType == "" {
		dbType = "mp-mariadb"
	}

	if dbName == "" {
		dbName = DefaultDBName
	}

	var dsn string
	switch dbType {
	case "aws-aurora":
		if user == "" {
			user = "root"
		}
		if pwd != "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", user, pwd, hostname, dbName)
		} else {
			dsn = fmt.Sprintf("%s@tcp(%s)/%s?parseTime=true", user, hostname, dbName)
		}
	case "mp-mariadb":
		dsn = fmt.Sprintf("tcp(%s)/%s?parseTime=true", hostname, dbName)
		if user != "" {
			if pwd != "" {
				user += ":" + pwd
			}
			dsn = user + "@" + dsn
		}
	default:
		return "", fmt.Errorf("unsupported database type: %s (must be mp-mariadb or aws-aurora)", dbType)
	}
	return dsn, nil
}

// NewSQLClient opens and pings a pool for dsn. timeout is in seconds.
func NewSQLClient(ctx context.Context, dsn string, timeout int, name string) (*SQLClient, error) {
	db, err := sql.Open(dbDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetConnMaxLifetime(dbConnLife)
	db.SetMaxOpenConns(dbPoolSize)
	db.SetMaxIdleConns(dbPoolSize)

	sc := WrapDB(db, timeout, name)
	if err = sc.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sc, nil
}

// WrapDB adopts an already open pool.
func WrapDB(db *sql.DB, timeout int, name string) *SQLClient {
	if timeout < 1 {
		timeout = dbTimeout
	}
	return &SQLClient{
		db:      db,
		timeout: time.Duration(timeout) * time.Second,
		name:    name,
	}
}
