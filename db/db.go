package db

import (
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func Initialize(dsn string) *sqlx.DB {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		panic(err)
	}
	// sqlite only supports one writer at a time and every coordinator
	// mutation is a read-modify-write transaction, so a single connection
	// keeps concurrent host requests from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	slog.Info("Initialised DB connection", slog.String("dsn", dsn))
	return db
}
