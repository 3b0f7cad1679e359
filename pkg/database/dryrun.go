package database

import (
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// StatementLog collects the SQL a dry-run handle would have sent.
type StatementLog struct {
	mu    sync.Mutex
	stmts []string
}

func (l *StatementLog) record(tx *gorm.DB) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmts = append(l.stmts, tx.Statement.SQL.String())
}

// Statements returns the recorded SQL in execution order.
func (l *StatementLog) Statements() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stmts...)
}

func (l *StatementLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmts = nil
}

// OpenDryRun returns a Postgres-dialect handle that builds every statement
// without connecting. Reads return no rows.
func OpenDryRun() (*gorm.DB, *StatementLog, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 user=dryrun dbname=dryrun sslmode=disable",
	}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		DryRun:                 true,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, nil, err
	}

	log := &StatementLog{}
	cb := db.Callback()
	for _, reg := range []error{
		cb.Create().After("gorm:create").Register("dryrun:record_create", log.record),
		cb.Query().After("gorm:query").Register("dryrun:record_query", log.record),
		cb.Update().After("gorm:update").Register("dryrun:record_update", log.record),
		cb.Delete().After("gorm:delete").Register("dryrun:record_delete", log.record),
		cb.Row().After("gorm:row").Register("dryrun:record_row", log.record),
		cb.Raw().After("gorm:raw").Register("dryrun:record_raw", log.record),
	} {
		if reg != nil {
			return nil, nil, reg
		}
	}
	return db, log, nil
}
