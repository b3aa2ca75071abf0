package models

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

const mysqlDupEntry = 1062

// isDuplicateKeyErr detects a unique-constraint violation. Pre-insert count
// checks leave a race window; the constraint is the source of truth and this
// lets callers map the raw driver error back to a typed rejection.
func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDupEntry
}
