package database

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolationCode はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolationCode = "23505"

// UniqueViolation はerrが一意制約違反であれば違反した制約名（インデックス名）を返す。
// ラップされたエラーにも対応する。
func UniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", false
	}
	if pqErr.Code != uniqueViolationCode {
		return "", false
	}
	return pqErr.Constraint, true
}
