package xmysql

import (
	"database/sql"
)

// Result summarizes a write statement. database/sql only exposes the
// affected row count and the last insert id; the remaining fields keep the
// shape of the MySQL OK packet and stay zero unless a driver fills them.
type Result struct {
	AffectedRows int64  `json:"affectedRows"`
	ChangedRows  int64  `json:"changedRows"`
	FieldCount   int64  `json:"fieldCount"`
	InsertID     int64  `json:"insertId"`
	Message      string `json:"message"`
	Protocol41   bool   `json:"protocol41"`
	ServerStatus int64  `json:"serverStatus"`
	WarningCount int64  `json:"warningCount"`

	Raw sql.Result `json:"-"`
}

func newResult(res sql.Result) *Result {
	r := &Result{Raw: res}
	if res == nil {
		return r
	}
	// Drivers report unsupported values through the error; zero is the
	// right summary then.
	if n, err := res.RowsAffected(); err == nil {
		r.AffectedRows = n
	}
	if id, err := res.LastInsertId(); err == nil {
		r.InsertID = id
	}
	return r
}
