// Package all registers the database/sql drivers xmysql can open besides
// the built-in MySQL driver.
//
// Import it for side effects only:
//
//	import _ "github.com/go-mizu/xmysql/drivers/all"
//
// After that a Config with Driver "pgx" or "sqlite" can be passed to
// xmysql.Open:
//
//   - "pgx"    (github.com/jackc/pgx/v5/stdlib)
//   - "sqlite" (modernc.org/sqlite)
package all

import (
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)
