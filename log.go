package xmysql

import (
	"fmt"
	"sync"

	"github.com/go-sql-driver/mysql"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("xmysql")

// Logger receives leveled log lines. Every line carries a "tag" key naming
// its origin: executor, connection, enqueue, error or driver.
// *logging.ZapEventLogger satisfies it.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// safeLogger keeps a misbehaving Logger from breaking the query path.
type safeLogger struct{ l Logger }

func (s safeLogger) Infow(msg string, kv ...interface{}) {
	defer func() { _ = recover() }()
	s.l.Infow(msg, kv...)
}

func (s safeLogger) Warnw(msg string, kv ...interface{}) {
	defer func() { _ = recover() }()
	s.l.Warnw(msg, kv...)
}

func (s safeLogger) Errorw(msg string, kv ...interface{}) {
	defer func() { _ = recover() }()
	s.l.Errorw(msg, kv...)
}

// driverLogger forwards go-sql-driver/mysql's internal messages (bad
// connections, packet errors) to the package logger.
type driverLogger struct{}

func (driverLogger) Print(v ...any) {
	log.Warnw(fmt.Sprint(v...), "tag", "driver")
}

var driverLoggerOnce sync.Once

func installDriverLogger() {
	driverLoggerOnce.Do(func() {
		_ = mysql.SetLogger(driverLogger{})
	})
}
