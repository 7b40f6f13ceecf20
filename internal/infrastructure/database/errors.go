package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// MySQL 中可以原样重试的错误码
var mysqlTransientCodes = map[uint16]bool{
	1040: true, // too many connections
	1205: true, // lock wait timeout
	1213: true, // deadlock
}

// IsTransient 判断数据库错误是否为连接中断、死锁、锁等待超时这类暂时性故障
//
// 语法错误、约束冲突、数据编码失败等其余错误重试也不会成功
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlTransientCodes[mysqlErr.Number]
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientSQLState(pgErr.Code)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// isTransientSQLState 08 连接异常，53 资源不足，40001 序列化冲突，40P01 死锁，55P03 锁不可用，57P01 管理员关闭
func isTransientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return true
	}
	switch code {
	case "40001", "40P01", "55P03", "57P01":
		return true
	}
	return false
}
