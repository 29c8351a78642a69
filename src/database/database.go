// Package database 提供迁移引擎使用的连接与事务封装
// 引擎本身不持有连接池，重试与熔断由上层仓储调用方处理
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Connection SQLite 连接封装
type Connection struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string

	busyTimeoutMs int
}

// Open 打开数据库连接
func Open(dbPath string, busyTimeoutMs int) (*Connection, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	c := &Connection{
		dbPath:        dbPath,
		busyTimeoutMs: busyTimeoutMs,
	}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) open() error {
	db, err := sql.Open("sqlite", c.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if c.busyTimeoutMs > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", c.busyTimeoutMs)); err != nil {
			db.Close()
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	c.db = db
	return nil
}

// DB 返回底层数据库连接
func (c *Connection) DB() *sql.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// Path 返回数据库文件路径
func (c *Connection) Path() string {
	return c.dbPath
}

// Reopen 关闭并重新打开连接
// 从备份文件恢复数据库后必须调用，否则旧连接仍指向被替换前的文件句柄
func (c *Connection) Reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("failed to close database before reopen: %w", err)
		}
	}
	return c.open()
}

// Close 关闭连接
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// TxFunc 在事务内执行的函数
type TxFunc func(tx *sql.Tx) error

// WithTransaction 在单个事务内执行 fn
// fn 返回错误或 panic 时回滚，否则提交
func (c *Connection) WithTransaction(ctx context.Context, fn TxFunc) error {
	tx, err := c.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed (rollback error: %v): %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
