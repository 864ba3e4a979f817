/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package zxa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IRows 查询结果集接口,隔离sql原生对象,*sql.Rows直接满足这个接口
// IRows Query result set interface, isolates the native sql object, satisfied by *sql.Rows
type IRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Columns() ([]string, error)
	Close() error
	Err() error
}

// IResult 更新语句的执行结果接口,sql.Result直接满足这个接口
type IResult interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// IStatement 预编译语句接口
type IStatement interface {
	QueryContext(ctx context.Context, args []interface{}) (IRows, error)
	ExecContext(ctx context.Context, args []interface{}) (IResult, error)
	Close() error
}

// IConnection 物理连接的操作集合,ManagedConnection代理的就是这个接口
// 方法集是有限的显式集合,不使用反射分发
// IConnection The finite operation set of a physical connection, proxied by ManagedConnection
type IConnection interface {
	// QueryContext 查询语句
	QueryContext(ctx context.Context, sqlstr string, args []interface{}) (IRows, error)

	// ExecContext 更新语句
	ExecContext(ctx context.Context, sqlstr string, args []interface{}) (IResult, error)

	// PrepareContext 预编译语句
	PrepareContext(ctx context.Context, sqlstr string) (IStatement, error)

	// SetAutoCommit 切换自动提交模式,false开启事务语义
	SetAutoCommit(ctx context.Context, autoCommit bool) error

	// Commit 提交连接上的本地事务
	Commit(ctx context.Context) error

	// Rollback 回滚连接上的本地事务
	Rollback(ctx context.Context) error

	// SetSavepoint 设置保存点,name为空时自动生成
	SetSavepoint(ctx context.Context, name string) error

	// SetReadOnly 设置连接只读
	SetReadOnly(ctx context.Context, readOnly bool) error

	// IsClosed 连接是否已经关闭
	IsClosed(ctx context.Context) (bool, error)

	// Close 关闭连接
	Close(ctx context.Context) error

	// Unwrap 返回被包装的物理连接,物理连接返回自身
	Unwrap() IConnection

	// String 连接的描述信息,用于日志
	String() string
}

// ICommonDataSource 普通数据源和XA数据源的公共标记,ManagedConnection按实际类型选择获取方式
// 实现必须是IDataSource或者IXADataSource之一
// ICommonDataSource Common marker of plain and XA data sources; implementations must be one of the two
type ICommonDataSource interface{}

// IDataSource 普通数据源,获取的连接不具备XA能力,登记事务时使用LocalXAResource包装
// IDataSource Plain data source; its connections enlist through the LocalXAResource wrapper
type IDataSource interface {
	// GetConnection 获取一个物理连接
	GetConnection(ctx context.Context) (IConnection, error)

	// GetConnectionWith 使用指定的用户名密码获取一个物理连接
	GetConnectionWith(ctx context.Context, user string, password string) (IConnection, error)
}

// IXAConnection XA连接,持有物理连接和对应的XA资源
type IXAConnection interface {
	// GetConnection 获取XA连接内部的物理连接
	GetConnection(ctx context.Context) (IConnection, error)

	// GetXAResource 获取XA连接绑定的XA资源
	GetXAResource(ctx context.Context) (IXAResource, error)

	// Close 关闭XA连接,同时负责关闭内部的物理连接
	Close(ctx context.Context) error
}

// IXADataSource XA数据源,驱动原生支持XA协议
type IXADataSource interface {
	// GetXAConnection 获取一个XA连接
	GetXAConnection(ctx context.Context) (IXAConnection, error)

	// GetXAConnectionWith 使用指定的用户名密码获取一个XA连接
	GetXAConnectionWith(ctx context.Context, user string, password string) (IXAConnection, error)
}

// DataSourceConfig 数据库连接池的配置
// DataSourceConfig Database connection pool configuration
type DataSourceConfig struct {
	// DSN dataSourceName 连接字符串
	// DSN DataSourceName Database connection string
	DSN string

	// DriverName 数据库驱动名称:mysql,pgx,postgres,sqlite3,sqlserver,oracle(go-ora) 和Dialect对应
	DriverName string

	// Dialect 数据库方言:mysql,postgresql,sqlite,mssql,oracle 和 DriverName 对应
	Dialect string

	// MaxOpenConns 数据库最大连接数,默认50
	// MaxOpenConns Maximum number of database connections, Default 50
	MaxOpenConns int

	// MaxIdleConns 数据库最大空闲连接数,默认50
	// MaxIdleConns The maximum number of free connections to the database default 50
	MaxIdleConns int

	// ConnMaxLifetimeSecond 连接存活秒时间. 默认600(10分钟)后连接被销毁重建.避免数据库主动断开连接,造成死连接.MySQL默认wait_timeout 28800秒(8小时)
	ConnMaxLifetimeSecond int

	// SQLDB 使用现有的数据库连接,优先级高于DSN
	SQLDB *sql.DB
}

// sqlDataSource 基于database/sql连接池的普通数据源实现,隔离sql原生对象
// 每次GetConnection从连接池拿出一个独占的*sql.Conn,物理关闭时归还连接池
// sqlDataSource Plain data source over a database/sql pool; each GetConnection checks out a dedicated *sql.Conn
type sqlDataSource struct {
	db      *sql.DB
	config  *DataSourceConfig
	dialect string
}

// NewSQLDataSource 根据配置创建数据源,一个数据库只创建一次,业务自行控制
// NewSQLDataSource Create the data source from config; create it only once per database
func NewSQLDataSource(config *DataSourceConfig) (IDataSource, error) {
	if config == nil {
		return nil, errors.New("->NewSQLDataSource-->config不能为nil")
	}
	if config.Dialect == "" {
		return nil, errors.New("->NewSQLDataSource-->Dialect cannot be empty")
	}
	var db *sql.DB
	var errSQLOpen error
	if config.SQLDB == nil { // 没有已经存在的数据库连接,使用DSN初始化
		if config.DriverName == "" {
			return nil, errors.New("->NewSQLDataSource-->DriverName cannot be empty")
		}
		if config.DSN == "" {
			return nil, errors.New("->NewSQLDataSource-->DSN cannot be empty")
		}
		db, errSQLOpen = sql.Open(config.DriverName, config.DSN)
		if errSQLOpen != nil {
			errSQLOpen = fmt.Errorf("->NewSQLDataSource-->open数据库打开失败:%w", errSQLOpen)
			FuncLogError(nil, errSQLOpen)
			return nil, errSQLOpen
		}
	} else { // 使用已经存在的数据库连接
		db = config.SQLDB
	}

	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 50
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 50
	}
	if config.ConnMaxLifetimeSecond == 0 {
		config.ConnMaxLifetimeSecond = 600
	}

	// 设置数据库最大连接数
	// Set the maximum number of database connections
	db.SetMaxOpenConns(config.MaxOpenConns)
	// 设置数据库最大空闲连接数
	// Set the maximum number of free connections to the database
	db.SetMaxIdleConns(config.MaxIdleConns)
	// 连接存活秒时间. 默认600(10分钟)后连接被销毁重建.避免数据库主动断开连接,造成死连接
	db.SetConnMaxLifetime(time.Second * time.Duration(config.ConnMaxLifetimeSecond))

	// 验证连接
	if pingerr := db.Ping(); pingerr != nil {
		pingerr = fmt.Errorf("->NewSQLDataSource-->ping数据库失败:%w", pingerr)
		FuncLogError(nil, pingerr)
		db.Close()
		return nil, pingerr
	}

	return &sqlDataSource{db: db, config: config, dialect: config.Dialect}, nil
}

// GetConnection 从连接池拿出一个独占的物理连接
func (ds *sqlDataSource) GetConnection(ctx context.Context) (IConnection, error) {
	conn, errConn := ds.db.Conn(ctx)
	if errConn != nil {
		errConn = fmt.Errorf("->sqlDataSource.GetConnection-->获取连接失败:%w", errConn)
		FuncLogError(ctx, errConn)
		return nil, errConn
	}
	return &sqlConnection{conn: conn, dialect: ds.dialect, autoCommit: true}, nil
}

// GetConnectionWith database/sql的连接凭证在DSN里,不支持按连接指定用户名密码
func (ds *sqlDataSource) GetConnectionWith(ctx context.Context, user string, password string) (IConnection, error) {
	return nil, errors.New("->sqlDataSource.GetConnectionWith-->database/sql的凭证在DSN里指定,不支持按连接传入用户名密码")
}

var errConnectionClosed = errors.New("连接已经关闭")

// sqlConnection 独占的物理连接,事务控制语句按Dialect生成
// sqlConnection A dedicated physical connection; transaction control statements follow the Dialect
type sqlConnection struct {
	conn    *sql.Conn
	dialect string
	// closed 物理连接是否已经关闭
	closed bool
	// autoCommit 自动提交模式,新连接默认true
	autoCommit bool
	// inTx 是否通过显式BEGIN开启了事务
	inTx bool
}

func (connection *sqlConnection) QueryContext(ctx context.Context, sqlstr string, args []interface{}) (IRows, error) {
	if connection.closed {
		return nil, errConnectionClosed
	}
	return connection.conn.QueryContext(ctx, sqlstr, args...)
}

func (connection *sqlConnection) ExecContext(ctx context.Context, sqlstr string, args []interface{}) (IResult, error) {
	if connection.closed {
		return nil, errConnectionClosed
	}
	return connection.conn.ExecContext(ctx, sqlstr, args...)
}

func (connection *sqlConnection) PrepareContext(ctx context.Context, sqlstr string) (IStatement, error) {
	if connection.closed {
		return nil, errConnectionClosed
	}
	stmt, errPrepare := connection.conn.PrepareContext(ctx, sqlstr)
	if errPrepare != nil {
		errPrepare = fmt.Errorf("->sqlConnection.PrepareContext-->预编译失败:%w", errPrepare)
		FuncLogError(ctx, errPrepare)
		return nil, errPrepare
	}
	return &sqlStatement{stmt: stmt}, nil
}

// SetAutoCommit 切换自动提交.关闭自动提交时,没有autocommit语句的数据库(例如postgresql)使用显式BEGIN代替
func (connection *sqlConnection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	if connection.closed {
		return errConnectionClosed
	}
	if autoCommit == connection.autoCommit && !(autoCommit && connection.inTx) {
		return nil
	}
	if autoCommit { // 恢复自动提交,先提交当前事务
		if connection.inTx {
			if errCommit := connection.Commit(ctx); errCommit != nil {
				return errCommit
			}
		}
		sqlstr, errSQL := wrapAutoCommitSQL(connection.dialect, true)
		if errSQL != nil {
			return errSQL
		}
		if sqlstr != "" {
			if _, errExec := connection.conn.ExecContext(ctx, sqlstr); errExec != nil {
				return fmt.Errorf("->sqlConnection.SetAutoCommit-->恢复自动提交失败:%w", errExec)
			}
		}
		connection.autoCommit = true
		return nil
	}
	sqlstr, errSQL := wrapAutoCommitSQL(connection.dialect, false)
	if errSQL != nil {
		return errSQL
	}
	if sqlstr == "" { // 没有autocommit语句,显式开启事务
		beginsql, errBegin := wrapBeginSQL(connection.dialect)
		if errBegin != nil {
			return errBegin
		}
		if _, errExec := connection.conn.ExecContext(ctx, beginsql); errExec != nil {
			return fmt.Errorf("->sqlConnection.SetAutoCommit-->开启事务失败:%w", errExec)
		}
		connection.inTx = true
	} else {
		if _, errExec := connection.conn.ExecContext(ctx, sqlstr); errExec != nil {
			return fmt.Errorf("->sqlConnection.SetAutoCommit-->关闭自动提交失败:%w", errExec)
		}
	}
	connection.autoCommit = false
	return nil
}

func (connection *sqlConnection) Commit(ctx context.Context) error {
	if connection.closed {
		return errConnectionClosed
	}
	sqlstr, errSQL := wrapCommitSQL(connection.dialect)
	if errSQL != nil {
		return errSQL
	}
	if _, errExec := connection.conn.ExecContext(ctx, sqlstr); errExec != nil {
		return fmt.Errorf("->sqlConnection.Commit-->事务提交失败:%w", errExec)
	}
	connection.inTx = false
	return nil
}

func (connection *sqlConnection) Rollback(ctx context.Context) error {
	if connection.closed {
		return errConnectionClosed
	}
	sqlstr, errSQL := wrapRollbackSQL(connection.dialect)
	if errSQL != nil {
		return errSQL
	}
	if _, errExec := connection.conn.ExecContext(ctx, sqlstr); errExec != nil {
		return fmt.Errorf("->sqlConnection.Rollback-->事务回滚失败:%w", errExec)
	}
	connection.inTx = false
	return nil
}

func (connection *sqlConnection) SetSavepoint(ctx context.Context, name string) error {
	if connection.closed {
		return errConnectionClosed
	}
	if name == "" {
		name = generateSavepointName()
	}
	sqlstr, errSQL := wrapSavepointSQL(connection.dialect, name)
	if errSQL != nil {
		return errSQL
	}
	if _, errExec := connection.conn.ExecContext(ctx, sqlstr); errExec != nil {
		return fmt.Errorf("->sqlConnection.SetSavepoint-->设置保存点失败:%w", errExec)
	}
	return nil
}

func (connection *sqlConnection) SetReadOnly(ctx context.Context, readOnly bool) error {
	if connection.closed {
		return errConnectionClosed
	}
	sqlstr, errSQL := wrapReadOnlySQL(connection.dialect, readOnly)
	if errSQL != nil {
		return errSQL
	}
	if sqlstr == "" { // 方言不支持,忽略
		return nil
	}
	if _, errExec := connection.conn.ExecContext(ctx, sqlstr); errExec != nil {
		return fmt.Errorf("->sqlConnection.SetReadOnly-->设置只读失败:%w", errExec)
	}
	return nil
}

func (connection *sqlConnection) IsClosed(ctx context.Context) (bool, error) {
	return connection.closed, nil
}

// Close 关闭物理连接,独占的*sql.Conn归还连接池
func (connection *sqlConnection) Close(ctx context.Context) error {
	if connection.closed {
		return nil
	}
	connection.closed = true
	return connection.conn.Close()
}

func (connection *sqlConnection) Unwrap() IConnection {
	return connection
}

func (connection *sqlConnection) String() string {
	return "sqlConnection{" + connection.dialect + "}"
}

// sqlStatement 包装*sql.Stmt,适配IStatement接口
type sqlStatement struct {
	stmt *sql.Stmt
}

func (statement *sqlStatement) QueryContext(ctx context.Context, args []interface{}) (IRows, error) {
	return statement.stmt.QueryContext(ctx, args...)
}

func (statement *sqlStatement) ExecContext(ctx context.Context, args []interface{}) (IResult, error) {
	return statement.stmt.ExecContext(ctx, args...)
}

func (statement *sqlStatement) Close() error {
	return statement.stmt.Close()
}
