package zxa

import (
	"context"
	"errors"
	"fmt"
)

// 内存演示数据源,不连接真实数据库,记录执行过的操作
// 测试和示例使用,参照真实数据源的行为:普通数据源返回普通连接,XA数据源返回XA连接

// demoDataSource 普通演示数据源
type demoDataSource struct {
	// openCount 创建过的物理连接数
	openCount int
	// connections 创建过的所有物理连接
	connections []*demoConnection
}

func newDemoDataSource() *demoDataSource {
	return &demoDataSource{}
}

func (ds *demoDataSource) GetConnection(ctx context.Context) (IConnection, error) {
	return ds.openConnection(""), nil
}

func (ds *demoDataSource) GetConnectionWith(ctx context.Context, user string, password string) (IConnection, error) {
	return ds.openConnection(user), nil
}

func (ds *demoDataSource) openConnection(user string) *demoConnection {
	ds.openCount++
	connection := &demoConnection{user: user, autoCommit: true}
	ds.connections = append(ds.connections, connection)
	return connection
}

// demoConnection 演示物理连接,记录每一个操作
type demoConnection struct {
	user       string
	closed     bool
	autoCommit bool
	readOnly   bool
	// commitCount/rollbackCount 连接上提交/回滚的次数
	commitCount   int
	rollbackCount int
	// savepoints 设置过的保存点
	savepoints []string
	// operations 执行过的SQL语句
	operations []string
	// closeCount 实际物理关闭的次数,用于验证只关闭一次
	closeCount int
}

func (connection *demoConnection) QueryContext(ctx context.Context, sqlstr string, args []interface{}) (IRows, error) {
	if connection.closed {
		return nil, errConnectionClosed
	}
	connection.operations = append(connection.operations, sqlstr)
	return &demoRows{}, nil
}

func (connection *demoConnection) ExecContext(ctx context.Context, sqlstr string, args []interface{}) (IResult, error) {
	if connection.closed {
		return nil, errConnectionClosed
	}
	connection.operations = append(connection.operations, sqlstr)
	return &demoResult{rowsAffected: 1}, nil
}

func (connection *demoConnection) PrepareContext(ctx context.Context, sqlstr string) (IStatement, error) {
	if connection.closed {
		return nil, errConnectionClosed
	}
	return &demoStatement{connection: connection, sqlstr: sqlstr}, nil
}

func (connection *demoConnection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	if connection.closed {
		return errConnectionClosed
	}
	connection.autoCommit = autoCommit
	return nil
}

func (connection *demoConnection) Commit(ctx context.Context) error {
	if connection.closed {
		return errConnectionClosed
	}
	connection.commitCount++
	return nil
}

func (connection *demoConnection) Rollback(ctx context.Context) error {
	if connection.closed {
		return errConnectionClosed
	}
	connection.rollbackCount++
	return nil
}

func (connection *demoConnection) SetSavepoint(ctx context.Context, name string) error {
	if connection.closed {
		return errConnectionClosed
	}
	if name == "" {
		name = generateSavepointName()
	}
	connection.savepoints = append(connection.savepoints, name)
	return nil
}

func (connection *demoConnection) SetReadOnly(ctx context.Context, readOnly bool) error {
	if connection.closed {
		return errConnectionClosed
	}
	connection.readOnly = readOnly
	return nil
}

func (connection *demoConnection) IsClosed(ctx context.Context) (bool, error) {
	return connection.closed, nil
}

func (connection *demoConnection) Close(ctx context.Context) error {
	if connection.closed {
		return nil
	}
	connection.closed = true
	connection.closeCount++
	return nil
}

func (connection *demoConnection) Unwrap() IConnection {
	return connection
}

func (connection *demoConnection) String() string {
	return "demoConnection{" + connection.user + "}"
}

// demoRows 空结果集
type demoRows struct {
	closed bool
}

func (rows *demoRows) Next() bool {
	return false
}

func (rows *demoRows) Scan(dest ...interface{}) error {
	return errors.New("demoRows没有数据")
}

func (rows *demoRows) Columns() ([]string, error) {
	return []string{}, nil
}

func (rows *demoRows) Close() error {
	rows.closed = true
	return nil
}

func (rows *demoRows) Err() error {
	return nil
}

// demoResult 演示执行结果
type demoResult struct {
	rowsAffected int64
}

func (result *demoResult) LastInsertId() (int64, error) {
	return 0, nil
}

func (result *demoResult) RowsAffected() (int64, error) {
	return result.rowsAffected, nil
}

// demoStatement 演示预编译语句
type demoStatement struct {
	connection *demoConnection
	sqlstr     string
	closed     bool
}

func (statement *demoStatement) QueryContext(ctx context.Context, args []interface{}) (IRows, error) {
	if statement.closed {
		return nil, errors.New("demoStatement已经关闭")
	}
	return statement.connection.QueryContext(ctx, statement.sqlstr, args)
}

func (statement *demoStatement) ExecContext(ctx context.Context, args []interface{}) (IResult, error) {
	if statement.closed {
		return nil, errors.New("demoStatement已经关闭")
	}
	return statement.connection.ExecContext(ctx, statement.sqlstr, args)
}

func (statement *demoStatement) Close() error {
	statement.closed = true
	return nil
}

// demoXADataSource XA演示数据源
type demoXADataSource struct {
	openCount int
	// xaConnections 创建过的所有XA连接
	xaConnections []*demoXAConnection
}

func newDemoXADataSource() *demoXADataSource {
	return &demoXADataSource{}
}

func (ds *demoXADataSource) GetXAConnection(ctx context.Context) (IXAConnection, error) {
	return ds.openXAConnection(""), nil
}

func (ds *demoXADataSource) GetXAConnectionWith(ctx context.Context, user string, password string) (IXAConnection, error) {
	return ds.openXAConnection(user), nil
}

func (ds *demoXADataSource) openXAConnection(user string) *demoXAConnection {
	ds.openCount++
	connection := &demoConnection{user: user, autoCommit: true}
	xaConnection := &demoXAConnection{
		connection: connection,
		xaResource: &demoXAResource{},
	}
	ds.xaConnections = append(ds.xaConnections, xaConnection)
	return xaConnection
}

// demoXAConnection XA演示连接,关闭时负责关闭内部的物理连接
type demoXAConnection struct {
	connection *demoConnection
	xaResource *demoXAResource
	closed     bool
	closeCount int
}

func (xaConnection *demoXAConnection) GetConnection(ctx context.Context) (IConnection, error) {
	return xaConnection.connection, nil
}

func (xaConnection *demoXAConnection) GetXAResource(ctx context.Context) (IXAResource, error) {
	return xaConnection.xaResource, nil
}

func (xaConnection *demoXAConnection) Close(ctx context.Context) error {
	xaConnection.closeCount++
	if xaConnection.closed {
		return nil
	}
	xaConnection.closed = true
	return xaConnection.connection.Close(ctx)
}

// demoXAResource XA演示资源,记录收到的每个动作和Xid
type demoXAResource struct {
	startedXids    []*Xid
	endedXids      []*Xid
	committedXids  []*Xid
	rolledBackXids []*Xid
	// startErr 不为nil时Start返回这个错误,模拟登记失败
	startErr error
	// commitErr 不为nil时Commit返回这个错误,模拟分支提交失败
	commitErr error
}

func (xaResource *demoXAResource) Start(ctx context.Context, xid *Xid, flags int) error {
	if xaResource.startErr != nil {
		return xaResource.startErr
	}
	xaResource.startedXids = append(xaResource.startedXids, xid)
	return nil
}

func (xaResource *demoXAResource) End(ctx context.Context, xid *Xid, flags int) error {
	xaResource.endedXids = append(xaResource.endedXids, xid)
	return nil
}

func (xaResource *demoXAResource) Prepare(ctx context.Context, xid *Xid) (int, error) {
	return XAOk, nil
}

func (xaResource *demoXAResource) Commit(ctx context.Context, xid *Xid, onePhase bool) error {
	if !onePhase {
		return fmt.Errorf("demoXAResource只支持单阶段提交,xid:%s", xid.String())
	}
	if xaResource.commitErr != nil {
		return xaResource.commitErr
	}
	xaResource.committedXids = append(xaResource.committedXids, xid)
	return nil
}

func (xaResource *demoXAResource) Rollback(ctx context.Context, xid *Xid) error {
	xaResource.rolledBackXids = append(xaResource.rolledBackXids, xid)
	return nil
}
