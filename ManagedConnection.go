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

// Package zxa 事务感知的数据库连接代理,同一个逻辑连接最多附着在一个活动的分布式事务上
// 连接的操作通过ctx获取环境事务,有事务就延迟创建物理连接并登记XA资源,事务结束时由完成回调物理关闭连接
// 事务使用 ctx context.Context 参数实现传播,ctx从web层传递进来即可,例如gin的c.Request.Context()
// Package zxa Transaction-aware database connection proxy. A logical connection attaches to at most
// one active distributed transaction; the physical close is deferred to the transaction's completion callback.
// Transactions propagate through "ctx context.Context", pass it down from the web layer, e.g. gin's c.Request.Context()
package zxa

import (
	"context"
	"errors"
	"fmt"
)

// resourceKey 数据源和凭证组成的查找键,事务范围注册表按它收敛物理连接
// 数据源按引用比较,user/password按值比较
// resourceKey Lookup key of data source identity plus credentials; the transaction-scoped registry converges on it
type resourceKey struct {
	dataSource      ICommonDataSource
	user            string
	password        string
	withCredentials bool
}

var errConnectionInAnotherTransaction = errors.New("连接已经登记在另一个事务中,不能跨事务使用")

// forbiddenCallError 连接被事务托管期间,事务边界只能由协调器控制
func forbiddenCallError(operationName string) error {
	return fmt.Errorf("连接由事务托管,不能调用%s方法", operationName)
}

// ManagedConnection 事务感知的连接代理,实现IConnection接口
// 每次业务获取逻辑连接创建一个实例,物理连接延迟到第一次真正使用时创建
// 字段只在事务附着期间有效,代理本身不加锁,假定同一个逻辑连接同一时间只有一个使用方,
// 完成回调由协调器保证在使用方结束操作之后执行
// ManagedConnection Transaction-aware connection proxy implementing IConnection.
// One instance per logical acquisition; the physical connection is created lazily on first real use.
// No internal locking: a logical connection has a single driver at a time, and the coordinator
// orders the completion callback after the owner has finished issuing operations
type ManagedConnection struct {
	transactionManager ITransactionManager
	key                resourceKey

	// currentTransaction 当前登记的事务,只在事务活动或者被标记回滚期间有值
	currentTransaction ITransaction
	// delegate 已经打开的物理连接,延迟创建
	delegate IConnection
	// xaResource 和delegate绑定的事务分支资源,delegate和xaResource要么都有值要么都为nil
	xaResource IXAResource
	// xaConnection 数据源支持XA时的XA连接包装,普通数据源为nil
	xaConnection IXAConnection
	// closed 逻辑关闭标记,物理连接的关闭延迟到事务完成回调
	closed bool
}

// NewManagedConnection 创建连接代理,dataSource必须是IDataSource或者IXADataSource
// NewManagedConnection Create the proxy; dataSource must be an IDataSource or an IXADataSource
func NewManagedConnection(dataSource ICommonDataSource, transactionManager ITransactionManager) *ManagedConnection {
	return &ManagedConnection{
		transactionManager: transactionManager,
		key:                resourceKey{dataSource: dataSource},
	}
}

// NewManagedConnectionWith 使用指定的用户名密码创建连接代理
func NewManagedConnectionWith(dataSource ICommonDataSource, transactionManager ITransactionManager, user string, password string) *ManagedConnection {
	return &ManagedConnection{
		transactionManager: transactionManager,
		key:                resourceKey{dataSource: dataSource, user: user, password: password, withCredentials: true},
	}
}

// GetXAResource 获取(必要时延迟创建物理连接)绑定的事务分支资源
func (mc *ManagedConnection) GetXAResource(ctx context.Context) (IXAResource, error) {
	if mc.xaResource == nil {
		if errNew := mc.newConnection(ctx); errNew != nil {
			return nil, errNew
		}
	}
	return mc.xaResource, nil
}

// newConnection 根据数据源类型创建物理连接
// 普通数据源的连接使用LocalXAResource包装,XA数据源取出物理连接和XA资源
func (mc *ManagedConnection) newConnection(ctx context.Context) error {
	switch ds := mc.key.dataSource.(type) {
	case IDataSource:
		var connection IConnection
		var errConn error
		if mc.key.withCredentials {
			connection, errConn = ds.GetConnectionWith(ctx, mc.key.user, mc.key.password)
		} else {
			connection, errConn = ds.GetConnection(ctx)
		}
		if errConn != nil {
			errConn = fmt.Errorf("->ManagedConnection-->newConnection获取连接失败:%w", errConn)
			FuncLogError(ctx, errConn)
			return errConn
		}
		mc.delegate = connection
		mc.xaResource = NewLocalXAResource(connection)
	case IXADataSource:
		var xaConnection IXAConnection
		var errConn error
		if mc.key.withCredentials {
			xaConnection, errConn = ds.GetXAConnectionWith(ctx, mc.key.user, mc.key.password)
		} else {
			xaConnection, errConn = ds.GetXAConnection(ctx)
		}
		if errConn != nil {
			errConn = fmt.Errorf("->ManagedConnection-->newConnection获取XA连接失败:%w", errConn)
			FuncLogError(ctx, errConn)
			return errConn
		}
		connection, errGet := xaConnection.GetConnection(ctx)
		if errGet != nil {
			errGet = fmt.Errorf("->ManagedConnection-->newConnection获取XA物理连接失败:%w", errGet)
			FuncLogError(ctx, errGet)
			return errGet
		}
		xaResource, errXA := xaConnection.GetXAResource(ctx)
		if errXA != nil {
			errXA = fmt.Errorf("->ManagedConnection-->newConnection获取XA资源失败:%w", errXA)
			FuncLogError(ctx, errXA)
			return errXA
		}
		mc.xaConnection = xaConnection
		mc.delegate = connection
		mc.xaResource = xaResource
	default:
		errType := errors.New("->ManagedConnection-->newConnection数据源必须是IDataSource或者IXADataSource")
		FuncLogError(ctx, errType)
		return errType
	}
	return nil
}

// ambientTransaction 获取当前的环境事务,没有事务管理器或者没有绑定事务返回nil
func (mc *ManagedConnection) ambientTransaction(ctx context.Context) ITransaction {
	if mc.transactionManager == nil {
		return nil
	}
	return mc.transactionManager.GetTransaction(ctx)
}

// isUnderTransaction 事务是活动或者被标记回滚的状态,连接仍然附着在事务上
func isUnderTransaction(status TransactionStatus) bool {
	return status == StatusActive || status == StatusMarkedRollback
}

// resolveConnection 每次操作的决策过程,返回实际执行操作的物理连接和是否处于事务托管
// 1.没有环境事务,透传模式,延迟创建物理连接
// 2.已经登记且事务仍然活动,校验不能跨事务使用
// 3.未登记且环境事务活动,查询事务范围注册表,复用或者创建并登记
// 4.环境事务存在但已经进入完成阶段,兜底为直接透传,不应该出现但不能崩溃
func (mc *ManagedConnection) resolveConnection(ctx context.Context) (IConnection, bool, error) {
	transaction := mc.ambientTransaction(ctx)

	// 没有环境事务,直接透传到物理连接
	// No ambient transaction, pass through to the physical connection
	if transaction == nil {
		if mc.delegate == nil {
			if errNew := mc.newConnection(ctx); errNew != nil {
				return nil, false, errNew
			}
		}
		return mc.delegate, false, nil
	}

	// 已经登记在一个仍然活动的事务里,校验环境事务必须是同一个
	// Already enlisted in a live transaction; the ambient transaction must be the same one
	if mc.currentTransaction != nil && isUnderTransaction(mc.currentTransaction.GetStatus()) {
		if mc.currentTransaction != transaction {
			errCross := fmt.Errorf("->ManagedConnection-->%w", errConnectionInAnotherTransaction)
			FuncLogError(ctx, errCross)
			return nil, false, errCross
		}
		return mc.delegate, true, nil
	}

	// 环境事务活动中,查注册表复用同一个事务内的物理连接,或者创建并登记
	if isUnderTransaction(transaction.GetStatus()) {
		connection, errResolve := mc.resolveTransactionConnection(ctx, transaction)
		if errResolve != nil {
			return nil, false, errResolve
		}
		return connection, true, nil
	}

	// 环境事务已经进入提交/回滚阶段,正常流程不应该走到这里,兜底为直接透传,不能崩溃
	// The ambient transaction is completing; shouldn't happen, fall back to direct delegation
	if mc.delegate == nil {
		if errNew := mc.newConnection(ctx); errNew != nil {
			return nil, false, errNew
		}
	}
	return mc.delegate, false, nil
}

// resolveTransactionConnection 事务内的连接解析
// 注册表里已经有同key的物理连接就直接复用,不重复创建也不重复登记(同一个事务内其他代理实例已经登记过)
// 没有就创建物理连接,发布到注册表,登记XA资源,注册完成回调,并尽力关闭自动提交
func (mc *ManagedConnection) resolveTransactionConnection(ctx context.Context, transaction ITransaction) (IConnection, error) {
	connection, _ := transaction.GetResource(mc.key).(IConnection)
	if connection == nil {
		if mc.delegate == nil {
			if errNew := mc.newConnection(ctx); errNew != nil {
				return nil, errNew
			}
		}
		transaction.PutResource(mc.key, mc.delegate)
		mc.currentTransaction = transaction

		xaResource, errXA := mc.GetXAResource(ctx)
		if errXA != nil {
			return nil, errXA
		}
		errEnlist := transaction.EnlistResource(ctx, xaResource)
		if errEnlist != nil {
			if errors.Is(errEnlist, ErrTransactionRolledBack) {
				// 事务已经回滚,注定整体回滚,吞掉错误,完成回调负责清理
				// The transaction is doomed anyway; swallow, completion drives cleanup
			} else {
				errEnlist = fmt.Errorf("->ManagedConnection-->EnlistResource登记事务资源失败:%w", errEnlist)
				FuncLogError(ctx, errEnlist)
				return nil, errEnlist
			}
		}

		// 注册完成回调,保证事务结束时物理连接只关闭一次
		errSync := transaction.RegisterSynchronization(ctx, &closingSynchronization{xaConnection: mc.xaConnection, connection: mc.delegate})
		if errSync != nil {
			errSync = fmt.Errorf("->ManagedConnection-->RegisterSynchronization注册完成回调失败:%w", errSync)
			FuncLogError(ctx, errSync)
			return nil, errSync
		}

		// 已经在事务里,业务层不可能调用这个方法,某些XA数据源会在代码里阻止,这里大概率是个问题
		// 尽力而为,失败只记录警告
		if errAutoCommit := mc.delegate.SetAutoCommit(ctx, false); errAutoCommit != nil {
			FuncLogWarning(ctx, "XA数据源不支持在事务中关闭自动提交,忽略此异常:"+errAutoCommit.Error())
		}
		return mc.delegate, nil
	}
	// 同一个事务内其他代理实例已经创建并登记了物理连接,直接复用,不重新登记
	// 复用也要记录currentTransaction,否则换一个事务使用时跨事务校验不生效
	if mc.delegate == nil {
		mc.delegate = connection
	}
	mc.currentTransaction = transaction
	return connection, nil
}

// QueryContext 查询语句,透传到物理连接
func (mc *ManagedConnection) QueryContext(ctx context.Context, sqlstr string, args []interface{}) (IRows, error) {
	connection, _, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return nil, errResolve
	}
	return connection.QueryContext(ctx, sqlstr, args)
}

// ExecContext 更新语句,透传到物理连接
func (mc *ManagedConnection) ExecContext(ctx context.Context, sqlstr string, args []interface{}) (IResult, error) {
	connection, _, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return nil, errResolve
	}
	return connection.ExecContext(ctx, sqlstr, args)
}

// PrepareContext 预编译语句,透传到物理连接
func (mc *ManagedConnection) PrepareContext(ctx context.Context, sqlstr string) (IStatement, error) {
	connection, _, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return nil, errResolve
	}
	return connection.PrepareContext(ctx, sqlstr)
}

// SetAutoCommit 事务托管期间禁止业务层切换自动提交,事务边界只能由协调器控制
func (mc *ManagedConnection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	connection, underTransaction, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return errResolve
	}
	if underTransaction {
		return forbiddenCallError("SetAutoCommit")
	}
	return connection.SetAutoCommit(ctx, autoCommit)
}

// Commit 事务托管期间禁止业务层提交
func (mc *ManagedConnection) Commit(ctx context.Context) error {
	connection, underTransaction, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return errResolve
	}
	if underTransaction {
		return forbiddenCallError("Commit")
	}
	return connection.Commit(ctx)
}

// Rollback 事务托管期间禁止业务层回滚
func (mc *ManagedConnection) Rollback(ctx context.Context) error {
	connection, underTransaction, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return errResolve
	}
	if underTransaction {
		return forbiddenCallError("Rollback")
	}
	return connection.Rollback(ctx)
}

// SetSavepoint 事务托管期间禁止业务层设置保存点
func (mc *ManagedConnection) SetSavepoint(ctx context.Context, name string) error {
	connection, underTransaction, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return errResolve
	}
	if underTransaction {
		return forbiddenCallError("SetSavepoint")
	}
	return connection.SetSavepoint(ctx, name)
}

// SetReadOnly 事务托管期间禁止业务层设置只读
func (mc *ManagedConnection) SetReadOnly(ctx context.Context, readOnly bool) error {
	connection, underTransaction, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return errResolve
	}
	if underTransaction {
		return forbiddenCallError("SetReadOnly")
	}
	return connection.SetReadOnly(ctx, readOnly)
}

// IsClosed 逻辑关闭标记设置后直接返回true,否则透传到物理连接
func (mc *ManagedConnection) IsClosed(ctx context.Context) (bool, error) {
	connection, underTransaction, errResolve := mc.resolveConnection(ctx)
	if errResolve != nil {
		return false, errResolve
	}
	if underTransaction && mc.closed {
		return true, nil
	}
	return connection.IsClosed(ctx)
}

// Close 关闭逻辑连接
// 没有环境事务时立即物理关闭;事务托管期间只设置逻辑关闭标记,物理关闭延迟到事务完成回调,回滚场景必须延迟
func (mc *ManagedConnection) Close(ctx context.Context) error {
	transaction := mc.ambientTransaction(ctx)

	// 没有环境事务,立即物理关闭;还没创建过物理连接就什么都不做
	if transaction == nil {
		if mc.delegate == nil {
			return nil
		}
		closeConnection(ctx, mc.xaConnection, mc.delegate)
		return nil
	}

	// 已经登记在活动事务里,校验后只做逻辑关闭
	if mc.currentTransaction != nil && isUnderTransaction(mc.currentTransaction.GetStatus()) {
		if mc.currentTransaction != transaction {
			errCross := fmt.Errorf("->ManagedConnection-->%w", errConnectionInAnotherTransaction)
			FuncLogError(ctx, errCross)
			return errCross
		}
		mc.closed = true
		return nil
	}

	// 环境事务活动中,先完成事务内的连接解析再做逻辑关闭
	if isUnderTransaction(transaction.GetStatus()) {
		if _, errResolve := mc.resolveTransactionConnection(ctx, transaction); errResolve != nil {
			return errResolve
		}
		mc.closed = true
		return nil
	}

	// 事务已经进入完成阶段的兜底,等同于无事务的立即关闭
	if mc.delegate == nil {
		return nil
	}
	closeConnection(ctx, mc.xaConnection, mc.delegate)
	return nil
}

// Unwrap 返回被代理的物理连接,业务需要具体连接类型时使用
func (mc *ManagedConnection) Unwrap() IConnection {
	return mc.delegate
}

// String 固定格式,包含物理连接的描述
func (mc *ManagedConnection) String() string {
	return fmt.Sprintf("ManagedConnection{%v}", mc.delegate)
}

// closingSynchronization 事务完成回调,事务到达终态后物理关闭连接,每次登记注册一次
// closingSynchronization Registered once per enlistment; physically closes the connection after the terminal outcome
type closingSynchronization struct {
	xaConnection IXAConnection
	connection   IConnection
}

// BeforeCompletion 预留给提交前的钩子,暂时没有操作
func (synchronization *closingSynchronization) BeforeCompletion(ctx context.Context) {
	// no-op
}

// AfterCompletion 无论提交还是回滚,事务结束后物理关闭连接
func (synchronization *closingSynchronization) AfterCompletion(ctx context.Context, status TransactionStatus) {
	closeConnection(ctx, synchronization.xaConnection, synchronization.connection)
}

// closeConnection 物理关闭连接,优先关闭XA连接(由它负责内部的物理连接)
// 关闭失败一律吞掉,事务结束阶段的清理不能抛出错误
func closeConnection(ctx context.Context, xaConnection IXAConnection, connection IConnection) {
	if xaConnection != nil { // XA连接负责内部的物理连接
		_ = xaConnection.Close(ctx)
		return
	}
	if connection == nil {
		return
	}
	closed, errClosed := connection.IsClosed(ctx)
	if errClosed == nil && !closed {
		_ = connection.Close(ctx)
	}
}
