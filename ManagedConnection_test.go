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
	"errors"
	"strings"
	"testing"
)

// newTestTransactionManager 每个测试使用独立的事务管理器
func newTestTransactionManager() *LocalTransactionManager {
	return &LocalTransactionManager{}
}

// TestNoTransactionPassThrough 没有环境事务,操作直接透传,物理连接只创建一次,不登记事务
func TestNoTransactionPassThrough(t *testing.T) {
	ctx := context.Background()
	manager := newTestTransactionManager()
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, manager)

	rows, err := mc.QueryContext(ctx, "SELECT 1", nil)
	if err != nil {
		t.Fatalf("查询错误:%v", err)
	}
	rows.Close()
	if _, err = mc.ExecContext(ctx, "UPDATE t_demo SET active=0", nil); err != nil {
		t.Fatalf("更新错误:%v", err)
	}
	if ds.openCount != 1 {
		t.Errorf("物理连接应该只创建一次,实际创建了%d次", ds.openCount)
	}

	// 无事务时close立即物理关闭
	if err = mc.Close(ctx); err != nil {
		t.Fatalf("关闭错误:%v", err)
	}
	if !ds.connections[0].closed {
		t.Errorf("无事务时close应该立即物理关闭连接")
	}
}

// TestCloseWithoutUse 从来没有使用过的连接,close是no-op,不会创建物理连接
func TestCloseWithoutUse(t *testing.T) {
	ctx := context.Background()
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, newTestTransactionManager())

	if err := mc.Close(ctx); err != nil {
		t.Fatalf("关闭错误:%v", err)
	}
	if ds.openCount != 0 {
		t.Errorf("没有使用过的连接close不应该创建物理连接,实际创建了%d次", ds.openCount)
	}
}

// TestNoTransactionCommitDelegates 没有环境事务时Commit/Rollback直接透传到物理连接
func TestNoTransactionCommitDelegates(t *testing.T) {
	ctx := context.Background()
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, newTestTransactionManager())

	if err := mc.Commit(ctx); err != nil {
		t.Fatalf("提交错误:%v", err)
	}
	if ds.connections[0].commitCount != 1 {
		t.Errorf("无事务时Commit应该透传到物理连接")
	}
}

// TestForbiddenOperationsUnderTransaction 事务托管期间禁止业务层控制事务边界
func TestForbiddenOperationsUnderTransaction(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, transaction, errBind := manager.BindContextTransaction(context.Background())
	if errBind != nil {
		t.Fatalf("开启事务错误:%v", errBind)
	}
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, manager)

	tests := []struct {
		name string
		call func() error
	}{
		{name: "SetAutoCommit", call: func() error { return mc.SetAutoCommit(ctx, true) }},
		{name: "Commit", call: func() error { return mc.Commit(ctx) }},
		{name: "Rollback", call: func() error { return mc.Rollback(ctx) }},
		{name: "SetSavepoint", call: func() error { return mc.SetSavepoint(ctx, "sp1") }},
		{name: "SetReadOnly", call: func() error { return mc.SetReadOnly(ctx, true) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Errorf("%s在事务托管期间应该返回错误", tt.name)
				return
			}
			if !strings.Contains(err.Error(), tt.name) {
				t.Errorf("错误信息应该包含方法名%s,实际:%v", tt.name, err)
			}
		})
	}

	// 事务本身不受影响,仍然是活动状态
	if transaction.GetStatus() != StatusActive {
		t.Errorf("禁止操作不应该影响事务状态,实际:%v", transaction.GetStatus())
	}
}

// TestLogicalClose 事务托管期间close只设置逻辑关闭标记,物理连接保持打开,后续操作仍然透传
func TestLogicalClose(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, transaction, _ := manager.BindContextTransaction(context.Background())
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, manager)

	if _, err := mc.ExecContext(ctx, "INSERT INTO t_demo(id) VALUES(1)", nil); err != nil {
		t.Fatalf("更新错误:%v", err)
	}
	if err := mc.Close(ctx); err != nil {
		t.Fatalf("关闭错误:%v", err)
	}

	// 逻辑关闭后IsClosed立即返回true
	closed, err := mc.IsClosed(ctx)
	if err != nil {
		t.Fatalf("IsClosed错误:%v", err)
	}
	if !closed {
		t.Errorf("逻辑关闭后IsClosed应该返回true")
	}
	// 物理连接仍然打开
	if ds.connections[0].closed {
		t.Errorf("事务完成前物理连接不应该关闭")
	}
	// 物理关闭延迟,非close操作仍然可以透传到物理连接
	if _, err = mc.QueryContext(ctx, "SELECT 1", nil); err != nil {
		t.Fatalf("逻辑关闭后查询错误:%v", err)
	}

	if errCommit := transaction.Commit(ctx); errCommit != nil {
		t.Fatalf("提交错误:%v", errCommit)
	}
	if !ds.connections[0].closed {
		t.Errorf("事务完成后物理连接应该已经关闭")
	}
	if ds.connections[0].closeCount != 1 {
		t.Errorf("物理连接应该恰好关闭一次,实际%d次", ds.connections[0].closeCount)
	}
}

// TestRegistryConvergence 同一个事务内相同key的两个代理收敛到同一个物理连接,只登记一次
func TestRegistryConvergence(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, transaction, _ := manager.BindContextTransaction(context.Background())
	ds := newDemoDataSource()
	mc1 := NewManagedConnection(ds, manager)
	mc2 := NewManagedConnection(ds, manager)

	if _, err := mc1.ExecContext(ctx, "UPDATE t_demo SET active=1", nil); err != nil {
		t.Fatalf("mc1更新错误:%v", err)
	}
	if _, err := mc2.ExecContext(ctx, "UPDATE t_demo SET active=0", nil); err != nil {
		t.Fatalf("mc2更新错误:%v", err)
	}

	if ds.openCount != 1 {
		t.Errorf("同一个事务内应该只创建一个物理连接,实际创建了%d个", ds.openCount)
	}
	if len(transaction.resources) != 1 {
		t.Errorf("同一个事务内应该只登记一次,实际登记了%d次", len(transaction.resources))
	}
	// 两个代理的操作落在同一个物理连接上
	if len(ds.connections[0].operations) != 2 {
		t.Errorf("两个代理的操作应该收敛到同一个物理连接,实际操作数:%d", len(ds.connections[0].operations))
	}

	if errCommit := transaction.Commit(ctx); errCommit != nil {
		t.Fatalf("提交错误:%v", errCommit)
	}
	// 单阶段提交翻译成连接的Commit
	if ds.connections[0].commitCount != 1 {
		t.Errorf("提交应该恰好翻译成一次连接Commit,实际%d次", ds.connections[0].commitCount)
	}
	if ds.connections[0].closeCount != 1 {
		t.Errorf("物理连接应该恰好关闭一次,实际%d次", ds.connections[0].closeCount)
	}
}

// TestDifferentKeysDoNotConverge 凭证不同的代理不收敛,各自创建物理连接各自登记
func TestDifferentKeysDoNotConverge(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, transaction, _ := manager.BindContextTransaction(context.Background())
	ds := newDemoDataSource()
	mc1 := NewManagedConnectionWith(ds, manager, "user1", "pwd1")
	mc2 := NewManagedConnectionWith(ds, manager, "user2", "pwd2")

	if _, err := mc1.ExecContext(ctx, "UPDATE t_demo SET active=1", nil); err != nil {
		t.Fatalf("mc1更新错误:%v", err)
	}
	if _, err := mc2.ExecContext(ctx, "UPDATE t_demo SET active=0", nil); err != nil {
		t.Fatalf("mc2更新错误:%v", err)
	}

	if ds.openCount != 2 {
		t.Errorf("不同凭证应该创建两个物理连接,实际创建了%d个", ds.openCount)
	}
	if len(transaction.resources) != 2 {
		t.Errorf("不同凭证应该登记两次,实际登记了%d次", len(transaction.resources))
	}
	if errRollback := transaction.Rollback(ctx); errRollback != nil {
		t.Fatalf("回滚错误:%v", errRollback)
	}
}

// TestCrossTransactionError 已经登记在活动事务里的连接不能在另一个事务里使用
func TestCrossTransactionError(t *testing.T) {
	manager := newTestTransactionManager()
	ctxT, transactionT, _ := manager.BindContextTransaction(context.Background())
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, manager)

	if _, err := mc.ExecContext(ctxT, "UPDATE t_demo SET active=1", nil); err != nil {
		t.Fatalf("更新错误:%v", err)
	}

	// 另一个事务U,注意从全新的context开启,不继承T
	ctxU, _, _ := manager.BindContextTransaction(context.Background())
	_, err := mc.QueryContext(ctxU, "SELECT 1", nil)
	if err == nil {
		t.Fatalf("跨事务使用应该返回错误")
	}
	if !errors.Is(err, errConnectionInAnotherTransaction) {
		t.Errorf("应该返回跨事务错误,实际:%v", err)
	}
	// close也一样被拦截
	if errClose := mc.Close(ctxU); !errors.Is(errClose, errConnectionInAnotherTransaction) {
		t.Errorf("跨事务close应该返回跨事务错误,实际:%v", errClose)
	}

	if errRollback := transactionT.Rollback(ctxT); errRollback != nil {
		t.Fatalf("回滚错误:%v", errRollback)
	}
}

// TestAdoptedConnectionCrossTransactionError 复用注册表连接的代理也记录了所属事务
// 换一个事务使用时同样触发跨事务校验,不会创建第二个物理连接,也不会登记到新事务
func TestAdoptedConnectionCrossTransactionError(t *testing.T) {
	manager := newTestTransactionManager()
	ctxT, transactionT, _ := manager.BindContextTransaction(context.Background())
	ds := newDemoDataSource()
	mc1 := NewManagedConnection(ds, manager)
	mc2 := NewManagedConnection(ds, manager)

	// mc1创建并登记物理连接,mc2在同一个事务里复用
	if _, err := mc1.ExecContext(ctxT, "UPDATE t_demo SET active=1", nil); err != nil {
		t.Fatalf("mc1更新错误:%v", err)
	}
	if _, err := mc2.QueryContext(ctxT, "SELECT 1", nil); err != nil {
		t.Fatalf("mc2查询错误:%v", err)
	}

	// 复用连接的mc2在另一个事务U里使用,必须报跨事务错误
	ctxU, transactionU, _ := manager.BindContextTransaction(context.Background())
	_, err := mc2.QueryContext(ctxU, "SELECT 1", nil)
	if !errors.Is(err, errConnectionInAnotherTransaction) {
		t.Fatalf("复用连接的代理跨事务使用应该返回跨事务错误,实际:%v", err)
	}
	// 不能把T的连接发布到U的注册表,也不能创建第二个物理连接或者登记到U
	if ds.openCount != 1 {
		t.Errorf("跨事务使用不应该创建第二个物理连接,实际创建了%d个", ds.openCount)
	}
	if len(transactionU.resources) != 0 {
		t.Errorf("跨事务使用不应该登记到新事务,实际登记了%d个", len(transactionU.resources))
	}
	if transactionU.GetResource(mc2.key) != nil {
		t.Errorf("不能把另一个事务的连接发布到新事务的注册表")
	}

	if errRollback := transactionT.Rollback(ctxT); errRollback != nil {
		t.Fatalf("回滚错误:%v", errRollback)
	}
}

// TestXADataSourceEnlist XA数据源直接使用驱动的XA资源,不用LocalXAResource包装
// 事务完成后通过XA连接关闭,由XA连接负责内部的物理连接
func TestXADataSourceEnlist(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, transaction, _ := manager.BindContextTransaction(context.Background())
	ds := newDemoXADataSource()
	mc := NewManagedConnection(ds, manager)

	if _, err := mc.ExecContext(ctx, "UPDATE t_demo SET active=1", nil); err != nil {
		t.Fatalf("更新错误:%v", err)
	}
	xaConnection := ds.xaConnections[0]
	if len(xaConnection.xaResource.startedXids) != 1 {
		t.Fatalf("XA资源应该Start一次,实际%d次", len(xaConnection.xaResource.startedXids))
	}
	// 分支Xid继承全局事务ID
	branchXid := xaConnection.xaResource.startedXids[0]
	if branchXid.GlobalTransactionID != transaction.GetXid().GlobalTransactionID {
		t.Errorf("分支Xid应该继承全局事务ID")
	}

	if errCommit := transaction.Commit(ctx); errCommit != nil {
		t.Fatalf("提交错误:%v", errCommit)
	}
	if len(xaConnection.xaResource.committedXids) != 1 {
		t.Errorf("XA资源应该提交一次,实际%d次", len(xaConnection.xaResource.committedXids))
	}
	if !xaConnection.closed {
		t.Errorf("事务完成后应该关闭XA连接")
	}
	if !xaConnection.connection.closed {
		t.Errorf("XA连接关闭时应该关闭内部的物理连接")
	}
}

// TestEnlistRollbackRace 事务已经被标记回滚时,登记失败被吞掉,操作仍然透传
func TestEnlistRollbackRace(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, transaction, _ := manager.BindContextTransaction(context.Background())
	transaction.SetRollbackOnly()

	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, manager)

	// 登记返回ErrTransactionRolledBack,被代理吞掉,事务注定回滚
	if _, err := mc.ExecContext(ctx, "UPDATE t_demo SET active=1", nil); err != nil {
		t.Fatalf("标记回滚的事务里操作不应该报错,实际:%v", err)
	}
	if len(transaction.resources) != 0 {
		t.Errorf("标记回滚的事务不应该登记资源,实际登记了%d个", len(transaction.resources))
	}

	// 事务回滚后完成回调仍然物理关闭连接
	if errRollback := transaction.Rollback(ctx); errRollback != nil {
		t.Fatalf("回滚错误:%v", errRollback)
	}
	if !ds.connections[0].closed {
		t.Errorf("事务回滚后完成回调应该物理关闭连接")
	}
}

// brokenXADataSource 模拟登记失败的XA数据源
type brokenXADataSource struct {
	demoXADataSource
}

func (ds *brokenXADataSource) GetXAConnection(ctx context.Context) (IXAConnection, error) {
	xaConnection := ds.openXAConnection("")
	xaConnection.xaResource.startErr = errors.New("模拟XA资源Start失败")
	return xaConnection, nil
}

// TestEnlistHardFailure 非回滚原因的登记失败作为硬错误返回给调用方
func TestEnlistHardFailure(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, _, _ := manager.BindContextTransaction(context.Background())
	ds := &brokenXADataSource{}
	mc := NewManagedConnection(ds, manager)

	_, err := mc.ExecContext(ctx, "UPDATE t_demo SET active=1", nil)
	if err == nil {
		t.Fatalf("登记失败应该返回错误")
	}
	if !strings.Contains(err.Error(), "EnlistResource") {
		t.Errorf("错误应该包装登记失败的原因,实际:%v", err)
	}
}

// TestCompletedTransactionFallback 环境事务已经完成的兜底分支,直接透传不崩溃
func TestCompletedTransactionFallback(t *testing.T) {
	manager := newTestTransactionManager()
	ctx, transaction, _ := manager.BindContextTransaction(context.Background())
	if errCommit := transaction.Commit(ctx); errCommit != nil {
		t.Fatalf("提交错误:%v", errCommit)
	}

	// ctx还绑定着已经完成的事务,操作兜底为直接透传
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, manager)
	if _, err := mc.QueryContext(ctx, "SELECT 1", nil); err != nil {
		t.Fatalf("兜底分支查询错误:%v", err)
	}
	if len(transaction.resources) != 0 {
		t.Errorf("兜底分支不应该登记资源")
	}
	// 兜底的close等同于无事务的立即物理关闭
	if errClose := mc.Close(ctx); errClose != nil {
		t.Fatalf("兜底关闭错误:%v", errClose)
	}
	if !ds.connections[0].closed {
		t.Errorf("兜底的close应该立即物理关闭连接")
	}
}

// TestUnwrapAndString Unwrap返回物理连接,String包含物理连接的描述
func TestUnwrapAndString(t *testing.T) {
	ctx := context.Background()
	ds := newDemoDataSource()
	mc := NewManagedConnection(ds, newTestTransactionManager())

	// 还没使用,Unwrap为nil,String是固定格式
	if mc.Unwrap() != nil {
		t.Errorf("物理连接创建前Unwrap应该返回nil")
	}
	if mc.String() != "ManagedConnection{<nil>}" {
		t.Errorf("String格式不对,实际:%s", mc.String())
	}

	if _, err := mc.QueryContext(ctx, "SELECT 1", nil); err != nil {
		t.Fatalf("查询错误:%v", err)
	}
	if mc.Unwrap() != IConnection(ds.connections[0]) {
		t.Errorf("Unwrap应该返回物理连接")
	}
	if !strings.Contains(mc.String(), "demoConnection") {
		t.Errorf("String应该包含物理连接的描述,实际:%s", mc.String())
	}
}

// TestManagedDataSource 托管数据源每次返回新的代理,同一个事务内收敛到同一个物理连接
func TestManagedDataSource(t *testing.T) {
	manager := newTestTransactionManager()
	ds := newDemoDataSource()
	managedDataSource, errWrap := WrapDataSource(ds, manager)
	if errWrap != nil {
		t.Fatalf("包装数据源错误:%v", errWrap)
	}

	ctx, transaction, _ := manager.BindContextTransaction(context.Background())
	mc1, _ := managedDataSource.GetConnection(ctx)
	mc2, _ := managedDataSource.GetConnection(ctx)
	if mc1 == mc2 {
		t.Errorf("每次GetConnection应该返回新的代理实例")
	}

	if _, err := mc1.ExecContext(ctx, "UPDATE t_demo SET active=1", nil); err != nil {
		t.Fatalf("mc1更新错误:%v", err)
	}
	if _, err := mc2.QueryContext(ctx, "SELECT 1", nil); err != nil {
		t.Fatalf("mc2查询错误:%v", err)
	}
	if ds.openCount != 1 {
		t.Errorf("同一个事务内应该收敛到一个物理连接,实际%d个", ds.openCount)
	}
	if errCommit := transaction.Commit(ctx); errCommit != nil {
		t.Fatalf("提交错误:%v", errCommit)
	}
}

// TestWrapDataSourceValidation 非法的数据源类型直接报错
func TestWrapDataSourceValidation(t *testing.T) {
	manager := newTestTransactionManager()
	if _, err := WrapDataSource(nil, manager); err == nil {
		t.Errorf("nil数据源应该报错")
	}
	if _, err := WrapDataSource("不是数据源", manager); err == nil {
		t.Errorf("非法类型的数据源应该报错")
	}
}
