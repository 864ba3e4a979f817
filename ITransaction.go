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
)

// TransactionStatus 事务状态,参照JTA/OTS的状态定义
// TransactionStatus Transaction status, modeled after the JTA/OTS status values
type TransactionStatus int

const (
	// StatusActive 事务活动中,可以登记资源
	StatusActive TransactionStatus = iota
	// StatusMarkedRollback 事务被标记为只能回滚
	StatusMarkedRollback
	// StatusCommitting 事务提交中
	StatusCommitting
	// StatusCommitted 事务已提交(终态)
	StatusCommitted
	// StatusRollingBack 事务回滚中
	StatusRollingBack
	// StatusRolledBack 事务已回滚(终态)
	StatusRolledBack
)

// ErrTransactionRolledBack 事务已经回滚或者被标记回滚,登记资源时返回
// 连接代理会吞掉这个错误,事务注定回滚,完成回调自然会负责清理
// ErrTransactionRolledBack Returned by EnlistResource when the transaction is already doomed
var ErrTransactionRolledBack = errors.New("事务已经回滚或者被标记为回滚")

// ISynchronization 事务完成回调接口,注册到事务上,事务结束时按注册顺序调用
// ISynchronization Transaction completion callback, invoked in registration order when the transaction finishes
type ISynchronization interface {
	// BeforeCompletion 事务完成前回调,在驱动资源提交/回滚之前调用
	BeforeCompletion(ctx context.Context)

	// AfterCompletion 事务完成后回调,status是事务的终态
	AfterCompletion(ctx context.Context, status TransactionStatus)
}

// ITransaction 一个事务,连接代理只依赖这个接口,不关心协调器的实现
// GetResource/PutResource是事务范围的资源注册表,同一个事务内相同key的连接请求收敛到同一个物理连接
// 注册表由事务的拥有者在事务完成时清理,不依赖垃圾回收
// ITransaction One transaction. The connection proxy depends only on this interface
// GetResource/PutResource form the transaction-scoped resource registry, cleared by the owner at completion
type ITransaction interface {
	// GetStatus 获取事务当前状态
	GetStatus() TransactionStatus

	// EnlistResource 登记事务分支资源,事务已经回滚或者被标记回滚时返回ErrTransactionRolledBack
	EnlistResource(ctx context.Context, xaResource IXAResource) error

	// RegisterSynchronization 注册事务完成回调
	RegisterSynchronization(ctx context.Context, synchronization ISynchronization) error

	// SetRollbackOnly 标记事务只能回滚
	SetRollbackOnly()

	// GetResource 根据key获取事务范围注册表里的资源,没有返回nil
	GetResource(key interface{}) interface{}

	// PutResource 把资源按key放入事务范围注册表
	PutResource(key interface{}, value interface{})

	// GetXid 获取事务的Xid
	GetXid() *Xid
}

// ITransactionManager 事务管理器接口,通过ctx获取环境事务
// 事务使用context传播,ctx从web层传递进来即可
// ITransactionManager Transaction manager interface. The ambient transaction propagates through ctx
type ITransactionManager interface {
	// GetTransaction 获取ctx绑定的环境事务,没有返回nil
	GetTransaction(ctx context.Context) ITransaction
}
