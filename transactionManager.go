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
	"fmt"
	"sync"
)

// wrapContextStringKey 包装context的key,不直接使用string类型,避免外部直接注入使用
type wrapContextStringKey string

// contextTransactionValueKey context WithValue的key,不能是基础类型,例如字符串,包装一下
// The key of context WithValue cannot be a basic type, such as a string, wrap it
const contextTransactionValueKey = wrapContextStringKey("contextTransactionValueKey")

// LocalTransactionManager 进程内的事务管理器,事务绑定在context上传播
// 只做单阶段的提交和回滚,不实现两阶段提交协议
// LocalTransactionManager In-process transaction manager; transactions propagate on the context.
// Single-phase completion only, no two-phase commit protocol
type LocalTransactionManager struct{}

var defaultTransactionManager *LocalTransactionManager = nil

// NewLocalTransactionManager 创建事务管理器,第一个创建的成为defaultTransactionManager,zxa.Transaction默认使用它
// NewLocalTransactionManager The first one created becomes the default used by zxa.Transaction
func NewLocalTransactionManager() *LocalTransactionManager {
	manager := &LocalTransactionManager{}
	if defaultTransactionManager == nil {
		defaultTransactionManager = manager
	}
	return manager
}

// GetTransaction 获取ctx绑定的环境事务,没有绑定返回nil
func (manager *LocalTransactionManager) GetTransaction(ctx context.Context) ITransaction {
	if ctx == nil {
		return nil
	}
	value := ctx.Value(contextTransactionValueKey)
	if value == nil {
		return nil
	}
	transaction, ok := value.(*LocalTransaction)
	if !ok {
		return nil
	}
	return transaction
}

// BindContextTransaction 创建一个事务并绑定到子context,返回的context就有了事务
// 如果ctx已经绑定了活动的事务,直接加入,实现事务传播.parent不能为nil
// BindContextTransaction Create a transaction and bind it to a sub-context; joins an existing live transaction
func (manager *LocalTransactionManager) BindContextTransaction(parent context.Context) (context.Context, *LocalTransaction, error) {
	if parent == nil {
		return nil, nil, errors.New("->BindContextTransaction-->context的parent不能为nil")
	}
	if value := parent.Value(contextTransactionValueKey); value != nil {
		if transaction, ok := value.(*LocalTransaction); ok && isUnderTransaction(transaction.GetStatus()) {
			// 事务传播,加入已有的活动事务
			return parent, transaction, nil
		}
	}
	transaction := newLocalTransaction()
	ctx := context.WithValue(parent, contextTransactionValueKey, transaction)
	return ctx, transaction, nil
}

// enlistedResource 已经登记的事务分支,每个资源一个分支Xid
type enlistedResource struct {
	xaResource IXAResource
	branchXid  *Xid
}

// LocalTransaction 一个进程内事务
// 完成回调可能由协调器在其他goroutine执行,内部状态用mutex保护
// 资源注册表由事务自己在完成时清理,不依赖垃圾回收
// LocalTransaction One in-process transaction. Internal state is mutex-guarded because the
// completion callback may run on a different goroutine; the resource registry is cleared at completion
type LocalTransaction struct {
	xid   *Xid
	mutex sync.Mutex
	// status 事务状态,终态之后不再变化
	status TransactionStatus
	// resources 已经登记的事务分支资源
	resources []*enlistedResource
	// synchronizations 事务完成回调,按注册顺序调用
	synchronizations []ISynchronization
	// registry 事务范围的资源注册表,同一个事务内按key收敛物理连接
	registry map[interface{}]interface{}
}

func newLocalTransaction() *LocalTransaction {
	return &LocalTransaction{
		xid: &Xid{
			FormatID:            1,
			GlobalTransactionID: generateStringID(),
			BranchQualifier:     generateStringID(),
		},
		status:   StatusActive,
		registry: make(map[interface{}]interface{}),
	}
}

// GetStatus 获取事务当前状态
func (transaction *LocalTransaction) GetStatus() TransactionStatus {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	return transaction.status
}

// GetXid 获取事务的Xid
func (transaction *LocalTransaction) GetXid() *Xid {
	return transaction.xid
}

// EnlistResource 登记事务分支资源,每个资源分配一个分支Xid并Start
// 事务已经回滚或者被标记回滚时返回ErrTransactionRolledBack,连接代理会吞掉这个错误
func (transaction *LocalTransaction) EnlistResource(ctx context.Context, xaResource IXAResource) error {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	if transaction.status == StatusMarkedRollback || transaction.status == StatusRollingBack || transaction.status == StatusRolledBack {
		return fmt.Errorf("->LocalTransaction.EnlistResource-->%w", ErrTransactionRolledBack)
	}
	if transaction.status != StatusActive {
		return errors.New("->LocalTransaction.EnlistResource-->事务已经进入完成阶段,不能登记资源")
	}
	branchXid := &Xid{
		FormatID:            transaction.xid.FormatID,
		GlobalTransactionID: transaction.xid.GlobalTransactionID,
		BranchQualifier:     generateStringID(),
	}
	if errStart := xaResource.Start(ctx, branchXid, TMNoFlags); errStart != nil {
		return fmt.Errorf("->LocalTransaction.EnlistResource-->Start事务分支失败:%w", errStart)
	}
	transaction.resources = append(transaction.resources, &enlistedResource{xaResource: xaResource, branchXid: branchXid})
	return nil
}

// RegisterSynchronization 注册事务完成回调
func (transaction *LocalTransaction) RegisterSynchronization(ctx context.Context, synchronization ISynchronization) error {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	if transaction.status == StatusCommitted || transaction.status == StatusRolledBack {
		return errors.New("->LocalTransaction.RegisterSynchronization-->事务已经完成,不能注册回调")
	}
	transaction.synchronizations = append(transaction.synchronizations, synchronization)
	return nil
}

// SetRollbackOnly 标记事务只能回滚
func (transaction *LocalTransaction) SetRollbackOnly() {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	if transaction.status == StatusActive {
		transaction.status = StatusMarkedRollback
	}
}

// GetResource 根据key获取事务范围注册表里的资源
func (transaction *LocalTransaction) GetResource(key interface{}) interface{} {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	if transaction.registry == nil {
		return nil
	}
	return transaction.registry[key]
}

// PutResource 把资源按key放入事务范围注册表,事务完成后不再接受
func (transaction *LocalTransaction) PutResource(key interface{}, value interface{}) {
	transaction.mutex.Lock()
	defer transaction.mutex.Unlock()
	if transaction.registry == nil {
		return
	}
	transaction.registry[key] = value
}

// Commit 单阶段提交事务
// 事务被标记回滚时转为回滚并返回ErrTransactionRolledBack
// 任意一个分支提交失败,剩余分支回滚,事务整体按回滚结束
func (transaction *LocalTransaction) Commit(ctx context.Context) error {
	transaction.mutex.Lock()
	if transaction.status == StatusMarkedRollback {
		transaction.mutex.Unlock()
		if errRollback := transaction.Rollback(ctx); errRollback != nil {
			FuncLogError(ctx, errRollback)
		}
		return fmt.Errorf("->LocalTransaction.Commit-->%w", ErrTransactionRolledBack)
	}
	if transaction.status != StatusActive {
		transaction.mutex.Unlock()
		return errors.New("->LocalTransaction.Commit-->事务不在活动状态,不能提交")
	}
	transaction.status = StatusCommitting
	resources := transaction.resources
	synchronizations := transaction.synchronizations
	transaction.mutex.Unlock()

	// 完成前回调,在驱动资源提交之前
	for _, synchronization := range synchronizations {
		synchronization.BeforeCompletion(ctx)
	}

	var errCommit error
	for i, resource := range resources {
		if errEnd := resource.xaResource.End(ctx, resource.branchXid, TMSuccess); errEnd != nil {
			errCommit = fmt.Errorf("->LocalTransaction.Commit-->End事务分支失败:%w", errEnd)
		} else if errOnePhase := resource.xaResource.Commit(ctx, resource.branchXid, true); errOnePhase != nil {
			errCommit = fmt.Errorf("->LocalTransaction.Commit-->提交事务分支失败:%w", errOnePhase)
		}
		if errCommit != nil {
			FuncLogError(ctx, errCommit)
			// 失败的分支和剩余的分支都尽力回滚,尽量减少不一致的窗口
			rollbackBranch(ctx, resource)
			for _, remaining := range resources[i+1:] {
				rollbackBranch(ctx, remaining)
			}
			transaction.finish(ctx, StatusRolledBack, synchronizations)
			return errCommit
		}
	}

	transaction.finish(ctx, StatusCommitted, synchronizations)
	return nil
}

// Rollback 回滚事务,逐个回滚已经登记的分支,单个分支的失败不阻止其余分支回滚
func (transaction *LocalTransaction) Rollback(ctx context.Context) error {
	transaction.mutex.Lock()
	if transaction.status == StatusCommitted || transaction.status == StatusRolledBack {
		transaction.mutex.Unlock()
		return errors.New("->LocalTransaction.Rollback-->事务已经完成,不能回滚")
	}
	transaction.status = StatusRollingBack
	resources := transaction.resources
	synchronizations := transaction.synchronizations
	transaction.mutex.Unlock()

	for _, resource := range resources {
		rollbackBranch(ctx, resource)
	}

	transaction.finish(ctx, StatusRolledBack, synchronizations)
	return nil
}

// rollbackBranch 回滚一个事务分支,失败只记录日志
func rollbackBranch(ctx context.Context, resource *enlistedResource) {
	if errEnd := resource.xaResource.End(ctx, resource.branchXid, TMFail); errEnd != nil {
		FuncLogError(ctx, fmt.Errorf("->LocalTransaction-->End事务分支失败:%w", errEnd))
	}
	if errRollback := resource.xaResource.Rollback(ctx, resource.branchXid); errRollback != nil {
		FuncLogError(ctx, fmt.Errorf("->LocalTransaction-->回滚事务分支失败:%w", errRollback))
	}
}

// finish 进入终态,运行完成回调并清理事务范围注册表
// 回调的panic被吞掉,事务结束阶段的清理不影响事务结果
func (transaction *LocalTransaction) finish(ctx context.Context, status TransactionStatus, synchronizations []ISynchronization) {
	transaction.mutex.Lock()
	transaction.status = status
	transaction.registry = nil
	transaction.resources = nil
	transaction.synchronizations = nil
	transaction.mutex.Unlock()

	for _, synchronization := range synchronizations {
		runAfterCompletion(ctx, synchronization, status)
	}
}

func runAfterCompletion(ctx context.Context, synchronization ISynchronization, status TransactionStatus) {
	defer func() {
		if r := recover(); r != nil {
			FuncLogPanic(ctx, fmt.Errorf("->LocalTransaction-->AfterCompletion回调panic:%v", r))
		}
	}()
	synchronization.AfterCompletion(ctx, status)
}

/*
Transaction 的示例代码
  //匿名函数return的error如果不为nil,事务就会回滚
  zxa.Transaction(ctx, func(ctx context.Context) (interface{}, error) {

	  //业务代码,使用同一个ctx操作ManagedConnection

	  //return的error如果不为nil,事务就会回滚
      return nil, nil
  })
*/
// Transaction 事务方法,统一事务方式.使用defaultTransactionManager,请先调用NewLocalTransactionManager初始化
// 如果入参ctx中没有事务,开启事务并最后提交
// 如果入参ctx已有活动事务,只使用不提交,由开启方提交事务
// 但是如果遇到错误或者异常,虽然不是事务的开启方,也会回滚事务,让事务尽早回滚
// 不要去掉匿名函数的context参数,开启事务后context指针已经变化,必须使用匿名函数的ctx
// return的error如果不为nil,事务就会回滚
// Transaction Unified transaction entry. Opens a transaction if ctx has none and commits at the end;
// joins an existing live transaction without committing it; always rolls back as early as possible on error
func Transaction(ctx context.Context, doTransaction func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return transaction(ctx, doTransaction)
}

var transaction = func(ctx context.Context, doTransaction func(ctx context.Context) (interface{}, error)) (info interface{}, err error) {
	if defaultTransactionManager == nil {
		err = errors.New("->Transaction-->defaultTransactionManager为nil,请先调用NewLocalTransactionManager初始化")
		FuncLogError(ctx, err)
		return nil, err
	}
	// 是否是事务的开启方,如果是开启方,才可以提交事务
	// Whether it is the opener of the transaction; only the opener commits
	localTxOpen := false
	var localTransaction *LocalTransaction
	existing := defaultTransactionManager.GetTransaction(ctx)
	if existing == nil || !isUnderTransaction(existing.GetStatus()) {
		var errBind error
		ctx, localTransaction, errBind = defaultTransactionManager.BindContextTransaction(ctx)
		if errBind != nil {
			errBind = fmt.Errorf("->Transaction-->BindContextTransaction开启事务失败:%w", errBind)
			FuncLogError(ctx, errBind)
			return nil, errBind
		}
		// 本方法开启的事务,由本方法提交
		// The transaction opened by this method is committed by this method
		localTxOpen = true
	} else {
		var okTransaction bool
		localTransaction, okTransaction = existing.(*LocalTransaction)
		if !okTransaction {
			err = errors.New("->Transaction-->ctx绑定的事务不是LocalTransaction,不能加入")
			FuncLogError(ctx, err)
			return nil, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			// 捕获panic,赋值给err,避免程序崩溃
			var errOk bool
			err, errOk = r.(error)
			if errOk {
				err = fmt.Errorf("->Transaction-->recover异常:%w", err)
				FuncLogPanic(ctx, err)
			} else {
				err = fmt.Errorf("->Transaction-->recover异常:%v", r)
				FuncLogPanic(ctx, err)
			}
			// 即使不是开启方也回滚事务,回滚要尽早
			if localTransaction != nil {
				rberr := localTransaction.Rollback(ctx)
				if rberr != nil {
					rberr = fmt.Errorf("->Transaction-->recover内事务回滚失败:%w", rberr)
					FuncLogError(ctx, rberr)
				}
			}
		}
	}()

	// 执行业务的事务函数
	info, err = doTransaction(ctx)

	if err != nil {
		err = fmt.Errorf("->Transaction-->doTransaction业务执行错误:%w", err)
		FuncLogError(ctx, err)
		// 不是开启方也回滚事务,有可能造成日志记录不准确,但是回滚最重要了,尽早回滚
		// Roll back even when not the opener; rolling back early matters most
		errRollback := localTransaction.Rollback(ctx)
		if errRollback != nil {
			errRollback = fmt.Errorf("->Transaction-->rollback事务回滚失败:%w", errRollback)
			FuncLogError(ctx, errRollback)
		}
		return info, err
	}

	// 如果是事务开启方,提交事务
	// If it is the transaction opener, commit the transaction
	if localTxOpen {
		errCommit := localTransaction.Commit(ctx)
		if errCommit != nil {
			errCommit = fmt.Errorf("->Transaction-->commit事务提交失败:%w", errCommit)
			FuncLogError(ctx, errCommit)
			return info, errCommit
		}
	}

	return info, err
}
