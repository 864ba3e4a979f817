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
)

// LocalXAResource 把普通连接包装成事务分支资源,单阶段提交/回滚翻译成连接的Commit/Rollback
// 非XA驱动无法真正参与两阶段提交,Prepare直接返回错误
// LocalXAResource Wraps a plain connection as a transaction branch resource,
// translating one-phase commit/rollback into ordinary connection commit/rollback.
// A non-XA driver cannot truly participate in two-phase commit, so Prepare fails
type LocalXAResource struct {
	connection IConnection
	// currentXid 当前关联的事务分支,同一时间最多关联一个
	currentXid *Xid
}

// NewLocalXAResource 包装一个普通连接
func NewLocalXAResource(connection IConnection) *LocalXAResource {
	return &LocalXAResource{connection: connection}
}

var errLocalXAResourceBusy = errors.New("->LocalXAResource-->资源已经关联了其他事务分支")

// Start 关联事务分支,同时关闭连接的自动提交,开启本地事务
func (xaResource *LocalXAResource) Start(ctx context.Context, xid *Xid, flags int) error {
	if xid == nil {
		return errors.New("->LocalXAResource.Start-->xid不能为nil")
	}
	if xaResource.currentXid != nil && !sameXid(xaResource.currentXid, xid) {
		return errLocalXAResourceBusy
	}
	if errAutoCommit := xaResource.connection.SetAutoCommit(ctx, false); errAutoCommit != nil {
		return fmt.Errorf("->LocalXAResource.Start-->关闭自动提交失败:%w", errAutoCommit)
	}
	xaResource.currentXid = xid
	return nil
}

// End 解除事务分支关联,本地资源不做实际操作,提交或者回滚时才结束事务
func (xaResource *LocalXAResource) End(ctx context.Context, xid *Xid, flags int) error {
	if xaResource.currentXid == nil || !sameXid(xaResource.currentXid, xid) {
		return errors.New("->LocalXAResource.End-->xid和关联的事务分支不一致")
	}
	return nil
}

// Prepare 本地资源只支持单阶段提交,不参与两阶段投票
func (xaResource *LocalXAResource) Prepare(ctx context.Context, xid *Xid) (int, error) {
	return XAOk, errors.New("->LocalXAResource.Prepare-->本地资源只支持单阶段提交,不支持Prepare")
}

// Commit 单阶段提交,翻译成连接的Commit
func (xaResource *LocalXAResource) Commit(ctx context.Context, xid *Xid, onePhase bool) error {
	if xaResource.currentXid == nil || !sameXid(xaResource.currentXid, xid) {
		return errors.New("->LocalXAResource.Commit-->xid和关联的事务分支不一致")
	}
	if !onePhase {
		return errors.New("->LocalXAResource.Commit-->本地资源只支持单阶段提交")
	}
	errCommit := xaResource.connection.Commit(ctx)
	xaResource.forget(ctx)
	if errCommit != nil {
		errCommit = fmt.Errorf("->LocalXAResource.Commit-->连接提交失败:%w", errCommit)
		return errCommit
	}
	return nil
}

// Rollback 回滚事务分支,翻译成连接的Rollback
func (xaResource *LocalXAResource) Rollback(ctx context.Context, xid *Xid) error {
	if xaResource.currentXid == nil || !sameXid(xaResource.currentXid, xid) {
		return errors.New("->LocalXAResource.Rollback-->xid和关联的事务分支不一致")
	}
	errRollback := xaResource.connection.Rollback(ctx)
	xaResource.forget(ctx)
	if errRollback != nil {
		errRollback = fmt.Errorf("->LocalXAResource.Rollback-->连接回滚失败:%w", errRollback)
		return errRollback
	}
	return nil
}

// forget 解除分支关联,尽力恢复自动提交,失败也不影响事务结果
func (xaResource *LocalXAResource) forget(ctx context.Context) {
	xaResource.currentXid = nil
	if errAutoCommit := xaResource.connection.SetAutoCommit(ctx, true); errAutoCommit != nil {
		FuncLogWarning(ctx, "->LocalXAResource-->事务分支结束后恢复自动提交失败:"+errAutoCommit.Error())
	}
}

// sameXid 比较两个Xid是否是同一个事务分支
func sameXid(a *Xid, b *Xid) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.FormatID == b.FormatID &&
		a.GlobalTransactionID == b.GlobalTransactionID &&
		a.BranchQualifier == b.BranchQualifier
}
