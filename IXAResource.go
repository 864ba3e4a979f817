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
	"fmt"
)

// XA资源的flag常量,对应XA规范的TMNOFLAGS/TMSUCCESS/TMFAIL
// XA flag constants, corresponding to TMNOFLAGS/TMSUCCESS/TMFAIL of the XA specification
const (
	// TMNoFlags Start时没有特殊语义
	TMNoFlags = 0
	// TMSuccess End时分支正常结束
	TMSuccess = 1
	// TMFail End时分支失败,后续只能回滚
	TMFail = 2
)

// Prepare的投票结果常量
// Prepare vote constants
const (
	// XAOk 分支准备就绪,可以提交
	XAOk = 0
	// XAReadOnly 分支只读,没有需要提交的变更
	XAReadOnly = 3
)

// Xid 分布式事务的事务标识,由全局事务ID和分支限定符组成
// Xid Distributed transaction identifier, composed of the global transaction id and the branch qualifier
type Xid struct {
	// FormatID 标识Xid的格式,本库固定使用1
	FormatID int32
	// GlobalTransactionID 全局事务ID
	GlobalTransactionID string
	// BranchQualifier 分支限定符
	BranchQualifier string
}

// String 格式化输出Xid,用于日志
func (xid *Xid) String() string {
	if xid == nil {
		return "Xid{}"
	}
	return fmt.Sprintf("Xid{%d:%s:%s}", xid.FormatID, xid.GlobalTransactionID, xid.BranchQualifier)
}

// IXAResource 事务分支资源接口,物理连接通过它登记到事务协调器
// XA数据源由驱动提供实现,普通数据源使用LocalXAResource包装,只支持单阶段提交
// IXAResource The transaction branch resource interface, the physical connection enlists with the coordinator through it
// XA data sources provide their own implementation, plain data sources are wrapped by LocalXAResource (one-phase only)
type IXAResource interface {
	// Start 关联事务分支,开始在这个资源上执行事务内的操作
	Start(ctx context.Context, xid *Xid, flags int) error

	// End 解除事务分支的关联,flags为TMSuccess或者TMFail
	End(ctx context.Context, xid *Xid, flags int) error

	// Prepare 两阶段提交的准备阶段,返回XAOk或者XAReadOnly
	// 本库的协调器只做单阶段提交,XA数据源的Prepare实现保留给外部协调器使用
	Prepare(ctx context.Context, xid *Xid) (int, error)

	// Commit 提交事务分支,onePhase为true表示单阶段提交
	Commit(ctx context.Context, xid *Xid, onePhase bool) error

	// Rollback 回滚事务分支
	Rollback(ctx context.Context, xid *Xid) error
}
