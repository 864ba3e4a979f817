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
	"errors"
	"strings"

	"gitee.com/chunanyong/gouuid"
)

// errDialectNotSupport 不支持的数据库方言
var errDialectNotSupport = errors.New("不支持的Dialect,支持mysql,postgresql,sqlite,mssql,oracle")

// wrapAutoCommitSQL 包装切换自动提交的SQL语句
// 返回空字符串表示该方言没有autocommit语句,调用方使用显式BEGIN代替
// wrapAutoCommitSQL Wrap the autocommit toggle statement; empty string means the dialect has none
func wrapAutoCommitSQL(dialect string, autoCommit bool) (string, error) {
	switch dialect {
	case "mysql": // MySQL的autocommit是会话变量
		if autoCommit {
			return "SET autocommit=1", nil
		}
		return "SET autocommit=0", nil
	case "mssql": // sqlserver使用IMPLICIT_TRANSACTIONS反向表达
		if autoCommit {
			return "SET IMPLICIT_TRANSACTIONS OFF", nil
		}
		return "SET IMPLICIT_TRANSACTIONS ON", nil
	case "postgresql", "sqlite", "oracle": // 没有会话级autocommit语句,使用显式BEGIN
		return "", nil
	}
	return "", errDialectNotSupport
}

// wrapBeginSQL 包装开启事务的SQL语句
func wrapBeginSQL(dialect string) (string, error) {
	switch dialect {
	case "mysql":
		return "START TRANSACTION", nil
	case "postgresql", "sqlite":
		return "BEGIN", nil
	case "mssql":
		return "BEGIN TRANSACTION", nil
	case "oracle": // oracle语句执行即隐式开启事务
		return "SET TRANSACTION READ WRITE", nil
	}
	return "", errDialectNotSupport
}

// wrapCommitSQL 包装提交事务的SQL语句
func wrapCommitSQL(dialect string) (string, error) {
	switch dialect {
	case "mysql", "postgresql", "sqlite", "oracle":
		return "COMMIT", nil
	case "mssql":
		return "COMMIT TRANSACTION", nil
	}
	return "", errDialectNotSupport
}

// wrapRollbackSQL 包装回滚事务的SQL语句
func wrapRollbackSQL(dialect string) (string, error) {
	switch dialect {
	case "mysql", "postgresql", "sqlite", "oracle":
		return "ROLLBACK", nil
	case "mssql":
		return "ROLLBACK TRANSACTION", nil
	}
	return "", errDialectNotSupport
}

// wrapSavepointSQL 包装设置保存点的SQL语句
func wrapSavepointSQL(dialect string, name string) (string, error) {
	if name == "" {
		return "", errors.New("->wrapSavepointSQL-->保存点名称不能为空")
	}
	switch dialect {
	case "mysql", "postgresql", "sqlite", "oracle":
		return "SAVEPOINT " + name, nil
	case "mssql":
		return "SAVE TRANSACTION " + name, nil
	}
	return "", errDialectNotSupport
}

// wrapReadOnlySQL 包装设置只读的SQL语句,返回空字符串表示该方言不支持,调用方忽略
func wrapReadOnlySQL(dialect string, readOnly bool) (string, error) {
	switch dialect {
	case "mysql":
		if readOnly {
			return "SET SESSION TRANSACTION READ ONLY", nil
		}
		return "SET SESSION TRANSACTION READ WRITE", nil
	case "postgresql":
		if readOnly {
			return "SET default_transaction_read_only = on", nil
		}
		return "SET default_transaction_read_only = off", nil
	case "sqlite", "mssql", "oracle":
		return "", nil
	}
	return "", errDialectNotSupport
}

// generateStringID 生成唯一字符串ID,用于全局事务ID和分支限定符
// generateStringID Generate a unique string id, used for global transaction ids and branch qualifiers
func generateStringID() string {
	pk, errUUID := gouuid.NewV4()
	if errUUID != nil {
		return ""
	}
	return pk.String()
}

// generateSavepointName 生成保存点名称,保存点标识符不能有'-'
func generateSavepointName() string {
	return "sp_" + strings.ReplaceAll(generateStringID(), "-", "")
}
