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

// ManagedDataSource 业务获取托管连接的入口,每次GetConnection创建一个新的连接代理
// 同一个事务内相同数据源和凭证的代理通过事务范围注册表收敛到同一个物理连接
// ManagedDataSource Caller-facing entry; every GetConnection yields a fresh proxy.
// Proxies with the same source and credentials converge on one physical connection inside a transaction
type ManagedDataSource struct {
	dataSource         ICommonDataSource
	transactionManager ITransactionManager
	user               string
	password           string
	withCredentials    bool
}

// NewManagedDataSource 根据DataSourceConfig创建托管数据源,一个数据库只创建一次,业务自行控制
// transactionManager为nil时使用defaultTransactionManager
// NewManagedDataSource Create the managed source from config; create it only once per database
func NewManagedDataSource(config *DataSourceConfig, transactionManager ITransactionManager) (*ManagedDataSource, error) {
	dataSource, errDataSource := NewSQLDataSource(config)
	if errDataSource != nil {
		errDataSource = fmt.Errorf("->NewManagedDataSource-->创建dataSource失败:%w", errDataSource)
		FuncLogError(nil, errDataSource)
		return nil, errDataSource
	}
	return WrapDataSource(dataSource, transactionManager)
}

// WrapDataSource 包装一个已有的数据源,dataSource必须是IDataSource或者IXADataSource
func WrapDataSource(dataSource ICommonDataSource, transactionManager ITransactionManager) (*ManagedDataSource, error) {
	managedDataSource, errCheck := wrapDataSource(dataSource, transactionManager)
	if errCheck != nil {
		return nil, errCheck
	}
	return managedDataSource, nil
}

// WrapDataSourceWith 包装一个已有的数据源,获取连接时使用指定的用户名密码
func WrapDataSourceWith(dataSource ICommonDataSource, transactionManager ITransactionManager, user string, password string) (*ManagedDataSource, error) {
	managedDataSource, errCheck := wrapDataSource(dataSource, transactionManager)
	if errCheck != nil {
		return nil, errCheck
	}
	managedDataSource.user = user
	managedDataSource.password = password
	managedDataSource.withCredentials = true
	return managedDataSource, nil
}

func wrapDataSource(dataSource ICommonDataSource, transactionManager ITransactionManager) (*ManagedDataSource, error) {
	if dataSource == nil {
		return nil, errors.New("->WrapDataSource-->dataSource不能为nil")
	}
	switch dataSource.(type) {
	case IDataSource, IXADataSource: // 合法的数据源类型
	default:
		return nil, errors.New("->WrapDataSource-->dataSource必须是IDataSource或者IXADataSource")
	}
	if transactionManager == nil {
		if defaultTransactionManager == nil {
			return nil, errors.New("->WrapDataSource-->transactionManager为nil,请传入或者先调用NewLocalTransactionManager初始化")
		}
		transactionManager = defaultTransactionManager
	}
	return &ManagedDataSource{dataSource: dataSource, transactionManager: transactionManager}, nil
}

// GetConnection 获取一个逻辑连接,物理连接延迟到第一次真正使用时创建
func (managedDataSource *ManagedDataSource) GetConnection(ctx context.Context) (*ManagedConnection, error) {
	if managedDataSource == nil || managedDataSource.dataSource == nil {
		return nil, errors.New("->ManagedDataSource.GetConnection-->请使用NewManagedDataSource或者WrapDataSource创建,不要自己构建struct")
	}
	if managedDataSource.withCredentials {
		return NewManagedConnectionWith(managedDataSource.dataSource, managedDataSource.transactionManager, managedDataSource.user, managedDataSource.password), nil
	}
	return NewManagedConnection(managedDataSource.dataSource, managedDataSource.transactionManager), nil
}
