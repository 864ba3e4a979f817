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
	"strings"
	"testing"
)

func TestWrapAutoCommitSQL(t *testing.T) {
	tests := []struct {
		dialect    string
		autoCommit bool
		want       string
	}{
		{dialect: "mysql", autoCommit: true, want: "SET autocommit=1"},
		{dialect: "mysql", autoCommit: false, want: "SET autocommit=0"},
		{dialect: "mssql", autoCommit: true, want: "SET IMPLICIT_TRANSACTIONS OFF"},
		{dialect: "mssql", autoCommit: false, want: "SET IMPLICIT_TRANSACTIONS ON"},
		{dialect: "postgresql", autoCommit: false, want: ""},
		{dialect: "sqlite", autoCommit: false, want: ""},
		{dialect: "oracle", autoCommit: false, want: ""},
	}
	for _, tt := range tests {
		got, err := wrapAutoCommitSQL(tt.dialect, tt.autoCommit)
		if err != nil {
			t.Errorf("dialect %s 错误:%v", tt.dialect, err)
			continue
		}
		if got != tt.want {
			t.Errorf("dialect %s 期望 %q,实际 %q", tt.dialect, tt.want, got)
		}
	}
	if _, err := wrapAutoCommitSQL("db2", true); err == nil {
		t.Errorf("不支持的dialect应该报错")
	}
}

func TestWrapBeginCommitRollbackSQL(t *testing.T) {
	tests := []struct {
		dialect      string
		wantBegin    string
		wantCommit   string
		wantRollback string
	}{
		{dialect: "mysql", wantBegin: "START TRANSACTION", wantCommit: "COMMIT", wantRollback: "ROLLBACK"},
		{dialect: "postgresql", wantBegin: "BEGIN", wantCommit: "COMMIT", wantRollback: "ROLLBACK"},
		{dialect: "sqlite", wantBegin: "BEGIN", wantCommit: "COMMIT", wantRollback: "ROLLBACK"},
		{dialect: "mssql", wantBegin: "BEGIN TRANSACTION", wantCommit: "COMMIT TRANSACTION", wantRollback: "ROLLBACK TRANSACTION"},
		{dialect: "oracle", wantBegin: "SET TRANSACTION READ WRITE", wantCommit: "COMMIT", wantRollback: "ROLLBACK"},
	}
	for _, tt := range tests {
		begin, errBegin := wrapBeginSQL(tt.dialect)
		if errBegin != nil || begin != tt.wantBegin {
			t.Errorf("dialect %s begin期望 %q,实际 %q,err:%v", tt.dialect, tt.wantBegin, begin, errBegin)
		}
		commit, errCommit := wrapCommitSQL(tt.dialect)
		if errCommit != nil || commit != tt.wantCommit {
			t.Errorf("dialect %s commit期望 %q,实际 %q,err:%v", tt.dialect, tt.wantCommit, commit, errCommit)
		}
		rollback, errRollback := wrapRollbackSQL(tt.dialect)
		if errRollback != nil || rollback != tt.wantRollback {
			t.Errorf("dialect %s rollback期望 %q,实际 %q,err:%v", tt.dialect, tt.wantRollback, rollback, errRollback)
		}
	}
	if _, err := wrapBeginSQL("db2"); err == nil {
		t.Errorf("不支持的dialect应该报错")
	}
}

func TestWrapSavepointSQL(t *testing.T) {
	sqlstr, err := wrapSavepointSQL("mysql", "sp_demo")
	if err != nil || sqlstr != "SAVEPOINT sp_demo" {
		t.Errorf("mysql savepoint期望 SAVEPOINT sp_demo,实际 %q,err:%v", sqlstr, err)
	}
	sqlstr, err = wrapSavepointSQL("mssql", "sp_demo")
	if err != nil || sqlstr != "SAVE TRANSACTION sp_demo" {
		t.Errorf("mssql savepoint期望 SAVE TRANSACTION sp_demo,实际 %q,err:%v", sqlstr, err)
	}
	if _, err = wrapSavepointSQL("mysql", ""); err == nil {
		t.Errorf("空的保存点名称应该报错")
	}
	if _, err = wrapSavepointSQL("db2", "sp_demo"); err == nil {
		t.Errorf("不支持的dialect应该报错")
	}
}

func TestWrapReadOnlySQL(t *testing.T) {
	sqlstr, err := wrapReadOnlySQL("mysql", true)
	if err != nil || sqlstr != "SET SESSION TRANSACTION READ ONLY" {
		t.Errorf("mysql只读语句不对,实际 %q,err:%v", sqlstr, err)
	}
	sqlstr, err = wrapReadOnlySQL("sqlite", true)
	if err != nil || sqlstr != "" {
		t.Errorf("sqlite不支持只读语句,应该返回空字符串,实际 %q,err:%v", sqlstr, err)
	}
	if _, err = wrapReadOnlySQL("db2", true); err == nil {
		t.Errorf("不支持的dialect应该报错")
	}
}

func TestGenerateStringID(t *testing.T) {
	id1 := generateStringID()
	id2 := generateStringID()
	if id1 == "" || id2 == "" {
		t.Fatalf("生成的ID不能为空")
	}
	if id1 == id2 {
		t.Errorf("生成的ID应该唯一")
	}
}

func TestGenerateSavepointName(t *testing.T) {
	name := generateSavepointName()
	if !strings.HasPrefix(name, "sp_") {
		t.Errorf("保存点名称应该以sp_开头,实际:%s", name)
	}
	if strings.Contains(name, "-") {
		t.Errorf("保存点标识符不能包含'-',实际:%s", name)
	}
}
