// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryResultClone(t *testing.T) {
	orig := &QueryResult{
		Columns:      []string{"id", "email"},
		Rows:         [][]interface{}{{1, "a@example.com"}, {2, "b@example.com"}},
		RowCount:     2,
		QueryType:    QuerySelect,
		ServerAlias:  "pg-1",
		Distribution: &DistributionInfo{Strategy: "read-any", ServersTotal: 3},
	}

	clone := orig.Clone()
	require.NotNil(t, clone)

	clone.Rows[0][1] = "mutated"
	clone.Columns[0] = "mutated"
	clone.Distribution.ServersTotal = 99

	assert.Equal(t, "a@example.com", orig.Rows[0][1])
	assert.Equal(t, "id", orig.Columns[0])
	assert.Equal(t, 3, orig.Distribution.ServersTotal)
}

func TestQueryResultCloneNil(t *testing.T) {
	var r *QueryResult
	assert.Nil(t, r.Clone())
}

func TestResponseFrom(t *testing.T) {
	res := &QueryResult{
		Columns:       []string{"id"},
		Rows:          [][]interface{}{{1}},
		RowCount:      1,
		QueryType:     QuerySelect,
		Duration:      1500 * time.Millisecond,
		Masked:        true,
		MaskedColumns: []string{"ssn"},
	}
	resp := ResponseFrom(res, true)
	assert.True(t, resp.Success)
	assert.True(t, resp.Cached)
	assert.True(t, resp.Masked)
	assert.Equal(t, int64(1500), resp.ExecutionTimeMs)
	assert.Equal(t, []string{"ssn"}, resp.MaskedColumns)
	assert.Nil(t, resp.Error)
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(NewError(KindRouting, "unknown server"), QuerySelect)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ROUTING_ERROR", resp.Error.Code)
	assert.Equal(t, QuerySelect, resp.QueryType)
}

func TestIsWrite(t *testing.T) {
	assert.True(t, QueryInsert.IsWrite())
	assert.True(t, QueryUpdate.IsWrite())
	assert.True(t, QueryDelete.IsWrite())
	assert.False(t, QuerySelect.IsWrite())
	assert.False(t, QueryDDL.IsWrite())
}
