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

// Package types defines the request/response contracts shared by every
// stage of the query execution plane.
package types

import "time"

// QueryType classifies a statement by its leading keyword. The proxy never
// parses SQL semantically; classification drives routing, caching, and
// policy decisions only.
type QueryType string

const (
	QuerySelect QueryType = "SELECT"
	QueryInsert QueryType = "INSERT"
	QueryUpdate QueryType = "UPDATE"
	QueryDelete QueryType = "DELETE"
	QueryDDL    QueryType = "DDL"
	QueryOther  QueryType = "OTHER"
)

// IsWrite reports whether the statement mutates row data.
func (t QueryType) IsWrite() bool {
	return t == QueryInsert || t == QueryUpdate || t == QueryDelete
}

// Principal identifies the authenticated caller. The gateway performs
// authentication; the execution plane trusts these fields as given.
type Principal struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	ClientIP string `json:"client_ip"`
}

// QueryOptions carries per-request execution options. MaxRows is a pointer
// so that an explicit zero (return columns only) is distinguishable from
// "use the configured default".
type QueryOptions struct {
	TimeoutSeconds  int  `json:"timeout_s,omitempty"`
	MaxRows         *int `json:"max_rows,omitempty"`
	IncludeMetadata bool `json:"include_metadata,omitempty"`
	StreamResults   bool `json:"stream_results,omitempty"`
	// Idempotent marks a non-SELECT statement as safe to retry on another
	// backend of the same group.
	Idempotent bool `json:"idempotent,omitempty"`
}

// QueryRequest is the logical request accepted by the execution plane.
// Exactly one of ServerAlias or ServerGroup should be set; when both are
// empty the configured default backend is used.
type QueryRequest struct {
	QueryText     string                 `json:"query_text"`
	Params        map[string]interface{} `json:"params,omitempty"`
	ServerAlias   string                 `json:"server_alias,omitempty"`
	ServerGroup   string                 `json:"server_group,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Options       QueryOptions           `json:"options"`
	Principal     Principal              `json:"principal"`
}

// DistributionInfo reports the outcome of a scatter/gather execution.
type DistributionInfo struct {
	Strategy         string `json:"strategy"`
	ServersTotal     int    `json:"servers_total"`
	ServersSucceeded int    `json:"servers_succeeded"`
	ServersFailed    int    `json:"servers_failed"`
	QueryID          string `json:"query_id"`
}

// QueryResult is the internal result produced by the executor and
// transformed by the masker before it is cached or returned.
type QueryResult struct {
	Columns       []string          `json:"columns"`
	Rows          [][]interface{}   `json:"rows"`
	RowCount      int               `json:"rowcount"`
	AffectedRows  int64             `json:"affected_rows,omitempty"`
	QueryType     QueryType         `json:"query_type"`
	ServerAlias   string            `json:"server_alias,omitempty"`
	Duration      time.Duration     `json:"-"`
	Masked        bool              `json:"masked"`
	MaskedColumns []string          `json:"masked_columns,omitempty"`
	Distribution  *DistributionInfo `json:"distribution_info,omitempty"`
}

// Clone returns a deep copy of the result. Cached results are cloned on
// read so callers can never mutate the stored payload.
func (r *QueryResult) Clone() *QueryResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Columns = append([]string(nil), r.Columns...)
	out.MaskedColumns = append([]string(nil), r.MaskedColumns...)
	out.Rows = make([][]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		out.Rows[i] = append([]interface{}(nil), row...)
	}
	if r.Distribution != nil {
		d := *r.Distribution
		out.Distribution = &d
	}
	return &out
}

// ErrorDetail is the wire-level error shape carried in a response.
type ErrorDetail struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ServerAlias string `json:"server_alias,omitempty"`
}

// QueryResponse is the logical response returned to the gateway.
type QueryResponse struct {
	Success          bool              `json:"success"`
	Columns          []string          `json:"columns"`
	Data             [][]interface{}   `json:"data"`
	RowCount         int               `json:"rowcount"`
	ExecutionTimeMs  int64             `json:"execution_time_ms"`
	QueryType        QueryType         `json:"query_type"`
	Masked           bool              `json:"masked"`
	MaskedColumns    []string          `json:"masked_columns,omitempty"`
	Cached           bool              `json:"cached,omitempty"`
	DistributionInfo *DistributionInfo `json:"distribution_info,omitempty"`
	Error            *ErrorDetail      `json:"error,omitempty"`
}

// ResponseFrom assembles a success response from an executed (and possibly
// masked) result.
func ResponseFrom(res *QueryResult, cached bool) *QueryResponse {
	return &QueryResponse{
		Success:          true,
		Columns:          res.Columns,
		Data:             res.Rows,
		RowCount:         res.RowCount,
		ExecutionTimeMs:  res.Duration.Milliseconds(),
		QueryType:        res.QueryType,
		Masked:           res.Masked,
		MaskedColumns:    res.MaskedColumns,
		Cached:           cached,
		DistributionInfo: res.Distribution,
	}
}

// ErrorResponse assembles a failure response. The query type is included
// when known so clients can still distinguish read and write failures.
func ErrorResponse(err error, queryType QueryType) *QueryResponse {
	return &QueryResponse{
		Success:   false,
		QueryType: queryType,
		Error:     DetailOf(err),
	}
}
