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

package proxy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"querygate/proxy/audit"
	"querygate/proxy/cache"
	"querygate/proxy/executor"
	"querygate/proxy/masking"
	"querygate/proxy/policy"
	"querygate/proxy/pool"
	"querygate/proxy/router"
	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
	"querygate/proxy/sqltext"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_requests_total",
		Help: "Query requests, by outcome.",
	}, []string{"outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_request_duration_ms",
		Help:    "End-to-end request latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"query_type"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Service wires the execution plane together and owns the request
// pipeline: route, authorize, execute, mask, cache, audit.
type Service struct {
	cfg *Config
	log *logger.Logger

	registry *pool.Registry
	prober   *pool.Prober
	scaler   *pool.Autoscaler
	policies *policy.Engine
	masker   *masking.Masker
	cache    *cache.ResultCache
	router   *router.Router
	exec     *executor.Executor
	sink     *audit.Sink
	detector *audit.AnomalyDetector

	controlDB *sql.DB
	started   time.Time
}

// NewService assembles the service from its components. Start launches the
// background loops; callers that only exercise the pipeline (tests) can
// skip it.
func NewService(cfg *Config, log *logger.Logger, registry *pool.Registry, policies *policy.Engine,
	masker *masking.Masker, resultCache *cache.ResultCache, exec *executor.Executor, sink *audit.Sink) *Service {
	return &Service{
		cfg:      cfg,
		log:      log,
		registry: registry,
		policies: policies,
		masker:   masker,
		cache:    resultCache,
		router:   router.New(registry, log),
		exec:     exec,
		sink:     sink,
		started:  time.Now(),
	}
}

// Query runs one request through the full pipeline and always returns a
// response; failures are encoded, never panicked or dropped. The audit row
// is begun before authorization so denied and misrouted requests still
// leave a trail.
func (s *Service) Query(ctx context.Context, req *types.QueryRequest) *types.QueryResponse {
	start := time.Now()
	if req.QueryText == "" {
		requestsTotal.WithLabelValues("validation_error").Inc()
		return types.ErrorResponse(types.NewError(types.KindValidation, "query_text is required"), types.QueryOther)
	}

	analysis := sqltext.Analyze(req.QueryText)
	row := s.beginAudit(ctx, req, analysis)

	plan, err := s.router.Route(req, analysis)
	if err != nil {
		return s.fail(row, err, analysis.Type, start)
	}
	if row != nil && row.Server == "" {
		row.Server = plan.TargetName()
	}

	if verdict := s.policies.Evaluate(s.authzContext(req, analysis)); !verdict.Allowed {
		err := types.Errorf(types.KindPolicy, "query denied by policy %s: %s", verdict.PolicyID, verdict.Message)
		if s.sink != nil {
			s.sink.Finalize(row, audit.StatusError, 0, time.Since(start).Milliseconds(), "policy_denied")
		}
		requestsTotal.WithLabelValues("policy_denied").Inc()
		s.log.Warn(req.Principal.Username, auditID(row), "Query denied by policy", map[string]interface{}{
			"policy_id": verdict.PolicyID,
			"rule_id":   verdict.RuleID,
		})
		return types.ErrorResponse(err, analysis.Type)
	}

	var res *types.QueryResult
	cached := false
	if s.cacheable(req, analysis) {
		res, cached, err = s.cachedExecute(ctx, plan, req, analysis, row)
	} else {
		res, err = s.executeAndMask(ctx, plan, req, analysis, row)
	}
	if err != nil {
		resp := s.fail(row, err, analysis.Type, start)
		if res != nil && res.Distribution != nil {
			// Failed quorum writes still report how far the fan-out got.
			resp.DistributionInfo = res.Distribution
		}
		return resp
	}

	// Cache hits and shared builds never reached the executor, so the
	// audit row is still pending; executed requests were already
	// finalised there and this CAS is a no-op.
	if s.sink != nil {
		reason := ""
		if cached {
			reason = "cache_hit"
		}
		s.sink.Finalize(row, audit.StatusSuccess, res.RowCount, time.Since(start).Milliseconds(), reason)
	}

	requestsTotal.WithLabelValues("success").Inc()
	requestDuration.WithLabelValues(string(analysis.Type)).Observe(float64(time.Since(start).Milliseconds()))
	resp := types.ResponseFrom(res, cached)
	resp.ExecutionTimeMs = time.Since(start).Milliseconds()
	return resp
}

// cacheable: reads only, and never streamed results. Statements with no
// tables (SELECT 1 style probes) are cheap enough to skip the cache.
func (s *Service) cacheable(req *types.QueryRequest, analysis sqltext.Analysis) bool {
	return s.cache != nil &&
		analysis.Type == types.QuerySelect &&
		!req.Options.StreamResults &&
		len(analysis.Tables) > 0
}

// cachedExecute funnels the read through the result cache: at most one
// concurrent execution per fingerprint, waiters share the value.
func (s *Service) cachedExecute(ctx context.Context, plan *executor.Plan, req *types.QueryRequest,
	analysis sqltext.Analysis, row *audit.Row) (*types.QueryResult, bool, error) {
	fp := cache.Fingerprint(req.QueryText, req.Params, plan.TargetName(), s.maxRows(req))
	return s.cache.BuildOrWait(ctx, fp, func(ctx context.Context) (*types.QueryResult, error) {
		// Masking runs before Put: stored payloads are always the
		// post-masking shape, so no raw value can leak via a cache hit.
		return s.executeAndMask(ctx, plan, req, analysis, row)
	}, s.cache.DefaultTTL())
}

func (s *Service) executeAndMask(ctx context.Context, plan *executor.Plan, req *types.QueryRequest,
	analysis sqltext.Analysis, row *audit.Row) (*types.QueryResult, error) {
	res, err := s.exec.Execute(ctx, plan, req, analysis, row)
	if err != nil {
		return res, err
	}
	table := ""
	if len(analysis.Tables) > 0 {
		table = analysis.Tables[0]
	}
	return s.masker.Apply(res, table), nil
}

func (s *Service) maxRows(req *types.QueryRequest) int {
	if req.Options.MaxRows != nil {
		return *req.Options.MaxRows
	}
	return s.cfg.DefaultMaxRows
}

// beginAudit inserts the pending audit row. A failed insert is logged and
// the query proceeds; losing one trail row must not take down the data
// path.
func (s *Service) beginAudit(ctx context.Context, req *types.QueryRequest, analysis sqltext.Analysis) *audit.Row {
	if s.sink == nil {
		return nil
	}
	row := &audit.Row{
		ID:            uuid.New().String(),
		User:          req.Principal.Username,
		Role:          req.Principal.Role,
		ClientIP:      req.Principal.ClientIP,
		QueryText:     req.QueryText,
		QueryHash:     sqltext.HashQuery(req.QueryText),
		DistributedID: req.TransactionID,
		Server:        req.ServerAlias,
	}
	if req.ServerGroup != "" {
		row.Server = "group:" + req.ServerGroup
	}
	if err := s.sink.Begin(ctx, row); err != nil {
		s.log.ErrorWithErr(req.Principal.Username, row.ID, "Audit begin failed", err, nil)
	}
	return row
}

func (s *Service) authzContext(req *types.QueryRequest, analysis sqltext.Analysis) *policy.AuthorizationContext {
	rowLimit := -1
	if analysis.Limit > 0 {
		rowLimit = analysis.Limit
	}
	return &policy.AuthorizationContext{
		User:      req.Principal.Username,
		Role:      req.Principal.Role,
		Action:    "query",
		Resource:  "database",
		Tables:    analysis.Tables,
		Columns:   analysis.Columns,
		ClientIP:  req.Principal.ClientIP,
		QueryText: req.QueryText,
		QueryType: analysis.Type,
		HasWhere:  analysis.HasWhere,
		RowLimit:  rowLimit,
	}
}

// fail finalises the audit row (a no-op when the executor already did) and
// encodes the error.
func (s *Service) fail(row *audit.Row, err error, qt types.QueryType, start time.Time) *types.QueryResponse {
	if s.sink != nil {
		s.sink.Finalize(row, audit.StatusError, 0, time.Since(start).Milliseconds(), types.KindOf(err).String())
	}
	requestsTotal.WithLabelValues(types.KindOf(err).String()).Inc()
	return types.ErrorResponse(err, qt)
}

// CancelQuery aborts a running query by ID. The executor's context is
// cancelled; the audit row records the reason.
func (s *Service) CancelQuery(qid string) bool {
	return s.exec.Timeouts().Cancel(qid, "admin_cancel")
}

// ActiveQueries lists the queries currently registered with the timeout
// registry.
func (s *Service) ActiveQueries() []executor.QueryInfo {
	return s.exec.Timeouts().List()
}

// Stats aggregates operational state for the stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"servers":        s.registry.AllStats(),
		"policies":       s.policies.PolicyCount(),
		"masking_rules":  s.masker.RuleCount(),
		"active_queries": len(s.exec.Timeouts().List()),
		"distributed":    s.exec.ActiveDistributed(),
	}
	if s.cache != nil {
		out["cache_entries"] = s.cache.Len()
	}
	if s.sink != nil {
		out["audit"] = s.sink.Stats()
	}
	if s.scaler != nil {
		out["scaling_events"] = s.scaler.Events()
	}
	if s.detector != nil {
		out["anomaly_rows_processed"] = s.detector.Processed()
	}
	return out
}

// Healthy reports whether the service can accept queries: at least one
// active backend and a loaded policy snapshot.
func (s *Service) Healthy() bool {
	for _, b := range s.registry.All() {
		if b.Available() {
			return true
		}
	}
	return false
}

// Start launches the background loops: health probing, policy refresh,
// masking rule reload, autoscaling, and anomaly detection.
func (s *Service) Start() {
	s.prober = pool.NewProber(s.registry, s.log, pool.ProberConfig{Interval: s.cfg.HealthCheckInterval})
	s.prober.Start()
	s.policies.Start()
	if s.cfg.MaskingRulesFile != "" {
		s.masker.StartReload(s.cfg.MaskingReloadEvery)
	}
	if s.cfg.AutoscalingEnabled() {
		s.scaler = pool.NewAutoscaler(s.registry, s.log, s.cfg.Autoscaling.Policy, s.cfg.AutoscaleInterval, pool.SystemMetrics{})
		s.scaler.Start()
	}
	if s.cfg.AnalyticsEnabled && s.sink != nil {
		s.detector = audit.NewAnomalyDetector(s.log, s.cfg.DetectorConfig())
		s.detector.Start(s.sink.Finalized())
		go s.drainAlerts()
	}
}

// drainAlerts logs raised anomaly alerts. A downstream pager integration
// would hang off this channel.
func (s *Service) drainAlerts() {
	for alert := range s.detector.Alerts() {
		s.log.Warn(alert.User, alert.RowID, "Anomaly alert", map[string]interface{}{
			"type":     alert.Type,
			"score":    fmt.Sprintf("%.2f", alert.Score),
			"severity": string(alert.Severity),
		})
	}
}

// Stop shuts the service down in reverse dependency order: stop intake
// loops, flush the audit sink, then close the pools.
func (s *Service) Stop(ctx context.Context) {
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.scaler != nil {
		s.scaler.Stop()
	}
	s.policies.Stop()
	s.masker.Stop()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.log.ErrorWithErr("", "", "Cache close failed", err, nil)
		}
	}
	if s.sink != nil {
		if err := s.sink.Close(ctx); err != nil {
			s.log.ErrorWithErr("", "", "Audit sink close failed", err, nil)
		}
	}
	if s.detector != nil {
		s.detector.Stop()
	}
	if err := s.registry.Close(ctx); err != nil {
		s.log.ErrorWithErr("", "", "Registry close failed", err, nil)
	}
	if s.controlDB != nil {
		_ = s.controlDB.Close()
	}
}

func auditID(row *audit.Row) string {
	if row == nil {
		return ""
	}
	return row.ID
}
