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

package audit

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"querygate/proxy/shared/logger"
	"querygate/proxy/shared/types"
	"querygate/proxy/sqltext"
)

// Severity grades an anomaly alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is raised when a finalised audit row scores above the alert
// threshold on any classifier axis. Alerts are derived records; they never
// participate in the request path.
type Alert struct {
	Type     string    `json:"type"`
	Severity Severity  `json:"severity"`
	Score    float64   `json:"score"`
	RowID    string    `json:"row_id"`
	User     string    `json:"user"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

var (
	anomalyProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_anomaly_rows_processed_total",
		Help: "Finalised audit rows classified by the anomaly detector.",
	})
	anomalyAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_anomaly_alerts_total",
		Help: "Anomaly alerts raised, by severity.",
	}, []string{"severity"})
)

func init() {
	prometheus.MustRegister(anomalyProcessed, anomalyAlerts)
}

// Statement shapes that are suspicious regardless of user history.
// Compiled once; never per row.
var suspiciousPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"union_injection", regexp.MustCompile(`(?i)union\s+(all\s+)?select`)},
	{"tautology", regexp.MustCompile(`(?i)\b(or|and)\s+('?\d+'?|'[^']*')\s*=\s*`)},
	{"stacked_statement", regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|update)\b`)},
	{"file_access", regexp.MustCompile(`(?i)\b(into\s+outfile|load_file|pg_read_file)\b`)},
	{"catalog_probe", regexp.MustCompile(`(?i)\b(information_schema|pg_catalog\.pg_user|mysql\.user)\b`)},
	{"sleep_probe", regexp.MustCompile(`(?i)\b(pg_sleep|sleep|benchmark|waitfor\s+delay)\s*\(?`)},
}

// DetectorConfig tunes the anomaly detector. Zero values select defaults.
type DetectorConfig struct {
	MinTrainingSamples   int           // rows per user before baselines apply
	TrainingHistoryDays  int           // live aggregates decay past this window
	ModelUpdateInterval  time.Duration // how often baselines are re-snapshotted
	SlowQueryThresholdMs int64         // absolute slow-query floor
	SimilarityThreshold  float64       // below this Jaccard similarity a query counts as unusual
	AlertThreshold       float64       // minimum score that raises an alert
	AlertBuffer          int
}

func (c *DetectorConfig) applyDefaults() {
	if c.MinTrainingSamples <= 0 {
		c.MinTrainingSamples = 100
	}
	if c.TrainingHistoryDays <= 0 {
		c.TrainingHistoryDays = 30
	}
	if c.ModelUpdateInterval <= 0 {
		c.ModelUpdateInterval = 7 * 24 * time.Hour
	}
	if c.SlowQueryThresholdMs <= 0 {
		c.SlowQueryThresholdMs = 5000
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.3
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 0.5
	}
	if c.AlertBuffer <= 0 {
		c.AlertBuffer = 256
	}
}

// AnomalyDetector classifies finalised audit rows across six axes: query
// volume, execution time, temporal pattern, user behaviour, access pattern,
// and query content. Baseline training is offline: a background loop
// snapshots per-user aggregates once enough samples exist, and the
// classification path only reads the last snapshot.
type AnomalyDetector struct {
	cfg DetectorConfig
	log *logger.Logger

	mu       sync.RWMutex
	profiles map[string]*profile

	alerts chan Alert
	stopCh chan struct{}
	wg     sync.WaitGroup

	processed  int64
	alertCount int64
}

type profile struct {
	mu sync.Mutex

	firstSeen   time.Time
	samples     int
	sumExecMs   float64
	sumSqExecMs float64
	hourCounts  [24]int
	typeCounts  map[types.QueryType]int
	tableCounts map[string]int
	minuteStart time.Time
	minuteCount int
	recent      []map[string]struct{} // token sets of the last queries

	trained        bool
	trainedAt      time.Time
	baseMeanMs     float64
	baseStdMs      float64
	baseHours      [24]int
	baseTypes      map[types.QueryType]bool
	baseTables     map[string]bool
	baseRatePerMin float64
}

const recentQueryWindow = 20

// NewAnomalyDetector creates a detector; Start attaches it to a sink.
func NewAnomalyDetector(log *logger.Logger, cfg DetectorConfig) *AnomalyDetector {
	cfg.applyDefaults()
	return &AnomalyDetector{
		cfg:      cfg,
		log:      log,
		profiles: make(map[string]*profile),
		alerts:   make(chan Alert, cfg.AlertBuffer),
		stopCh:   make(chan struct{}),
	}
}

// Start consumes finalised rows until the channel closes or Stop is called.
func (d *AnomalyDetector) Start(in <-chan *Row) {
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case row, ok := <-in:
				if !ok {
					return
				}
				d.process(row)
			case <-d.stopCh:
				return
			}
		}
	}()
	go d.trainLoop()
}

// Stop halts the detector. Rows already queued upstream are dropped.
func (d *AnomalyDetector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Alerts is the ops channel of raised alerts. Consumers that fall behind
// lose alerts rather than blocking classification.
func (d *AnomalyDetector) Alerts() <-chan Alert {
	return d.alerts
}

// Processed returns the number of rows classified so far.
func (d *AnomalyDetector) Processed() int64 {
	return atomic.LoadInt64(&d.processed)
}

func (d *AnomalyDetector) profileFor(user string) *profile {
	d.mu.RLock()
	p, ok := d.profiles[user]
	d.mu.RUnlock()
	if ok {
		return p
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok = d.profiles[user]; ok {
		return p
	}
	p = &profile{
		firstSeen:   time.Now(),
		typeCounts:  make(map[types.QueryType]int),
		tableCounts: make(map[string]int),
	}
	d.profiles[user] = p
	return p
}

func (d *AnomalyDetector) process(row *Row) {
	atomic.AddInt64(&d.processed, 1)
	anomalyProcessed.Inc()

	analysis := sqltext.Analyze(row.QueryText)
	p := d.profileFor(row.User)

	p.mu.Lock()
	type axisScore struct {
		axis  string
		score float64
	}
	var flagged []axisScore
	record := func(axis string, hit bool, score float64) {
		if hit {
			flagged = append(flagged, axisScore{axis, score})
		}
	}

	volHit, volScore := d.scoreVolume(p, row)
	record("query_volume", volHit, volScore)
	execHit, execScore := d.scoreExecTime(p, row)
	record("execution_time", execHit, execScore)
	tempHit, tempScore := d.scoreTemporal(p, row)
	record("temporal_pattern", tempHit, tempScore)
	behHit, behScore := d.scoreBehaviour(p, analysis)
	record("user_behaviour", behHit, behScore)
	accHit, accScore := d.scoreAccess(p, analysis)
	record("access_pattern", accHit, accScore)
	contHit, contScore := d.scoreContent(p, analysis)
	record("query_content", contHit, contScore)

	d.updateProfile(p, row, analysis)
	p.mu.Unlock()

	best := axisScore{}
	for _, f := range flagged {
		if f.score > best.score {
			best = f
		}
	}
	if best.score >= d.cfg.AlertThreshold {
		d.raise(row, best.axis, best.score)
	}
}

// Each scorer returns (is_anomaly, score in [0,1]). Callers hold p.mu.

func (d *AnomalyDetector) scoreVolume(p *profile, row *Row) (bool, float64) {
	count := float64(p.minuteCount + 1)
	if p.trained && p.baseRatePerMin > 0 {
		ratio := count / (p.baseRatePerMin * 3)
		if ratio > 1 {
			return true, clamp01(0.5 + ratio/10)
		}
		return false, 0
	}
	// Untrained users get an absolute burst guard only.
	if count > 120 {
		return true, 0.7
	}
	return false, 0
}

func (d *AnomalyDetector) scoreExecTime(p *profile, row *Row) (bool, float64) {
	ms := float64(row.ExecMs)
	if p.trained && p.baseStdMs > 0 {
		z := (ms - p.baseMeanMs) / p.baseStdMs
		if z > 3 {
			return true, clamp01(0.5 + z/20)
		}
	}
	if row.ExecMs > d.cfg.SlowQueryThresholdMs {
		return true, clamp01(0.5 + ms/float64(d.cfg.SlowQueryThresholdMs)/10)
	}
	return false, 0
}

func (d *AnomalyDetector) scoreTemporal(p *profile, row *Row) (bool, float64) {
	if !p.trained {
		return false, 0
	}
	hour := row.StartedAt.Hour()
	if p.baseHours[hour] == 0 {
		return true, 0.7
	}
	return false, 0
}

func (d *AnomalyDetector) scoreBehaviour(p *profile, analysis sqltext.Analysis) (bool, float64) {
	if !p.trained {
		return false, 0
	}
	if !p.baseTypes[analysis.Type] {
		// A statement class this user has never issued, e.g. a first
		// DELETE from a read-only analyst.
		score := 0.65
		if analysis.Type.IsWrite() || analysis.Type == types.QueryDDL {
			score = 0.8
		}
		return true, score
	}
	return false, 0
}

func (d *AnomalyDetector) scoreAccess(p *profile, analysis sqltext.Analysis) (bool, float64) {
	if !p.trained {
		return false, 0
	}
	newTables := 0
	for _, t := range analysis.Tables {
		if !p.baseTables[t] {
			newTables++
		}
	}
	if newTables == 0 {
		return false, 0
	}
	return true, clamp01(0.55 + 0.1*float64(newTables))
}

func (d *AnomalyDetector) scoreContent(p *profile, analysis sqltext.Analysis) (bool, float64) {
	for _, pat := range suspiciousPatterns {
		if pat.re.MatchString(analysis.Normalized) {
			return true, 0.9
		}
	}
	// A query dissimilar from everything the user ran recently is a weak
	// signal on its own; it only alerts in combination with a baseline.
	if len(p.recent) >= 5 {
		tokens := tokenSet(analysis.Normalized)
		best := 0.0
		for _, prev := range p.recent {
			if s := jaccard(tokens, prev); s > best {
				best = s
			}
		}
		if best < d.cfg.SimilarityThreshold {
			return true, 0.45
		}
	}
	return false, 0
}

func (d *AnomalyDetector) updateProfile(p *profile, row *Row, analysis sqltext.Analysis) {
	now := row.StartedAt
	if now.IsZero() {
		now = time.Now()
	}

	p.samples++
	ms := float64(row.ExecMs)
	p.sumExecMs += ms
	p.sumSqExecMs += ms * ms
	p.hourCounts[now.Hour()]++
	p.typeCounts[analysis.Type]++
	for _, t := range analysis.Tables {
		p.tableCounts[t]++
	}

	if now.Sub(p.minuteStart) >= time.Minute {
		p.minuteStart = now
		p.minuteCount = 0
	}
	p.minuteCount++

	p.recent = append(p.recent, tokenSet(analysis.Normalized))
	if len(p.recent) > recentQueryWindow {
		p.recent = p.recent[1:]
	}

	// Decay aggregates past the training window so ancient behaviour does
	// not dominate the baseline forever.
	if time.Since(p.firstSeen) > time.Duration(d.cfg.TrainingHistoryDays)*24*time.Hour {
		p.samples /= 2
		p.sumExecMs /= 2
		p.sumSqExecMs /= 2
		for i := range p.hourCounts {
			p.hourCounts[i] /= 2
		}
		for k := range p.typeCounts {
			p.typeCounts[k] /= 2
		}
		for k := range p.tableCounts {
			p.tableCounts[k] /= 2
		}
		p.firstSeen = time.Now()
	}
}

func (d *AnomalyDetector) trainLoop() {
	defer d.wg.Done()

	// Check well below the update interval so short test intervals work.
	tick := d.cfg.ModelUpdateInterval / 10
	if tick > time.Hour {
		tick = time.Hour
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.trainAll()
		case <-d.stopCh:
			return
		}
	}
}

func (d *AnomalyDetector) trainAll() {
	d.mu.RLock()
	users := make([]*profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		users = append(users, p)
	}
	d.mu.RUnlock()

	for _, p := range users {
		p.mu.Lock()
		due := !p.trained || time.Since(p.trainedAt) >= d.cfg.ModelUpdateInterval
		if due && p.samples >= d.cfg.MinTrainingSamples {
			d.train(p)
		}
		p.mu.Unlock()
	}
}

// train snapshots live aggregates into the baseline. Caller holds p.mu.
func (d *AnomalyDetector) train(p *profile) {
	n := float64(p.samples)
	p.baseMeanMs = p.sumExecMs / n
	variance := p.sumSqExecMs/n - p.baseMeanMs*p.baseMeanMs
	if variance < 0 {
		variance = 0
	}
	p.baseStdMs = math.Sqrt(variance)
	p.baseHours = p.hourCounts

	p.baseTypes = make(map[types.QueryType]bool, len(p.typeCounts))
	for k, v := range p.typeCounts {
		if v > 0 {
			p.baseTypes[k] = true
		}
	}
	p.baseTables = make(map[string]bool, len(p.tableCounts))
	for k, v := range p.tableCounts {
		if v > 0 {
			p.baseTables[k] = true
		}
	}

	minutes := time.Since(p.firstSeen).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	p.baseRatePerMin = n / minutes

	p.trained = true
	p.trainedAt = time.Now()
}

func (d *AnomalyDetector) raise(row *Row, axis string, score float64) {
	severity := SeverityLow
	switch {
	case score >= 0.95:
		severity = SeverityCritical
	case score >= 0.85:
		severity = SeverityHigh
	case score >= 0.7:
		severity = SeverityMedium
	}

	alert := Alert{
		Type:     axis,
		Severity: severity,
		Score:    score,
		RowID:    row.ID,
		User:     row.User,
		Message:  "anomalous query flagged by " + axis + " classifier",
		Time:     time.Now().UTC(),
	}

	atomic.AddInt64(&d.alertCount, 1)
	anomalyAlerts.WithLabelValues(string(severity)).Inc()
	d.log.Warn(row.User, row.ID, "Anomaly alert", map[string]interface{}{
		"axis":     axis,
		"score":    score,
		"severity": string(severity),
	})

	select {
	case d.alerts <- alert:
	default:
	}
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
