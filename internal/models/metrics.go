package models

import "time"

// SystemMetrics is a lightweight aggregate snapshot for the ops endpoint,
// complementing the full Prometheus exposition.
type SystemMetrics struct {
	ScansTotal               uint64    `json:"scansTotal"`
	ScanFailures             uint64    `json:"scanFailures"`
	QueueDepth               int       `json:"queueDepth"`
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	CacheHits                uint64    `json:"cacheHits"`
	CacheMisses              uint64    `json:"cacheMisses"`
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	DBQueryCount             uint64    `json:"dbQueryCount"`
	AverageDBQueryDurationMs float64   `json:"averageDbQueryDurationMs"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}
