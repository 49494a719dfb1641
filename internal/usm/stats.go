package usm

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// StatKind indexes the usmStats scalars.
type StatKind int

const (
	StatUnsupportedSecLevels StatKind = iota
	StatNotInTimeWindows
	StatUnknownUserNames
	StatUnknownEngineIDs
	StatWrongDigests
	StatDecryptionErrors
	numStats
)

var statNames = [numStats]string{
	"unsupported_sec_levels",
	"not_in_time_windows",
	"unknown_user_names",
	"unknown_engine_ids",
	"wrong_digests",
	"decryption_errors",
}

// AllStats lists the kinds in usmStats column order.
var AllStats = []StatKind{
	StatUnsupportedSecLevels,
	StatNotInTimeWindows,
	StatUnknownUserNames,
	StatUnknownEngineIDs,
	StatWrongDigests,
	StatDecryptionErrors,
}

// usmStats is 1.3.6.1.6.3.15.1.1 in SNMP-USER-BASED-SM-MIB.
const usmStatsPrefix = "1.3.6.1.6.3.15.1.1"

func (k StatKind) String() string {
	if k < 0 || k >= numStats {
		return fmt.Sprintf("StatKind(%d)", int(k))
	}
	return statNames[k]
}

// OID is the scalar instance, e.g. 1.3.6.1.6.3.15.1.1.5.0 for usmStatsWrongDigests.
func (k StatKind) OID() string {
	return fmt.Sprintf("%s.%d.0", usmStatsPrefix, int(k)+1)
}

// Stats holds the monotonic usmStats counters.
type Stats struct {
	counters [numStats]atomic.Uint64
}

func (s *Stats) Inc(k StatKind) {
	s.counters[k].Add(1)
}

func (s *Stats) Value(k StatKind) uint64 {
	return s.counters[k].Load()
}

// Snapshot returns the counters keyed by StatKind name.
func (s *Stats) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, numStats)
	for _, k := range AllStats {
		out[k.String()] = s.Value(k)
	}
	return out
}

var statsDesc = prometheus.NewDesc(
	"usm_stats_total",
	"USM message processing failures by usmStats counter.",
	[]string{"counter"}, nil,
)

// Collector exports Stats to prometheus.
type Collector struct {
	stats *Stats
}

func NewCollector(s *Stats) *Collector {
	return &Collector{stats: s}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- statsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, k := range AllStats {
		ch <- prometheus.MustNewConstMetric(statsDesc, prometheus.CounterValue, float64(c.stats.Value(k)), k.String())
	}
}
