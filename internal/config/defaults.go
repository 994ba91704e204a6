// Package config holds the ambient integer tuning knobs the run
// supervisor resolves via get_config_int, with the spec's defaults
// applied when an operator hasn't overridden them.
package config

// Keys the run supervisor looks up through get_config_int.
const (
	KeyEventLoopMaxConcurrent = "eventLoopMaxConcurrent"
	KeyEventLoopMaxPerHost    = "eventLoopMaxPerHost"
	KeyWorkers                = "workers"
	KeyDNSCacheTimeout        = "dnsCacheTimeout"
	KeyStatsInterval          = "statsInterval"
)

// Defaults holds the process-wide fallback values for the get_config_int
// keys, overridable per-process (e.g. from CLI flags) but shared by every
// run the process supervises.
type Defaults struct {
	EventLoopMaxConcurrent int
	EventLoopMaxPerHost    int
	Workers                int // 0 = auto
	DNSCacheTimeoutS       int
	StatsIntervalMs        int
}

// DefaultDefaults returns the spec's out-of-the-box tuning values.
func DefaultDefaults() Defaults {
	return Defaults{
		EventLoopMaxConcurrent: 1000,
		EventLoopMaxPerHost:    0,
		Workers:                0,
		DNSCacheTimeoutS:       300,
		StatsIntervalMs:        100,
	}
}

// AsMap renders Defaults into the map[string]int shape store.ConfigDefaults
// and model.GetConfigInt expect.
func (d Defaults) AsMap() map[string]int {
	return map[string]int{
		KeyEventLoopMaxConcurrent: d.EventLoopMaxConcurrent,
		KeyEventLoopMaxPerHost:    d.EventLoopMaxPerHost,
		KeyWorkers:                d.Workers,
		KeyDNSCacheTimeout:        d.DNSCacheTimeoutS,
		KeyStatsInterval:          d.StatsIntervalMs,
	}
}
