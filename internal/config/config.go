// Package config parses the orchestrator's environment-variable
// configuration (spec.md §6). Styled after the teacher's parseArgs in
// proxy.go: sensible defaults, then explicit env-var overrides, logged at
// startup via log/slog.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
)

type VPNMode string

const (
	VPNModeDisabled  VPNMode = "disabled"
	VPNModeSingle    VPNMode = "single"
	VPNModeRedundant VPNMode = "redundant"
)

// PortRange is a "low-high" inclusive range parsed from config.
type PortRange struct {
	Low  int
	High int
}

// Config holds every knob spec.md §6 names.
type Config struct {
	MinFreeReplicas int
	MaxReplicas     int
	MaxStreamsPerEngine int

	MaxConcurrentProvisions int
	MinProvisionIntervalS   float64

	PortRangeHost     PortRange
	AceHTTPRange      PortRange
	AceHTTPSRange     PortRange
	GluetunPortRange1 PortRange
	GluetunPortRange2 PortRange

	AutoDelete         bool
	EngineGracePeriodS int

	AutoscaleIntervalS int
	MonitorIntervalS   int
	CollectIntervalS   int

	HealthCheckIntervalS       int
	HealthFailureThreshold     int
	HealthUnhealthyGracePeriodS int
	HealthReplacementCooldownS int

	CircuitBreakerFailureThreshold      int
	CircuitBreakerRecoveryTimeoutS      int
	ReplacementBreakerFailureThreshold  int
	ReplacementBreakerRecoveryTimeoutS  int

	VPNMode                      VPNMode
	GluetunContainerName         string
	GluetunContainerName2        string
	GluetunAPIPort               int
	GluetunHealthCheckIntervalS  int
	VPNRestartEnginesOnReconnect bool
	VPNUnhealthyRestartTimeoutS  int
	GluetunPortCacheTTLS         int

	APIKey string

	EngineImage string

	DebugMode   bool
	DebugLogDir string

	ListenAddr string

	StateDBPath string

	// MultiplexerChunkSize is the per-read buffer size the broadcaster uses
	// when copying from an engine's playback stream (spec.md §4.12). Parsed
	// with humanize.ParseBytes so operators can write "64KB" instead of a
	// raw byte count, the same convenience the teacher's proxy.go gave
	// ACEXY_ADDR_MAX_BUFFER_SIZE.
	MultiplexerChunkSize int
}

func Load() (Config, error) {
	c := Config{
		MinFreeReplicas:         1,
		MaxReplicas:             5,
		MaxStreamsPerEngine:     1,
		MaxConcurrentProvisions: 5,
		MinProvisionIntervalS:   0.5,
		AutoDelete:              true,
		EngineGracePeriodS:      30,
		AutoscaleIntervalS:      30,
		MonitorIntervalS:        10,
		CollectIntervalS:        2,
		HealthCheckIntervalS:       25,
		HealthFailureThreshold:     3,
		HealthUnhealthyGracePeriodS: 60,
		HealthReplacementCooldownS: 60,
		CircuitBreakerFailureThreshold:     5,
		CircuitBreakerRecoveryTimeoutS:     300,
		ReplacementBreakerFailureThreshold: 5,
		ReplacementBreakerRecoveryTimeoutS: 300,
		VPNMode:                     VPNModeDisabled,
		GluetunAPIPort:              8000,
		GluetunHealthCheckIntervalS: 5,
		VPNUnhealthyRestartTimeoutS: 60,
		GluetunPortCacheTTLS:        60,
		EngineImage:                 "ghcr.io/martinbjeldbak/acestream-http-proxy:latest",
		DebugLogDir:                 "./debug_logs",
		ListenAddr:                  "0.0.0.0:8080",
		StateDBPath:                 "./orchestrator.db",
		MultiplexerChunkSize:        64 * 1024,
		PortRangeHost:               PortRange{Low: 19000, High: 19999},
		AceHTTPRange:                PortRange{Low: 6878, High: 6978},
		AceHTTPSRange:               PortRange{Low: 6879, High: 6979},
		GluetunPortRange1:           PortRange{Low: 8000, High: 8000},
		GluetunPortRange2:           PortRange{Low: 8001, High: 8001},
	}

	overrideInt(&c.MinFreeReplicas, "MIN_FREE_REPLICAS", "MIN_REPLICAS")
	overrideInt(&c.MaxReplicas, "MAX_REPLICAS")
	overrideInt(&c.MaxStreamsPerEngine, "MAX_STREAMS_PER_ENGINE")
	overrideInt(&c.MaxConcurrentProvisions, "MAX_CONCURRENT_PROVISIONS")
	overrideFloat(&c.MinProvisionIntervalS, "MIN_PROVISION_INTERVAL_S")
	overrideRange(&c.PortRangeHost, "PORT_RANGE_HOST")
	overrideRange(&c.AceHTTPRange, "ACE_HTTP_RANGE")
	overrideRange(&c.AceHTTPSRange, "ACE_HTTPS_RANGE")
	overrideRange(&c.GluetunPortRange1, "GLUETUN_PORT_RANGE_1")
	overrideRange(&c.GluetunPortRange2, "GLUETUN_PORT_RANGE_2")
	overrideBool(&c.AutoDelete, "AUTO_DELETE")
	overrideInt(&c.EngineGracePeriodS, "ENGINE_GRACE_PERIOD_S")
	overrideInt(&c.AutoscaleIntervalS, "AUTOSCALE_INTERVAL_S")
	overrideInt(&c.MonitorIntervalS, "MONITOR_INTERVAL_S")
	overrideInt(&c.CollectIntervalS, "COLLECT_INTERVAL_S")
	overrideInt(&c.HealthCheckIntervalS, "HEALTH_CHECK_INTERVAL_S")
	overrideInt(&c.HealthFailureThreshold, "HEALTH_FAILURE_THRESHOLD")
	overrideInt(&c.HealthUnhealthyGracePeriodS, "HEALTH_UNHEALTHY_GRACE_PERIOD_S")
	overrideInt(&c.HealthReplacementCooldownS, "HEALTH_REPLACEMENT_COOLDOWN_S")
	overrideInt(&c.CircuitBreakerFailureThreshold, "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	overrideInt(&c.CircuitBreakerRecoveryTimeoutS, "CIRCUIT_BREAKER_RECOVERY_TIMEOUT_S")
	overrideInt(&c.ReplacementBreakerFailureThreshold, "REPLACEMENT_CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	overrideInt(&c.ReplacementBreakerRecoveryTimeoutS, "REPLACEMENT_CIRCUIT_BREAKER_RECOVERY_TIMEOUT_S")

	if v := os.Getenv("VPN_MODE"); v != "" {
		c.VPNMode = VPNMode(v)
	}
	overrideString(&c.GluetunContainerName, "GLUETUN_CONTAINER_NAME")
	overrideString(&c.GluetunContainerName2, "GLUETUN_CONTAINER_NAME_2")
	overrideInt(&c.GluetunAPIPort, "GLUETUN_API_PORT")
	overrideInt(&c.GluetunHealthCheckIntervalS, "GLUETUN_HEALTH_CHECK_INTERVAL_S")
	overrideBool(&c.VPNRestartEnginesOnReconnect, "VPN_RESTART_ENGINES_ON_RECONNECT")
	overrideInt(&c.VPNUnhealthyRestartTimeoutS, "VPN_UNHEALTHY_RESTART_TIMEOUT_S")
	overrideInt(&c.GluetunPortCacheTTLS, "GLUETUN_PORT_CACHE_TTL_S")

	overrideString(&c.APIKey, "API_KEY")
	overrideString(&c.EngineImage, "ACESTREAM_ENGINE_IMAGE")
	overrideBool(&c.DebugMode, "DEBUG_MODE")
	overrideString(&c.DebugLogDir, "DEBUG_LOG_DIR")
	overrideString(&c.ListenAddr, "LISTEN_ADDR")
	overrideString(&c.StateDBPath, "STATE_DB_PATH")
	overrideByteSize(&c.MultiplexerChunkSize, "MULTIPLEXER_CHUNK_SIZE")

	if c.VPNMode == VPNModeRedundant && c.GluetunContainerName2 == "" {
		return Config{}, fmt.Errorf("VPN_MODE=redundant requires GLUETUN_CONTAINER_NAME_2")
	}
	return c, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func overrideInt(dst *int, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
				return
			}
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// overrideByteSize accepts both raw byte counts and human-readable sizes
// ("64KB", "1MiB"), matching the teacher's Size env-var convention.
func overrideByteSize(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return
	}
	*dst = int(n)
}

func overrideRange(dst *PortRange, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return
	}
	low, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	high, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return
	}
	dst.Low, dst.High = low, high
}

// LookupLogLevel mirrors the teacher's proxy.go LookupLogLevel: an
// ORCH_LOG_LEVEL env var selects the slog level, defaulting to Info.
func LookupLogLevel() slog.Level {
	switch os.Getenv("ORCH_LOG_LEVEL") {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (p PortRange) String() string {
	return fmt.Sprintf("%d-%d", p.Low, p.High)
}

// PortRanges builds the scope map the port allocator expects.
func (c Config) PortRanges() map[string]ports.Range {
	return map[string]ports.Range{
		"host":           {Low: c.PortRangeHost.Low, High: c.PortRangeHost.High},
		"internal-http":  {Low: c.AceHTTPRange.Low, High: c.AceHTTPRange.High},
		"internal-https": {Low: c.AceHTTPSRange.Low, High: c.AceHTTPSRange.High},
		"vpn1-host":      {Low: c.GluetunPortRange1.Low, High: c.GluetunPortRange1.High},
		"vpn2-host":      {Low: c.GluetunPortRange2.Low, High: c.GluetunPortRange2.High},
	}
}
