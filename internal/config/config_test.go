package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "MIN_FREE_REPLICAS", "MAX_REPLICAS", "VPN_MODE", "GLUETUN_CONTAINER_NAME_2")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MinFreeReplicas != 1 {
		t.Fatalf("expected default MinFreeReplicas=1, got %d", c.MinFreeReplicas)
	}
	if c.MaxReplicas != 5 {
		t.Fatalf("expected default MaxReplicas=5, got %d", c.MaxReplicas)
	}
	if c.VPNMode != VPNModeDisabled {
		t.Fatalf("expected default VPNMode disabled, got %s", c.VPNMode)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t, "MIN_FREE_REPLICAS", "MAX_REPLICAS", "PORT_RANGE_HOST", "API_KEY")
	os.Setenv("MIN_FREE_REPLICAS", "3")
	os.Setenv("MAX_REPLICAS", "10")
	os.Setenv("PORT_RANGE_HOST", "20000-21000")
	os.Setenv("API_KEY", "secret")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MinFreeReplicas != 3 {
		t.Fatalf("expected MinFreeReplicas=3, got %d", c.MinFreeReplicas)
	}
	if c.MaxReplicas != 10 {
		t.Fatalf("expected MaxReplicas=10, got %d", c.MaxReplicas)
	}
	if c.PortRangeHost.Low != 20000 || c.PortRangeHost.High != 21000 {
		t.Fatalf("expected port range 20000-21000, got %+v", c.PortRangeHost)
	}
	if c.APIKey != "secret" {
		t.Fatalf("expected APIKey=secret, got %s", c.APIKey)
	}
}

func TestLoadLegacyAliasForMinFreeReplicas(t *testing.T) {
	clearEnv(t, "MIN_FREE_REPLICAS", "MIN_REPLICAS")
	os.Setenv("MIN_REPLICAS", "7")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MinFreeReplicas != 7 {
		t.Fatalf("expected MIN_REPLICAS alias to set MinFreeReplicas=7, got %d", c.MinFreeReplicas)
	}
}

func TestLoadRedundantVPNRequiresSecondContainer(t *testing.T) {
	clearEnv(t, "VPN_MODE", "GLUETUN_CONTAINER_NAME_2")
	os.Setenv("VPN_MODE", "redundant")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when VPN_MODE=redundant without GLUETUN_CONTAINER_NAME_2")
	}
}

func TestLoadRedundantVPNWithSecondContainerSucceeds(t *testing.T) {
	clearEnv(t, "VPN_MODE", "GLUETUN_CONTAINER_NAME_2")
	os.Setenv("VPN_MODE", "redundant")
	os.Setenv("GLUETUN_CONTAINER_NAME_2", "gluetun2")
	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.VPNMode != VPNModeRedundant {
		t.Fatalf("expected redundant mode")
	}
}

func TestOverrideRangeIgnoresMalformedValue(t *testing.T) {
	clearEnv(t, "PORT_RANGE_HOST")
	os.Setenv("PORT_RANGE_HOST", "not-a-range")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.PortRangeHost.Low != 19000 || c.PortRangeHost.High != 19999 {
		t.Fatalf("expected malformed range to leave the default in place, got %+v", c.PortRangeHost)
	}
}

func TestPortRangesBuildsAllScopes(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ranges := c.PortRanges()
	for _, scope := range []string{"host", "internal-http", "internal-https", "vpn1-host", "vpn2-host"} {
		if _, ok := ranges[scope]; !ok {
			t.Fatalf("expected scope %q to be present", scope)
		}
	}
}

func TestLoadMultiplexerChunkSizeAcceptsHumanReadableSize(t *testing.T) {
	clearEnv(t, "MULTIPLEXER_CHUNK_SIZE")
	os.Setenv("MULTIPLEXER_CHUNK_SIZE", "128KB")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MultiplexerChunkSize != 128*1000 {
		t.Fatalf("expected 128KB parsed to %d bytes, got %d", 128*1000, c.MultiplexerChunkSize)
	}
}

func TestLoadMultiplexerChunkSizeDefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "MULTIPLEXER_CHUNK_SIZE")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MultiplexerChunkSize != 64*1024 {
		t.Fatalf("expected default 64KiB, got %d", c.MultiplexerChunkSize)
	}
}

func TestLoadMultiplexerChunkSizeIgnoresMalformedValue(t *testing.T) {
	clearEnv(t, "MULTIPLEXER_CHUNK_SIZE")
	os.Setenv("MULTIPLEXER_CHUNK_SIZE", "not-a-size")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MultiplexerChunkSize != 64*1024 {
		t.Fatalf("expected malformed value to leave the default in place, got %d", c.MultiplexerChunkSize)
	}
}

func TestLookupLogLevel(t *testing.T) {
	clearEnv(t, "ORCH_LOG_LEVEL")
	os.Setenv("ORCH_LOG_LEVEL", "DEBUG")
	if lvl := LookupLogLevel(); lvl.String() != "DEBUG" {
		t.Fatalf("expected DEBUG, got %s", lvl)
	}
	os.Setenv("ORCH_LOG_LEVEL", "bogus")
	if lvl := LookupLogLevel(); lvl.String() != "INFO" {
		t.Fatalf("expected default INFO for unrecognized value, got %s", lvl)
	}
}
