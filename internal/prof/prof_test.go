package prof

import (
	"context"
	"strings"
	"testing"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: false, ServerAddress: ""})
	if err != nil {
		t.Fatalf("disabled should never error, got %v", err)
	}
	stop()
	stop()
}

func TestStart_EnabledWithoutAddress(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: true, AppName: "instancehub"})
	if err == nil || !strings.Contains(err.Error(), "server address") {
		t.Fatalf("err = %v", err)
	}
	if stop == nil {
		t.Fatal("stop should never be nil")
	}
	stop()
}

func TestConfig(t *testing.T) {
	cfg, err := Options{
		AppName:       "instancehub.server",
		ServerAddress: "http://pyroscope:4040",
		TenantID:      "team-a",
		Tags:          map[string]string{"env": "test"},
	}.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ApplicationName != "instancehub.server" || cfg.TenantID != "team-a" || cfg.Tags["env"] != "test" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.ProfileTypes) != len(profileTypes) {
		t.Fatalf("profile types = %d", len(cfg.ProfileTypes))
	}
}
