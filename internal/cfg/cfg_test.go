package cfg

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BYBIT_API_KEY", "BYBIT_API_SECRET", "BYBIT_TESTNET", "CONFIG_FILE",
		"LEVERAGE", "RISK_PCT", "TP_SPLITS", "DCA_QTY_MULTS", "POLL_SECONDS",
		"DRY_RUN", "MAX_CONCURRENT_TRADES", "MAX_TRADES_PER_DAY",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(t *testing.T, s Settings)
	}{
		{
			name: "valid config with required fields only",
			envVars: map[string]string{
				"BYBIT_API_KEY":    "test_key",
				"BYBIT_API_SECRET": "test_secret",
			},
			validate: func(t *testing.T, s Settings) {
				if s.APIKey != "test_key" {
					t.Errorf("expected APIKey test_key, got %s", s.APIKey)
				}
				if s.BaseURL != "https://api.bybit.com" {
					t.Errorf("expected mainnet base URL, got %s", s.BaseURL)
				}
				if s.Leverage != 5 {
					t.Errorf("expected default leverage 5, got %d", s.Leverage)
				}
				want := []float64{30, 30, 30, 10}
				if len(s.TPSplits) != len(want) {
					t.Fatalf("expected %d tp splits, got %d", len(want), len(s.TPSplits))
				}
				for i, w := range want {
					if s.TPSplits[i] != w {
						t.Errorf("tp split %d: expected %v, got %v", i, w, s.TPSplits[i])
					}
				}
			},
		},
		{
			name: "testnet selects testnet endpoints",
			envVars: map[string]string{
				"BYBIT_API_KEY":    "k",
				"BYBIT_API_SECRET": "s",
				"BYBIT_TESTNET":    "true",
			},
			validate: func(t *testing.T, s Settings) {
				if s.BaseURL != "https://api-testnet.bybit.com" {
					t.Errorf("expected testnet base URL, got %s", s.BaseURL)
				}
			},
		},
		{
			name: "unnormalized tp splits are normalized to 100",
			envVars: map[string]string{
				"BYBIT_API_KEY":    "k",
				"BYBIT_API_SECRET": "s",
				"TP_SPLITS":        "10,10,10,10",
			},
			validate: func(t *testing.T, s Settings) {
				sum := 0.0
				for _, v := range s.TPSplits {
					sum += v
				}
				if sum < 99.9 || sum > 100.1 {
					t.Errorf("expected tp splits to normalize to 100, got sum %v", sum)
				}
			},
		},
		{
			name:    "missing credentials fails",
			envVars: map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer clearEnv(t)

			s, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, s)
			}
		})
	}
}

func TestLoadDefaultPollInterval(t *testing.T) {
	clearEnv(t)
	os.Setenv("BYBIT_API_KEY", "k")
	os.Setenv("BYBIT_API_SECRET", "s")
	defer clearEnv(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.PollSeconds != 15*time.Second {
		t.Errorf("expected default poll interval 15s, got %v", s.PollSeconds)
	}
}
