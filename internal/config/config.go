package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	// Optimizer holds the defaults applied to studies that leave a knob unset.
	Optimizer struct {
		MaxEvals       int           `env:"TPE_MAX_EVALS" envDefault:"100"`
		NInitialRandom int           `env:"TPE_N_INITIAL" envDefault:"20"`
		Gamma          float64       `env:"TPE_GAMMA" envDefault:"0.15"`
		NCandidates    int           `env:"TPE_N_CANDIDATES" envDefault:"24"`
		Seed           int64         `env:"TPE_SEED" envDefault:"0"`
		GridResolution int           `env:"TPE_GRID_RESOLUTION" envDefault:"4"`
		TrialTimeout   time.Duration `env:"TPE_TRIAL_TIMEOUT" envDefault:"0s"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	return cfg, nil
}
