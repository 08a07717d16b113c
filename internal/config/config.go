// Package config loads the process configuration.
//
// Sources are layered, later ones winning:
//
//  1. tier defaults (domain.DefaultConfig or domain.ProConfig)
//  2. an optional YAML file named by KESTREL_CONFIG
//  3. environment variables KESTREL_SECTION__KEY, e.g.
//     KESTREL_DETECTION__RULES__FRAUD_THRESHOLD=0.6
//
// A .env file in the working directory is read into the environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	envPrefix = "KESTREL_"

	// EnvFile is the dotenv file read before the environment provider.
	EnvFile = ".env"
	// FileVar names the YAML config file.
	FileVar = envPrefix + "CONFIG"
	// TierVar selects the default set.
	TierVar = envPrefix + "TIER"
)

// Load builds the configuration from defaults, file and environment, then
// validates it.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", EnvFile, err)
	}

	defaults := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(os.Getenv(TierVar))) == domain.TierPro {
		defaults = domain.ProConfig()
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := os.Getenv(FileVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KESTREL_DETECTION__RULES__BONUS_CAP to detection.rules.bonus_cap.
// Single underscores stay part of the key name.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// Validate checks field constraints and the cross-field invariants that
// struct tags cannot express.
func Validate(cfg *domain.Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("%w: config: %s", domain.ErrInvalidInput, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: config: %v", domain.ErrInvalidInput, err)
	}

	var errs []error
	w := cfg.Detection.Risk.Weights
	if sum := w.Transaction + w.Behavior + w.Account + w.Time + w.Location; math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("risk weights sum to %.3f, want 1", sum))
	}
	r := cfg.Detection.Rules
	if math.Abs(r.MaxWeight+r.MeanWeight-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("rule max and mean weights sum to %.3f, want 1", r.MaxWeight+r.MeanWeight))
	}
	wk := cfg.Worker
	if !(wk.GoalGapMedium < wk.GoalGapHigh && wk.GoalGapHigh < wk.GoalGapCritical) {
		errs = append(errs, fmt.Errorf("goal gap thresholds must increase: %v, %v, %v", wk.GoalGapMedium, wk.GoalGapHigh, wk.GoalGapCritical))
	}
	if risk := cfg.Detection.Risk; risk.DayStartHour < 0 || risk.DayEndHour > 24 || risk.DayStartHour >= risk.DayEndHour {
		errs = append(errs, fmt.Errorf("day hours [%d, %d) out of range", risk.DayStartHour, risk.DayEndHour))
	}
	if cfg.Repository.Driver == "postgres" && cfg.Repository.PostgresHost == "" {
		errs = append(errs, errors.New("postgres driver needs postgres_host"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: config: %v", domain.ErrInvalidInput, err)
	}
	return nil
}
