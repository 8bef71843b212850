package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "forumpub"
const ConfigFileName = "config.yaml"
const envPrefix = "FORUMPUB_"

//go:embed config_default.yaml
var embeddedConfig []byte

// DeliveryConf holds the retry, circuit breaker and worker settings of outbound federation.
type DeliveryConf struct {
	MaxRetries             int  `yaml:"maxRetries"`
	RetryStepMinutes       int  `yaml:"retryStepMinutes"`
	DisableRetries         bool `yaml:"disableRetries"`
	FailureThreshold       int  `yaml:"failureThreshold"`
	FailureCooldownMinutes int  `yaml:"failureCooldownMinutes"`
	Workers                int  `yaml:"workers"`
	PollSeconds            int  `yaml:"pollSeconds"`
	BatchSize              int  `yaml:"batchSize"`
	TimeoutSeconds         int  `yaml:"timeoutSeconds"`
}

type AppConfig struct {
	Conf struct {
		Host             string
		HttpPort         int    `yaml:"httpPort"`
		SslDomain        string `yaml:"sslDomain"`
		WithAp           bool   `yaml:"withAp"`
		DatabasePath     string `yaml:"databasePath"`
		LogLevel         string `yaml:"logLevel"`
		VerifySignatures bool   `yaml:"verifySignatures"`
		Delivery         DeliveryConf
	}
}

// DefaultConfig returns the configuration every missing value falls back to.
func DefaultConfig() *AppConfig {
	c := &AppConfig{}
	c.Conf.Host = "127.0.0.1"
	c.Conf.HttpPort = 9999
	c.Conf.SslDomain = "example.com"
	c.Conf.DatabasePath = "database.db"
	c.Conf.LogLevel = "info"
	c.Conf.Delivery = DeliveryConf{
		MaxRetries:             4,
		RetryStepMinutes:       5,
		FailureThreshold:       4,
		FailureCooldownMinutes: 60,
		Workers:                4,
		PollSeconds:            10,
		BatchSize:              50,
		TimeoutSeconds:         30,
	}
	return c
}

func ReadConf() (*AppConfig, error) {

	c := DefaultConfig()

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	return c, nil
}

func applyEnv(c *AppConfig) error {
	strs := map[string]*string{
		"HOST":          &c.Conf.Host,
		"SSLDOMAIN":     &c.Conf.SslDomain,
		"DATABASE_PATH": &c.Conf.DatabasePath,
		"LOG_LEVEL":     &c.Conf.LogLevel,
	}
	for key, dst := range strs {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HTTPPORT":                 &c.Conf.HttpPort,
		"MAX_RETRIES":              &c.Conf.Delivery.MaxRetries,
		"RETRY_STEP_MINUTES":       &c.Conf.Delivery.RetryStepMinutes,
		"FAILURE_THRESHOLD":        &c.Conf.Delivery.FailureThreshold,
		"FAILURE_COOLDOWN_MINUTES": &c.Conf.Delivery.FailureCooldownMinutes,
		"WORKERS":                  &c.Conf.Delivery.Workers,
	}
	for key, dst := range ints {
		v := os.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"WITH_AP":           &c.Conf.WithAp,
		"VERIFY_SIGNATURES": &c.Conf.VerifySignatures,
		"DISABLE_RETRIES":   &c.Conf.Delivery.DisableRetries,
	}
	for key, dst := range bools {
		switch os.Getenv(envPrefix + key) {
		case "true":
			*dst = true
		case "false":
			*dst = false
		}
	}
	return nil
}

// RetryStep is the linear backoff unit between delivery attempts.
func (d DeliveryConf) RetryStep() time.Duration {
	return time.Duration(d.RetryStepMinutes) * time.Minute
}

// FailureCooldown is how long a domain stays unavailable after crossing the failure threshold.
func (d DeliveryConf) FailureCooldown() time.Duration {
	return time.Duration(d.FailureCooldownMinutes) * time.Minute
}

// PollInterval falls back to ten seconds when unset.
func (d DeliveryConf) PollInterval() time.Duration {
	if d.PollSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.PollSeconds) * time.Second
}

func (d DeliveryConf) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}
