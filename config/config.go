package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Progress  ProgressConfig  `yaml:"progress"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Datasets  DatasetsConfig  `yaml:"datasets"`
	Trainer   TrainerConfig   `yaml:"trainer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite | memory
	URL    string `yaml:"url"`
}

type ProgressConfig struct {
	Backend  string `yaml:"backend"` // memory | redis
	Capacity int    `yaml:"capacity"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RabbitMQConfig enables lifecycle event publishing when URL is set
type RabbitMQConfig struct {
	URL string `yaml:"url"`
}

type ArtifactsConfig struct {
	Backend      string `yaml:"backend"` // local | s3 | minio
	Dir          string `yaml:"dir"`
	Bucket       string `yaml:"bucket"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UseSSL       bool   `yaml:"use_ssl"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type DatasetsConfig struct {
	Dir string `yaml:"dir"`
}

type TrainerConfig struct {
	Kind      string        `yaml:"kind"`    // sim | command
	Command   []string      `yaml:"command"` // used when Kind is command
	GPUs      int           `yaml:"gpus"`
	WorkDir   string        `yaml:"work_dir"`
	StepDelay time.Duration `yaml:"step_delay"` // sim only
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	LogLevel     string `yaml:"log_level"`
}

type SchedulerConfig struct {
	Tick         time.Duration `yaml:"tick"`
	Concurrency  int           `yaml:"concurrency"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080", ShutdownTimeout: 30 * time.Second},
		Database:  DatabaseConfig{Driver: "sqlite", URL: "file:lora.db?_pragma=busy_timeout(5000)"},
		Progress:  ProgressConfig{Backend: "memory", Capacity: 100},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Artifacts: ArtifactsConfig{Backend: "local", Dir: "./artifacts", Region: "us-east-1"},
		Datasets:  DatasetsConfig{Dir: "./datasets"},
		Trainer:   TrainerConfig{Kind: "sim", WorkDir: os.TempDir(), StepDelay: 200 * time.Millisecond},
		Telemetry: TelemetryConfig{ServiceName: "lora-orchestrator", LogLevel: "info"},
		Scheduler: SchedulerConfig{Tick: 5 * time.Second, Concurrency: 1, StallTimeout: 15 * time.Minute},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// LORA_CONFIG_FILE and environment variables, in that order. A .env file in
// the working directory is loaded into the environment first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("LORA_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString(&c.Server.Port, "SERVER_PORT")
	errs = append(errs, setDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT"))

	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.Progress.Backend, "PROGRESS_BACKEND")
	errs = append(errs, setInt(&c.Progress.Capacity, "PROGRESS_CAPACITY"))

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	errs = append(errs, setInt(&c.Redis.DB, "REDIS_DB"))

	setString(&c.RabbitMQ.URL, "RABBITMQ_URL")

	setString(&c.Artifacts.Backend, "ARTIFACT_BACKEND")
	setString(&c.Artifacts.Dir, "ARTIFACT_DIR")
	setString(&c.Artifacts.Bucket, "ARTIFACT_BUCKET")
	setString(&c.Artifacts.Endpoint, "ARTIFACT_ENDPOINT")
	setString(&c.Artifacts.Region, "AWS_REGION")
	setString(&c.Artifacts.AccessKey, "ARTIFACT_ACCESS_KEY")
	setString(&c.Artifacts.SecretKey, "ARTIFACT_SECRET_KEY")
	errs = append(errs, setBool(&c.Artifacts.UseSSL, "ARTIFACT_USE_SSL"))
	errs = append(errs, setBool(&c.Artifacts.UsePathStyle, "ARTIFACT_USE_PATH_STYLE"))

	setString(&c.Datasets.Dir, "DATASET_DIR")

	setString(&c.Trainer.Kind, "TRAINER")
	if v := os.Getenv("TRAINER_COMMAND"); v != "" {
		c.Trainer.Command = strings.Fields(v)
	}
	errs = append(errs, setInt(&c.Trainer.GPUs, "TRAINER_GPUS"))
	setString(&c.Trainer.WorkDir, "TRAINER_WORK_DIR")
	errs = append(errs, setDuration(&c.Trainer.StepDelay, "TRAINER_STEP_DELAY"))

	setString(&c.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	errs = append(errs, setBool(&c.Telemetry.Insecure, "OTEL_EXPORTER_OTLP_INSECURE"))
	setString(&c.Telemetry.LogLevel, "LOG_LEVEL")

	errs = append(errs, setDuration(&c.Scheduler.Tick, "SCHEDULER_TICK"))
	errs = append(errs, setInt(&c.Scheduler.Concurrency, "SCHEDULER_CONCURRENCY"))
	errs = append(errs, setDuration(&c.Scheduler.StallTimeout, "STALL_TIMEOUT"))
	return errors.Join(errs...)
}

// Validate checks the enumerated settings and the values they depend on
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", ")))
	}

	check("database.driver", c.Database.Driver, "postgres", "sqlite", "memory")
	check("progress.backend", c.Progress.Backend, "memory", "redis")
	check("artifacts.backend", c.Artifacts.Backend, "local", "s3", "minio")
	check("trainer.kind", c.Trainer.Kind, "sim", "command")

	if c.Database.Driver != "memory" && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Artifacts.Backend != "local" && c.Artifacts.Bucket == "" {
		errs = append(errs, errors.New("artifacts.bucket is required for object storage"))
	}
	if c.Artifacts.Backend == "minio" && c.Artifacts.Endpoint == "" {
		errs = append(errs, errors.New("artifacts.endpoint is required for minio"))
	}
	if c.Trainer.Kind == "command" && len(c.Trainer.Command) == 0 {
		errs = append(errs, errors.New("trainer.command is required for the command trainer"))
	}
	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, errors.New("scheduler.concurrency must be at least 1"))
	}
	if c.Progress.Capacity < 1 {
		errs = append(errs, errors.New("progress.capacity must be at least 1"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setString(dst *string, key string) {
	*dst = getEnv(key, *dst)
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
