// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package config loads the batch export service configuration.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/netSkope/batch-export/internal/backfill"
	"github.com/netSkope/batch-export/internal/destination"
	"github.com/netSkope/batch-export/internal/execution"
	"github.com/netSkope/batch-export/internal/log"
	"github.com/netSkope/batch-export/internal/pipeline"
	"github.com/netSkope/batch-export/internal/s3"
	"github.com/netSkope/batch-export/internal/schedule"
	"github.com/netSkope/batch-export/internal/source"
	"github.com/netSkope/batch-export/internal/store"
	"github.com/netSkope/batch-export/internal/util"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// BATCH_EXPORT_RUN_STORE_HOST or BATCH_EXPORT_PIPELINE_CONSUMERS.
const EnvPrefix = "BATCH_EXPORT"

// DefaultFile is read when no config file is given and it exists.
const DefaultFile = "batch-export.yaml"

// Config holds all configuration for the batch export service.
type Config struct {
	Log       log.Options              `yaml:"log"`
	RunStore  DBConfig                 `yaml:"run_store"`
	Source    source.Config            `yaml:"source"`
	Heartbeat HeartbeatConfig          `yaml:"heartbeat"`
	Pipeline  pipeline.Config          `yaml:"pipeline"`
	Writer    destination.WriterConfig `yaml:"writer"`
	Execution execution.Config         `yaml:"execution"`
	Backfill  backfill.Config          `yaml:"backfill"`
	Notify    NotifyConfig             `yaml:"notify"`
	Metrics   MetricsConfig            `yaml:"metrics"`
	Schedule  schedule.Config          `yaml:"schedule"`
	Staging   StagingConfig            `yaml:"staging"`
}

// DBConfig locates the MySQL database holding export definitions, runs and
// backfills. Events are read from the same database.
type DBConfig struct {
	Host     string `yaml:"host"`
	Type     string `yaml:"type"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// AuthFile is a JSON file with user and password.
	AuthFile string `yaml:"auth_file"`
	// SecretName is an AWS Secrets Manager secret holding the password of
	// an aws-aurora database.
	SecretName   string `yaml:"secret_name"`
	SecretRegion string `yaml:"secret_region"`
	// Timeout is the per-statement timeout in seconds.
	Timeout int `yaml:"timeout"`
}

// HeartbeatConfig selects where heartbeat details are kept. An empty
// RedisAddr keeps them in memory.
type HeartbeatConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	SlackChannel    string `yaml:"slack_channel"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StagingConfig enables reading query results that were staged to object
// storage as Arrow IPC parts.
type StagingConfig struct {
	s3.ClientConfig `yaml:",inline"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	PartBytes       int64  `yaml:"part_bytes"`
}

// Enabled reports whether a staging bucket is configured.
func (s StagingConfig) Enabled() bool {
	return s.Bucket != ""
}

// Default returns the configuration used for unset values.
func Default() *Config {
	return &Config{
		Log:       log.Options{Dir: "/tmp", Name: "batch-export"},
		RunStore:  DBConfig{Type: "mp-mariadb", Database: store.DefaultDBName, Timeout: 5},
		Source:    source.DefaultConfig(),
		Heartbeat: HeartbeatConfig{Prefix: "batch-export:heartbeat:", TTL: 7 * 24 * time.Hour},
		Pipeline:  pipeline.DefaultConfig(),
		Writer:    destination.WriterConfig{Dir: os.TempDir(), MaxBytes: 50 * 1024 * 1024},
		Execution: execution.DefaultConfig(),
		Backfill:  backfill.DefaultConfig(),
		Metrics:   MetricsConfig{ListenAddr: ":9090"},
		Schedule:  schedule.DefaultConfig(),
		Staging:   StagingConfig{PartBytes: 64 * 1024 * 1024},
	}
}

// Load resolves the configuration. Priority: environment variables > YAML
// file > defaults. A .env file in the working directory is loaded first and
// never overrides variables that are already set. A missing file is only an
// error when path was given explicitly.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	file := path
	if file == "" {
		file = DefaultFile
	}
	if err := loadFromYAML(cfg, file); err != nil {
		if path != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if cfg.RunStore.AuthFile != "" {
		if err := cfg.RunStore.ReadAuth(cfg.RunStore.AuthFile); err != nil {
			return nil, fmt.Errorf("failed to read run store auth file: %w", err)
		}
	}
	return cfg, nil
}

// loadFromYAML overlays the file onto cfg. Unknown keys are rejected.
func loadFromYAML(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// loadFromEnv overrides fields from variables named after their yaml path,
// e.g. BATCH_EXPORT_EXECUTION_HEARTBEAT_TIMEOUT for execution.heartbeat_timeout.
func loadFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	return walkEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup)
}

var durationType = reflect.TypeOf(time.Duration(0))

func walkEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := strings.Split(field.Tag.Get("yaml"), ",")
		name := tag[0]
		inline := len(tag) > 1 && tag[1] == "inline"
		fv := v.Field(i)

		if field.Type.Kind() == reflect.Struct {
			next := prefix
			if !inline {
				next = prefix + "_" + strings.ToUpper(name)
			}
			if err := walkEnv(fv, next, lookup); err != nil {
				return err
			}
			continue
		}
		if name == "" || name == "-" {
			continue
		}

		key := prefix + "_" + strings.ToUpper(name)
		val, ok := lookup(key)
		if !ok || val == "" {
			continue
		}
		if err := setField(fv, val); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, val string) error {
	switch {
	case fv.Type() == durationType:
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
	case fv.Kind() == reflect.String:
		fv.SetString(val)
	case fv.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case fv.Kind() >= reflect.Int && fv.Kind() <= reflect.Int64:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String:
		fv.Set(reflect.ValueOf(strings.Split(val, ",")))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.RunStore.Host == "" {
		return fmt.Errorf("run_store.host is required")
	}
	switch c.RunStore.Type {
	case "mp-mariadb":
	case "aws-aurora":
		if c.RunStore.SecretName != "" && c.RunStore.SecretRegion == "" {
			return fmt.Errorf("run_store.secret_region is required with run_store.secret_name")
		}
	default:
		return fmt.Errorf("run_store.type must be mp-mariadb or aws-aurora, got %q", c.RunStore.Type)
	}
	if c.Source.EventsTable == "" && !c.Staging.Enabled() {
		return fmt.Errorf("source.events_table or staging.bucket is required")
	}
	if c.Pipeline.Consumers < 1 {
		return fmt.Errorf("pipeline.consumers must be at least 1")
	}
	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("pipeline.queue_capacity must be at least 1")
	}
	if c.Writer.MaxBytes <= 0 {
		return fmt.Errorf("writer.max_bytes must be positive")
	}
	if err := c.Execution.Validate(); err != nil {
		return fmt.Errorf("execution: %w", err)
	}
	if c.Staging.Enabled() && c.Staging.Region == "" && c.Staging.Endpoint == "" {
		return fmt.Errorf("staging.region is required with staging.bucket")
	}
	return nil
}

// DSN returns the run store DSN. For aws-aurora databases with a secret the
// password is resolved through Secrets Manager.
func (c *DBConfig) DSN(ctx context.Context) (string, error) {
	pwd := c.Password
	if c.Type == "aws-aurora" && c.SecretName != "" {
		var err error
		if pwd, err = util.ResolveAWSDBPassword(ctx, c.SecretName, c.SecretRegion); err != nil {
			return "", fmt.Errorf("failed to resolve run store password: %w", err)
		}
	}
	return store.BuildDSN(c.Host, c.User, pwd, c.Type, c.Database)
}

// ReadAuth reads credentials from an auth file (JSON format).
func (c *DBConfig) ReadAuth(authFile string) error {
	data, err := os.ReadFile(authFile)
	if err != nil {
		return fmt.Errorf("failed to read auth file: %w", err)
	}

	var auth struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &auth); err != nil {
		return fmt.Errorf("failed to parse auth file: %w", err)
	}

	c.User = auth.User
	c.Password = auth.Password
	return nil
}
