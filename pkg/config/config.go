// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/telecall/telecall"
	"github.com/telecall/telecall/pkg/recorder"
)

const EnvPrefix = "TELECALL"

type Config struct {
	APIURL             string          `mapstructure:"api_url"`
	APIToken           string          `mapstructure:"api_token"`
	SignalURL          string          `mapstructure:"signal_url"`
	ICEServers         []string        `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration   `mapstructure:"negotiation_timeout"`
	QualityInterval    time.Duration   `mapstructure:"quality_interval"`
	InitialQuality     string          `mapstructure:"initial_quality"`
	Reconnect          ReconnectConfig `mapstructure:"reconnect"`
	Recording          RecordingConfig `mapstructure:"recording"`
	Log                LogConfig       `mapstructure:"log"`
	ControlAddr        string          `mapstructure:"control_addr"`
}

type ReconnectConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type RecordingConfig struct {
	Dir string   `mapstructure:"dir"`
	S3  S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
	ACL     string `mapstructure:"acl"`
	Prefix  string `mapstructure:"prefix"`
	RoleARN string `mapstructure:"role_arn"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads an optional .env file, then config/config.<env>.yaml where env
// comes from TELECALL_ENV, then TELECALL_* environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	env := os.Getenv(EnvPrefix + "_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigName("config." + env)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	return load(v)
}

// LoadFile reads configuration from file, still honoring environment overrides.
func LoadFile(file string) (*Config, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(file)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_url", "")
	v.SetDefault("api_token", "")
	v.SetDefault("signal_url", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation_timeout", telecall.DefaultNegotiationTimeout)
	v.SetDefault("quality_interval", telecall.DefaultQualityInterval)
	v.SetDefault("initial_quality", telecall.PresetMedium.Name)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("reconnect.initial_backoff", 300*time.Millisecond)
	v.SetDefault("reconnect.max_backoff", 60*time.Second)
	v.SetDefault("recording.dir", "")
	v.SetDefault("recording.s3.bucket", "")
	v.SetDefault("recording.s3.region", "")
	v.SetDefault("recording.s3.acl", "private")
	v.SetDefault("recording.s3.prefix", "")
	v.SetDefault("recording.s3.role_arn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("control_addr", "")
}

func (c *Config) Validate() error {
	if _, err := telecall.PresetByName(c.InitialQuality); err != nil {
		return err
	}
	if c.NegotiationTimeout < 0 {
		return errors.New("negotiation_timeout must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	return nil
}

// ReconnectPolicy returns nil when automatic reconnection is disabled.
func (c *Config) ReconnectPolicy() *telecall.ReconnectPolicy {
	if c.Reconnect.MaxAttempts == 0 {
		return nil
	}
	return &telecall.ReconnectPolicy{
		MaxAttempts:    c.Reconnect.MaxAttempts,
		InitialBackoff: c.Reconnect.InitialBackoff,
		MaxBackoff:     c.Reconnect.MaxBackoff,
	}
}

// RecordingSink prefers S3 when a bucket is configured. A nil sink means
// recording is unavailable.
func (c *Config) RecordingSink() (recorder.Sink, error) {
	if c.Recording.S3.Bucket != "" {
		return recorder.NewS3Sink(recorder.S3Config{
			Region:  c.Recording.S3.Region,
			Bucket:  c.Recording.S3.Bucket,
			ACL:     c.Recording.S3.ACL,
			Prefix:  c.Recording.S3.Prefix,
			RoleARN: c.Recording.S3.RoleARN,
		})
	}
	if c.Recording.Dir != "" {
		return recorder.NewFileSink(c.Recording.Dir)
	}
	return nil, nil
}
