package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MINESHOP"

type CustomerConfig struct {
	Name    string `mapstructure:"name"`
	Surname string `mapstructure:"surname"`
	Email   string `mapstructure:"email"`
	CPF     string `mapstructure:"cpf"`
}

type Config struct {
	APIURL       string         `mapstructure:"api_url"`
	Token        string         `mapstructure:"token"`
	StateFile    string         `mapstructure:"state_file"`
	StateRedis   string         `mapstructure:"state_redis"`
	StateTTL     time.Duration  `mapstructure:"state_ttl"`
	Timeout      time.Duration  `mapstructure:"timeout"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	Realtime     bool           `mapstructure:"realtime"`
	Verbose      bool           `mapstructure:"verbose"`
	Customer     CustomerConfig `mapstructure:"customer"`
}

// configDir is where the config file and the saved payment live.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mineshop"
	}
	return filepath.Join(home, ".mineshop")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("state_file", filepath.Join(configDir(), "checkout.json"))
	v.SetDefault("state_ttl", 24*time.Hour)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("realtime", true)
	v.SetDefault("verbose", false)
	// Keys need a default for Unmarshal to see their MINESHOP_* variable.
	for _, key := range []string{"token", "state_redis", "customer.name", "customer.surname", "customer.email", "customer.cpf"} {
		v.SetDefault(key, "")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig merges defaults, the config file, MINESHOP_* variables and the
// command's flags, later sources winning.
func loadConfig(v *viper.Viper, cmd *cobra.Command, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	for key, flag := range map[string]string{
		"api_url":          "api-url",
		"token":            "token",
		"state_file":       "state-file",
		"state_redis":     "state-redis",
		"verbose":          "verbose",
		"realtime":         "realtime",
		"customer.name":    "name",
		"customer.surname": "surname",
		"customer.email":   "email",
		"customer.cpf":     "cpf",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
