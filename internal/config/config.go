// Package config loads the application configuration from a YAML file with
// environment-variable overrides, so secrets can live in .env locally and in
// real env vars in deployment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	SMTP     SMTPConfig     `yaml:"smtp"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection string.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// MailboxConfig holds the incoming report mailbox connection.
type MailboxConfig struct {
	Protocol string `yaml:"protocol"` // "imap" or "pop3"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseSSL   *bool  `yaml:"use_ssl"`
}

// SMTPConfig holds the outgoing summary relay connection.
type SMTPConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UseTLS *bool  `yaml:"use_tls"`
	Sender string `yaml:"sender"`
}

// Load reads the YAML file at path and applies defaults. A missing file is
// not an error; env overrides can carry the whole configuration.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Mailbox.Protocol == "" {
		cfg.Mailbox.Protocol = string(domain.ProtocolIMAP)
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides. It
// loads a .env file first (no error if missing) before reading env vars.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAILBOX_HOST"); v != "" {
		cfg.Mailbox.Host = v
	}
	if v := os.Getenv("MAILBOX_USERNAME"); v != "" {
		cfg.Mailbox.Username = v
	}
	if v := os.Getenv("MAILBOX_PASSWORD"); v != "" {
		cfg.Mailbox.Password = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_SENDER"); v != "" {
		cfg.SMTP.Sender = v
	}

	return cfg, nil
}

// MailSettings converts file/env configuration into the domain settings
// shape. A saved mail_settings row takes precedence at runtime; this is the
// bootstrap fallback.
func (c *Config) MailSettings() *domain.MailSettings {
	useSSL := true
	if c.Mailbox.UseSSL != nil {
		useSSL = *c.Mailbox.UseSSL
	}
	useTLS := true
	if c.SMTP.UseTLS != nil {
		useTLS = *c.SMTP.UseTLS
	}
	return &domain.MailSettings{
		MailServer:     c.Mailbox.Host,
		MailPort:       c.Mailbox.Port,
		ConnectionType: domain.MailboxProtocol(c.Mailbox.Protocol),
		Username:       c.Mailbox.Username,
		Password:       c.Mailbox.Password,
		UseSSL:         useSSL,
		SMTPServer:     c.SMTP.Host,
		SMTPPort:       c.SMTP.Port,
		UseTLS:         useTLS,
		Sender:         c.SMTP.Sender,
	}
}
