package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/ecranner/internal/domain/scans"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "ecranner.yml"

// ErrNotFound is returned when the configuration file does not exist.
var ErrNotFound = errors.New("configuration file not found")

type Config struct {
	Version string             `yaml:"version"`
	AWS     map[string]Account `yaml:"aws"`
	Trivy   Trivy              `yaml:"trivy"`

	Server struct {
		Port      int               `yaml:"port"`
		APIKeys   map[string]string `yaml:"api_keys"`
		RateLimit struct {
			Capacity   int `yaml:"capacity"`
			RefillRate int `yaml:"refill_rate"`
		} `yaml:"rate_limit"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Analyst struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"analyst"`
}

// Account is one entry under `aws`, keyed by its alias.
type Account struct {
	AccountID       string   `yaml:"account_id"`
	AccessKeyID     string   `yaml:"aws_access_key_id"`
	SecretAccessKey string   `yaml:"aws_secret_access_key"`
	Region          string   `yaml:"aws_default_region"`
	Images          []string `yaml:"images"`
	Tag             string   `yaml:"tag"`
}

// Trivy holds scanner invocation settings.
type Trivy struct {
	Path          string        `yaml:"path"`
	Runtime       string        `yaml:"runtime"` // cli | docker
	Image         string        `yaml:"image"`
	Severity      []string      `yaml:"severity"`
	Timeout       time.Duration `yaml:"timeout"`
	IgnoreUnfixed bool          `yaml:"ignore_unfixed"`
}

// Find resolves the configuration path, falling back to DefaultFile in the
// working directory.
func Find(path string) (string, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = filepath.Join(wd, DefaultFile)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &scans.ConfigError{Field: path, Err: ErrNotFound}
		}
		return "", &scans.ConfigError{Field: path, Err: err}
	}
	if info.IsDir() {
		return "", &scans.ConfigError{Field: path, Err: fmt.Errorf("not a file")}
	}
	return path, nil
}

// Load baca file ecranner.yml, validasi schema, lalu decode
func Load(path string) (*Config, error) {
	path, err := Find(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &scans.ConfigError{Field: path, Err: err}
	}
	return Parse(data)
}

// Parse validates and decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &scans.ConfigError{Err: fmt.Errorf("%w: %v", ErrSyntax, err)}
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &scans.ConfigError{Err: fmt.Errorf("%w: %v", ErrSyntax, err)}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Trivy.Path == "" {
		c.Trivy.Path = "trivy"
	}
	if c.Trivy.Runtime == "" {
		c.Trivy.Runtime = "cli"
	}
	if c.Trivy.Image == "" {
		c.Trivy.Image = "aquasec/trivy:latest"
	}
	if len(c.Trivy.Severity) == 0 {
		c.Trivy.Severity = []string{"HIGH", "CRITICAL"}
	}
	if c.Trivy.Timeout <= 0 {
		c.Trivy.Timeout = 600 * time.Second
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit.Capacity == 0 {
		c.Server.RateLimit.Capacity = 60
	}
	if c.Server.RateLimit.RefillRate == 0 {
		c.Server.RateLimit.RefillRate = 1
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
}

// Accounts returns the registry accounts sorted by alias, with credential
// values expanded from the environment (${VAR}).
func (c *Config) Accounts() []scans.Account {
	names := lo.Keys(c.AWS)
	slices.Sort(names)

	out := make([]scans.Account, 0, len(names))
	for _, n := range names {
		a := c.AWS[n]
		out = append(out, scans.Account{
			Name:            n,
			AccountID:       os.ExpandEnv(a.AccountID),
			Region:          os.ExpandEnv(a.Region),
			AccessKeyID:     os.ExpandEnv(a.AccessKeyID),
			SecretAccessKey: os.ExpandEnv(a.SecretAccessKey),
			Images:          a.Images,
			Tag:             a.Tag,
		})
	}
	return out
}

// HasDatabase reports whether scan history should be persisted.
func (c *Config) HasDatabase() bool { return c.Database.Host != "" }

// HasArtifacts reports whether raw reports should be uploaded.
func (c *Config) HasArtifacts() bool { return c.Minio.Endpoint != "" && c.Minio.BucketName != "" }

// DSN builds the connection string for the configured driver.
func (c *Config) DSN() string {
	if strings.EqualFold(c.Database.Driver, "postgres") {
		return c.PostgresDSN()
	}
	return c.MySQLDSN()
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	ssl := c.Database.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		ssl,
	)
}
