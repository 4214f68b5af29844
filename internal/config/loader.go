package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix is the prefix for environment overrides, e.g. SAFEDEPLOY_BACKUP_KEEP_COUNT.
const EnvPrefix = "SAFEDEPLOY"

// LockFilename is the run lock's name under the project directory.
const LockFilename = ".safedeploy.lock"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include       []string            `mapstructure:"include"       yaml:"include,omitempty"`
	ProjectDir    string              `mapstructure:"project_dir"   yaml:"project_dir"`
	Backup        BackupConfig        `mapstructure:"backup"        yaml:"backup"`
	Deploy        DeployConfig        `mapstructure:"deploy"        yaml:"deploy"`
	Health        HealthConfig        `mapstructure:"health"        yaml:"health"`
	Rollback      RollbackConfig      `mapstructure:"rollback"      yaml:"rollback"`
	Prerequisites PrerequisitesConfig `mapstructure:"prerequisites" yaml:"prerequisites"`
	Lock          LockConfig          `mapstructure:"lock"          yaml:"lock"`
	Vault         VaultConfig         `mapstructure:"vault"         yaml:"vault"`
	Metrics       MetricsConfig       `mapstructure:"metrics"       yaml:"metrics"`
	Log           LogConfig           `mapstructure:"log"           yaml:"log"`
}

// BackupConfig controls what a backup record captures and how many are kept.
type BackupConfig struct {
	Directory     string        `mapstructure:"directory"      yaml:"directory"`
	KeepCount     int           `mapstructure:"keep_count"     yaml:"keep_count"`
	Files         []string      `mapstructure:"files"          yaml:"files"`
	DataDirectory string        `mapstructure:"data_directory" yaml:"data_directory,omitempty"`
	Compression   string        `mapstructure:"compression"    yaml:"compression"`
	Timeout       time.Duration `mapstructure:"timeout"        yaml:"timeout"`
	// Commands queried best-effort at capture time. Each is an argv list.
	ServicesCommand []string `mapstructure:"services_command" yaml:"services_command,omitempty"`
	ImagesCommand   []string `mapstructure:"images_command"   yaml:"images_command,omitempty"`
}

// DeployConfig describes the external deploy entrypoint.
type DeployConfig struct {
	Entrypoint        string        `mapstructure:"entrypoint"         yaml:"entrypoint"`
	StandardArgs      []string      `mapstructure:"standard_args"      yaml:"standard_args"`
	ProductionArgs    []string      `mapstructure:"production_args"    yaml:"production_args"`
	StandardTimeout   time.Duration `mapstructure:"standard_timeout"   yaml:"standard_timeout"`
	ProductionTimeout time.Duration `mapstructure:"production_timeout" yaml:"production_timeout"`
	StopCommand       []string      `mapstructure:"stop_command"       yaml:"stop_command,omitempty"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"       yaml:"stop_timeout"`
	Env               []string      `mapstructure:"env"                yaml:"env,omitempty"`
}

// HealthConfig lists the readiness probes run after a deploy.
type HealthConfig struct {
	SettleDelay  time.Duration  `mapstructure:"settle_delay"  yaml:"settle_delay"`
	ProbeTimeout time.Duration  `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	HTTP         []HTTPProbe    `mapstructure:"http"          yaml:"http,omitempty"`
	TCP          []TCPProbe     `mapstructure:"tcp"           yaml:"tcp,omitempty"`
	Commands     []CommandProbe `mapstructure:"commands"      yaml:"commands,omitempty"`
}

// HTTPProbe checks that a URL answers with the expected status.
type HTTPProbe struct {
	Name           string `mapstructure:"name"            yaml:"name"`
	URL            string `mapstructure:"url"             yaml:"url"`
	ExpectedStatus int    `mapstructure:"expected_status" yaml:"expected_status,omitempty"`
	Quick          bool   `mapstructure:"quick"           yaml:"quick,omitempty"`
}

// TCPProbe checks that an address accepts connections (e.g. the data store).
type TCPProbe struct {
	Name    string `mapstructure:"name"    yaml:"name"`
	Address string `mapstructure:"address" yaml:"address"`
	Quick   bool   `mapstructure:"quick"   yaml:"quick,omitempty"`
}

// CommandProbe passes when the command exits 0.
type CommandProbe struct {
	Name    string   `mapstructure:"name"    yaml:"name"`
	Command []string `mapstructure:"command" yaml:"command"`
	Quick   bool     `mapstructure:"quick"   yaml:"quick,omitempty"`
}

// RollbackConfig holds the fixed parameters of an automatic rollback.
type RollbackConfig struct {
	DeployTimeout time.Duration `mapstructure:"deploy_timeout" yaml:"deploy_timeout"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"   yaml:"settle_delay"`
}

// PrerequisitesConfig names binaries that must resolve before a run starts.
type PrerequisitesConfig struct {
	Binaries []string `mapstructure:"binaries" yaml:"binaries,omitempty"`
}

// LockConfig sets where the run lock lives. Empty means <project dir>/.safedeploy.lock,
// outside the backup root so an unusable root is reported by the backup step.
type LockConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault. Deploy secrets
// are only fetched when Address and SecretPath are both set.
type VaultConfig struct {
	Address    string `mapstructure:"address"     yaml:"address,omitempty"`
	RoleID     string `mapstructure:"role_id"     yaml:"role_id,omitempty"`
	RoleName   string `mapstructure:"role_name"   yaml:"role_name,omitempty"`
	SecretPath string `mapstructure:"secret_path" yaml:"secret_path,omitempty"`
}

// MetricsConfig enables the Prometheus textfile export when TextfilePath is set.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `mapstructure:"level"       yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project_dir", ".")
	v.SetDefault("backup.directory", "backups")
	v.SetDefault("backup.keep_count", 5)
	v.SetDefault("backup.files", []string{".env", "docker-compose.yml", "docker-compose.prod.yml"})
	v.SetDefault("backup.data_directory", "data")
	v.SetDefault("backup.compression", "zstd")
	v.SetDefault("backup.timeout", 2*time.Minute)
	v.SetDefault("backup.services_command", []string{"docker", "compose", "ps", "--services", "--filter", "status=running"})
	v.SetDefault("backup.images_command", []string{"docker", "compose", "images", "--quiet"})

	v.SetDefault("deploy.entrypoint", "./deploy.sh")
	v.SetDefault("deploy.standard_args", []string{"dev"})
	v.SetDefault("deploy.production_args", []string{"prod"})
	v.SetDefault("deploy.standard_timeout", 10*time.Minute)
	v.SetDefault("deploy.production_timeout", 20*time.Minute)
	v.SetDefault("deploy.stop_command", []string{"docker", "compose", "down"})
	v.SetDefault("deploy.stop_timeout", 2*time.Minute)

	v.SetDefault("health.settle_delay", 30*time.Second)
	v.SetDefault("health.probe_timeout", 10*time.Second)

	v.SetDefault("rollback.deploy_timeout", 10*time.Minute)
	v.SetDefault("rollback.settle_delay", 15*time.Second)

	v.SetDefault("prerequisites.binaries", []string{"docker"})

	v.SetDefault("log.level", "info")
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
// An empty path loads defaults and environment overrides only.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		// Read base configuration
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}

		// Merge include files (if any), relative to the base file.
		for _, inc := range v.GetStringSlice("include") {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(path), inc)
			}
			data, err := os.ReadFile(inc)
			if err != nil {
				return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
			}
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
			}
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	c.resolvePaths()
	return c.Validate()
}

// resolvePaths anchors relative paths at ProjectDir.
func (c *Config) resolvePaths() {
	if p, err := filepath.Abs(c.ProjectDir); err == nil {
		c.ProjectDir = p
	}
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.ProjectDir, p)
	}
	c.Backup.Directory = abs(c.Backup.Directory)
	c.Backup.DataDirectory = abs(c.Backup.DataDirectory)
	// Bare names are looked up on PATH; anything with a separator is a path.
	if strings.ContainsRune(c.Deploy.Entrypoint, filepath.Separator) {
		c.Deploy.Entrypoint = abs(c.Deploy.Entrypoint)
	}
	c.Metrics.TextfilePath = abs(c.Metrics.TextfilePath)
	if c.Lock.Path == "" {
		c.Lock.Path = filepath.Join(c.ProjectDir, LockFilename)
	}
	c.Lock.Path = abs(c.Lock.Path)
}

// ConfigFilePaths returns the absolute live path of every file captured in a backup.
func (c *Config) ConfigFilePaths() []string {
	paths := make([]string, 0, len(c.Backup.Files))
	for _, f := range c.Backup.Files {
		if filepath.IsAbs(f) {
			paths = append(paths, f)
			continue
		}
		paths = append(paths, filepath.Join(c.ProjectDir, f))
	}
	return paths
}

// Validate checks invariants the rest of the program relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Backup.Directory == "" {
		errs = append(errs, errors.New("backup.directory is required"))
	}
	if c.Backup.KeepCount < 1 {
		errs = append(errs, fmt.Errorf("backup.keep_count must be >= 1, got %d", c.Backup.KeepCount))
	}
	switch c.Backup.Compression {
	case "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("backup.compression must be zstd, lz4 or none, got %q", c.Backup.Compression))
	}
	if c.Deploy.Entrypoint == "" {
		errs = append(errs, errors.New("deploy.entrypoint is required"))
	}
	for name, d := range map[string]time.Duration{
		"backup.timeout":            c.Backup.Timeout,
		"deploy.standard_timeout":   c.Deploy.StandardTimeout,
		"deploy.production_timeout": c.Deploy.ProductionTimeout,
		"deploy.stop_timeout":       c.Deploy.StopTimeout,
		"health.probe_timeout":      c.Health.ProbeTimeout,
		"rollback.deploy_timeout":   c.Rollback.DeployTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Health.SettleDelay < 0 || c.Rollback.SettleDelay < 0 {
		errs = append(errs, errors.New("settle delays must not be negative"))
	}
	for _, p := range c.Health.HTTP {
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("health.http probe %q has no url", p.Name))
		}
	}
	for _, p := range c.Health.TCP {
		if p.Address == "" {
			errs = append(errs, fmt.Errorf("health.tcp probe %q has no address", p.Name))
		}
	}
	for _, p := range c.Health.Commands {
		if len(p.Command) == 0 {
			errs = append(errs, fmt.Errorf("health.commands probe %q has no command", p.Name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrValidateConfig, errors.Join(errs...))
	}
	return nil
}
