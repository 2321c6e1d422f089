// Package config loads the controller's YAML configuration document:
// the SSH channel to the host, the package registry content, per-package
// Docker registry credentials, and the operation-history backend.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/registry"
	"github.com/iothost/autoupdater/pkg/state/history"
)

// SSHConfig is the `Ssh*` key group (spec §6).
type SSHConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	Pwd               string `yaml:"pwd"`
	KeyPath           string `yaml:"key_path"`
	KeyPassphrase     string `yaml:"key_passphrase"`
	AuthMethod        string `yaml:"auth_method"` // Password | PrivateKey | PrivateKeyWithPassphrase | KeyWithPasswordFallback
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	KeepAliveSeconds  int    `yaml:"keep_alive_seconds"`
	EnableCompression bool   `yaml:"enable_compression"`
}

// PackageEntry is one raw `StdPackages`/`Packages` list entry.
type PackageEntry struct {
	Name            string `yaml:"name"`
	RepositoryURL   string `yaml:"repository_url"`
	LocalRepoPath   string `yaml:"local_repo_path"`
	ComposeSubdir   string `yaml:"compose_subdir"`
	RegistryURL     string `yaml:"registry_url"`
}

// HistoryConfig selects and configures the operation-history backend
// (`pkg/state/history`).
type HistoryConfig struct {
	Backend         string `yaml:"backend"` // sqlite | postgres | redis
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
	TTLSeconds      int    `yaml:"ttl_seconds"`
}

// Config is the full document loaded from YAML (spec §6's enumerated key
// table). VpnProviderAccess is named in spec §6 but is explicitly out of
// scope (spec.md Non-goals) and is intentionally not modeled here.
type Config struct {
	SSH            SSHConfig      `yaml:"ssh"`
	HostAddress    string         `yaml:"host_address"`
	StdPackages    []PackageEntry `yaml:"std_packages"`
	Packages       []PackageEntry `yaml:"packages"`
	DockerAuth     map[string]string `yaml:"docker_auth"` // packageName -> token
	History        HistoryConfig  `yaml:"history"`
	SelfPackageName string        `yaml:"self_package_name"`
}

// defaultHostAddress is used when SshHost is absent (spec §6).
const defaultHostAddress = "172.17.0.1"

// Load reads and parses a YAML config file, applying the defaults spec §6
// documents for the SSH tuning keys and HostAddress.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.TimeoutSeconds == 0 {
		c.SSH.TimeoutSeconds = 30
	}
	if c.SSH.KeepAliveSeconds == 0 {
		c.SSH.KeepAliveSeconds = 30
	}
	if c.SSH.AuthMethod == "" {
		c.SSH.AuthMethod = "Password"
	}
	if c.HostAddress == "" {
		if c.SSH.Host != "" {
			c.HostAddress = c.SSH.Host
		} else {
			c.HostAddress = defaultHostAddress
		}
	}
	if c.History.Backend == "" {
		c.History.Backend = "sqlite"
	}
}

// Validate checks the document for values that would make the controller
// unable to start.
func (c *Config) Validate() error {
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return fmt.Errorf("config: invalid ssh port: %d", c.SSH.Port)
	}
	if c.SSH.User == "" {
		return fmt.Errorf("config: ssh user is required")
	}

	switch c.SSH.AuthMethod {
	case "Password":
		if c.SSH.Pwd == "" {
			return fmt.Errorf("config: ssh password is required for AuthMethod=Password")
		}
	case "PrivateKey", "PrivateKeyWithPassphrase":
		if c.SSH.KeyPath == "" {
			return fmt.Errorf("config: ssh key_path is required for AuthMethod=%s", c.SSH.AuthMethod)
		}
	case "KeyWithPasswordFallback":
		if c.SSH.KeyPath == "" && c.SSH.Pwd == "" {
			return fmt.Errorf("config: ssh key_path or pwd is required for AuthMethod=KeyWithPasswordFallback")
		}
	default:
		return fmt.Errorf("config: unknown ssh auth_method %q", c.SSH.AuthMethod)
	}

	names := map[string]bool{}
	for _, p := range append(append([]PackageEntry{}, c.StdPackages...), c.Packages...) {
		if p.Name == "" && p.LocalRepoPath == "" {
			return fmt.Errorf("config: package entry missing both name and local_repo_path")
		}
		name := p.Name
		if name == "" {
			name = registry.NameFromPath(p.LocalRepoPath)
		}
		names[name] = true
	}

	switch c.History.Backend {
	case "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown history backend %q", c.History.Backend)
	}

	return nil
}

// HostShellConfig builds the pkg/hostshell.Config this document describes.
func (c *Config) HostShellConfig() hostshell.Config {
	host := c.SSH.Host
	if host == "" {
		host = c.HostAddress
	}
	return hostshell.Config{
		Host:              host,
		Port:              c.SSH.Port,
		User:              c.SSH.User,
		Password:          c.SSH.Pwd,
		KeyPath:           c.SSH.KeyPath,
		KeyPassphrase:     c.SSH.KeyPassphrase,
		AuthMethod:        authMethodFromString(c.SSH.AuthMethod),
		TimeoutSeconds:    c.SSH.TimeoutSeconds,
		KeepAliveSeconds:  c.SSH.KeepAliveSeconds,
		EnableCompression: c.SSH.EnableCompression,
	}
}

func authMethodFromString(s string) hostshell.AuthMethod {
	switch s {
	case "PrivateKey":
		return hostshell.AuthPrivateKey
	case "PrivateKeyWithPassphrase":
		return hostshell.AuthPrivateKeyWithPassphrase
	case "KeyWithPasswordFallback":
		return hostshell.AuthKeyWithPasswordFallback
	default:
		return hostshell.AuthPassword
	}
}

// PackageConfigs converts StdPackages and Packages into registry.Config,
// applying the per-name DockerAuth token and deriving Name from
// LocalRepoPath's basename where an entry doesn't set one explicitly.
func (c *Config) PackageConfigs() (std, user []registry.Config) {
	std = convertPackageEntries(c.StdPackages, c.DockerAuth)
	user = convertPackageEntries(c.Packages, c.DockerAuth)
	return std, user
}

func convertPackageEntries(entries []PackageEntry, dockerAuth map[string]string) []registry.Config {
	out := make([]registry.Config, 0, len(entries))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = registry.NameFromPath(e.LocalRepoPath)
		}
		out = append(out, registry.Config{
			Name:            name,
			RepositoryURL:   e.RepositoryURL,
			LocalRepoPath:   e.LocalRepoPath,
			ComposeSubdir:   e.ComposeSubdir,
			DockerAuthToken: dockerAuth[name],
			RegistryURL:     e.RegistryURL,
		})
	}
	return out
}

// HistoryStoreConfig converts HistoryConfig into pkg/state/history.Config.
func (c *Config) HistoryStoreConfig() history.Config {
	return history.Config{
		Backend:         history.Backend(c.History.Backend),
		Host:            c.History.Host,
		Port:            c.History.Port,
		Database:        c.History.Database,
		Username:        c.History.Username,
		Password:        c.History.Password,
		SSLMode:         c.History.SSLMode,
		MaxOpenConns:    c.History.MaxOpenConns,
		MaxIdleConns:    c.History.MaxIdleConns,
		ConnMaxLifetime: secondsToDuration(c.History.ConnMaxLifetime),
		TTL:             secondsToDuration(c.History.TTLSeconds),
	}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
