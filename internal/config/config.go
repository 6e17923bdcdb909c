package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for emberweb.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Health   HealthConfig   `yaml:"health"`
}

// ListenConfig defines the ports and bind addresses emberweb listens on.
type ListenConfig struct {
	Port    int    `yaml:"port"`
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
}

// ServerConfig holds the tunables of the serving core.
type ServerConfig struct {
	DocRoot        string        `yaml:"doc_root"`
	MaxConnections int           `yaml:"max_connections"`
	Workers        int           `yaml:"workers"`
	QueueDepth     int           `yaml:"queue_depth"`
	Timeslot       time.Duration `yaml:"timeslot"`
}

// DatabaseConfig holds the MySQL settings for the user table. An empty host
// disables the database: the server runs static-only and the form endpoints
// answer with their error pages.
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DBName      string        `yaml:"dbname"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// HealthConfig controls the periodic database / document-root checker.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// Enabled reports whether a database is configured at all.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// Redacted returns a copy of the DatabaseConfig with the password masked.
func (d DatabaseConfig) Redacted() DatabaseConfig {
	c := d
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv substitutes ${VAR} references with environment values. A
// reference to an unset variable is left in place, so a stray secret
// placeholder fails loudly at validation or connect time instead of
// silently turning into an empty string. Bare $ sequences are not touched.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return ref
	})
}

// Load reads path, expands ${VAR} references, and returns the validated
// config with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file (port supplied on the command line).
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Server.DocRoot == "" {
		cfg.Server.DocRoot = "./root"
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 65536
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 8
	}
	if cfg.Server.QueueDepth == 0 {
		cfg.Server.QueueDepth = 1024
	}
	if cfg.Server.Timeslot == 0 {
		cfg.Server.Timeslot = 5 * time.Second
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 3306
	}
	if cfg.Database.PoolSize == 0 {
		cfg.Database.PoolSize = 8
	}
	if cfg.Database.DialTimeout == 0 {
		cfg.Database.DialTimeout = 5 * time.Second
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range", cfg.Listen.Port)
	}
	if cfg.Server.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if cfg.Server.Timeslot < 0 {
		return fmt.Errorf("timeslot must not be negative")
	}
	if cfg.Database.Enabled() {
		if cfg.Database.DBName == "" {
			return fmt.Errorf("database: dbname is required")
		}
		if cfg.Database.Username == "" {
			return fmt.Errorf("database: username is required")
		}
		if cfg.Database.PoolSize < 0 {
			return fmt.Errorf("database: pool_size must not be negative")
		}
	}
	return nil
}

// structuralChanges lists the settings that differ between the running
// config and a reloaded one but cannot take effect without a restart: the
// bound ports, the document root, the worker/queue dimensions, the tick
// cadence, and the whole database and health blocks. Only
// server.max_connections is applied live.
func structuralChanges(active, next *Config) []string {
	var changed []string
	if active.Listen != next.Listen {
		changed = append(changed, "listen")
	}
	if active.Server.DocRoot != next.Server.DocRoot {
		changed = append(changed, "server.doc_root")
	}
	if active.Server.Workers != next.Server.Workers {
		changed = append(changed, "server.workers")
	}
	if active.Server.QueueDepth != next.Server.QueueDepth {
		changed = append(changed, "server.queue_depth")
	}
	if active.Server.Timeslot != next.Server.Timeslot {
		changed = append(changed, "server.timeslot")
	}
	if active.Database != next.Database {
		changed = append(changed, "database")
	}
	if active.Health != next.Health {
		changed = append(changed, "health")
	}
	return changed
}

// Watcher reloads the config file when it changes and applies the safe
// tunables through the callback. Structural settings are compared against
// the running config and logged as ignored; they need a restart.
type Watcher struct {
	path    string
	apply   func(*Config)
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	active *Config

	stopCh chan struct{}
}

// NewWatcher starts watching path. active is the configuration the process
// is currently running with; apply receives each successfully reloaded
// config after the structural diff has been logged.
func NewWatcher(path string, active *Config, apply func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	w := &Watcher{
		path:    path,
		apply:   apply,
		watcher: fw,
		active:  active,
		stopCh:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	// Editors save through rename+write bursts; collapse each burst into
	// one reload.
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		log.Printf("[config] hot-reload failed, keeping running config: %v", err)
		return
	}

	w.mu.Lock()
	ignored := structuralChanges(w.active, next)
	if reflect.DeepEqual(w.active, next) {
		w.mu.Unlock()
		log.Printf("[config] %s rewritten with no effective changes", w.path)
		return
	}
	w.active = next
	w.mu.Unlock()

	for _, field := range ignored {
		log.Printf("[config] ignoring change to %s: requires restart", field)
	}
	log.Printf("[config] configuration reloaded from %s", w.path)
	w.apply(next)
}

// Active returns the most recently loaded configuration.
func (w *Watcher) Active() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Stop stops the config watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}
