// Package config resolves the effective run configuration from built-in
// defaults, the optional stackup.yaml overrides file, the persisted
// deployment state, and caller-supplied flags, in ascending precedence.
// Validation happens here, before any stage can mutate the host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/systmms/stackup/internal/dbsync"
	stackerrors "github.com/systmms/stackup/internal/errors"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/internal/state"
)

// Mode selects the stack topology.
type Mode string

const (
	// ModeStandalone provisions the relational store and cache locally.
	ModeStandalone Mode = "standalone"

	// ModeExternalDB uses an already-provisioned relational store on
	// another host; only the cache and the application are managed here.
	ModeExternalDB Mode = "external-db"
)

// Settings is the effective configuration passed by reference through
// every orchestration stage. There are no ambient globals; this struct is
// constructed once and never mutated after Resolve.
type Settings struct {
	Mode   Mode
	Engine dbsync.Engine

	// AppVersion pins the application release; empty means latest.
	AppVersion string

	BindHost   string
	BindPort   int
	AdminEmail string

	DBUser string
	DBName string
	DBHost string
	DBPort int

	ForceRegenerate  bool
	SkipSystemUpdate bool
	DryRun           bool
	NonInteractive   bool

	// Unit names and paths. Fixed topology, overridable for tests and
	// nonstandard distributions via stackup.yaml.
	AppUnit         string
	DBUnit          string
	CacheUnit       string
	CacheConfigPath string
	CacheHost       string
	CachePort       int

	StateDir string

	Logger *logging.Logger
}

// StatePath returns the deployment state file location.
func (s *Settings) StatePath() string {
	return s.StateDir + "/stackup.state"
}

// CredentialsPath returns the credential report location.
func (s *Settings) CredentialsPath() string {
	return s.StateDir + "/credentials.txt"
}

// EnvArtifactPath returns the generated application environment file.
func (s *Settings) EnvArtifactPath() string {
	return s.StateDir + "/app.env"
}

// HealthEndpoint returns the application's readiness URL.
func (s *Settings) HealthEndpoint() string {
	return fmt.Sprintf("http://%s:%d/healthz", s.BindHost, s.BindPort)
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		Mode:            ModeStandalone,
		Engine:          dbsync.EnginePostgres,
		BindHost:        "127.0.0.1",
		BindPort:        8080,
		AdminEmail:      "admin@localhost",
		DBUser:          "app",
		DBName:          "app",
		DBHost:          "127.0.0.1",
		AppUnit:         "apiserver.service",
		DBUnit:          "postgresql",
		CacheUnit:       "redis-server",
		CacheConfigPath: "/etc/redis/redis.conf",
		CacheHost:       "127.0.0.1",
		CachePort:       6379,
		StateDir:        "/etc/stackup",
	}
}

// FileConfig is the stackup.yaml overrides file.
type FileConfig struct {
	Mode       string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Engine     string `yaml:"engine,omitempty" json:"engine,omitempty"`
	AppVersion string `yaml:"appVersion,omitempty" json:"appVersion,omitempty"`
	BindHost   string `yaml:"bindHost,omitempty" json:"bindHost,omitempty"`
	BindPort   int    `yaml:"bindPort,omitempty" json:"bindPort,omitempty"`
	AdminEmail string `yaml:"adminEmail,omitempty" json:"adminEmail,omitempty"`
	DBUser     string `yaml:"dbUser,omitempty" json:"dbUser,omitempty"`
	DBName     string `yaml:"dbName,omitempty" json:"dbName,omitempty"`
	DBHost     string `yaml:"dbHost,omitempty" json:"dbHost,omitempty"`
	DBPort     int    `yaml:"dbPort,omitempty" json:"dbPort,omitempty"`

	AppUnit         string `yaml:"appUnit,omitempty" json:"appUnit,omitempty"`
	DBUnit          string `yaml:"dbUnit,omitempty" json:"dbUnit,omitempty"`
	CacheUnit       string `yaml:"cacheUnit,omitempty" json:"cacheUnit,omitempty"`
	CacheConfigPath string `yaml:"cacheConfigPath,omitempty" json:"cacheConfigPath,omitempty"`
	StateDir        string `yaml:"stateDir,omitempty" json:"stateDir,omitempty"`
}

// Overrides carries caller-supplied flag values. Zero values mean "not
// set" and leave lower-precedence sources in effect.
type Overrides struct {
	Mode       string
	Engine     string
	AppVersion string
	BindHost   string

	// BindPortSet distinguishes an explicit --port 0 (rejected) from the
	// flag being absent.
	BindPort    int
	BindPortSet bool

	AdminEmail string
	ForceRegenerate  bool
	SkipSystemUpdate bool
	DryRun           bool
	NonInteractive   bool
	StateDir         string
}

// LoadFile reads and schema-validates stackup.yaml. A missing file is not
// an error; overrides are optional.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, stackerrors.UserError{
			Message:    fmt.Sprintf("Invalid YAML in %s", path),
			Details:    err.Error(),
			Suggestion: "Check for indentation errors and missing quotes",
			Err:        err,
		}
	}
	if err := validateSchema(raw); err != nil {
		return nil, stackerrors.UserError{
			Message:    fmt.Sprintf("Invalid configuration in %s", path),
			Details:    err.Error(),
			Suggestion: "Compare against the documented stackup.yaml fields",
			Err:        err,
		}
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &file, nil
}

// Resolve merges all sources into validated Settings, later sources
// winning: defaults, then the persisted record (so a bare re-invocation
// converges instead of resetting bind address, port, and admin identity),
// then stackup.yaml (an explicit edit to the overrides file must take
// effect even after a state file exists), then flags.
func Resolve(file *FileConfig, persisted *state.Record, flags Overrides) (*Settings, error) {
	s := Defaults()

	applyPersisted(&s, persisted)
	applyFile(&s, file)
	applyFlags(&s, flags)

	if s.DBPort == 0 {
		s.DBPort = dbsync.DefaultPort(s.Engine)
	}
	if s.Engine == dbsync.EngineMySQL && s.DBUnit == "postgresql" {
		s.DBUnit = "mysql"
	}

	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func applyFile(s *Settings, file *FileConfig) {
	if file == nil {
		return
	}
	if file.Mode != "" {
		s.Mode = Mode(file.Mode)
	}
	if file.Engine != "" {
		s.Engine = dbsync.Engine(file.Engine)
	}
	setString(&s.AppVersion, file.AppVersion)
	setString(&s.BindHost, file.BindHost)
	if file.BindPort != 0 {
		s.BindPort = file.BindPort
	}
	setString(&s.AdminEmail, file.AdminEmail)
	setString(&s.DBUser, file.DBUser)
	setString(&s.DBName, file.DBName)
	setString(&s.DBHost, file.DBHost)
	if file.DBPort != 0 {
		s.DBPort = file.DBPort
	}
	setString(&s.AppUnit, file.AppUnit)
	setString(&s.DBUnit, file.DBUnit)
	setString(&s.CacheUnit, file.CacheUnit)
	setString(&s.CacheConfigPath, file.CacheConfigPath)
	setString(&s.StateDir, file.StateDir)
}

func applyPersisted(s *Settings, persisted *state.Record) {
	if persisted == nil {
		return
	}
	setString(&s.BindHost, persisted.Get(state.FieldBindHost))
	if port, err := strconv.Atoi(persisted.Get(state.FieldBindPort)); err == nil && port != 0 {
		s.BindPort = port
	}
	setString(&s.AdminEmail, persisted.Get(state.FieldAdminEmail))
	setString(&s.DBUser, persisted.Get(state.FieldDBUser))
	setString(&s.DBName, persisted.Get(state.FieldDBName))
}

func applyFlags(s *Settings, flags Overrides) {
	if flags.Mode != "" {
		s.Mode = Mode(flags.Mode)
	}
	if flags.Engine != "" {
		s.Engine = dbsync.Engine(flags.Engine)
	}
	setString(&s.AppVersion, flags.AppVersion)
	setString(&s.BindHost, flags.BindHost)
	if flags.BindPortSet || flags.BindPort != 0 {
		s.BindPort = flags.BindPort
	}
	setString(&s.AdminEmail, flags.AdminEmail)
	setString(&s.StateDir, flags.StateDir)

	s.ForceRegenerate = flags.ForceRegenerate
	s.SkipSystemUpdate = flags.SkipSystemUpdate
	s.DryRun = flags.DryRun
	s.NonInteractive = flags.NonInteractive
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func validate(s *Settings) error {
	switch s.Mode {
	case ModeStandalone, ModeExternalDB:
	default:
		return stackerrors.ValidationError{
			Field:      "mode",
			Value:      string(s.Mode),
			Message:    "unknown topology mode",
			Suggestion: "Use 'standalone' or 'external-db'",
		}
	}

	switch s.Engine {
	case dbsync.EnginePostgres, dbsync.EngineMySQL:
	default:
		return stackerrors.ValidationError{
			Field:      "engine",
			Value:      string(s.Engine),
			Message:    "unsupported database engine",
			Suggestion: "Use 'postgres' or 'mysql'",
		}
	}

	if s.BindPort < 1 || s.BindPort > 65535 {
		return stackerrors.ValidationError{
			Field:      "port",
			Value:      s.BindPort,
			Message:    "port must be between 1 and 65535",
			Suggestion: "Pass --port with a value in range",
		}
	}

	if !strings.Contains(s.AdminEmail, "@") {
		return stackerrors.ValidationError{
			Field:   "admin-email",
			Value:   s.AdminEmail,
			Message: "administrator email must contain '@'",
		}
	}

	return nil
}
