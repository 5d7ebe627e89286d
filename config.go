package xmysql

import (
	"database/sql"
	"encoding"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config describes how to reach the database. Either DSN or the structured
// fields (Host, Port, User, ...) are used; DSN wins when both are set.
type Config struct {
	Driver   string            `yaml:"driver" toml:"driver"`
	DSN      string            `yaml:"dsn" toml:"dsn"`
	Host     string            `yaml:"host" toml:"host"`
	Port     int               `yaml:"port" toml:"port"`
	User     string            `yaml:"user" toml:"user"`
	Password string            `yaml:"password" toml:"password"`
	Database string            `yaml:"database" toml:"database"`
	Params   map[string]string `yaml:"params" toml:"params"`

	Pool PoolConfig `yaml:"pool" toml:"pool"`
	Log  LogConfig  `yaml:"log" toml:"log"`
}

// PoolConfig holds the database/sql pool limits. Zero leaves the
// database/sql default in place.
type PoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time" toml:"conn_max_idle_time"`
}

// LogConfig sets the level of the xmysql logger (debug, info, warn, error).
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML and YAML
type Duration time.Duration

// UnmarshalText implements interface for TOML and YAML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

var knownDrivers = map[string]bool{"mysql": true, "pgx": true, "sqlite": true}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, xerrors.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, xerrors.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, xerrors.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return &cfg, nil
}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	var merr *multierror.Error
	if !knownDrivers[c.driverName()] {
		merr = multierror.Append(merr, xerrors.Errorf("driver %q is not one of mysql, pgx, sqlite", c.Driver))
	}
	if c.DSN == "" {
		switch {
		case c.driverName() == "sqlite":
			if c.Database == "" {
				merr = multierror.Append(merr, xerrors.New("sqlite needs dsn or database"))
			}
		case c.Host == "":
			merr = multierror.Append(merr, xerrors.New("either dsn or host is required"))
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		merr = multierror.Append(merr, xerrors.Errorf("port %d out of range", c.Port))
	}
	if c.Pool.MaxOpenConns < 0 || c.Pool.MaxIdleConns < 0 {
		merr = multierror.Append(merr, xerrors.New("pool connection limits must not be negative"))
	}
	if c.Pool.ConnMaxLifetime < 0 || c.Pool.ConnMaxIdleTime < 0 {
		merr = multierror.Append(merr, xerrors.New("pool lifetimes must not be negative"))
	}
	if c.Log.Level != "" {
		if _, err := logging.LevelFromString(c.Log.Level); err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("log level %q: %w", c.Log.Level, err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return xerrors.Errorf("xmysql: invalid config: %w", err)
	}
	return nil
}

func (c Config) driverName() string {
	if c.Driver == "" {
		return "mysql"
	}
	return strings.ToLower(c.Driver)
}

// FormatDSN returns the data source name handed to the driver.
func (c Config) FormatDSN() (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	switch c.driverName() {
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = c.addr(3306)
		mc.DBName = c.Database
		mc.ParseTime = true
		if len(c.Params) > 0 {
			mc.Params = make(map[string]string, len(c.Params))
			for k, v := range c.Params {
				mc.Params[k] = v
			}
		}
		return mc.FormatDSN(), nil
	case "pgx":
		u := url.URL{Scheme: "postgres", Host: c.addr(5432), Path: "/" + c.Database}
		if c.User != "" {
			u.User = url.UserPassword(c.User, c.Password)
		}
		q := url.Values{}
		for k, v := range c.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case "sqlite":
		return c.Database, nil
	}
	return "", xerrors.Errorf("xmysql: unknown driver %q", c.Driver)
}

// MaskedDSN is FormatDSN with the password hidden, for logs and the CLI.
func (c Config) MaskedDSN() string {
	dsn, err := c.FormatDSN()
	if err != nil {
		return ""
	}
	switch c.driverName() {
	case "mysql":
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return ""
		}
		if mc.Passwd != "" {
			mc.Passwd = "xxxxx"
		}
		return mc.FormatDSN()
	case "pgx":
		if u, err := url.Parse(dsn); err == nil {
			return u.Redacted()
		}
		return ""
	}
	return dsn
}

func (c Config) addr(defaultPort int) string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (p PoolConfig) apply(db *sql.DB) {
	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(p.ConnMaxLifetime))
	}
	if p.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(time.Duration(p.ConnMaxIdleTime))
	}
}
