package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Backend names.
const (
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendIPFS     = "ipfs"
)

type Config struct {
	Listen        string `yaml:"listen"`
	Root          string `yaml:"root"`
	MaxUploadMB   int    `yaml:"max_upload_mb"`
	MinimumFreeGB int    `yaml:"minimum_free_gb"`
	AllowWeakKeys bool   `yaml:"allow_weak_keys"`

	Keys     KeysConfig     `yaml:"keys"`
	Envelope EnvelopeConfig `yaml:"envelope"`
	Log      LogConfig      `yaml:"log"`
	Backend  BackendConfig  `yaml:"backend"`
}

type KeysConfig struct {
	Dir        string `yaml:"dir"`
	Passphrase string `yaml:"passphrase"`
	Bits       int    `yaml:"bits"`
}

type EnvelopeConfig struct {
	Authenticated bool `yaml:"authenticated"`
	LegacyRead    bool `yaml:"legacy_read"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BackendConfig struct {
	Type     string       `yaml:"type"`
	Badger   BadgerConfig `yaml:"badger"`
	SQLite   SQLConfig    `yaml:"sqlite"`
	Postgres SQLConfig    `yaml:"postgres"`
	S3       S3Config     `yaml:"s3"`
	GCS      GCSConfig    `yaml:"gcs"`
	IPFS     IPFSConfig   `yaml:"ipfs"`
}

type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	CredentialsFile string `yaml:"credentials_file"`
}

type IPFSConfig struct {
	API string `yaml:"api"`
}

// Default returns the configuration used when nothing else is given. It
// matches the original service: port 3000, key files in the working
// directory, envelopes under /encrypted.
func Default() Config { // A
	return Config{
		Listen:      ":3000",
		Root:        "/encrypted",
		MaxUploadMB: 64,
		Keys: KeysConfig{
			Dir:  ".",
			Bits: 4096,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Backend: BackendConfig{
			Type:   BackendBadger,
			Badger: BadgerConfig{Path: "data/badger"},
			S3:     S3Config{Region: "us-east-1"},
			IPFS:   IPFSConfig{API: "http://127.0.0.1:5001"},
		},
	}
}

// Load reads the YAML file over the defaults, then applies VAULT_*
// environment variables. An empty file name skips the file.
func Load(file string) (Config, error) {
	cfg := Default()

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", file, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(f func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *f(c) = v; return nil }
}

func num(f func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func boolean(f func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*f(c) = b
		return nil
	}
}

var envVars = []envVar{
	{"VAULT_LISTEN", str(func(c *Config) *string { return &c.Listen })},
	{"VAULT_ROOT", str(func(c *Config) *string { return &c.Root })},
	{"VAULT_MAX_UPLOAD_MB", num(func(c *Config) *int { return &c.MaxUploadMB })},
	{"VAULT_MINIMUM_FREE_GB", num(func(c *Config) *int { return &c.MinimumFreeGB })},
	{"VAULT_ALLOW_WEAK_KEYS", boolean(func(c *Config) *bool { return &c.AllowWeakKeys })},
	{"VAULT_KEYS_DIR", str(func(c *Config) *string { return &c.Keys.Dir })},
	{"VAULT_KEYS_PASSPHRASE", str(func(c *Config) *string { return &c.Keys.Passphrase })},
	{"VAULT_KEYS_BITS", num(func(c *Config) *int { return &c.Keys.Bits })},
	{"VAULT_ENVELOPE_AUTHENTICATED", boolean(func(c *Config) *bool { return &c.Envelope.Authenticated })},
	{"VAULT_ENVELOPE_LEGACY_READ", boolean(func(c *Config) *bool { return &c.Envelope.LegacyRead })},
	{"VAULT_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"VAULT_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"VAULT_BACKEND", str(func(c *Config) *string { return &c.Backend.Type })},
	{"VAULT_BADGER_PATH", str(func(c *Config) *string { return &c.Backend.Badger.Path })},
	{"VAULT_BADGER_IN_MEMORY", boolean(func(c *Config) *bool { return &c.Backend.Badger.InMemory })},
	{"VAULT_SQLITE_DSN", str(func(c *Config) *string { return &c.Backend.SQLite.DSN })},
	{"VAULT_POSTGRES_DSN", str(func(c *Config) *string { return &c.Backend.Postgres.DSN })},
	{"VAULT_S3_BUCKET", str(func(c *Config) *string { return &c.Backend.S3.Bucket })},
	{"VAULT_S3_REGION", str(func(c *Config) *string { return &c.Backend.S3.Region })},
	{"VAULT_S3_ENDPOINT", str(func(c *Config) *string { return &c.Backend.S3.Endpoint })},
	{"VAULT_S3_PREFIX", str(func(c *Config) *string { return &c.Backend.S3.Prefix })},
	{"VAULT_S3_ACCESS_KEY_ID", str(func(c *Config) *string { return &c.Backend.S3.AccessKeyID })},
	{"VAULT_S3_SECRET_ACCESS_KEY", str(func(c *Config) *string { return &c.Backend.S3.SecretAccessKey })},
	{"VAULT_GCS_BUCKET", str(func(c *Config) *string { return &c.Backend.GCS.Bucket })},
	{"VAULT_GCS_PREFIX", str(func(c *Config) *string { return &c.Backend.GCS.Prefix })},
	{"VAULT_GCS_ENDPOINT", str(func(c *Config) *string { return &c.Backend.GCS.Endpoint })},
	{"VAULT_GCS_CREDENTIALS_FILE", str(func(c *Config) *string { return &c.Backend.GCS.CredentialsFile })},
	{"VAULT_IPFS_API", str(func(c *Config) *string { return &c.Backend.IPFS.API })},
}

// ApplyEnv overrides fields from the environment as seen through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error { // A
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}
	return nil
}

// Validate reports the first problem that would stop the vault from starting.
func (c Config) Validate() error { // AC
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if !path.IsAbs(c.Root) {
		return fmt.Errorf("root %q must be absolute", c.Root)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB)
	}
	if c.Keys.Dir == "" {
		return errors.New("keys.dir is empty")
	}
	if c.Keys.Bits%8 != 0 || c.Keys.Bits < 1024 {
		return fmt.Errorf("keys.bits %d is not usable", c.Keys.Bits)
	}
	if c.Keys.Bits < 2048 && !c.AllowWeakKeys {
		return fmt.Errorf("keys.bits %d is below 2048; set allow_weak_keys to use it anyway", c.Keys.Bits)
	}

	b := c.Backend
	switch b.Type {
	case BackendBadger:
		if !b.Badger.InMemory && b.Badger.Path == "" {
			return errors.New("backend.badger.path is empty")
		}
	case BackendSQLite:
		if b.SQLite.DSN == "" {
			return errors.New("backend.sqlite.dsn is empty")
		}
	case BackendPostgres:
		if b.Postgres.DSN == "" {
			return errors.New("backend.postgres.dsn is empty")
		}
	case BackendS3:
		if b.S3.Bucket == "" {
			return errors.New("backend.s3.bucket is empty")
		}
	case BackendGCS:
		if b.GCS.Bucket == "" {
			return errors.New("backend.gcs.bucket is empty")
		}
	case BackendIPFS:
		if b.IPFS.API == "" {
			return errors.New("backend.ipfs.api is empty")
		}
	default:
		return fmt.Errorf("unknown backend %q", b.Type)
	}
	return nil
}

// Flags holds command line overrides. Only flags that were actually passed
// replace values from the file and environment.
type Flags struct {
	fs         *flag.FlagSet
	ConfigPath string
	EnvFile    string
	values     Config
}

// NewFlags registers the shared flags on fs.
func NewFlags(fs *flag.FlagSet) *Flags { // A
	f := &Flags{fs: fs}
	d := Default()
	fs.StringVar(&f.ConfigPath, "config", "", "path to a YAML config file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "optional .env file with VAULT_* variables")
	fs.StringVar(&f.values.Listen, "listen", d.Listen, "HTTP listen address")
	fs.StringVar(&f.values.Root, "root", d.Root, "directory all files are stored under")
	fs.StringVar(&f.values.Keys.Dir, "keys-dir", d.Keys.Dir, "directory holding public.pem and private.pem")
	fs.StringVar(&f.values.Backend.Type, "backend", d.Backend.Type, "storage backend: badger, sqlite, postgres, s3, gcs or ipfs")
	fs.StringVar(&f.values.Backend.Badger.Path, "badger-path", d.Backend.Badger.Path, "badger data directory")
	fs.StringVar(&f.values.Backend.IPFS.API, "ipfs-api", d.Backend.IPFS.API, "Kubo RPC address")
	fs.StringVar(&f.values.Log.Level, "log-level", d.Log.Level, "log level")
	fs.StringVar(&f.values.Log.Format, "log-format", d.Log.Format, "log format: text or json")
	fs.BoolVar(&f.values.Envelope.Authenticated, "authenticated", false, "append an HMAC tag to new envelopes")
	fs.BoolVar(&f.values.Envelope.LegacyRead, "legacy-read", false, "also accept envelopes from the first deployment")
	return f
}

// Load resolves the final configuration: defaults, .env file, YAML file,
// environment, then flags. It must be called after fs.Parse.
func (f *Flags) Load() (Config, error) {
	if f.EnvFile != "" {
		if err := LoadDotEnv(f.EnvFile); err != nil {
			return Config{}, err
		}
	}
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen":
			cfg.Listen = f.values.Listen
		case "root":
			cfg.Root = f.values.Root
		case "keys-dir":
			cfg.Keys.Dir = f.values.Keys.Dir
		case "backend":
			cfg.Backend.Type = f.values.Backend.Type
		case "badger-path":
			cfg.Backend.Badger.Path = f.values.Backend.Badger.Path
		case "ipfs-api":
			cfg.Backend.IPFS.API = f.values.Backend.IPFS.API
		case "log-level":
			cfg.Log.Level = f.values.Log.Level
		case "log-format":
			cfg.Log.Format = f.values.Log.Format
		case "authenticated":
			cfg.Envelope.Authenticated = f.values.Envelope.Authenticated
		case "legacy-read":
			cfg.Envelope.LegacyRead = f.values.Envelope.LegacyRead
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
