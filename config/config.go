package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"ipindex/dataset"
	"ipindex/ipaddresses"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides the file.
const EnvPrefix = "IPINDEX_"

// Main is the top level configuration.
type Main struct {
	Family        string `yaml:"family"`
	Dataset       string `yaml:"dataset"`
	CSVPath       string `yaml:"csv_path"`
	IndexPath     string `yaml:"index_path"`
	Workers       int    `yaml:"workers"`
	LogLevel      string `yaml:"log_level"`
	ProgressEvery int    `yaml:"progress_every"`
	SQL           SQL    `yaml:"sql"`
}

// SQL configures the optional SQL range store.
type SQL struct {
	DSN       string `yaml:"dsn"`
	BatchSize int    `yaml:"batch_size"`
}

// Default is the configuration used when no file is given.
func Default() Main {
	return Main{
		Family:        "ipv4",
		Dataset:       "geolocation",
		IndexPath:     "geoip4.idx",
		LogLevel:      "info",
		ProgressEvery: 1000000,
		SQL:           SQL{BatchSize: 1000},
	}
}

// Parse reads YAML on top of the defaults.
func Parse(data []byte) (c Main, err error) {
	c = Default()
	if err = yaml.Unmarshal(data, &c); err != nil {
		err = fmt.Errorf("parsing config: %w", err)
	}
	return
}

// Load reads the YAML file at path, if any, then applies overrides from a
// .env file in the working directory and from IPINDEX_* environment
// variables. Real environment variables win over .env entries.
func Load(path string) (c Main, err error) {
	c = Default()
	if path != "" {
		var data []byte
		if data, err = os.ReadFile(path); err != nil {
			err = fmt.Errorf("reading config: %w", err)
			return
		}
		if c, err = Parse(data); err != nil {
			return
		}
	}

	env, err := godotenv.Read(".env")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("reading .env: %w", err)
		return
	}
	if env == nil {
		env = map[string]string{}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}

	err = c.applyEnv(env)
	return
}

func (c *Main) applyEnv(env map[string]string) (err error) {
	str := func(name string, dst *string) {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := env[EnvPrefix+name]
		if !ok || err != nil {
			return
		}
		n, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			err = fmt.Errorf("%s%s: %w", EnvPrefix, name, perr)
			return
		}
		*dst = n
	}

	str("FAMILY", &c.Family)
	str("DATASET", &c.Dataset)
	str("CSV_PATH", &c.CSVPath)
	str("INDEX_PATH", &c.IndexPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("SQL_DSN", &c.SQL.DSN)
	num("WORKERS", &c.Workers)
	num("PROGRESS_EVERY", &c.ProgressEvery)
	num("SQL_BATCH_SIZE", &c.SQL.BatchSize)
	return
}

// Validate checks the fields every command depends on.
func (c Main) Validate() error {
	if _, err := ipaddresses.ParseFamily(c.Family); err != nil {
		return err
	}
	if _, err := dataset.ParseKind(c.Dataset); err != nil {
		return err
	}
	if c.IndexPath == "" {
		return errors.New("index_path must be set")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// AddressFamily returns the parsed family. Call Validate first.
func (c Main) AddressFamily() ipaddresses.Family {
	f, _ := ipaddresses.ParseFamily(c.Family)
	return f
}

// DatasetKind returns the parsed dataset kind. Call Validate first.
func (c Main) DatasetKind() dataset.Kind {
	k, _ := dataset.ParseKind(c.Dataset)
	return k
}
