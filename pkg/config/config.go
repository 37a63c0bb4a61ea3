// Package config reads the service settings from the environment and an
// optional .env file, and the storage backend from the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMongo    = "mongo"
	StorageMemory   = "memory"
)

type Config struct {
	Storage string
	Addr    string
	Seed    bool

	PostgresDSN string
	MongoURI    string
	MongoDB     string
	RedisAddr   string
	SecretKey   string
	LogLevel    string
}

// Load merges the .env file at envPath under the process environment:
// variables already set in the process win, as with godotenv.Load.
func Load(envPath string, args []string) (*Config, error) {
	env, err := godotenv.Read(envPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed reading %s: %w", envPath, err)
	}
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		if v, ok := env[key]; ok {
			return v
		}
		return def
	}

	cfg := &Config{
		PostgresDSN: get("POSTGRES_DSN", "postgresql://localhost/blog?sslmode=disable"),
		MongoURI:    get("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDB:     get("MONGODB_DB", "blog"),
		RedisAddr:   get("REDIS_ADDR", "redis://localhost:6379/0"),
		SecretKey:   get("SECRET_KEY", ""),
		LogLevel:    get("LOG_LEVEL", "info"),
	}

	fset := flag.NewFlagSet("blog", flag.ContinueOnError)
	fset.StringVar(&cfg.Storage, "storage", get("STORAGE", StoragePostgres), "posts storage: postgres, mongo or memory")
	fset.StringVar(&cfg.Addr, "addr", get("ADDR", ":8080"), "HTTP listen address")
	fset.BoolVar(&cfg.Seed, "seed", false, "fill the storage with generated posts and reactions")
	if err := fset.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMongo, StorageMemory:
	default:
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}
	if c.SecretKey == "" {
		return errors.New("config: SECRET_KEY is required")
	}
	return nil
}
