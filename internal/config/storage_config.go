package config

import (
	"fmt"
)

const (
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverMySQL    = "mysql"
	DatabaseDriverSQLite   = "sqlite"

	StoreKindMemory = "memory"
	StoreKindRedis  = "redis"

	defaultDatabaseDSN = "file:sdms-idp.db?cache=shared"
	defaultRedisPrefix = "sdms-idp"
)

// DatabaseConfig selects the relational store holding users, consents and
// refresh tokens.
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

func (d *DatabaseConfig) applyDefaults() {
	if d.Driver == "" {
		d.Driver = DatabaseDriverSQLite
	}
	if d.DSN == "" && d.Driver == DatabaseDriverSQLite {
		d.DSN = defaultDatabaseDSN
	}
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case DatabaseDriverPostgres, DatabaseDriverMySQL, DatabaseDriverSQLite:
	default:
		return fmt.Errorf("database.driver '%s' is not supported, must be one of [%s, %s, %s]",
			d.Driver, DatabaseDriverPostgres, DatabaseDriverMySQL, DatabaseDriverSQLite)
	}
	if d.DSN == "" {
		return fmt.Errorf("database.dsn must be set")
	}
	return nil
}

// StoreConfig selects where short-lived protocol state (pending
// authorization requests, authorization codes, login sessions) lives.
type StoreConfig struct {
	Kind  string      `yaml:"kind" json:"kind"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix"`
}

func (s *StoreConfig) applyDefaults() {
	if s.Kind == "" {
		s.Kind = StoreKindMemory
	}
	if s.Redis.KeyPrefix == "" {
		s.Redis.KeyPrefix = defaultRedisPrefix
	}
}

func (s *StoreConfig) validate() error {
	switch s.Kind {
	case StoreKindMemory:
	case StoreKindRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr must be set")
		}
	default:
		return fmt.Errorf("store.kind '%s' is not supported, must be one of [%s, %s]",
			s.Kind, StoreKindMemory, StoreKindRedis)
	}
	return nil
}
