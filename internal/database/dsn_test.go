package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{
		User:     "authcore",
		Password: "s3cret",
		Name:     "authcore",
	})
	require.NoError(t, err)
	require.Equal(t, "host=localhost port=5432 user=authcore dbname=authcore password=s3cret sslmode=prefer", dsn)
}

func TestBuildPostgresDSNOptionsOverrideDefaults(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{
		User:    "authcore",
		Name:    "authcore",
		Options: map[string]string{"sslmode": "require", "connect_timeout": "5"},
	})
	require.NoError(t, err)
	require.Contains(t, dsn, "sslmode=require")
	require.Contains(t, dsn, "connect_timeout=5")
}

func TestBuildPostgresDSNRequiresUserAndName(t *testing.T) {
	_, err := buildPostgresDSN(Config{User: "authcore"})
	require.Error(t, err)
}

func TestBuildPostgresDSNPassthrough(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{DSN: "postgres://u:p@h/db"})
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@h/db", dsn)
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{
		User:     "authcore",
		Password: "s3cret",
		Name:     "authcore",
	})
	require.NoError(t, err)
	require.Equal(t, "authcore:s3cret@tcp(localhost:3306)/authcore?charset=utf8mb4&loc=Local&parseTime=True", dsn)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}
