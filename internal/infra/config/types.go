package config

import "strings"

// Environment identifies the runtime environment where the wallet operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Persistence backends understood by the wallet.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Relayer modes.
const (
	RelayerModeSim = "sim"
	RelayerModeRPC = "rpc"
)

// Environment variables that override file configuration.
const (
	EnvDatabaseURL = "ZKWALLET_DATABASE_URL"
	EnvRelayerURL  = "ZKWALLET_RELAYER_URL"
)

func normalizeBackend(name string) string {
	switch b := strings.ToLower(strings.TrimSpace(name)); b {
	case "":
		return BackendNone
	case "pg", "postgresql":
		return BackendPostgres
	case "sqlite3":
		return BackendSQLite
	default:
		return b
	}
}
