/*
Package config loads the server configuration.

Three layers merge, later layers winning:

 1. Built-in development defaults (Default).
 2. A YAML file, when a path is given.
 3. CLAWLETS_* environment variables.

A .env file in the working directory is read before the environment is
consulted, so local overrides can live next to the binary without being
exported. Variables already set in the real environment are never
overwritten by .env.

# Environment Variables

	CLAWLETS_LISTEN_ADDR          HTTP listen address
	CLAWLETS_DATA_DIR             data directory (bbolt file, result blobs)
	CLAWLETS_LOG_LEVEL            debug, info, warn, error
	CLAWLETS_LOG_JSON             structured JSON log output
	CLAWLETS_AUTH_DISABLED        map every operator request to the dev principal
	CLAWLETS_OPERATOR_TOKENS      static token table, "token:userId,token:userId"
	CLAWLETS_REDIS_ADDR           Redis backend for rate limiting (empty = in-memory)
	CLAWLETS_REDIS_PASSWORD       Redis password
	CLAWLETS_REDIS_DB             Redis database number
	CLAWLETS_RETENTION_INTERVAL   retention sweep period, Go duration syntax
	CLAWLETS_MAINTENANCE_ENABLED  expose the /maintenance endpoints

Maintenance endpoints stay hidden (404) unless CLAWLETS_MAINTENANCE_ENABLED=1
or the YAML maintenance.enabled flag is set.
*/
package config
