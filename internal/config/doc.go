// Package config loads the gateway's configuration, once, from the
// process environment: APERTURE_API_TOKEN, PORT, HOST, LOG_LEVEL,
// MAX_CONCURRENT_SESSIONS, SESSION_IDLE_TIMEOUT_MS,
// MAX_MESSAGE_SIZE_BYTES, RPC_REQUEST_TIMEOUT_MS, RATE_LIMIT_MAX,
// RATE_LIMIT_WINDOW_MS, HOSTED_MODE, ALLOW_INTERACTIVE_AUTH,
// CREDENTIALS_MASTER_KEY, CREDENTIALS_STORE_PATH, DATABASE_PATH,
// CLAUDE_BACKEND_PATH, PI_BACKEND_PATH.
//
// There is exactly one Config value; it is built once at boot with Load
// and then passed explicitly to every constructor. The one other reader
// of the process environment is internal/backend, which scans it for
// provider-key variables so they can be reported and kept out of
// session environments.
package config
