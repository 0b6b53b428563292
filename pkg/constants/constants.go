package constants

// Process
const ENV_MODE = "MODE"
const ENV_SERVER_NAME = "SERVER_NAME"
const ENV_ADDR = "ADDR"

// Relay HTTP server
const ENV_READ_TIMEOUT = "READ_TIMEOUT"
const ENV_WRITE_TIMEOUT = "WRITE_TIMEOUT"
const ENV_IDLE_TIMEOUT = "IDLE_TIMEOUT"
const ENV_ALLOWED_ORIGINS = "ALLOWED_ORIGINS"

// Log
const ENV_LOG_LEVEL = "LOG_LEVEL"
const ENV_LOG_FILENAME = "LOG_FILENAME"
const ENV_LOG_MAX_SIZE = "LOG_MAX_SIZE"
const ENV_LOG_MAX_AGE = "LOG_MAX_AGE"
const ENV_LOG_MAX_BACKUPS = "LOG_MAX_BACKUPS"
const ENV_LOG_DAILY = "LOG_DAILY"

// Redis signaling backend; empty address selects the in-memory hub
const ENV_REDIS_ADDR = "REDIS_ADDR"
const ENV_REDIS_PASSWORD = "REDIS_PASSWORD"
const ENV_REDIS_DB = "REDIS_DB"
const ENV_SIGNAL_STREAM_MAXLEN = "SIGNAL_STREAM_MAXLEN"
const ENV_SIGNAL_STREAM_TTL = "SIGNAL_STREAM_TTL"

// Call records
const ENV_DB_DRIVER = "DB_DRIVER"
const ENV_DSN = "DSN"

// Call session tuning
const ENV_CALL_PREFLIGHT_TIMEOUT = "CALL_PREFLIGHT_TIMEOUT"
const ENV_CALL_NEGOTIATION_TIMEOUT = "CALL_NEGOTIATION_TIMEOUT"
const ENV_CALL_RECONNECT_BUDGET = "CALL_RECONNECT_BUDGET"
const ENV_CALL_RECONNECT_BASE_DELAY = "CALL_RECONNECT_BASE_DELAY"
const ENV_CALL_RECONNECT_MAX_DELAY = "CALL_RECONNECT_MAX_DELAY"
const ENV_CALL_RESTART_TIMEOUT = "CALL_RESTART_TIMEOUT"
const ENV_CALL_HEARTBEAT_INTERVAL = "CALL_HEARTBEAT_INTERVAL"
const ENV_CALL_HEARTBEAT_TIMEOUT = "CALL_HEARTBEAT_TIMEOUT"
const ENV_CALL_RESUBSCRIBE_BUDGET = "CALL_RESUBSCRIBE_BUDGET"
const ENV_CALL_QUALITY_INTERVAL = "CALL_QUALITY_INTERVAL"
const ENV_CALL_MAX_RTT = "CALL_MAX_RTT"
const ENV_CALL_MAX_PACKET_LOSS = "CALL_MAX_PACKET_LOSS"
const ENV_CALL_QUALITY_BREACH_SAMPLES = "CALL_QUALITY_BREACH_SAMPLES"
const ENV_CALL_ICE_SERVERS = "CALL_ICE_SERVERS"
