package protocol

// Directory and file name constants for corebus state.
const (
	// HomeDir is the user-level state directory (e.g., ~/.corebus).
	HomeDir = ".corebus"

	// SocketName is the default unix socket file inside HomeDir.
	SocketName = "corebus.sock"

	// DBName is the default event log database inside HomeDir.
	DBName = "events.db"

	// ConfigName is the default config file inside HomeDir.
	ConfigName = "config.yaml"
)
