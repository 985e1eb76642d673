package warden

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port         int
	databaseURL  string
	registryFile string
	logger       *slog.Logger
	version      string
	executors    map[string]Executor
	notifier     Notifier
}

// WithPort overrides the TCP port from config (WARDEN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRegistryFile overrides the agent catalog path (WARDEN_REGISTRY_FILE env var).
func WithRegistryFile(path string) Option {
	return func(o *resolvedOptions) { o.registryFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExecutor runs the agent with the given key in-process instead of
// calling its endpoint. Later registrations for the same key win.
func WithExecutor(agentKey string, ex Executor) Option {
	return func(o *resolvedOptions) {
		if o.executors == nil {
			o.executors = map[string]Executor{}
		}
		o.executors[agentKey] = ex
	}
}

// WithNotifier replaces the briefing delivery backend. Only the last call wins.
func WithNotifier(n Notifier) Option {
	return func(o *resolvedOptions) { o.notifier = n }
}
