package resolvd

import (
	"io/fs"
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	domain          string
	logger          *slog.Logger
	version         string
	searcher        Searcher
	toolClient      *http.Client
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (RESOLVD_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithDomain overrides the business domain from config (RESOLVD_DOMAIN env var).
// The domain selects which config snapshots apply to this worker's tenants.
func WithDomain(domain string) Option {
	return func(o *resolvedOptions) { o.domain = domain }
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

// WithSearcher sets the similarity backend used by triage to score
// classification confidence against prior exceptions.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithToolClient sets the HTTP client used for tool invocations. Use this
// to route tool calls through a proxy or to install custom transports.
// Per-call timeouts from tool definitions still apply.
func WithToolClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.toolClient = c }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
