package rules

import (
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/events"
	"go.opentelemetry.io/otel/trace"
)

type subscriber struct {
	name events.Name
	fn   events.Listener
}

type options struct {
	config      domain.EngineConfig
	logger      *slog.Logger
	tracer      trace.Tracer
	handlers    *HandlerRegistry
	defaults    func() []domain.Rule
	subscribers []subscriber

	cache    domain.Cache
	cacheNS  string
	cacheTTL time.Duration
}

// Option configures an Engine.
type Option func(*options)

// WithConfig sets the initial engine configuration.
func WithConfig(cfg domain.EngineConfig) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the OpenTelemetry tracer used for evaluate and execute spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithHandlers replaces the builtin action handlers.
func WithHandlers(handlers *HandlerRegistry) Option {
	return func(o *options) { o.handlers = handlers }
}

// WithDefaultRules replaces the seed rule set used on construction and Reset.
func WithDefaultRules(defaults func() []domain.Rule) Option {
	return func(o *options) { o.defaults = defaults }
}

// WithSubscriber registers a listener before the engine emits initialized.
func WithSubscriber(name events.Name, fn events.Listener) Option {
	return func(o *options) { o.subscribers = append(o.subscribers, subscriber{name: name, fn: fn}) }
}

// WithCache memoizes evaluation results keyed by a digest of the enabled rule
// set and of the context. Engines may share one cache.
func WithCache(cache domain.Cache, namespace string, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = cache
		if namespace != "" {
			o.cacheNS = namespace
		}
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}
