package statesync

// DefaultPrimarySource is the source stamped on actions dispatched on the
// primary when no source name is configured.
const DefaultPrimarySource = "main_process"

// StateTransformer adapts trees received from the primary to the replica's
// own state layout.
type StateTransformer func(Tree) Tree

// Option configures a Primary or a Replica. Replica-only options are ignored
// by the primary and vice versa.
type Option func(*config)

type config struct {
	preDispatch  DispatchHook
	postDispatch DispatchHook
	sourceName   string
	logger       Logger
	observer     Observability
	panicHandler PanicHandler

	// primary
	lifecycle  Lifecycle
	shapeFuncs map[string]ShapeFunc

	// replica
	filter            Shape
	excludeUnfiltered bool
	synchronous       bool
	transformer       StateTransformer
	storeCreator      StoreCreator
}

func defaultConfig() *config {
	return &config{
		logger:       GlogLogger{},
		observer:     nopObservability{},
		shapeFuncs:   make(map[string]ShapeFunc),
		filter:       All(),
		synchronous:  true,
		storeCreator: NewStore,
	}
}

func newConfig(opts []Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *config) transform(t Tree) Tree {
	if c.transformer == nil || t == nil {
		return t
	}
	return c.transformer(t)
}

// WithPreDispatch sets a hook run before every dispatch.
func WithPreDispatch(hook DispatchHook) Option {
	return func(c *config) {
		c.preDispatch = hook
	}
}

// WithPostDispatch sets a hook run after every successful dispatch.
func WithPostDispatch(hook DispatchHook) Option {
	return func(c *config) {
		c.postDispatch = hook
	}
}

// WithSourceName overrides the source stamped on dispatched actions.
// The primary defaults to DefaultPrimarySource, a replica to its client id.
func WithSourceName(name string) Option {
	return func(c *config) {
		c.sourceName = name
	}
}

// WithLogger sets the logger. The default writes through glog.
func WithLogger(logger Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObservability sets the observability hooks.
func WithObservability(obs Observability) Option {
	return func(c *config) {
		if obs != nil {
			c.observer = obs
		}
	}
}

// WithPanicHandler sets the handler called when a listener panics.
// Without one, listener panics are logged and discarded.
func WithPanicHandler(handler PanicHandler) Option {
	return func(c *config) {
		c.panicHandler = handler
	}
}

// WithLifecycle sets the host lifecycle source used by the primary to
// deactivate subscribers whose owning window closes.
func WithLifecycle(lifecycle Lifecycle) Option {
	return func(c *config) {
		c.lifecycle = lifecycle
	}
}

// WithShapeFunc registers a named dynamic shape on the primary. Replicas
// refer to it by name in their filter.
func WithShapeFunc(name string, fn ShapeFunc) Option {
	return func(c *config) {
		c.shapeFuncs[name] = fn
	}
}

// WithFilter sets the replica's interest. The default is All.
func WithFilter(filter Shape) Option {
	return func(c *config) {
		c.filter = filter
	}
}

// WithExcludeUnfilteredState makes the replica drop every part of its state
// outside its filter, both at bootstrap and after each local reduction.
func WithExcludeUnfilteredState(exclude bool) Option {
	return func(c *config) {
		c.excludeUnfiltered = exclude
	}
}

// WithSynchronous sets whether the replica applies its own actions locally
// before the primary confirms them. The default is true.
func WithSynchronous(synchronous bool) Option {
	return func(c *config) {
		c.synchronous = synchronous
	}
}

// WithStateTransformer sets the adapter applied to state received from the
// primary: the bootstrap preload and every broadcast delta.
func WithStateTransformer(transformer StateTransformer) Option {
	return func(c *config) {
		c.transformer = transformer
	}
}

// WithStoreCreator replaces the store built around the replica's reducer.
func WithStoreCreator(creator StoreCreator) Option {
	return func(c *config) {
		if creator != nil {
			c.storeCreator = creator
		}
	}
}
