package webproxy

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Sleeeeeepy/webproxy-lab/cache"
)

// ErrProxyClosed is returned by Serve after Shutdown.
var ErrProxyClosed = errors.New("proxy closed")

type Config struct {
	// Storage for cached responses. An in-memory cache with default sizes is used if nil.
	Cache cache.CacheProvider
	// Host and port used to complete targets without host or port.
	// Defaults to localhost:80.
	DefaultHost string
	DefaultPort uint16
	// Address relative-path requests carrying a Host header are sent to.
	// Defaults to localhost:8081.
	RelativeHost string
	RelativePort uint16
	// Timeout for each read and write on client and origin connections,
	// and for connecting to the origin. Zero means no timeout.
	IOTimeout time.Duration
	// Methods whose responses are looked up in and stored to the cache.
	// Defaults to GET.
	CacheMethods []string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Registry for the proxy metrics. A private registry is created if nil.
	Registry *prometheus.Registry
}

type Proxy struct {
	cache         cache.CacheProvider
	fwd           forwarding
	ioTimeout     time.Duration
	cacheMethods  map[string]bool
	maxObjectSize int
	dialer        net.Dialer
	log           zerolog.Logger
	registry      *prometheus.Registry
	metrics       *metrics
	tasks         *taskgroup.Group

	mutex        sync.Mutex
	shuttingDown bool
	dispatcher   dispatcher
	serveDone    chan struct{}
}

// CreateProxy initializes a proxy instance.
// Call Serve to start accepting connections.
func CreateProxy(config Config) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	p := &Proxy{
		cache:     config.Cache,
		ioTimeout: config.IOTimeout,
		dialer:    net.Dialer{Timeout: config.IOTimeout},
		registry:  config.Registry,
		tasks:     taskgroup.New(nil),
		fwd: forwarding{
			defaultHost:  config.DefaultHost,
			defaultPort:  config.DefaultPort,
			relativeHost: config.RelativeHost,
			relativePort: config.RelativePort,
		},
	}
	if p.cache == nil {
		p.cache = cache.NewMemCache(cache.Options{})
	}
	if p.fwd.defaultHost == "" {
		p.fwd.defaultHost = "localhost"
	}
	if p.fwd.defaultPort == 0 {
		p.fwd.defaultPort = 80
	}
	if p.fwd.relativeHost == "" {
		p.fwd.relativeHost = "localhost"
	}
	if p.fwd.relativePort == 0 {
		p.fwd.relativePort = 8081
	}

	methods := config.CacheMethods
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	p.cacheMethods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.cacheMethods[strings.ToUpper(m)] = true
	}

	p.maxObjectSize = cache.MaxObjectSize
	if stats, err := p.cache.Stats(); err == nil {
		p.maxObjectSize = stats.MaxObjectSize
	}

	// create a child logger and add defaults
	p.log = logger.With().
		Str("defaultHost", p.fwd.defaultHost).
		Uint16("defaultPort", p.fwd.defaultPort).
		Logger()

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}
	p.metrics = newMetrics(p.registry, p.cache)

	return p
}

// Cache returns the cache provider the proxy stores responses in.
func (p *Proxy) Cache() cache.CacheProvider {
	return p.cache
}

// Registry returns the registry holding the proxy metrics.
func (p *Proxy) Registry() *prometheus.Registry {
	return p.registry
}

// Serve accepts connections on ln and handles each one in its own goroutine.
// It blocks until Shutdown is called or the readiness loop fails.
func (p *Proxy) Serve(ln net.Listener) error {
	p.mutex.Lock()
	if p.shuttingDown {
		p.mutex.Unlock()
		return ErrProxyClosed
	}
	d, err := newDispatcher(p, ln)
	if err != nil {
		p.mutex.Unlock()
		return errors.Wrap(err, "create dispatcher")
	}
	p.dispatcher = d
	done := make(chan struct{})
	p.serveDone = done
	p.mutex.Unlock()
	defer close(done)

	p.log.Info().Str("listen", ln.Addr().String()).Msg("Proxy listening")
	return d.run()
}

// Shutdown stops accepting connections and waits for in-flight handlers
// until ctx is done. The cache is purged and closed in any case.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mutex.Lock()
	p.shuttingDown = true
	d, done := p.dispatcher, p.serveDone
	p.mutex.Unlock()

	var err error
	if d != nil {
		d.stop()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "wait for readiness loop")
		}
	}

	waited := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = errors.Wrap(ctx.Err(), "wait for handlers")
		}
	}
	if d != nil {
		d.close()
	}

	if cerr := p.cache.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close cache")
	}
	p.log.Info().Msg("Proxy shut down")
	return err
}

// ServeConn handles a single request on conn and closes it.
func (p *Proxy) ServeConn(conn net.Conn) {
	defer conn.Close()
	p.handle(conn)
}

// dispatcher owns the listening socket and starts a handler for each ready connection.
type dispatcher interface {
	// run blocks until stop is called or the loop fails.
	run() error
	// stop makes run return. Connections not yet dispatched are closed.
	stop()
	// close releases the dispatcher resources once run has returned.
	close()
}

// dispatch runs the handler for conn in the proxy task group.
func (p *Proxy) dispatch(conn net.Conn, done func()) {
	p.tasks.Go(func() error {
		defer done()
		p.handle(conn)
		return nil
	})
}
