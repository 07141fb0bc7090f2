package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	webproxy "github.com/Sleeeeeepy/webproxy-lab"
	"github.com/Sleeeeeepy/webproxy-lab/cache"
)

const shutdownGracePeriod = 5 * time.Second

var (
	errHelp  = errors.New("help requested")
	errUsage = errors.New("invalid usage")

	// this is set by goreleaser
	version string
)

func init() {
	if version == "" {
		version = "DEV"
	}
}

// options are the resolved settings of one proxy run.
type options struct {
	listenPort   string
	defaultHost  string
	defaultPort  string
	configFile   string
	adminAddr    string
	store        string
	timeout      time.Duration
	logFile      string
	verboseTrace bool
}

func printUsage(w io.Writer, program string) {
	fmt.Fprintf(w, "Usage: %s <PROXY_PORT> [OPTIONS]\n", program)
	fmt.Fprintf(w, "Options:\n")
	fmt.Fprintf(w, "  -h, --host=HOST      Set the default host of remote host\n")
	fmt.Fprintf(w, "  -p, --port=PORT      Set the default port of remote host\n")
	fmt.Fprintf(w, "  -?, --help           Show this help message\n")
	fmt.Fprintf(w, "      --config=FILE    Read settings from a YAML file\n")
	fmt.Fprintf(w, "      --admin=ADDR     Serve the admin API and metrics on ADDR\n")
	fmt.Fprintf(w, "      --store=STORE    Cache store: memory (default) or sqlite\n")
	fmt.Fprintf(w, "      --timeout=DUR    I/O timeout for client and origin connections (default none)\n")
	fmt.Fprintf(w, "      --log-file=FILE  Log file to use (in addition to stdout)\n")
	fmt.Fprintf(w, "      --vv             Verbosity: trace logging\n")
}

// parseArgs parses the command line. Options may come before or after the port.
// It prints the usage text to stderr and returns errHelp or errUsage when the
// program should exit without serving.
func parseArgs(program string, args []string, stderr io.Writer) (options, error) {
	var opts options
	var help bool
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.defaultHost, "h", "", "")
	fs.StringVar(&opts.defaultHost, "host", "", "")
	fs.StringVar(&opts.defaultPort, "p", "", "")
	fs.StringVar(&opts.defaultPort, "port", "", "")
	fs.BoolVar(&help, "?", false, "")
	fs.BoolVar(&help, "help", false, "")
	fs.StringVar(&opts.configFile, "config", "", "")
	fs.StringVar(&opts.adminAddr, "admin", "", "")
	fs.StringVar(&opts.store, "store", "", "")
	fs.DurationVar(&opts.timeout, "timeout", 0, "")
	fs.StringVar(&opts.logFile, "log-file", "", "")
	fs.BoolVar(&opts.verboseTrace, "vv", false, "")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			printUsage(stderr, program)
			return opts, errUsage
		}
		if help {
			printUsage(stderr, program)
			return opts, errHelp
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}

	if len(positional) == 0 {
		printUsage(stderr, program)
		return opts, errUsage
	}
	opts.listenPort = positional[0]
	return opts, nil
}

// proxyConfig merges the command line with the config file.
func proxyConfig(opts options, file Config) (webproxy.Config, cache.Options, error) {
	config := webproxy.Config{
		DefaultHost:  file.DefaultHost,
		DefaultPort:  file.DefaultPort,
		RelativeHost: file.RelativeHost,
		RelativePort: file.RelativePort,
		IOTimeout:    file.Timeout,
		CacheMethods: file.CacheMethods,
	}
	if opts.defaultHost != "" {
		config.DefaultHost = opts.defaultHost
	}
	if opts.defaultPort != "" {
		port, err := strconv.ParseUint(opts.defaultPort, 10, 16)
		if err != nil || port == 0 {
			return config, cache.Options{}, errors.Errorf("invalid default port %q", opts.defaultPort)
		}
		config.DefaultPort = uint16(port)
	}
	if opts.timeout != 0 {
		config.IOTimeout = opts.timeout
	}
	return config, cache.Options{
		MaxCacheSize:  file.MaxCacheSize,
		MaxObjectSize: file.MaxObjectSize,
	}, nil
}

func createCache(store string, opts cache.Options) (cache.CacheProvider, error) {
	switch store {
	case "", "memory":
		return cache.NewMemCache(opts), nil
	case "sqlite":
		return cache.NewSQLiteCache(opts)
	}
	return nil, errors.Errorf("unknown cache store %q", store)
}

// listenAddress accepts a bare port or a host:port pair.
func listenAddress(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func main() {
	opts, err := parseArgs(os.Args[0], os.Args[1:], os.Stderr)
	if err == errHelp {
		os.Exit(0)
	} else if err != nil {
		os.Exit(1)
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if opts.verboseTrace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if opts.logFile != "" {
		if logFileOutput, err := os.OpenFile(opts.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	var file Config
	if opts.configFile != "" {
		if file, err = getConfig(opts.configFile); err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}
	if opts.store == "" {
		opts.store = file.Store
	}
	if opts.adminAddr == "" {
		opts.adminAddr = file.Admin
	}

	proxyConf, cacheOpts, err := proxyConfig(opts, file)
	if err != nil {
		printUsage(os.Stderr, os.Args[0])
		log.Fatal().Err(err).Msg("Invalid options")
	}
	if proxyConf.DefaultHost == "" {
		log.Warn().Msg("No default host has been set")
		log.Warn().Msg("Relative path requests are forwarded to localhost")
		proxyConf.DefaultHost = "localhost"
	}
	log.Info().Msgf("default host: %s", proxyConf.DefaultHost)
	if proxyConf.DefaultPort == 0 {
		log.Warn().Msg("No default port has been set")
		log.Warn().Msg("Relative path requests are forwarded to port 80")
		proxyConf.DefaultPort = 80
	}
	log.Info().Msgf("default port: %d", proxyConf.DefaultPort)

	cacheProvider, err := createCache(opts.store, cacheOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}
	proxyConf.Cache = cacheProvider
	proxyConf.Logger = &log.Logger
	proxy := webproxy.CreateProxy(proxyConf)

	ln, err := net.Listen("tcp", listenAddress(opts.listenPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not listen")
	}

	var admin *http.Server
	if opts.adminAddr != "" {
		admin = &http.Server{Addr: opts.adminAddr, Handler: proxy.AdminHandler()}
		go func() {
			log.Info().Msgf("Admin API listening on %s", opts.adminAddr)
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin API stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- proxy.Serve(ln) }()

	select {
	case err := <-served:
		log.Fatal().Err(err).Msg("Proxy stopped")
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if admin != nil {
		admin.Shutdown(shutdownCtx)
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Unclean shutdown")
	}
}
