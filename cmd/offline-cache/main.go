package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag  string
	portFlag            int
	originFlag          string
	addrFlag            string
	hostFlag            string
	dbFilenameFlag      string
	cacheVersionFlag    string
	manifestFlag        string
	fallbackFlag        string
	deferActivationFlag bool
	listFlag            bool
	verbosityTraceFlag  bool
	logFilenameFlag     string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Config file (YAML), flags override its values")
	flag.StringVar(&originFlag, "origin", "", "Origin URL serving the app (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&cacheVersionFlag, "version", "", "Cache version, bump to replace all cached assets")
	flag.StringVar(&manifestFlag, "manifest", "", "Comma separated list of asset paths to cache on install")
	flag.StringVar(&fallbackFlag, "fallback", "", "Document served to navigations when offline (default ./index.html)")
	flag.BoolVar(&deferActivationFlag, "defer-activation", false, "Wait for SKIP_WAITING before activating a new version")
	flag.BoolVar(&listFlag, "list", false, "List the keys of the active cache version and exit")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}

	provider, err := cache.NewSQLiteCache(config.dbFilename())
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer provider.Close()

	if listFlag {
		if err := listActive(context.Background(), provider); err != nil {
			log.Fatal().Err(err).Msg("Could not list cache")
		}
		return
	}

	originURL, err := config.originURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin")
	}

	ocache, err := offlinecache.CreateCache(offlinecache.Config{
		Cache:           provider,
		OriginURL:       *originURL,
		OriginHost:      config.Host,
		Version:         config.Version,
		Manifest:        config.Manifest,
		FallbackPath:    config.Fallback,
		DeferActivation: config.DeferActivation,
		Logger:          &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// install in the background, requests are forwarded until a version is active
	go func() {
		if err := ocache.Controller.Register(ctx); err != nil {
			log.Error().Err(err).Msg("Could not register cache version, retrying on next navigation")
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: ocache.Handler(),
	}
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not listen")
	}

	log.Info().Msgf("Serving port %v for %s (with hostname '%s'), cache version %s", config.Port, originURL.String(), config.Host, config.Version)
	if err := serve(ctx, server, listener, ocache.Interceptor.Wait); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Shut down")
}

// serve runs the server until ctx is done and shuts it down gracefully.
// Shutdown returns once in-flight requests are done, so no new cache writes start after it.
// waitWrites is called after that to finish pending cache writes before the db is closed.
func serve(ctx context.Context, server *http.Server, listener net.Listener, waitWrites func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	} else {
		cancel()
	}
	<-shutdownDone
	waitWrites()
	return err
}

// loadConfig reads the config file, if any, and applies the flags set on the command line.
func loadConfig() (Config, error) {
	config := Config{
		Port: portFlag,
		DB:   dbFilenameFlag,
	}
	if configFilenameFlag != "" {
		fileConfig, err := getConfig(configFilenameFlag)
		if err != nil {
			return config, err
		}
		if fileConfig.Port == 0 {
			fileConfig.Port = config.Port
		}
		if fileConfig.DB == "" {
			fileConfig.DB = config.DB
		}
		config = fileConfig
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "addr":
			config.Addr = addrFlag
		case "host":
			config.Host = hostFlag
		case "port":
			config.Port = portFlag
		case "db":
			config.DB = dbFilenameFlag
		case "version":
			config.Version = cacheVersionFlag
		case "manifest":
			config.Manifest = splitList(manifestFlag)
		case "fallback":
			config.Fallback = fallbackFlag
		case "defer-activation":
			config.DeferActivation = deferActivationFlag
		}
	})
	return config, nil
}

// listActive prints the keys stored in the active cache version.
func listActive(ctx context.Context, provider cache.CacheProvider) error {
	bucket, err := provider.ActiveBucket(ctx)
	if err != nil {
		return err
	}
	if bucket == "" {
		fmt.Println("No active cache version")
		return nil
	}
	fmt.Printf("Active cache version: %s\n", bucket)
	var keyer cachekey.CacheKeyer
	return provider.Keys(ctx, bucket, func(key string) {
		req, err := keyer.GetRequestFromKey(key)
		if err != nil {
			fmt.Printf("  %s (invalid key)\n", key)
			return
		}
		fmt.Printf("  %s %s\n", req.Method, req.URL.String())
	})
}
