package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/adbctl/internal/config"
	"github.com/danmuck/adbctl/internal/logging"
	"github.com/danmuck/adbctl/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage")

type options struct {
	configPath  string
	serial      string
	host        string
	port        int
	metricsAddr string
	logLevel    string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "adbctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("adbctl", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to adbctl TOML config")
	flagSet.StringVarP(&opts.serial, "serial", "s", "", "device serial")
	flagSet.StringVarP(&opts.host, "host", "H", "", "adb server host")
	flagSet.IntVarP(&opts.port, "port", "P", 0, "adb server port")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "trace|debug|info|warn|error|disabled")
	flagSet.SetInterspersed(false)
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return errUsage
	}

	logging.ConfigureRuntime()
	observability.InitLogger("adbctl")

	cfg, err := resolveConfig(opts, flagSet)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		logging.SetLevel(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr)
		defer shutdown()
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		printHelp(flagSet)
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}
	if len(rest)-1 < cmd.minArgs {
		fmt.Fprintf(os.Stderr, "usage: adbctl %s %s\n", rest[0], cmd.usage)
		return errUsage
	}
	return cmd.run(ctx, cfg, rest[1:])
}

// resolveConfig layers defaults, the config file, then explicit flags.
func resolveConfig(opts options, flagSet *pflag.FlagSet) (config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadClientConfig(opts.configPath)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	}
	if flagSet.Changed("serial") {
		cfg.Serial = opts.serial
	} else if cfg.Serial == "" {
		cfg.Serial = os.Getenv("ANDROID_SERIAL")
	}
	if flagSet.Changed("host") {
		cfg.Host = opts.host
	}
	if flagSet.Changed("port") {
		cfg.Port = opts.port
	}
	if flagSet.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := config.ValidateClientConfig(cfg); err != nil {
		return config.ClientConfig{}, err
	}
	return cfg, nil
}

func serveMetrics(addr string) func() {
	gin.SetMode(gin.ReleaseMode)
	router := observability.MetricsRouter("adbctl", log.Logger)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("adbctl metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("adbctl metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `adbctl drives one Android device through a local adb server.

Usage:
  adbctl [flags] <command> [args]

Commands:
`)
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flagSet.FlagUsages())
}
