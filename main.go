package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/back2basic/dohrdns/agg"
	"github.com/back2basic/dohrdns/bpfgo"
	"github.com/back2basic/dohrdns/config"
	"github.com/back2basic/dohrdns/dns"
	"github.com/back2basic/dohrdns/doh"
	"github.com/back2basic/dohrdns/live"
	"github.com/back2basic/dohrdns/prom"
	"github.com/back2basic/dohrdns/storage"
)

var (
	log        = logging.Logger("dohrdns")
	dnsLog     = logging.Logger("dohrdns/dns")
	dohLog     = logging.Logger("dohrdns/doh")
	aggLog     = logging.Logger("dohrdns/agg")
	storageLog = logging.Logger("dohrdns/storage")
)

var subsystems = []string{"dohrdns", "dohrdns/dns", "dohrdns/doh", "dohrdns/agg", "dohrdns/storage"}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	err := newApp(stdin, stdout).Run(append([]string{"dohrdns"}, args...))
	return exitCode(err)
}

// exitCode logs err and maps it to a process status: 0 on success, the
// ExitCoder's code when there is one, 2 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		if msg := ec.Error(); msg != "" {
			log.Error(msg)
		}
		return ec.ExitCode()
	}
	log.Error(err)
	return 2
}

type options struct {
	cfg          config.Config
	mapPath      string
	historyPath  string
	metricsAddr  string
	interval     time.Duration
	pushInterval time.Duration
	logLevel     string
}

func newApp(stdin io.Reader, stdout io.Writer) *cli.App {
	o := &options{cfg: config.Default()}
	return &cli.App{
		Name:            "dohrdns",
		Usage:           "reverse DNS of IPv4 addresses over DNS-over-HTTPS",
		ArgsUsage:       "[address...] | -",
		Flags:           o.flags(),
		Reader:          stdin,
		Writer:          stdout,
		HideHelpCommand: true,
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return cli.Exit(err, 2)
		},
		// exit codes are handled by run
		ExitErrHandler: func(*cli.Context, error) {},
		Action:         o.action,
	}
}

func (o *options) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "endpoint",
			Usage:       "DoH resolver URL",
			EnvVars:     []string{"DOH_ENDPOINT"},
			Value:       o.cfg.Endpoint,
			Destination: &o.cfg.Endpoint,
		},
		&cli.StringFlag{
			Name:        "method",
			Usage:       "DoH HTTP method, POST or GET",
			EnvVars:     []string{"DOH_METHOD"},
			Value:       o.cfg.Method,
			Destination: &o.cfg.Method,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "per-query timeout",
			EnvVars:     []string{"RDNS_QUERY_TIMEOUT"},
			Value:       o.cfg.QueryTimeout,
			Destination: &o.cfg.QueryTimeout,
		},
		&cli.IntFlag{
			Name:        "cache-size",
			Usage:       "maximum cached names",
			EnvVars:     []string{"RDNS_CACHE_SIZE"},
			Value:       o.cfg.CacheMaxSize,
			Destination: &o.cfg.CacheMaxSize,
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Usage:       "how long a cached name stays fresh",
			EnvVars:     []string{"RDNS_CACHE_TTL"},
			Value:       o.cfg.CacheTTL,
			Destination: &o.cfg.CacheTTL,
		},
		&cli.IntFlag{
			Name:        "retries",
			Usage:       "attempts per lookup",
			EnvVars:     []string{"RDNS_MAX_RETRIES"},
			Value:       o.cfg.MaxRetries,
			Destination: &o.cfg.MaxRetries,
		},
		&cli.DurationFlag{
			Name:        "retry-delay",
			Usage:       "delay between attempts",
			EnvVars:     []string{"RDNS_RETRY_DELAY"},
			Value:       o.cfg.RetryDelay,
			Destination: &o.cfg.RetryDelay,
		},
		&cli.DurationFlag{
			Name:        "retry-max-delay",
			Usage:       "cap for exponential back-off; 0 keeps the delay constant",
			EnvVars:     []string{"RDNS_RETRY_MAX_DELAY"},
			Value:       o.cfg.RetryMaxDelay,
			Destination: &o.cfg.RetryMaxDelay,
		},
		&cli.DurationFlag{
			Name:        "sweep",
			Usage:       "stale cache sweep interval, 0 disables it",
			EnvVars:     []string{"RDNS_SWEEP_INTERVAL"},
			Value:       o.cfg.SweepInterval,
			Destination: &o.cfg.SweepInterval,
		},
		&cli.StringFlag{
			Name:        "map",
			Usage:       "pinned eBPF map with IPv4 keys to resolve, e.g. " + bpfgo.PinIP4Down,
			Destination: &o.mapPath,
		},
		&cli.StringFlag{
			Name:        "history",
			Usage:       "SQLite file recording every lookup",
			EnvVars:     []string{"SQLITE_PATH"},
			Destination: &o.historyPath,
		},
		&cli.StringFlag{
			Name:        "metrics",
			Usage:       "serve Prometheus metrics on this address",
			Destination: &o.metricsAddr,
		},
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "keep running and re-resolve the map every interval",
			Destination: &o.interval,
		},
		&cli.DurationFlag{
			Name:        "push-interval",
			Usage:       "daily totals push interval (Appwrite)",
			Value:       time.Hour,
			Destination: &o.pushInterval,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level for every subsystem",
			Value:       "error",
			Destination: &o.logLevel,
		},
	}
}

func (o *options) action(cCtx *cli.Context) error {
	for _, s := range subsystems {
		if err := logging.SetLogLevel(s, o.logLevel); err != nil {
			return cli.Exit(fmt.Sprintf("log level: %v", err), 2)
		}
	}

	cfg := o.cfg
	cfg.Method = strings.ToUpper(cfg.Method)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 2)
	}
	if o.interval > 0 && o.mapPath == "" {
		return cli.Exit("-interval needs -map", 2)
	}

	transport, err := doh.New(cfg.Endpoint,
		doh.WithMethod(cfg.Method),
		doh.WithTimeout(cfg.QueryTimeout),
		doh.WithLogger(dohLog.Desugar()),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("transport: %v", err), 2)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Warnf("get hostname: %v", err)
	}

	opts := []dns.Option{dns.WithLogger(dnsLog.Desugar())}

	var history *storage.History
	if o.historyPath != "" {
		history, err = storage.Open(o.historyPath, hostname)
		if err != nil {
			return cli.Exit(fmt.Sprintf("history: %v", err), 2)
		}
		defer history.Close()
		opts = append(opts, dns.WithRecorder(history))
	}

	r := dns.New(cfg, transport, opts...)

	if o.metricsAddr != "" {
		srv := prom.Run(r, o.metricsAddr, log.Desugar())
		defer srv.Close()
	}

	ctx, stop := notifyShutdown(cCtx.Context)
	defer stop()

	if o.interval <= 0 {
		addrs, err := collectAddrs(cCtx.Args().Slice(), o.mapPath, cCtx.App.Reader)
		if err != nil {
			return cli.Exit(err, 2)
		}
		if cfg.SweepInterval > 0 {
			go r.Cache().Run(ctx, cfg.SweepInterval)
		}
		if failed := resolveAll(ctx, r, addrs, cCtx.App.Writer); failed > 0 {
			return cli.Exit("", 1)
		}
		return nil
	}

	var hist agg.History
	if history != nil {
		hist = history
	}
	pusher := storage.AppwriteFromEnv(storageLog.Desugar())
	go agg.New(r.Cache(), hist, pusher, hostname, aggLog.Desugar()).Run(ctx, cfg.SweepInterval, o.pushInterval)
	go live.New(r, log.Desugar()).Run(ctx, 30*time.Second)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		addrs, err := bpfgo.ReadIPv4Keys(o.mapPath)
		if err != nil {
			log.Warnf("read map: %v", err)
		}
		resolveAll(ctx, r, addrs, cCtx.App.Writer)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// notifyShutdown returns a context canceled on SIGINT or SIGTERM.
func notifyShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := cancelOnSignal(parent, sigCh)
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// cancelOnSignal cancels the returned context when a signal arrives on
// sigCh; the signal becomes the context's cause.
func cancelOnSignal(parent context.Context, sigCh <-chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case s := <-sigCh:
			log.Infof("received %s, shutting down", s)
			cancel(fmt.Errorf("received %s", s))
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

// collectAddrs gathers addresses from args, stdin (when args is just "-")
// and the pinned map.
func collectAddrs(args []string, mapPath string, stdin io.Reader) ([]string, error) {
	var out []string

	if len(args) == 1 && args[0] == "-" {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	} else {
		out = append(out, args...)
	}

	if mapPath != "" {
		addrs, err := bpfgo.ReadIPv4Keys(mapPath)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses given")
	}
	return out, nil
}

type lookuper interface {
	Lookup(ctx context.Context, address string) (string, error)
}

// resolveAll resolves addrs one after another, printing one line each, and
// returns how many failed.
func resolveAll(ctx context.Context, r lookuper, addrs []string, w io.Writer) int {
	failed := 0
	for _, a := range addrs {
		if ctx.Err() != nil {
			return failed + 1
		}
		name, err := r.Lookup(ctx, a)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s\terror: %v\n", a, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", a, name)
	}
	return failed
}
