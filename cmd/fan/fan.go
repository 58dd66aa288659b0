// Program fan is a command-line utility for serving and calling fan services.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/fan"
	"github.com/creachadair/fan/internal/echo"
	"github.com/creachadair/fan/tracing"
	"github.com/creachadair/fan/transport/grpcwire"
	"github.com/creachadair/fan/transport/jsonrpc"
	"github.com/creachadair/fan/transport/kvstore"
	"github.com/creachadair/fan/transport/natsrpc"
	"github.com/creachadair/fan/transport/stream"
	"github.com/creachadair/flax"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var flags struct {
	LogLevel string `flag:"log-level,default=info,Log level (debug, info, warn, error)"`
	Trace    bool   `flag:"trace,Record a trace span for each call"`
}

var serveFlags struct {
	Service   string `flag:"service,default=simple_echo,Name of the sample service to serve"`
	Transport string `flag:"transport,default=stream,Transport kind"`
	Metrics   string `flag:"metrics,Serve Prometheus metrics at this address"`
}

var callFlags struct {
	Config  string        `flag:"config,default=fan.toml,Discovery config file"`
	Timeout time.Duration `flag:"timeout,default=10s,Call timeout (0 for none)"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for serving and calling fan services.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "config",
				Usage: "<config-file>",
				Help:  "Check a discovery config and print its service bindings.",
				Run:   command.Adapt(runConfig),
			},
			{
				Name:  "serve",
				Usage: "[key=value ...]",
				Help: `Serve a sample service through a transport.

Arguments of the form key=value are passed as transport params.
The sample services are:

  simple_echo    methods echo, fail, methods
  dummy_tracer   method echo {"word":w, "count":n}
  chained_echo   method echo (serves dummy_tracer locally)

Transport kinds are: ` + strings.Join(transportKinds(), ", "),
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<service> <method> [<json-params>]",
				Help: `Call a method of a service resolved through a discovery config.

Params are given as a JSON value. The result is printed as JSON.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// newLogger returns a console logger at the level selected by flags.
func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(flags.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger(), nil
}

// newTracer returns the tracer selected by flags, which logs completed spans.
func newTracer(log zerolog.Logger) fan.Tracer {
	if !flags.Trace {
		return fan.NopTracer{}
	}
	return tracing.New(sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(spanLogger{log: log}),
	))
}

// spanLogger is a span processor that logs each span when it ends.
type spanLogger struct{ log zerolog.Logger }

func (spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (s spanLogger) OnEnd(sp sdktrace.ReadOnlySpan) {
	s.log.Info().Str("span", sp.Name()).
		Str("trace_id", sp.SpanContext().TraceID().String()).
		Str("parent", sp.Parent().SpanID().String()).
		Dur("elapsed", sp.EndTime().Sub(sp.StartTime())).
		Str("status", sp.Status().Code.String()).
		Msg("span")
}

func (spanLogger) Shutdown(context.Context) error   { return nil }
func (spanLogger) ForceFlush(context.Context) error { return nil }

// transports returns the transports available to the command. The stores
// are used by the key-value store transport.
func transports(st *kvstore.Stores) fan.Transports {
	return fan.Transports{
		stream.Kind:   stream.Factory,
		grpcwire.Kind: grpcwire.Factory,
		jsonrpc.Kind:  jsonrpc.Factory,
		natsrpc.Kind:  natsrpc.Factory,
		kvstore.Kind:  st.Factory(),
	}
}

func transportKinds() []string {
	var kinds []string
	for kind := range transports(nil) {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

func runConfig(env *command.Env, path string) error {
	cfg, err := fan.LoadConfig(path)
	if err != nil {
		return err
	}
	ts := transports(kvstore.NewStores())
	for _, conn := range cfg.Connections {
		if _, err := ts.Lookup(conn.Transport); err != nil {
			return fmt.Errorf("connection %q: %w", conn.Name, err)
		}
		fmt.Printf("connection %s: %s %s\n", conn.Name, conn.Transport, fan.Params(conn.Params))
	}
	var names []string
	for svc := range cfg.Services {
		names = append(names, svc)
	}
	slices.Sort(names)
	for _, svc := range names {
		fmt.Printf("service %s -> %s\n", svc, cfg.Services[svc])
	}
	if len(cfg.Connections) != 0 {
		fmt.Printf("default -> %s\n", cfg.Connections[0].Name)
	}
	return nil
}

var sampleServices = map[string]func() fan.Service{
	echo.SimpleName:    echo.NewSimple,
	echo.RecursiveName: echo.NewRecursive,
	echo.ChainedName:   echo.NewChained,
}

func parseParams(args []string) (fan.Params, error) {
	p := make(fan.Params)
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q (want key=value)", arg)
		}
		p[key] = val
	}
	return p, nil
}

func runServe(env *command.Env) error {
	newService, ok := sampleServices[serveFlags.Service]
	if !ok {
		return env.Usagef("unknown service %q", serveFlags.Service)
	}
	params, err := parseParams(env.Args)
	if err != nil {
		return env.Usagef("%v", err)
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	st := kvstore.NewStores()
	defer st.Close()

	specs := []fan.ServiceSpec{fan.Remote(newService, serveFlags.Transport, params)}
	if serveFlags.Service == echo.ChainedName {
		specs = append([]fan.ServiceSpec{fan.Local(echo.NewRecursive)}, specs...)
	}
	p := fan.NewProcess(fan.NewLocalDiscovery(),
		fan.WithLogger(log),
		fan.WithTracer(newTracer(log)),
		fan.WithTransports(transports(st)),
		fan.WithGroups(fan.NewServiceGroup("main", specs...)),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	if serveFlags.Metrics != "" {
		srv, err := serveMetrics(serveFlags.Metrics)
		if err != nil {
			return err
		}
		defer srv.Close()
		log.Info().Str("addr", serveFlags.Metrics).Msg("serving metrics")
	}
	log.Info().Str("service", serveFlags.Service).Str("transport", serveFlags.Transport).
		Stringer("params", params).Msg("serving; press Ctrl-C to stop")
	<-ctx.Done()
	return nil
}

// serveMetrics serves Prometheus metrics at addr until the server is closed.
func serveMetrics(addr string) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(fan.MetricsCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(lst)
	return srv, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("wrong number of arguments")
	}
	service, method := env.Args[0], env.Args[1]
	var params any
	if len(env.Args) == 3 {
		if !json.Valid([]byte(env.Args[2])) {
			return env.Usagef("params are not valid JSON: %q", env.Args[2])
		}
		params = json.RawMessage(env.Args[2])
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := fan.LoadConfig(callFlags.Config)
	if err != nil {
		return err
	}
	st := kvstore.NewStores()
	defer st.Close()
	dict, err := fan.NewDictDiscovery(cfg, transports(st), fan.WithDictLogger(log))
	if err != nil {
		return err
	}
	defer dict.Close()

	base := context.Background()
	if callFlags.Timeout > 0 {
		var cancel context.CancelFunc
		base, cancel = context.WithTimeout(base, callFlags.Timeout)
		defer cancel()
	}
	p := fan.NewProcess(fan.NewCompositeDiscovery(fan.NewLocalDiscovery(), dict),
		fan.WithLogger(log), fan.WithTracer(newTracer(log)))

	var result json.RawMessage
	if err := p.Context(base).Call(service, method, params, &result); err != nil {
		var ed *fan.ErrorData
		if errors.As(err, &ed) {
			log.Debug().Stringer("code", ed.Code).Msg("remote error")
		}
		return err
	}
	fmt.Println(string(result))
	return nil
}
