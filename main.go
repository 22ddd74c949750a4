package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Runner is the part of App that main drives.
type Runner interface {
	ApplyOptions(opts AppOptions)
	LoadConfig() error
	RunService(ctx context.Context) error
	RunConsolidate(ctx context.Context) error
	RunRender(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "fogmesh: %v\n", err)
		os.Exit(1)
	}
}

// run parses args and dispatches to the selected mode.
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("fogmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", "", "Data directory (config.yaml and file cache)")
	fs.BoolVar(&opts.MQTTMode, "mqtt", false, "Receive fixes and control messages over MQTT and publish fog")
	fs.BoolVar(&opts.NATSMode, "nats", false, "Receive fixes and control messages over NATS")
	fs.BoolVar(&opts.HTTPMode, "http", false, "Enable the HTTP API and live fog stream")
	fs.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP server port (overrides http.addr)")
	consolidate := fs.Bool("consolidate", false, "Consolidate archived regions and exit")
	render := fs.Bool("render", false, "Render an explorer's fog and exit")
	fs.StringVar(&opts.Explorer, "explorer", "", "Explorer ID for --render and --consolidate (default: all / first)")
	fs.StringVar(&opts.OutputFile, "output", "fog.png", "Output file for --render")
	fs.StringVar(&opts.RenderFormat, "format", "raster", "Render format: raster, vector or svg")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "fogmesh version: %s\n", Version)

	if _, err := renderFormat(opts.RenderFormat); err != nil {
		return err
	}

	service := opts.MQTTMode || opts.NATSMode || opts.HTTPMode
	if !*consolidate && !*render && !service {
		printUsage(out)
		return nil
	}

	app.ApplyOptions(opts)
	if err := app.LoadConfig(); err != nil {
		return err
	}

	switch {
	case *consolidate:
		return app.RunConsolidate(ctx)
	case *render:
		return app.RunRender(ctx)
	default:
		return app.RunService(ctx)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "No mode selected.")
	fmt.Fprintln(out, "Use --mqtt to track explorers from MQTT location topics")
	fmt.Fprintln(out, "Use --nats to track explorers from NATS subjects")
	fmt.Fprintln(out, "Use --http to serve the fog API (fixes can be POSTed)")
	fmt.Fprintln(out, "Modes combine, e.g. --mqtt --http")
	fmt.Fprintln(out, "Use --render --explorer=ID to write the fog to --output")
	fmt.Fprintln(out, "Use --consolidate to compact archived regions")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - explorers, brokers, storage and engine settings")
	fmt.Fprintln(out, "  FOGMESH_* and MQTT_* environment variables override it")
}
