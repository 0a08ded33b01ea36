package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile  string
	JobCache    string
	HttpMode    bool
	HttpPort    int
	MqttMode    bool
	Vectorise   bool
	Parse       bool
	ImageFile   string
	BBox        string
	Variant     string
	OutputFile  string
	PreviewFile string
	Seed        int64
}

// Runner is what main drives; App implements it.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunVectorise() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("massing", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.JobCache, "job-cache", "", "Persist job history to this JSON file")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run the HTTP API")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 8080)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Take jobs from the MQTT request topic")
	fs.BoolVar(&opts.Vectorise, "vectorise", false, "Vectorise -image over -bbox and exit")
	fs.BoolVar(&opts.Parse, "parse", false, "Parse a parcel plan -image over -bbox and exit")
	fs.StringVar(&opts.ImageFile, "image", "", "Input raster (PNG, JPEG, GIF, BMP, TIFF, WebP)")
	fs.StringVar(&opts.BBox, "bbox", "", "Bounding box: west,south,east,north or GeoJSON")
	fs.StringVar(&opts.Variant, "variant", "vectorise", "Pipeline variant: vectorise, geojsonify, parcel, parse")
	fs.StringVar(&opts.OutputFile, "output", "", "GeoJSON output file (default stdout)")
	fs.StringVar(&opts.PreviewFile, "preview", "", "Also render a preview (.svg or .png)")
	fs.Int64Var(&opts.Seed, "seed", 0, "Random seed for the use-mix sampler (0 = time based)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "massing version: %s\n", Version)

	if opts.Parse {
		opts.Variant = "parse"
	}
	app.ApplyOptions(opts)

	switch {
	case opts.Vectorise || opts.Parse:
		return app.RunVectorise()
	case opts.HttpMode || opts.MqttMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "Use --vectorise --image plan.png --bbox W,S,E,N to vectorise a plan")
	fmt.Fprintln(out, "Use --parse --image parcels.png --bbox W,S,E,N to parse a parcel plan")
	fmt.Fprintln(out, "Use --http to run the HTTP API")
	fmt.Fprintln(out, "Use --mqtt to take jobs from MQTT")
	fmt.Fprintln(out, "Use --mqtt --http to run both together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - HTTP, MQTT, generator and pipeline defaults")
	return nil
}
