package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/massing/massing"
	"github.com/paulmach/orb/geojson"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *massing.Config
	Jobs       *massing.JobTracker
	Service    *massing.Service
	Preview    *massing.PreviewRenderer
	Generator  *massing.HTTPGenerator
	MQTTClient *massing.MQTTClient
	Publisher  *massing.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	JobCache    string
	HttpMode    bool
	HttpPort    int
	MqttMode    bool
	ImageFile   string
	BBox        string
	Variant     string
	OutputFile  string
	PreviewFile string
	Seed        int64
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.JobCache = opts.JobCache
	a.HttpMode = opts.HttpMode
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.ImageFile = opts.ImageFile
	a.BBox = opts.BBox
	a.Variant = opts.Variant
	a.OutputFile = opts.OutputFile
	a.PreviewFile = opts.PreviewFile
	a.Seed = opts.Seed
}

// setup loads the configuration and builds the service. A missing config
// file is fine; the defaults are used.
func (a *App) setup() error {
	config, found, err := massing.LoadConfigOrDefault(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if found {
		log.Printf("Loaded config from %s", a.ConfigFile)
	} else {
		log.Printf("No config at %s, using defaults", a.ConfigFile)
	}
	if a.HttpPort != 0 {
		config.HTTP.Port = a.HttpPort
	}
	a.Config = config

	a.Preview, err = massing.NewPreviewRenderer(config.Palette)
	if err != nil {
		return fmt.Errorf("preview palette: %w", err)
	}

	a.Jobs = massing.NewJobTrackerWithCache(massing.DefaultJobHistory, a.JobCache)

	var parcels *massing.ParcelGenerator
	if config.Generator.Endpoint != "" {
		gen, err := massing.NewHTTPGenerator(config.Generator.Endpoint, config.GeneratorOptions()...)
		if err != nil {
			return err
		}
		a.Generator = gen
		opts, err := config.ParcelOptions()
		if err != nil {
			return err
		}
		parcels = massing.NewParcelGenerator(gen, opts...)
		log.Printf("[GENERATOR] using %s", config.Generator.Endpoint)
	}
	a.Service = massing.NewService(config, a.Jobs, parcels)
	return nil
}

// cliRequest builds a request from the -image, -bbox and -seed flags.
func (a *App) cliRequest() (*massing.Request, error) {
	if a.ImageFile == "" {
		return nil, errors.New("-image is required")
	}
	data, err := os.ReadFile(a.ImageFile)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	req := &massing.Request{
		Image: base64.StdEncoding.EncodeToString(data),
		BBox:  json.RawMessage(bboxJSON(a.BBox)),
	}
	if a.Seed != 0 {
		seed := a.Seed
		req.Seed = &seed
	}
	return req, nil
}

// bboxJSON accepts "w,s,e,n" as well as JSON.
func bboxJSON(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		return s
	}
	return "[" + s + "]"
}

// RunVectorise runs one variant over a file and writes the GeoJSON.
func (a *App) RunVectorise() error {
	if err := a.setup(); err != nil {
		return err
	}
	v, ok := massing.ParseVariant(a.Variant)
	if !ok {
		return fmt.Errorf("unknown variant %q", a.Variant)
	}
	req, err := a.cliRequest()
	if err != nil {
		return err
	}

	id, fc, err := a.Service.Vectorise(context.Background(), v, req, "cli")
	if err != nil {
		return err
	}
	log.Printf("Job %s: %d features", id, len(fc.Features))

	if err := a.writeCollection(fc); err != nil {
		return err
	}
	if a.PreviewFile != "" {
		if err := a.writePreview(fc); err != nil {
			return err
		}
		log.Printf("Wrote preview to %s", a.PreviewFile)
	}
	return nil
}

func (a *App) writeCollection(fc *geojson.FeatureCollection) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding GeoJSON: %w", err)
	}
	if a.OutputFile == "" || a.OutputFile == "-" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", a.OutputFile, err)
	}
	log.Printf("Wrote %s", a.OutputFile)
	return nil
}

func (a *App) writePreview(fc *geojson.FeatureCollection) error {
	f, err := os.Create(a.PreviewFile)
	if err != nil {
		return fmt.Errorf("creating preview: %w", err)
	}
	defer func() { _ = f.Close() }()
	return renderPreview(a.Preview, f, fc, strings.ToLower(filepath.Ext(a.PreviewFile)) == ".svg")
}

func renderPreview(r *massing.PreviewRenderer, w io.Writer, fc *geojson.FeatureCollection, svg bool) error {
	if svg {
		return r.RenderSVG(w, fc)
	}
	return r.RenderPNG(w, fc)
}

// handleMQTTRequest runs a request from the broker and publishes its result.
func (a *App) handleMQTTRequest(ctx context.Context, req *massing.Request, err error) {
	if err != nil {
		log.Printf("[MQTT] dropping request: %v", err)
		return
	}
	go func() {
		res := a.Service.Handle(ctx, req, "mqtt")
		if a.Publisher == nil {
			return
		}
		if err := a.Publisher.PublishResult(res); err != nil {
			log.Printf("[MQTT] error publishing result for %s: %v", res.ID, err)
		}
	}()
}

// RunService runs the HTTP and/or MQTT surfaces until interrupted.
func (a *App) RunService() error {
	fmt.Println("Starting massing service...")
	if err := a.setup(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.MqttMode {
		client, err := massing.NewMQTTClient(a.Config, func(req *massing.Request, err error) {
			a.handleMQTTRequest(ctx, req, err)
		})
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured (mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = massing.NewPublisher(client.Client(), a.Config.MQTT.PublishPrefix)
		a.Service.SetPublisher(a.Publisher)
		client.Start()
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.Service, a.Preview, a.Config.HTTP.MaxBodyBytes),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Requests: %s\n", a.Config.MQTT.RequestTopic)
		fmt.Printf("  Results:  %s\n", a.Publisher.ResultTopic("{id}"))
		fmt.Printf("  Status:   %s (retained)\n", a.Publisher.StatusTopic())
	}
	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		fmt.Println("  GET  /health            - Health check")
		fmt.Println("  POST /vectorise         - Massing plan to buildings")
		fmt.Println("  POST /geojsonify        - Massing plan to buildings (unknown outside grid)")
		fmt.Println("  POST /parcel/parse      - Parcel plan to typed polygons")
		fmt.Println("  POST /parcel/vectorise  - Generated parcel to buildings")
		if a.Service.CanGenerate() {
			fmt.Println("  POST /parcel/generate   - Generate buildings for a parcel")
			fmt.Println("  POST /plan/generate     - Generate buildings for a parcel plan")
		}
		fmt.Println("  POST /preview.svg|.png  - Render a FeatureCollection")
		fmt.Println("  GET  /jobs              - Recent jobs")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	cancel()
	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Generator != nil {
		a.Generator.Close()
	}
	fmt.Println("Service stopped")
	return nil
}
