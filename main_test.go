package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunVectorise() error          { m.called["RunVectorise"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Vectorise",
			args:           []string{"--vectorise", "--image", "plan.png", "--bbox", "1,2,3,4", "--seed", "7"},
			expectedCalled: "RunVectorise",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ImageFile != "plan.png" {
					t.Errorf("expected ImageFile plan.png, got %s", opts.ImageFile)
				}
				if opts.BBox != "1,2,3,4" {
					t.Errorf("expected BBox 1,2,3,4, got %s", opts.BBox)
				}
				if opts.Seed != 7 {
					t.Errorf("expected Seed 7, got %d", opts.Seed)
				}
				if opts.Variant != "vectorise" {
					t.Errorf("expected default variant vectorise, got %s", opts.Variant)
				}
			},
		},
		{
			name:           "VectoriseVariant",
			args:           []string{"--vectorise", "--variant", "geojsonify", "--output", "out.geojson", "--preview", "out.svg"},
			expectedCalled: "RunVectorise",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Variant != "geojsonify" {
					t.Errorf("expected Variant geojsonify, got %s", opts.Variant)
				}
				if opts.OutputFile != "out.geojson" {
					t.Errorf("expected OutputFile out.geojson, got %s", opts.OutputFile)
				}
				if opts.PreviewFile != "out.svg" {
					t.Errorf("expected PreviewFile out.svg, got %s", opts.PreviewFile)
				}
			},
		},
		{
			name:           "Parse",
			args:           []string{"--parse", "--image", "parcels.png", "--variant", "parcel"},
			expectedCalled: "RunVectorise",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Variant != "parse" {
					t.Errorf("expected --parse to force variant parse, got %s", opts.Variant)
				}
				if !opts.Parse {
					t.Error("expected Parse true")
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--http-port", "9090", "--job-cache", "jobs.json"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode {
					t.Error("expected HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.JobCache != "jobs.json" {
					t.Errorf("expected JobCache jobs.json, got %s", opts.JobCache)
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--config", "/etc/massing.yaml"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.ConfigFile != "/etc/massing.yaml" {
					t.Errorf("expected ConfigFile /etc/massing.yaml, got %s", opts.ConfigFile)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_PropagatesErrors(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	if err := run([]string{"--vectorise"}, &out, app); !errors.Is(err, app.err) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp from --help, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of massing") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("expected nothing to run, got %v", app.called)
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "massing version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "Use --http to run the HTTP API") {
		t.Errorf("expected usage hints, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("expected nothing to run, got %v", app.called)
	}
}

func TestBBoxJSON(t *testing.T) {
	tests := map[string]string{
		"1,2,3,4":            "[1,2,3,4]",
		" [1, 2, 3, 4] ":     "[1, 2, 3, 4]",
		`{"type":"Polygon"}`: `{"type":"Polygon"}`,
		"":                   "",
	}
	for in, want := range tests {
		if got := bboxJSON(in); got != want {
			t.Errorf("bboxJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMain_Execute(t *testing.T) {
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
