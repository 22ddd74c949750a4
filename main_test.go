package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts      AppOptions
	called    map[string]bool
	configErr error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) LoadConfig() error            { m.called["LoadConfig"] = true; return m.configErr }
func (m *mockApp) RunService(context.Context) error {
	m.called["RunService"] = true
	return nil
}
func (m *mockApp) RunConsolidate(context.Context) error {
	m.called["RunConsolidate"] = true
	return nil
}
func (m *mockApp) RunRender(context.Context) error {
	m.called["RunRender"] = true
	return nil
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "MQTT",
			args:           []string{"--mqtt", "--data-dir", "/tmp/data"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.DataDir != "/tmp/data" {
					t.Errorf("expected DataDir /tmp/data, got %s", opts.DataDir)
				}
				if !opts.MQTTMode {
					t.Error("expected MQTTMode true")
				}
			},
		},
		{
			name:           "HTTPWithPort",
			args:           []string{"--http", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HTTPMode || opts.HTTPPort != 9090 {
					t.Errorf("expected HTTP on 9090, got %v %d", opts.HTTPMode, opts.HTTPPort)
				}
			},
		},
		{
			name:           "NATS",
			args:           []string{"--nats", "--config", "fog.yaml"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.NATSMode {
					t.Error("expected NATSMode true")
				}
				if opts.ConfigFile != "fog.yaml" {
					t.Errorf("expected ConfigFile fog.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "Render",
			args:           []string{"--render", "--explorer", "alice", "--output", "alice.svg", "--format", "svg"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Explorer != "alice" {
					t.Errorf("expected Explorer alice, got %s", opts.Explorer)
				}
				if opts.OutputFile != "alice.svg" || opts.RenderFormat != "svg" {
					t.Errorf("unexpected output %s (%s)", opts.OutputFile, opts.RenderFormat)
				}
			},
		},
		{
			name:           "Consolidate",
			args:           []string{"--consolidate"},
			expectedCalled: "RunConsolidate",
		},
		{
			name:           "ConsolidateWinsOverService",
			args:           []string{"--consolidate", "--http"},
			expectedCalled: "RunConsolidate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			if err := run(context.Background(), tt.args, &out, app); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if !app.called["LoadConfig"] {
				t.Error("expected LoadConfig to be called")
			}
			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called, called: %v", tt.expectedCalled, app.called)
			}
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run(context.Background(), []string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of fogmesh") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !strings.Contains(out.String(), "fogmesh version: "+Version) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "No mode selected") {
		t.Errorf("expected usage hint, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("expected nothing to run, called: %v", app.called)
	}
}

func TestRun_BadFormat(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run(context.Background(), []string{"--render", "--format", "gif"}, &out, app)
	if err == nil || !strings.Contains(err.Error(), "unknown render format") {
		t.Errorf("expected render format error, got %v", err)
	}
	if app.called["RunRender"] {
		t.Error("RunRender should not run with a bad format")
	}
}

func TestRun_ConfigError(t *testing.T) {
	app := newMockApp()
	app.configErr = errors.New("boom")
	err := run(context.Background(), []string{"--http"}, &bytes.Buffer{}, app)
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected config error, got %v", err)
	}
	if app.called["RunService"] {
		t.Error("RunService should not run without config")
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
