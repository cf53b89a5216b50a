// Copyright 2024 The memalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%q) failed: %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memalloc.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatal(err)
	}
	// "--root" is always set to something different than the default. Reset it
	// to make it easier to test that default values do not generate flags.
	c.RootDir = ""

	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if c.Frames != 4096 {
		t.Errorf("Frames=%d, want 4096", c.Frames)
	}
	if c.LogFormat != LogFormatText {
		t.Errorf("LogFormat=%v, want %v", c.LogFormat, LogFormatText)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t,
		"--root=some-path",
		"--debug",
		"--frames=123",
		"--log-format=json-k8s",
		"--allow-uid=1000,1001",
	))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		RootDir:        "some-path",
		Debug:          true,
		Frames:         123,
		LogFormat:      LogFormatJSONK8s,
		DebugLogFormat: LogFormatText,
		AllowUIDs:      UIDList{1000, 1001},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.SocketPath(), filepath.Join("some-path", "memalloc.sock"); got != want {
		t.Errorf("SocketPath()=%q, want %q", got, want)
	}
	if got, want := c.LockPath(), filepath.Join("some-path", "memalloc.lock"); got != want {
		t.Errorf("LockPath()=%q, want %q", got, want)
	}
}

func TestInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--log-format=xml"},
		{"--allow-uid=root"},
	} {
		testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
		testFlags.SetOutput(new(strings.Builder))
		RegisterFlags(testFlags)
		if err := testFlags.Parse(args); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", args)
		}
	}
	if _, err := NewFromFlags(newFlagSet(t, "--frames=0")); err == nil {
		t.Errorf("NewFromFlags(--frames=0) succeeded, want error")
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t,
		"--root=some-path",
		"--debug=true",
		"--alsologtostderr=false", // Matches default value.
		"--frames=123",
		"--metric-server=localhost:9330",
	))
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	want := []string{
		"--root=some-path",
		"--debug=true",
		"--frames=123",
		"--metric-server=localhost:9330",
	}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	// The flags parse back into the same config.
	c2, err := NewFromFlags(newFlagSet(t, flags...))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
debug = true
frames = 8192
log-format = "json"
allow-uid = [1000, 1001]
metric-server = "localhost:1"
`)
	c, err := NewFromFlags(newFlagSet(t, "--config="+path, "--metric-server=localhost:2"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug || c.Frames != 8192 || c.LogFormat != LogFormatJSON {
		t.Errorf("config file values not applied: %+v", c)
	}
	if diff := cmp.Diff(UIDList{1000, 1001}, c.AllowUIDs); diff != "" {
		t.Errorf("AllowUIDs mismatch (-want +got):\n%s", diff)
	}
	// The command line wins over the file.
	if want := "localhost:2"; c.MetricServer != want {
		t.Errorf("MetricServer=%q, want %q", c.MetricServer, want)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for name, content := range map[string]string{
		"unknown flag":  `no-such-flag = 1`,
		"bad value":     `frames = "many"`,
		"nested config": `config = "other.toml"`,
		"syntax":        `debug = `,
	} {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, content)
			if _, err := NewFromFlags(newFlagSet(t, "--config="+path)); err == nil {
				t.Errorf("NewFromFlags with %q succeeded, want error", content)
			}
		})
	}
}

func TestClone(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t, "--allow-uid=7"))
	if err != nil {
		t.Fatal(err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.AllowUIDs[0] = 8
	clone.Frames = 1
	if c.AllowUIDs[0] != 7 || c.Frames != 4096 {
		t.Errorf("modifying the clone changed the original: %+v", c)
	}
}
