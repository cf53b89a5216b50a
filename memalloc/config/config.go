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

// Package config provides basic infrastructure to set configuration settings
// for memalloc. Each configuration setting is defined as a command line flag
// and may also be given in a TOML file passed with --config.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/cse330/memalloc/pkg/log"
	"github.com/mohae/deepcopy"
)

const (
	// SocketName is the name of the control socket inside RootDir.
	SocketName = "memalloc.sock"

	// LockName is the name of the instance lock file inside RootDir.
	LockName = "memalloc.lock"
)

// Config holds configuration that is not part of the request protocol.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name
//  3. Register a new flag in flags.go, with same name and add a description
//  4. Add any necessary validation into validate()
//  5. If adding an enum, follow the same pattern as LogFormat
type Config struct {
	// RootDir is the runtime root directory. It holds the control socket and
	// the instance lock.
	RootDir string `flag:"root"`

	// Socket overrides the control socket path. Empty means
	// RootDir/memalloc.sock.
	Socket string `flag:"socket"`

	// ConfigFile is the TOML file flags were read from, if any.
	ConfigFile string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat LogFormat `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty. It
	// accepts %TIMESTAMP% and %COMMAND%.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat LogFormat `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Frames is the number of 4KiB frames in the backing memory file.
	Frames uint `flag:"frames"`

	// MetricServer is the address the metrics endpoint listens on, e.g.
	// "localhost:9330". Empty disables it.
	MetricServer string `flag:"metric-server"`

	// AllowUIDs lists users other than the server's own and root that may
	// use the control socket.
	AllowUIDs UIDList `flag:"allow-uid"`
}

func (c *Config) validate() error {
	if c.Frames == 0 {
		return fmt.Errorf("--frames must be positive")
	}
	if uint64(c.Frames) > 1<<32-1 {
		return fmt.Errorf("--frames=%d is too large", c.Frames)
	}
	return nil
}

// SocketPath returns the control socket path.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	return filepath.Join(c.RootDir, SocketName)
}

// LockPath returns the instance lock path.
func (c *Config) LockPath() string {
	return filepath.Join(c.RootDir, LockName)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
	}
}

// LogFormat is the format of log messages.
type LogFormat string

// Supported log formats.
const (
	// LogFormatText is the glog style text format.
	LogFormatText LogFormat = "text"

	// LogFormatJSON emits one JSON object per message.
	LogFormatJSON LogFormat = "json"

	// LogFormatJSONK8s emits the Kubernetes JSON log format.
	LogFormatJSONK8s LogFormat = "json-k8s"

	// LogFormatLogrus forwards messages to logrus' text formatter.
	LogFormatLogrus LogFormat = "logrus"
)

func logFormatPtr(v LogFormat) *LogFormat {
	return &v
}

// Set implements flag.Value.
func (f *LogFormat) Set(v string) error {
	switch LogFormat(v) {
	case LogFormatText, LogFormatJSON, LogFormatJSONK8s, LogFormatLogrus:
		*f = LogFormat(v)
		return nil
	}
	return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus'", v)
}

// Get implements flag.Getter.
func (f *LogFormat) Get() any {
	return *f
}

// String implements flag.Value.
func (f LogFormat) String() string {
	return string(f)
}

// UIDList is a comma-separated list of user IDs.
type UIDList []uint32

// Set implements flag.Value.
func (l *UIDList) Set(v string) error {
	var uids UIDList
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		uid, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid UID %q: %w", s, err)
		}
		uids = append(uids, uint32(uid))
	}
	*l = uids
	return nil
}

// Get implements flag.Getter.
func (l *UIDList) Get() any {
	return *l
}

// String implements flag.Value.
func (l UIDList) String() string {
	parts := make([]string, 0, len(l))
	for _, uid := range l {
		parts = append(parts, strconv.FormatUint(uint64(uid), 10))
	}
	return strings.Join(parts, ",")
}
