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

package control

import (
	"github.com/cse330/memalloc/pkg/log"
)

// LoggingArgs are the arguments to use for changing the logging level.
type LoggingArgs struct {
	// SetLevel is a flag used to indicate that we should update the
	// logging level.
	SetLevel bool `json:"set_level"`

	// Level is the log level that will be set if SetLevel is true.
	Level log.Level `json:"level"`
}

// Logging provides functions related to logging.
type Logging struct{}

// Change changes the log level. It never returns an error; the signature is
// required by urpc.
func (l *Logging) Change(args *LoggingArgs, code *int) error {
	if args.SetLevel {
		// Logging uses an atomic for the level so this is thread safe.
		log.SetLevel(args.Level)
		log.Infof("Log level set to: %v", args.Level)
	}
	*code = 0
	return nil
}
