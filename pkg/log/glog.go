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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the threadid component of the header, padded to 7 columns like
// glog.loggingT.formatHeader.
var pid = fmt.Sprintf("%7d", os.Getpid())

// glogTime is the timestamp layout of the header.
const glogTime = "0102 15:04:05.000000"

func levelMarker(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style. Lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	var b strings.Builder
	b.Grow(len(format) + 64)
	b.WriteByte(levelMarker(level))
	b.WriteString(timestamp.Format(glogTime))
	b.WriteByte(' ')
	b.WriteString(pid)
	// The header goes through the format string below.
	fmt.Fprintf(&b, " %s:%d] ", strings.ReplaceAll(file, "%", "%%"), line)
	b.WriteString(format)
	b.WriteByte('\n')

	// Pass to the underlying routine.
	g.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
