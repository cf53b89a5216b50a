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

// Package hostarch contains host arch address operations for user memory.
package hostarch

import (
	"encoding/binary"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the page size, 4096 bytes.
	PageSize = 1 << PageShift
)

// ByteOrder is the byte order of request payloads copied in from callers.
var ByteOrder = binary.LittleEndian
