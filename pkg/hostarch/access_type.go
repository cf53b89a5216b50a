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

package hostarch

// AccessType specifies memory access types. This is used for mapping
// permissions, as well as communicating faults.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool
}

// Any returns true iff at least one component of the AccessType is enabled.
func (a AccessType) Any() bool {
	return a.Read || a.Write
}

// String returns a pretty representation of access. This looks like the
// familiar r-- notation.
func (a AccessType) String() string {
	bits := [2]byte{'-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	return string(bits[:])
}

// Convenient access types.
var (
	Read      = AccessType{Read: true}
	ReadWrite = AccessType{Read: true, Write: true}
)

// AccessFor returns the access type installed for a mapping request: ReadWrite
// when write is set, Read otherwise.
func AccessFor(write bool) AccessType {
	if write {
		return ReadWrite
	}
	return Read
}
