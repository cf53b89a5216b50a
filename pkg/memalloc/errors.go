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

package memalloc

import (
	"errors"
	"fmt"

	"github.com/cse330/memalloc/pkg/errors/linuxerr"
	"github.com/cse330/memalloc/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// Kind classifies the failure of a control channel request.
type Kind int

// Failure kinds. The zero Kind means success.
const (
	// BadRequest is a payload that could not be copied in or decoded, an
	// unknown command, or an address outside the user range.
	BadRequest Kind = iota + 1

	// TooManyAllocations is returned once the allocation ceiling is hit.
	TooManyAllocations

	// TooManyPages is returned once the page ceiling is hit.
	TooManyPages

	// AlreadyMapped is a page whose leaf entry is already present.
	AlreadyMapped

	// OutOfMemory is a frame or table that could not be allocated.
	OutOfMemory

	// PreconditionViolation is an address space without a root table.
	PreconditionViolation
)

var kindNames = map[Kind]string{
	0:                     "ok",
	BadRequest:            "bad_request",
	TooManyAllocations:    "too_many_allocations",
	TooManyPages:          "too_many_pages",
	AlreadyMapped:         "already_mapped",
	OutOfMemory:           "out_of_memory",
	PreconditionViolation: "precondition_violation",
}

// kindValues lists every Kind name, in order, for metric fields.
var kindValues = []string{
	"ok",
	"bad_request",
	"too_many_allocations",
	"too_many_pages",
	"already_mapped",
	"out_of_memory",
	"precondition_violation",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// ReturnCode returns the integer code reported for k by the legacy ioctl
// interface: 0 for success, -2 for too many pages, -3 for too many
// allocations and -1 for everything else.
func (k Kind) ReturnCode() int32 {
	switch k {
	case 0:
		return 0
	case TooManyPages:
		return -2
	case TooManyAllocations:
		return -3
	default:
		return -1
	}
}

// Error is a failed control channel request.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Addr is the page being mapped when the failure occurred, if any.
	Addr hostarch.Addr

	// Err is the underlying error. It always wraps a linuxerr value.
	Err error
}

// Error implements error.Error.
func (e *Error) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s at %v: %v", e.Kind, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that the
// sentinels below match any error of their kind. Unknown commands are
// BadRequest too, but only match each other: ErrInvalidCommand does not match
// a malformed payload and ErrBadRequest does not match an unknown command.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && e.invalidCommand() == t.invalidCommand()
}

func (e *Error) invalidCommand() bool {
	return e.Kind == BadRequest && errors.Is(e.Err, unix.ENOTTY)
}

// Sentinels for use with errors.Is.
var (
	ErrBadRequest            = &Error{Kind: BadRequest, Err: linuxerr.EFAULT}
	ErrInvalidCommand        = &Error{Kind: BadRequest, Err: linuxerr.ENOTTY}
	ErrTooManyAllocations    = &Error{Kind: TooManyAllocations, Err: linuxerr.EDQUOT}
	ErrTooManyPages          = &Error{Kind: TooManyPages, Err: linuxerr.ENOSPC}
	ErrAlreadyMapped         = &Error{Kind: AlreadyMapped, Err: linuxerr.EEXIST}
	ErrOutOfMemory           = &Error{Kind: OutOfMemory, Err: linuxerr.ENOMEM}
	ErrPreconditionViolation = &Error{Kind: PreconditionViolation, Err: linuxerr.EINVAL}
)

// KindOf returns the Kind of err, or zero if err is nil. Errors that are not
// an *Error are classified by their errno.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

// ReturnCode returns the legacy ioctl return code for err.
func ReturnCode(err error) int32 {
	return KindOf(err).ReturnCode()
}

// classify maps an error from the walk onto a Kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, unix.EEXIST):
		return AlreadyMapped
	case errors.Is(err, unix.ENOMEM):
		return OutOfMemory
	case errors.Is(err, unix.EFAULT), errors.Is(err, unix.ESRCH):
		return BadRequest
	default:
		return PreconditionViolation
	}
}

// walkError wraps an error returned while mapping addr.
func walkError(addr hostarch.Addr, err error) *Error {
	return &Error{Kind: classify(err), Addr: addr, Err: err}
}
