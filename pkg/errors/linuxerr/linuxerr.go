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

// Package linuxerr contains the error codes used by the memalloc control
// channel, exported as error interface pointers. This allows for fast
// comparison and return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"github.com/cse330/memalloc/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors are semantically identical to Errno of type unix.Errno.
// However, since the types are distinct (these are *errors.Error), they are
// not directly comparable. The Errno method returns an Errno number such that
// the error can be compared to unix.Errno (e.g. EFAULT.Errno() == unix.EFAULT is
// true). Converting unix.Errno to the errors should be done via the lookup
// methods provided.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ESRCH                 = errors.New(unix.ESRCH, "no such process")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOTTY                = errors.New(unix.ENOTTY, "not a typewriter")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	EDQUOT                = errors.New(unix.EDQUOT, "quota exceeded")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:  EPERM,
	unix.ESRCH:  ESRCH,
	unix.ENOMEM: ENOMEM,
	unix.EFAULT: EFAULT,
	unix.EEXIST: EEXIST,
	unix.ENODEV: ENODEV,
	unix.EINVAL: EINVAL,
	unix.ENOTTY: ENOTTY,
	unix.ENOSPC: ENOSPC,
	unix.EDQUOT: EDQUOT,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// registered linuxerr are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped,
// so fmt.Errorf("...: %w", EEXIST) equals EEXIST.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	if e == err || unixErr == err {
		return true
	}
	return e != noError && (goerrors.Is(err, e) || goerrors.Is(err, unixErr))
}
