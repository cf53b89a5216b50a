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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// writePidFile writes the pid file atomically if possible. It returns a
// function removing the file.
func writePidFile(path string, pid int) (func(), error) {
	pidStr := []byte(strconv.Itoa(pid))
	remove := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "failed to remove pid file %s: %v\n", path, err)
		}
	}

	st, err := os.Stat(path)
	if err == nil && !st.Mode().IsRegular() {
		// If not regular file, write in place and leave it behind.
		if err := os.WriteFile(path, pidStr, 0644); err != nil {
			return nil, fmt.Errorf("failed to write pid file %s: %w", path, err)
		}
		return func() {}, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat file %s failed: %w", path, err)
	}

	// Otherwise write using temp file to make write atomic.
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "memalloc-pid-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp pid file in dir %s: %w", dir, err)
	}
	renamed := false
	defer func() {
		_ = tempFile.Close()
		if !renamed {
			_ = os.Remove(tempFile.Name())
		}
	}()

	if err := tempFile.Chmod(0644); err != nil {
		return nil, fmt.Errorf("failed to chmod pid file %s: %w", tempFile.Name(), err)
	}
	if _, err := tempFile.Write(pidStr); err != nil {
		return nil, fmt.Errorf("failed to write pid file %s: %w", tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp pid file %s: %w", tempFile.Name(), err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to rename temp pid file %s -> %s: %w", tempFile.Name(), path, err)
	}
	renamed = true
	return remove, nil
}
