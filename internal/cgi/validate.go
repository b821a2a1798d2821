// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package cgi

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ValidateScript ensures the requested script path is under docRoot and is a
// regular file. needExec additionally requires the executable bit, for
// scripts that are run without an interpreter.
func ValidateScript(script string, docRoot string, needExec bool) error {
	if !filepath.IsAbs(script) {
		return fmt.Errorf("script path must be absolute: %s", script)
	}

	// Clean up the path (removes "."/".." components)
	script = filepath.Clean(script)

	if docRoot != "" {
		rel, err := filepath.Rel(docRoot, script)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("script path (%s) outside document root (%s)", script, docRoot)
		}
	}

	// Lstat does not follow symlinks; symlinks are the root of many vulnerabilities
	info, err := os.Lstat(script)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("script not found: %w", err)
		}
		return fmt.Errorf("failed to lstat script: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symlinks are unsupported: %s", script)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("script is not a regular file: %s", script)
	}
	if needExec && info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("script not executable: %s", script)
	}

	slog.Debug("script validated", "script", script)
	return nil
}

// ValidateInterpreter checks that the configured interpreter can be executed.
func ValidateInterpreter(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("interpreter path must be absolute: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("interpreter unavailable: %w", err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("interpreter not executable: %s", path)
	}
	return nil
}
