// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command paymentsctl is the operator CLI for a running payments service.
package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/ZiaraZetu/ZiaraPay/pkg/ux"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Operation completed with findings (ledger drift, dead letters)
	CLIExitError    = 2 // Operation failed
)

// exitError carries a non-zero exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit status " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func findings() error { return &exitError{code: CLIExitFindings} }

func main() {
	level := ux.DetectLevel(os.Stdout)
	printer := ux.NewPrinter(os.Stdout, os.Stderr, level)
	root := newRootCmd(printer, os.Stdout, os.LookupEnv)
	os.Exit(exitCode(root.Execute(), printer))
}

// exitCode reports err through printer and maps it to a process exit code.
func exitCode(err error, printer *ux.Printer) int {
	if err == nil {
		return CLIExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			printer.Error(ee.err.Error())
		}
		return ee.code
	}
	printer.Error(err.Error())
	return CLIExitError
}

