/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package helper launches and owns the lifecycle of the privileged PTP helper
// process: the sidecar that opens UDP ports 319/320, multicast-joins the PTP groups,
// and frames raw PTP bytes to us over its stdout/stderr/stdin. This package never
// parses those frames itself — it only resolves the helper binary, builds its argv,
// starts it, and wires its pipes to the pipeio readers/writer the reactor consumes.
package helper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpslave/pipeio"
	ptp "github.com/facebook/ptpslave/protocol"
)

// Env var names the helper location and verbosity are resolved from, matching the
// wire contract's own naming.
const (
	envHelperPath1_0 = "GST_PTP_HELPER_1_0"
	envHelperPath    = "GST_PTP_HELPER"
	envHelperVerbose = "GST_PTP_HELPER_VERBOSE"
)

// DefaultInstallPath is used when neither env var is set and no relocation-relative
// copy is found next to the running binary.
const DefaultInstallPath = "/usr/libexec/gstreamer-1.0/gst-ptp-helper"

// relocatedSubdir is where a relocation-relative helper would live next to this
// process's own executable, mirroring the original's "next to libgstnet" convention.
const relocatedSubdir = "gstreamer-1.0/gst-ptp-helper"

// resolvePath finds the helper binary in the order the wire contract specifies: the
// versioned env var, the unversioned env var, a copy relocated next to this process's
// own executable, then the built-in install path.
func resolvePath() string {
	if p := os.Getenv(envHelperPath1_0); p != "" {
		return p
	}
	if p := os.Getenv(envHelperPath); p != "" {
		return p
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepathJoin(self, relocatedSubdir)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate
		}
	}
	return DefaultInstallPath
}

// filepathJoin joins dir (a file path, whose directory component is what we want)
// with suffix without importing path/filepath solely for Dir+Join.
func filepathJoin(exePath, suffix string) string {
	idx := strings.LastIndexByte(exePath, os.PathSeparator)
	if idx < 0 {
		return suffix
	}
	return exePath[:idx+1] + suffix
}

func verboseRequested() bool {
	v := os.Getenv(envHelperVerbose)
	return v != "" && !strings.EqualFold(v, "no")
}

// buildArgv constructs argv as [helper_path, ("-c", "0x%016x")?, ("-i", iface)*, ("-v")?].
func buildArgv(path string, clockID ptp.ClockIdentity, haveClockID bool, interfaces []string) []string {
	argv := []string{path}
	if haveClockID {
		argv = append(argv, "-c", fmt.Sprintf("0x%016x", uint64(clockID)))
	}
	for _, iface := range interfaces {
		argv = append(argv, "-i", iface)
	}
	if verboseRequested() {
		argv = append(argv, "-v")
	}
	return argv
}

// Helper owns one running instance of the privileged PTP helper process and the
// three pipes it communicates over.
type Helper struct {
	cmd *exec.Cmd

	Data   *pipeio.Reader
	Logs   *pipeio.LogReader
	Writer *pipeio.Writer
}

// Start resolves the helper binary, spawns it with argv built from clockID (pass
// haveClockID=false to omit "-c", letting the helper pick its own) and interfaces,
// and wires up its three pipes. The returned Helper's Data/Logs/Writer are ready for
// a reactor.Run call; the caller is responsible for eventually calling Stop.
func Start(ctx context.Context, clockID ptp.ClockIdentity, haveClockID bool, interfaces []string) (*Helper, error) {
	path := resolvePath()
	argv := buildArgv(path, clockID, haveClockID, interfaces)
	log.Debugf("starting PTP helper process: %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start PTP helper process: %w", err)
	}

	return &Helper{
		cmd:    cmd,
		Data:   pipeio.NewReader(stdout),
		Logs:   pipeio.NewLogReader(stderr),
		Writer: pipeio.NewWriter(stdin),
	}, nil
}

// Stop force-terminates the helper process and waits for it to exit, closing its
// pipes. A closed pipe surfaces to the reactor as a normal EOF on its next read.
func (h *Helper) Stop() error {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	return h.cmd.Wait()
}

// Wait blocks until the helper process exits and returns its exit error, if any. A
// caller that wants to treat an unexpected helper exit as a fatal transport failure
// should select on this alongside the reactor's own error channel.
func (h *Helper) Wait() error {
	return h.cmd.Wait()
}
