// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"go.fuchsia.dev/fuzzctl/lib/clock"
	"go.fuchsia.dev/fuzzctl/lib/osmisc"
)

const (
	logbaseFormat = "2006-01-02-1504"
	latestLogName = "fuzz-latest.log"
)

// A Symbolizer replaces symbolizer markup in a log with source locations.
// BuildEnv is the production implementation.
type Symbolizer interface {
	Symbolize(ctx context.Context, raw []byte, jsonOutput string) ([]byte, error)
}

// A LogRecord is everything observed while symbolizing one run's log.
type LogRecord struct {
	// RunID distinguishes runs in diagnostic messages.
	RunID string
	Lines []string
	// PID is the last process ID reported in the log, or UnknownPID.
	PID           int
	FoundMutation bool
	// Artifacts are unique, in the order first reported.
	Artifacts []ArtifactReference
}

// SymbolizeResult describes a symbolized log.
type SymbolizeResult struct {
	OutputPath string
	// FoundMutation is set if a system log dump was spliced into the output.
	FoundMutation bool
	Record        *LogRecord
	// FetchErr collects failures to retrieve artifacts. These do not prevent
	// the log itself from being written.
	FetchErr error
}

// A LogSymbolizer writes a fuzzer's log to the host with the symbolized
// system log of the fuzzer process inserted where the fuzzer first reports a
// mutation, which is where libFuzzer's own crash report begins.
type LogSymbolizer struct {
	device     *Device
	symbolizer Symbolizer
	fuzzer     *Fuzzer
	ns         *Namespace
	outputDir  string
	observer   io.Writer

	logbase      string
	lastKnownPID int
}

// NewLogSymbolizer returns a LogSymbolizer that writes logs and artifacts to
// outputDir and echoes to observer when asked.
func NewLogSymbolizer(device *Device, symbolizer Symbolizer, fuzzer *Fuzzer, ns *Namespace,
	outputDir string, observer io.Writer) *LogSymbolizer {
	if observer == nil {
		observer = io.Discard
	}
	return &LogSymbolizer{
		device:       device,
		symbolizer:   symbolizer,
		fuzzer:       fuzzer,
		ns:           ns,
		outputDir:    outputDir,
		observer:     observer,
		lastKnownPID: UnknownPID,
	}
}

// LastKnownPID returns the most recent process ID seen in any log.
func (s *LogSymbolizer) LastKnownPID() int {
	return s.lastKnownPID
}

// ResetPID forgets the last known process ID.
func (s *LogSymbolizer) ResetPID() {
	s.lastKnownPID = UnknownPID
}

// LogPath returns the host path of the symbolized log for a job.
func (s *LogSymbolizer) LogPath(ctx context.Context, job int) string {
	if s.logbase == "" {
		s.logbase = clock.Now(ctx).Format(logbaseFormat)
	}
	return filepath.Join(s.outputDir, fmt.Sprintf("fuzz-%s-%d.log", s.logbase, job))
}

// Symbolize copies a fuzzer log from in to the log file for job, echoing each
// line to the observer if echo is set. The first time the log reports a
// mutation, the system log of the fuzzer process is dumped, symbolized and
// inserted before that line. Once the log is complete, any artifacts it
// mentions are fetched from the device and fuzz-latest.log is pointed at the
// new file.
func (s *LogSymbolizer) Symbolize(ctx context.Context, in io.Reader, job int, echo bool) (*SymbolizeResult, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	outPath := s.LogPath(ctx, job)
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	defer out.Close()

	var w io.Writer = out
	if echo {
		w = io.MultiWriter(out, s.observer)
	}

	record := &LogRecord{RunID: uuid.New().String(), PID: UnknownPID}
	seen := make(map[string]bool)
	glog.Infof("Symbolizing log of %s job %d (run %s)", s.fuzzer, job, record.RunID)

	// Lines are unbounded; coverage dumps in particular can be very long.
	r := bufio.NewReader(in)
	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("failed to read log: %w", readErr)
		}
		if readErr == io.EOF && line == "" {
			break
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		record.Lines = append(record.Lines, line)

		classified := ClassifyLine(line)
		switch classified.Kind {
		case LinePID:
			record.PID = classified.PID
			s.lastKnownPID = classified.PID
		case LineMutation:
			if !record.FoundMutation {
				record.FoundMutation = true
				if _, err := w.Write(s.syslog(ctx, record)); err != nil {
					return nil, fmt.Errorf("failed to write log: %w", err)
				}
			}
		case LineArtifact:
			if !seen[classified.Artifact.Path] {
				seen[classified.Artifact.Path] = true
				record.Artifacts = append(record.Artifacts, classified.Artifact)
			}
		}

		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return nil, fmt.Errorf("failed to write log: %w", err)
		}
		if readErr == io.EOF {
			break
		}
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close log file: %w", err)
	}

	result := &SymbolizeResult{
		OutputPath:    outPath,
		FoundMutation: record.FoundMutation,
		Record:        record,
	}
	for _, artifact := range record.Artifacts {
		if err := s.device.Fetch(s.outputDir, s.ns.AbsPath(artifact.Path)); err != nil {
			glog.Warningf("Failed to fetch %s artifact: %s", artifact.Kind, err)
			result.FetchErr = multierr.Append(result.FetchErr, err)
		}
	}
	if err := osmisc.ReplaceSymlink(outPath, filepath.Join(s.outputDir, latestLogName)); err != nil {
		return nil, fmt.Errorf("failed to link latest log: %w", err)
	}
	return result, nil
}

// syslog returns the symbolized system log of the process in record, ready to
// be spliced into the fuzzer log. Failures are reported inline so the fuzzer
// log is still written.
func (s *LogSymbolizer) syslog(ctx context.Context, record *LogRecord) []byte {
	if record.PID <= 0 {
		pid, err := s.device.GuessPID(s.fuzzer.Executable)
		if err != nil {
			return syslogWarning(record, err)
		}
		record.PID = pid
	}
	sym, err := s.dumpSyslog(ctx, record.PID)
	if err != nil {
		return syslogWarning(record, err)
	}
	if len(sym) > 0 && !bytes.HasSuffix(sym, []byte("\n")) {
		sym = append(sym, '\n')
	}
	return sym
}

func syslogWarning(record *LogRecord, err error) []byte {
	glog.Warningf("Failed to fetch syslog for run %s: %s", record.RunID, err)
	return []byte(fmt.Sprintf("WARNING: failed to fetch syslog: %s\n", err))
}

func (s *LogSymbolizer) dumpSyslog(ctx context.Context, pid int) ([]byte, error) {
	raw, err := s.device.DumpLog(pid)
	if err != nil {
		return nil, err
	}
	sym, err := s.symbolizer.Symbolize(ctx, raw, "")
	if err != nil {
		return nil, fmt.Errorf("failed to symbolize log for pid %d: %w", pid, err)
	}
	return sym, nil
}

// EchoSyslog writes the symbolized system log of a process to the observer.
func (s *LogSymbolizer) EchoSyslog(ctx context.Context, pid int) error {
	sym, err := s.dumpSyslog(ctx, pid)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(sym)) == 0 {
		return nil
	}
	_, err = fmt.Fprintln(s.observer, string(bytes.TrimSpace(sym)))
	return err
}
