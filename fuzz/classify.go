// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	pidRegex      = regexp.MustCompile(`^==([0-9]+)==`)
	mutationRegex = regexp.MustCompile(`^MS: [0-9]*`)
	artifactRegex = regexp.MustCompile(`Test unit written to (\S+)`)
)

// ArtifactKind identifies why libFuzzer saved a test unit.
type ArtifactKind string

const (
	ArtifactCrash    ArtifactKind = "crash"
	ArtifactLeak     ArtifactKind = "leak"
	ArtifactMismatch ArtifactKind = "mismatch"
	ArtifactOOM      ArtifactKind = "oom"
	ArtifactSlowUnit ArtifactKind = "slow-unit"
	ArtifactTimeout  ArtifactKind = "timeout"
	ArtifactUnknown  ArtifactKind = "unknown"
)

// ArtifactKinds lists the known kinds in the order their file name prefixes
// are checked.
var ArtifactKinds = []ArtifactKind{
	ArtifactCrash,
	ArtifactLeak,
	ArtifactMismatch,
	ArtifactOOM,
	ArtifactSlowUnit,
	ArtifactTimeout,
}

// ArtifactKindOf classifies an artifact by the prefix of its base name.
func ArtifactKindOf(p string) ArtifactKind {
	base := path.Base(p)
	for _, kind := range ArtifactKinds {
		if strings.HasPrefix(base, string(kind)) {
			return kind
		}
	}
	return ArtifactUnknown
}

// An ArtifactReference is a test unit path reported in a fuzzer log. The path
// is as the fuzzer wrote it, relative to its namespace.
type ArtifactReference struct {
	Path string
	Kind ArtifactKind
}

// LineKind is the role a log line plays.
type LineKind int

const (
	LinePlain LineKind = iota
	LinePID
	LineMutation
	LineArtifact
)

func (k LineKind) String() string {
	switch k {
	case LinePID:
		return "pid"
	case LineMutation:
		return "mutation"
	case LineArtifact:
		return "artifact"
	default:
		return "plain"
	}
}

// A ClassifiedLine is a log line with the one role it plays. PID is set only
// for LinePID and Artifact only for LineArtifact.
type ClassifiedLine struct {
	Kind     LineKind
	Text     string
	PID      int
	Artifact ArtifactReference
}

// ClassifyLine determines the role of a single fuzzer log line. A line that
// matches more than one marker is classified by the first of pid, mutation
// and artifact that it matches.
func ClassifyLine(line string) ClassifiedLine {
	if m := pidRegex.FindStringSubmatch(line); m != nil {
		if pid, err := strconv.Atoi(m[1]); err == nil {
			return ClassifiedLine{Kind: LinePID, Text: line, PID: pid}
		}
	}
	if mutationRegex.MatchString(line) {
		return ClassifiedLine{Kind: LineMutation, Text: line}
	}
	if m := artifactRegex.FindStringSubmatch(line); m != nil {
		return ClassifiedLine{
			Kind:     LineArtifact,
			Text:     line,
			Artifact: ArtifactReference{Path: m[1], Kind: ArtifactKindOf(m[1])},
		}
	}
	return ClassifiedLine{Kind: LinePlain, Text: line}
}
