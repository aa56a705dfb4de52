// Copyright 2024 The Armored Witness SPM authors. All Rights Reserved.
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

package load

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-spm/psa"
)

// ErrFrameworkVersion is returned for partitions written against a framework
// version the running SPM cannot serve.
var ErrFrameworkVersion = errors.New("unsupported framework version")

// RunningFrameworkVersion returns the framework version implemented by the
// SPM in semantic version form.
func RunningFrameworkVersion() semver.Version {
	return semver.Version{
		Major: psa.FrameworkVersion >> 8,
		Minor: psa.FrameworkVersion & 0xff,
	}
}

// ParseFrameworkVersion parses a manifest framework version, in either
// "major.minor" or full semantic version form.
func ParseFrameworkVersion(s string) (*semver.Version, error) {
	if strings.Count(s, ".") == 1 {
		s += ".0"
	}

	return semver.NewVersion(s)
}

// CheckFrameworkVersion verifies that the partition can be served by an SPM
// running the argument framework version: the major versions must match and
// the declared version must not be newer than the running one.
func (p *PartitionInfo) CheckFrameworkVersion(running semver.Version) error {
	if p.FrameworkVersion == "" {
		return nil
	}

	v, err := ParseFrameworkVersion(p.FrameworkVersion)

	if err != nil {
		return fmt.Errorf("partition %s: %w (%v)", p.Name, ErrFrameworkVersion, err)
	}

	if v.Major != running.Major || running.LessThan(*v) {
		return fmt.Errorf("partition %s: %w %s, running %s", p.Name, ErrFrameworkVersion, v, running)
	}

	return nil
}

// OpenSigned verifies a signed manifest list against any of the argument
// verifiers and returns the manifest text.
func OpenSigned(buf []byte, verifiers ...note.Verifier) ([]byte, error) {
	n, err := note.Open(buf, note.VerifierList(verifiers...))

	if err != nil {
		return nil, fmt.Errorf("manifest signature verification failed: %w", err)
	}

	return []byte(n.Text), nil
}

// Sign returns the manifest list text with a note signature appended.
func Sign(buf []byte, signers ...note.Signer) ([]byte, error) {
	text := string(buf)

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	return note.Sign(&note.Note{Text: text}, signers...)
}
