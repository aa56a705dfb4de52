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
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-spm/psa"
)

const testManifest = `
partitions:
  - name: NS
    id: 0
    priority: LOWEST
  - name: ECHO
    id: 256
    type: APPLICATION-ROT
    priority: NORMAL
    psa_framework_version: "1.1"
    entry_point: echo_main
    stack_base: 0x30010000
    stack_size: 0x800
    dependencies: [0x2000]
    services:
      - name: ECHO_SERVICE
        sid: 0x1000
        signal: 0x10
        version: 1
        version_policy: STRICT
        non_secure_clients: true
    irqs:
      - name: TIMER
        source: 5
        signal: 0x100
        handling: SLIH
  - name: CRYPTO
    id: 257
    type: PSA-ROT
    priority: HIGH
    entry_point: crypto_main
    services:
      - name: HASH
        sid: 0x2000
        signal: 0x20
        version: 2
        version_policy: RELAXED
        stateless_handle: 3
    irqs:
      - name: DMA
        source: 6
        signal: 0x200
        handling: FLIH
        flih_handler: dma_flih
`

func testSymbols() Symbols {
	return Symbols{
		Entries: map[string]Entry{
			"echo_main":   func() {},
			"crypto_main": func() {},
		},
		FLIH: map[string]func() psa.FLIHResult{
			"dma_flih": func() psa.FLIHResult { return psa.FLIHSignal },
		},
	}
}

func TestResolveManifest(t *testing.T) {
	list, err := ParseManifestList([]byte(testManifest))

	if err != nil {
		t.Fatalf("ParseManifestList: %v", err)
	}

	partitions, err := list.Resolve(testSymbols())

	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := ValidateAll(partitions); err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}

	want := &PartitionInfo{
		PID:              256,
		Name:             "ECHO",
		FrameworkVersion: "1.1",
		Model:            ApplicationRoT,
		Priority:         PriorityNormal,
		StackBase:        0x30010000,
		StackSize:        0x800,
		Deps:             []uint32{0x2000},
		Services: []ServiceInfo{
			{
				Name:         "ECHO_SERVICE",
				SID:          0x1000,
				Signal:       0x10,
				Version:      1,
				Policy:       Strict,
				NSAccessible: true,
			},
		},
		IRQs: []IRQInfo{
			{
				Name:   "TIMER",
				Source: 5,
				Signal: 0x100,
				Model:  SLIH{},
				PID:    256,
			},
		},
	}

	if diff := cmp.Diff(want, partitions[1], cmpopts.IgnoreFields(PartitionInfo{}, "Entry")); diff != "" {
		t.Errorf("unexpected ECHO partition (-want +got):\n%s", diff)
	}

	if partitions[0].Entry != nil || partitions[1].Entry == nil {
		t.Errorf("unexpected entry point binding")
	}

	crypto := partitions[2]

	if crypto.Model != PSARoT || crypto.Priority != PriorityHigh {
		t.Errorf("unexpected CRYPTO model %v priority %v", crypto.Model, crypto.Priority)
	}

	if s := crypto.Services[0]; !s.Stateless || s.StatelessIndex != 3 || s.Policy != Relaxed {
		t.Errorf("unexpected HASH service %+v", s)
	}

	flih, ok := crypto.IRQs[0].Model.(FLIH)

	if !ok {
		t.Fatalf("DMA irq model %T, want FLIH", crypto.IRQs[0].Model)
	}

	if res := flih.Handler(); res != psa.FLIHSignal {
		t.Errorf("FLIH handler returned %d", res)
	}
}

func TestResolveErrors(t *testing.T) {
	for _, test := range []struct {
		name     string
		manifest string
		want     string
	}{
		{
			name: "unknown entry",
			manifest: `
partitions:
  - name: P
    id: 1
    entry_point: missing
`,
			want: "unknown entry point",
		}, {
			name: "bad priority",
			manifest: `
partitions:
  - name: P
    id: 1
    priority: URGENT
    entry_point: echo_main
`,
			want: "invalid priority",
		}, {
			name: "bad policy",
			manifest: `
partitions:
  - name: P
    id: 1
    entry_point: echo_main
    services:
      - name: S
        sid: 1
        signal: 0x10
        version_policy: LOOSE
`,
			want: "invalid version policy",
		}, {
			name: "unknown handler",
			manifest: `
partitions:
  - name: P
    id: 1
    entry_point: echo_main
    irqs:
      - name: I
        source: 1
        signal: 0x10
        handling: FLIH
        flih_handler: nope
`,
			want: "unknown FLIH handler",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			list, err := ParseManifestList([]byte(test.manifest))

			if err != nil {
				t.Fatalf("ParseManifestList: %v", err)
			}

			_, err = list.Resolve(testSymbols())

			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("Resolve() = %v, want error containing %q", err, test.want)
			}
		})
	}
}

func TestParseUnknownField(t *testing.T) {
	if _, err := ParseManifestList([]byte("partitions:\n  - name: P\n    colour: red\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	entry := func() {}

	for _, test := range []struct {
		name       string
		partitions []*PartitionInfo
		want       string
	}{
		{
			name: "reserved signal",
			partitions: []*PartitionInfo{{
				PID:      1,
				Name:     "P",
				Entry:    entry,
				Services: []ServiceInfo{{Name: "S", SID: 1, Signal: psa.Doorbell}},
			}},
			want: "is reserved",
		}, {
			name: "multi bit signal",
			partitions: []*PartitionInfo{{
				PID:      1,
				Name:     "P",
				Entry:    entry,
				Services: []ServiceInfo{{Name: "S", SID: 1, Signal: 0x30}},
			}},
			want: "exactly one bit",
		}, {
			name: "signal reuse",
			partitions: []*PartitionInfo{{
				PID:      1,
				Name:     "P",
				Entry:    entry,
				Services: []ServiceInfo{{Name: "S", SID: 1, Signal: 0x10}},
				IRQs:     []IRQInfo{{Name: "I", Source: 1, Signal: 0x10, Model: SLIH{}}},
			}},
			want: "already assigned",
		}, {
			name: "no irq model",
			partitions: []*PartitionInfo{{
				PID:   1,
				Name:  "P",
				Entry: entry,
				IRQs:  []IRQInfo{{Name: "I", Source: 1, Signal: 0x10}},
			}},
			want: "no handling model",
		}, {
			name: "duplicate sid",
			partitions: []*PartitionInfo{
				{PID: 1, Name: "A", Entry: entry, Services: []ServiceInfo{{Name: "S1", SID: 7, Signal: 0x10}}},
				{PID: 2, Name: "B", Entry: entry, Services: []ServiceInfo{{Name: "S2", SID: 7, Signal: 0x10}}},
			},
			want: "SID 0x7 already used",
		}, {
			name: "duplicate id",
			partitions: []*PartitionInfo{
				{PID: 1, Name: "A", Entry: entry},
				{PID: 1, Name: "B", Entry: entry},
			},
			want: "id 1 already used",
		}, {
			name: "stateless index",
			partitions: []*PartitionInfo{{
				PID:      1,
				Name:     "P",
				Entry:    entry,
				Services: []ServiceInfo{{Name: "S", SID: 1, Signal: 0x10, Stateless: true, StatelessIndex: 32}},
			}},
			want: "out of range",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateAll(test.partitions)

			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("ValidateAll() = %v, want error containing %q", err, test.want)
			}
		})
	}
}

func TestCheckFrameworkVersion(t *testing.T) {
	running := RunningFrameworkVersion()

	if got := running.String(); got != "1.1.0" {
		t.Fatalf("RunningFrameworkVersion() = %s", got)
	}

	for _, test := range []struct {
		version string
		ok      bool
	}{
		{"", true},
		{"1.0", true},
		{"1.1", true},
		{"1.1.0", true},
		{"1.2", false},
		{"2.0", false},
		{"bogus", false},
	} {
		p := &PartitionInfo{Name: "P", FrameworkVersion: test.version}
		err := p.CheckFrameworkVersion(running)

		if (err == nil) != test.ok {
			t.Errorf("CheckFrameworkVersion(%q) = %v, want ok=%v", test.version, err, test.ok)
		}

		if err != nil && !errors.Is(err, ErrFrameworkVersion) {
			t.Errorf("CheckFrameworkVersion(%q) error %v does not wrap ErrFrameworkVersion", test.version, err)
		}
	}
}

func TestSignedManifest(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "spm-test")

	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	signer, err := note.NewSigner(skey)

	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	verifier, err := note.NewVerifier(vkey)

	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	signed, err := Sign([]byte(strings.TrimPrefix(testManifest, "\n")), signer)

	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	body, err := OpenSigned(signed, verifier)

	if err != nil {
		t.Fatalf("OpenSigned: %v", err)
	}

	if _, err := ParseManifestList(body); err != nil {
		t.Fatalf("signed body does not parse: %v", err)
	}

	tampered := []byte(strings.Replace(string(signed), "0x1000", "0x1001", 1))

	if _, err := OpenSigned(tampered, verifier); err == nil {
		t.Fatal("tampered manifest verified")
	}
}
