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
//
// The manifestctl tool validates, signs and verifies the partition manifest
// lists loaded by the secure firmware.
package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/psa"
)

var (
	manifestFile   = flag.String("manifest_file", "", "Manifest list to operate on.")
	outputFile     = flag.String("output_file", "", "File to write the signed manifest list to, stdout when empty.")
	privateKeyFile = flag.String("private_key_file", "", "File containing a Note signer string.")
	pubKeyFile     = flag.String("pubkey_file", "", "File containing a Note verifier string.")
	keyName        = flag.String("key_name", "spm-manifest", "Key name for keygen.")
)

const usage = `usage: manifestctl [flags] <command>

commands:
  validate  check a manifest list and print its partitions
  sign      sign a manifest list with -private_key_file
  verify    verify a signed manifest list with -pubkey_file and validate it
  keygen    write a new key pair to -private_key_file and -pubkey_file
`

func main() {
	klog.InitFlags(nil)

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}

	flag.Parse()
	defer klog.Flush()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	var err error

	switch cmd := flag.Arg(0); cmd {
	case "validate":
		err = validate(os.Stdout, readOrDie(*manifestFile, "manifest"))
	case "sign":
		err = sign(readOrDie(*manifestFile, "manifest"), signerOrDie(*privateKeyFile), *outputFile)
	case "verify":
		var text []byte

		if text, err = load.OpenSigned(readOrDie(*manifestFile, "manifest"), verifierOrDie(*pubKeyFile)); err == nil {
			err = validate(os.Stdout, text)
		}
	case "keygen":
		err = keygen(*keyName, *privateKeyFile, *pubKeyFile)
	default:
		klog.Exitf("Unknown command %q", cmd)
	}

	if err != nil {
		klog.Exitf("%s: %v", flag.Arg(0), err)
	}
}

func readOrDie(p string, thing string) []byte {
	if len(p) == 0 {
		klog.Exitf("Missing %s file", thing)
	}

	b, err := os.ReadFile(p)

	if err != nil {
		klog.Exitf("Failed to read %s file %q: %v", thing, p, err)
	}

	return b
}

func signerOrDie(p string) note.Signer {
	s, err := note.NewSigner(strings.TrimSpace(string(readOrDie(p, "private key"))))

	if err != nil {
		klog.Exitf("Invalid note signer string: %v", err)
	}

	return s
}

func verifierOrDie(p string) note.Verifier {
	vs := readOrDie(p, "public key")
	v, err := note.NewVerifier(strings.TrimSpace(string(vs)))

	if err != nil {
		klog.Exitf("Invalid note verifier string %q: %v", vs, err)
	}

	return v
}

// stubSymbols binds every entry point and FLIH handler named by the
// manifest list, so that it can be resolved without the firmware image.
func stubSymbols(m *load.ManifestList) load.Symbols {
	syms := load.Symbols{
		Entries: make(map[string]load.Entry),
		FLIH:    make(map[string]func() psa.FLIHResult),
	}

	for _, p := range m.Partitions {
		syms.Entries[p.EntryPoint] = func() {}

		for _, irq := range p.IRQs {
			syms.FLIH[irq.Handler] = func() psa.FLIHResult { return psa.FLIHNoSignal }
		}
	}

	return syms
}

// validate parses and checks a manifest list, and prints a summary of its
// partitions to w.
func validate(w io.Writer, buf []byte) error {
	m, err := load.ParseManifestList(buf)

	if err != nil {
		return err
	}

	partitions, err := m.Resolve(stubSymbols(m))

	if err != nil {
		return err
	}

	if err = load.ValidateAll(partitions); err != nil {
		return err
	}

	running := load.RunningFrameworkVersion()
	ns := 0

	for _, p := range partitions {
		if p.PID == load.NonSecureID {
			ns++
		}

		if err = p.CheckFrameworkVersion(running); err != nil {
			klog.Warningf("%v, the partition will not be loaded", err)
		}

		fmt.Fprintf(w, "%-24s id:%-3d %-16s %-7s services:%d irqs:%d\n",
			p.Name, p.PID, p.Model, p.Priority, len(p.Services), len(p.IRQs))

		for _, s := range p.Services {
			fmt.Fprintf(w, "  service %-16s sid:%#x signal:%#x version:%d %s ns:%v stateless:%v\n",
				s.Name, s.SID, uint32(s.Signal), s.Version, s.Policy, s.NSAccessible, s.Stateless)
		}

		for _, irq := range p.IRQs {
			fmt.Fprintf(w, "  irq     %-16s source:%d signal:%#x %T\n",
				irq.Name, irq.Source, uint32(irq.Signal), irq.Model)
		}
	}

	if ns != 1 {
		return errors.New("exactly one non-secure partition (id 0) is required")
	}

	return nil
}

// sign signs a valid manifest list and writes it to p, or stdout when p
// is empty.
func sign(buf []byte, signer note.Signer, p string) error {
	if err := validate(io.Discard, buf); err != nil {
		return err
	}

	signed, err := load.Sign(buf, signer)

	if err != nil {
		return err
	}

	if len(p) == 0 {
		_, err = os.Stdout.Write(signed)
		return err
	}

	if err = os.WriteFile(p, signed, 0o644); err != nil {
		return err
	}

	klog.Infof("Wrote %d bytes of signed manifest list to %q", len(signed), p)

	return nil
}

// keygen writes a new note key pair.
func keygen(name string, privateKeyFile string, pubKeyFile string) error {
	if len(privateKeyFile) == 0 || len(pubKeyFile) == 0 {
		return errors.New("keygen requires -private_key_file and -pubkey_file")
	}

	skey, vkey, err := note.GenerateKey(rand.Reader, name)

	if err != nil {
		return err
	}

	if err = os.WriteFile(privateKeyFile, []byte(skey+"\n"), 0o600); err != nil {
		return err
	}

	return os.WriteFile(pubKeyFile, []byte(vkey+"\n"), 0o644)
}
