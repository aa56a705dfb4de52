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

// The secure_fw command boots the Secure Partition Manager on a simulated
// platform, with the built-in partitions of manifest.yaml or of an
// external (optionally signed) manifest list, and runs a non-secure
// application against it.
package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/internal/monitoring"
	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/spm"
)

// initialized at link time (-ldflags -X)
var (
	Build    string
	Revision string
	Version  string
)

var (
	manifestFile   = flag.String("manifest_file", "", "Partition manifest list, the built-in one is used when empty.")
	manifestPubKey = flag.String("manifest_pubkey_file", "", "File containing a Note verifier string the manifest list must be signed with.")
	isolation      = flag.Int("isolation", 2, "Isolation level (1-3).")
	multiCore      = flag.Bool("multicore", false, "Run the non-secure application on its own core, through the mailbox.")
	nsClientID     = flag.Int("ns_client_id", -1, "Client id of the non-secure application, must be negative.")
	maxConnections = flag.Int("max_connections", spm.DefaultMaxConnections, "Connection handle pool capacity.")
	tick           = flag.Duration("tick", 10*time.Millisecond, "Timer interrupt period, zero disables the timer.")
	metricsAddr    = flag.String("metrics_addr", "", "Address serving /metrics and /status, disabled when empty.")
)

//go:embed manifest.yaml
var builtinManifest []byte

func init() {
	klog.InitFlags(nil)
}

func main() {
	flag.Parse()
	defer klog.Flush()

	klog.Infof("%s/%s (%s) • secure partition manager • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)

	if len(*metricsAddr) > 0 {
		monitoring.SetMetricFactory(monitoring.PrometheusFactory{})
	}

	manifest, err := loadManifest(*manifestFile, *manifestPubKey)

	if err != nil {
		klog.Exitf("Failed to load manifest: %v", err)
	}

	fw, err := newFirmware(config{
		manifest:       manifest,
		isolation:      *isolation,
		multiCore:      *multiCore,
		nsClientID:     int32(*nsClientID),
		maxConnections: *maxConnections,
	})

	if err != nil {
		klog.Exitf("Failed to boot: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err = fw.run(ctx, *tick, *metricsAddr); err != nil {
		klog.Exitf("SPM halted: %v", err)
	}

	klog.Infof("Non-secure application completed")
}

// loadManifest reads a manifest list, the built-in one when p is empty. A
// signature is required when pubKeyFile is set.
func loadManifest(p string, pubKeyFile string) (*load.ManifestList, error) {
	buf := builtinManifest

	if len(p) > 0 {
		var err error

		if buf, err = os.ReadFile(p); err != nil {
			return nil, err
		}
	}

	if len(pubKeyFile) > 0 {
		vs, err := os.ReadFile(pubKeyFile)

		if err != nil {
			return nil, err
		}

		v, err := note.NewVerifier(strings.TrimSpace(string(vs)))

		if err != nil {
			return nil, fmt.Errorf("invalid manifest note verifier string %q: %w", vs, err)
		}

		if buf, err = load.OpenSigned(buf, v); err != nil {
			return nil, err
		}
	}

	return load.ParseManifestList(buf)
}
