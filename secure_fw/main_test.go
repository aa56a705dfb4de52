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

package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-spm/load"
)

func builtin(t *testing.T) *load.ManifestList {
	t.Helper()

	m, err := loadManifest("", "")
	require.NoError(t, err)

	return m
}

func TestFirmware(t *testing.T) {
	sum := sha256.Sum256([]byte(nsValue))

	for _, test := range []struct {
		isolation int
		multiCore bool
		tick      time.Duration
	}{
		{isolation: 1},
		{isolation: 2, tick: time.Millisecond},
		{isolation: 3, tick: time.Millisecond},
		{isolation: 1, multiCore: true},
		{isolation: 2, multiCore: true, tick: time.Millisecond},
		{isolation: 3, multiCore: true},
	} {
		t.Run(fmt.Sprintf("level %d multicore %v", test.isolation, test.multiCore), func(t *testing.T) {
			fw, err := newFirmware(config{
				manifest:   builtin(t),
				isolation:  test.isolation,
				multiCore:  test.multiCore,
				nsClientID: -2,
			})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			require.NoError(t, fw.run(ctx, test.tick, ""))

			assert.Equal(t, nsValue, fw.app.readBack)
			assert.Equal(t, hex.EncodeToString(sum[:]), fw.app.sum)
			assert.Equal(t, 0, fw.plat.Resets())
			assert.Equal(t, 0, fw.queue.InUse())
		})
	}
}

func TestFirmwareConfigErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		cfg  config
	}{
		{"secure ns client id", config{manifest: builtin(t), isolation: 2, nsClientID: 1}},
		{"isolation level", config{manifest: builtin(t), isolation: 4, nsClientID: -1}},
		{"unknown entry point", config{
			manifest: &load.ManifestList{Partitions: []load.PartitionManifest{
				{Name: "NS", ID: 0},
				{Name: "P", ID: 1, EntryPoint: "missing"},
			}},
			isolation:  2,
			nsClientID: -1,
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := newFirmware(test.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "spm-manifest")
	require.NoError(t, err)

	signer, err := note.NewSigner(skey)
	require.NoError(t, err)

	signed, err := load.Sign(builtinManifest, signer)
	require.NoError(t, err)

	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))
		return p
	}

	pub := write("manifest.pub", []byte(vkey+"\n"))
	signedFile := write("signed.yaml", signed)
	plainFile := write("plain.yaml", builtinManifest)
	tampered := write("tampered.yaml", []byte(strings.Replace(string(signed), "LOWEST", "HIGH", 1)))

	m, err := loadManifest(signedFile, pub)
	require.NoError(t, err)
	assert.Len(t, m.Partitions, 5)

	_, err = loadManifest(plainFile, pub)
	assert.Error(t, err, "unsigned manifest")

	_, err = loadManifest(tampered, pub)
	assert.Error(t, err, "tampered manifest")

	_, err = loadManifest(filepath.Join(dir, "missing.yaml"), "")
	assert.Error(t, err)

	m, err = loadManifest(plainFile, "")
	require.NoError(t, err)
	assert.Len(t, m.Partitions, 5)
}

func TestConsole(t *testing.T) {
	c := &console{name: "test"}

	n, err := c.Write([]byte("first line\nsecond"))
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	assert.Equal(t, "second", c.buf.String())

	// lines longer than outputLimit are split
	_, err = c.Write([]byte(strings.Repeat("x", outputLimit)))
	require.NoError(t, err)
	assert.Equal(t, 5, c.buf.Len())
}

func TestStatus(t *testing.T) {
	fw, err := newFirmware(config{manifest: builtin(t), isolation: 3, nsClientID: -1})
	require.NoError(t, err)

	status := fw.status()

	for _, want := range []string{
		"Isolation level ........: 3",
		"Framework ..............: 1.1",
		"TFM_SP_ITS",
		"TFM_NS_MAILBOX_AGENT",
	} {
		assert.Contains(t, status, want)
	}
}
