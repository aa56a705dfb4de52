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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-spm/hal/sim"
	"github.com/transparency-dev/armored-witness-spm/load"
	"github.com/transparency-dev/armored-witness-spm/mailbox"
	"github.com/transparency-dev/armored-witness-spm/psa"
	"github.com/transparency-dev/armored-witness-spm/spm"
)

const timerKey = "ticks"

// memory map of the simulated platform
var regions = []sim.Region{
	{Name: "ns", Base: 0x20000000, Size: 0x10000, Unprivileged: true},
	{Name: "s", Base: 0x30000000, Size: 0x10000, Secure: true, Unprivileged: true},
}

type config struct {
	manifest       *load.ManifestList
	isolation      int
	multiCore      bool
	nsClientID     int32
	maxConnections int
}

// firmware is the secure firmware image: the simulated platform, the SPM
// and the state of the built-in partitions.
type firmware struct {
	plat  *sim.Platform
	spm   *spm.SPM
	queue *mailbox.Queue
	agent *mailbox.Agent
	app   *nsApp

	isolation  int
	multiCore  bool
	nsClientID int32
	nsErr      error

	// partition state, only accessed by the scheduler baton holder
	store      map[string][]byte
	ticks      uint32
	timerKey   uint32
	timerValue uint32
}

func newFirmware(cfg config) (fw *firmware, err error) {
	fw = &firmware{
		isolation:  cfg.isolation,
		multiCore:  cfg.multiCore,
		nsClientID: cfg.nsClientID,
		store:      make(map[string][]byte),
	}

	platCfg := sim.Config{
		IsolationLevel: cfg.isolation,
		Regions:        regions,
	}

	if !cfg.multiCore {
		platCfg.NSEntry = fw.nsEntry
	}

	if fw.plat, err = sim.New(platCfg); err != nil {
		return nil, fmt.Errorf("could not create platform, %w", err)
	}

	partitions, err := cfg.manifest.Resolve(fw.symbols())

	if err != nil {
		return nil, err
	}

	fw.spm, err = spm.New(spm.Config{
		HAL:            fw.plat,
		Partitions:     partitions,
		MaxConnections: cfg.maxConnections,
		RemoteNS:       cfg.multiCore,
	})

	if err != nil {
		return nil, err
	}

	if err = fw.spm.SetNSClientID(cfg.nsClientID); err != nil {
		return nil, err
	}

	fw.queue = mailbox.NewQueue(fw.plat)
	fw.agent = mailbox.NewAgent(fw.queue, fw.spm)

	if err = fw.spm.RegisterRPC(fw.agent); err != nil {
		return nil, err
	}

	if fw.timerKey, err = fw.plat.Alloc("s", uint32(len(timerKey))); err != nil {
		return nil, err
	}

	if err = fw.plat.Write(fw.timerKey, []byte(timerKey)); err != nil {
		return nil, err
	}

	if fw.timerValue, err = fw.plat.Alloc("s", 16); err != nil {
		return nil, err
	}

	if fw.app, err = newNSApp(fw.plat); err != nil {
		return nil, err
	}

	return
}

// nsEntry is the non-secure entry point of single core configurations.
func (fw *firmware) nsEntry() {
	fw.nsErr = fw.app.run(localClient{s: fw.spm})
}

// nsCore runs the non-secure application on its own core, reaching the
// SPM through the mailbox.
func (fw *firmware) nsCore(ctx context.Context) error {
	c, err := mailbox.NewClient(fw.queue, fw.nsClientID, func() {
		fw.plat.Trigger(mailboxLine)
	})

	if err != nil {
		return err
	}

	return fw.app.run(remoteClient{ctx: ctx, c: c})
}

// run boots the SPM and returns once the non-secure application completes.
func (fw *firmware) run(ctx context.Context, tick time.Duration, metricsAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()

		if err := fw.spm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	if fw.multiCore {
		g.Go(func() error {
			defer cancel()
			return fw.nsCore(ctx)
		})
	}

	if tick > 0 {
		g.Go(func() error {
			fw.timer(ctx, tick)
			return nil
		})
	}

	if len(metricsAddr) > 0 {
		g.Go(func() error {
			return fw.serve(ctx, metricsAddr)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return fw.nsErr
}

// timer raises the timer interrupt every period until ctx is done.
func (fw *firmware) timer(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			fw.plat.Trigger(timerLine)
		case <-ctx.Done():
			return
		}
	}
}

// serve exports metrics and the firmware status over HTTP.
func (fw *firmware) serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte(fw.status()))
	})

	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      mux,
	}

	go func() {
		<-ctx.Done()

		if err := srv.Close(); err != nil {
			klog.Errorf("Error closing metrics server: %v", err)
		}
	}()

	klog.Infof("Serving metrics on %s", addr)

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}

// status returns the firmware status in textual format, only static
// partition information is reported.
func (fw *firmware) status() string {
	var status bytes.Buffer

	status.WriteString("--------------------------------------------- Secure Partition Manager ----\n")
	status.WriteString(fmt.Sprintf("Version ................: %s\n", Version))
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", Build))
	status.WriteString(fmt.Sprintf("Framework ..............: %d.%d\n", psa.FrameworkVersion>>8, psa.FrameworkVersion&0xff))
	status.WriteString(fmt.Sprintf("Isolation level ........: %d\n", fw.isolation))
	status.WriteString(fmt.Sprintf("Multi-core .............: %v\n", fw.multiCore))

	for _, p := range fw.spm.Partitions() {
		status.WriteString(fmt.Sprintf("Partition %-14s: id:%d %s %s services:%d irqs:%d\n",
			p.Info.Name, p.ID(), p.Info.Model, p.Info.Priority, len(p.Info.Services), len(p.Info.IRQs)))
	}

	return status.String()
}
