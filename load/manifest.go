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
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-spm/psa"
)

// Symbols resolves the entry point and FLIH handler names referenced by a
// manifest list to Go functions.
type Symbols struct {
	Entries map[string]Entry
	FLIH    map[string]func() psa.FLIHResult
}

// ManifestList is the YAML representation of a set of partition manifests.
type ManifestList struct {
	Partitions []PartitionManifest `yaml:"partitions"`
}

// PartitionManifest is the YAML representation of a partition manifest.
type PartitionManifest struct {
	Name             string            `yaml:"name"`
	ID               int32             `yaml:"id"`
	Type             string            `yaml:"type"`
	Priority         string            `yaml:"priority"`
	FrameworkVersion string            `yaml:"psa_framework_version"`
	EntryPoint       string            `yaml:"entry_point"`
	StackBase        uint32            `yaml:"stack_base"`
	StackSize        uint32            `yaml:"stack_size"`
	HeapBase         uint32            `yaml:"heap_base"`
	HeapSize         uint32            `yaml:"heap_size"`
	Dependencies     []uint32          `yaml:"dependencies"`
	Services         []ServiceManifest `yaml:"services"`
	IRQs             []IRQManifest     `yaml:"irqs"`
}

// ServiceManifest is the YAML representation of a RoT Service declaration.
type ServiceManifest struct {
	Name             string  `yaml:"name"`
	SID              uint32  `yaml:"sid"`
	Signal           uint32  `yaml:"signal"`
	Version          uint32  `yaml:"version"`
	VersionPolicy    string  `yaml:"version_policy"`
	NonSecureClients bool    `yaml:"non_secure_clients"`
	StatelessHandle  *uint32 `yaml:"stateless_handle"`
	MMIOVec          bool    `yaml:"mm_iovec"`
}

// IRQManifest is the YAML representation of an IRQ declaration.
type IRQManifest struct {
	Name     string `yaml:"name"`
	Source   uint32 `yaml:"source"`
	Signal   uint32 `yaml:"signal"`
	Handling string `yaml:"handling"`
	Handler  string `yaml:"flih_handler"`
}

// ParseManifestList decodes a YAML manifest list, unknown fields are
// rejected.
func ParseManifestList(buf []byte) (*ManifestList, error) {
	list := &ManifestList{}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(list); err != nil {
		return nil, fmt.Errorf("invalid manifest list: %w", err)
	}

	return list, nil
}

// Bytes serializes the manifest list.
func (m *ManifestList) Bytes() (buf []byte) {
	buf, _ = yaml.Marshal(m)
	return
}

// Resolve converts the manifest list to partition load information, binding
// entry points and FLIH handlers through the argument symbol table. The
// non-secure partition (id 0) needs no entry point.
func (m *ManifestList) Resolve(syms Symbols) (partitions []*PartitionInfo, err error) {
	for i := range m.Partitions {
		var p *PartitionInfo

		if p, err = m.Partitions[i].resolve(syms); err != nil {
			return nil, err
		}

		partitions = append(partitions, p)
	}

	return
}

func (pm *PartitionManifest) resolve(syms Symbols) (p *PartitionInfo, err error) {
	p = &PartitionInfo{
		PID:              pm.ID,
		Name:             pm.Name,
		FrameworkVersion: pm.FrameworkVersion,
		StackBase:        pm.StackBase,
		StackSize:        pm.StackSize,
		HeapBase:         pm.HeapBase,
		HeapSize:         pm.HeapSize,
		Deps:             pm.Dependencies,
	}

	switch strings.ToUpper(pm.Type) {
	case "", "APPLICATION-ROT":
		p.Model = ApplicationRoT
	case "PSA-ROT":
		p.Model = PSARoT
	default:
		return nil, fmt.Errorf("partition %s: invalid type %q", pm.Name, pm.Type)
	}

	if pm.Priority == "" {
		p.Priority = PriorityNormal
	} else if prio, ok := priorityNames[strings.ToUpper(pm.Priority)]; ok {
		p.Priority = prio
	} else {
		return nil, fmt.Errorf("partition %s: invalid priority %q", pm.Name, pm.Priority)
	}

	if pm.ID != NonSecureID {
		entry, ok := syms.Entries[pm.EntryPoint]

		if !ok {
			return nil, fmt.Errorf("partition %s: unknown entry point %q", pm.Name, pm.EntryPoint)
		}

		p.Entry = entry
	}

	for _, sm := range pm.Services {
		s := ServiceInfo{
			Name:         sm.Name,
			SID:          sm.SID,
			Signal:       psa.Signal(sm.Signal),
			Version:      sm.Version,
			NSAccessible: sm.NonSecureClients,
			MMIOVec:      sm.MMIOVec,
		}

		switch strings.ToUpper(sm.VersionPolicy) {
		case "", "STRICT":
			s.Policy = Strict
		case "RELAXED":
			s.Policy = Relaxed
		default:
			return nil, fmt.Errorf("service %s: invalid version policy %q", sm.Name, sm.VersionPolicy)
		}

		if sm.StatelessHandle != nil {
			s.Stateless = true
			s.StatelessIndex = *sm.StatelessHandle
		}

		p.Services = append(p.Services, s)
	}

	for _, im := range pm.IRQs {
		irq := IRQInfo{
			Name:   im.Name,
			Source: im.Source,
			Signal: psa.Signal(im.Signal),
			PID:    pm.ID,
		}

		switch strings.ToUpper(im.Handling) {
		case "", "SLIH":
			irq.Model = SLIH{}
		case "FLIH":
			h, ok := syms.FLIH[im.Handler]

			if !ok {
				return nil, fmt.Errorf("irq %s: unknown FLIH handler %q", im.Name, im.Handler)
			}

			irq.Model = FLIH{Handler: h}
		default:
			return nil, fmt.Errorf("irq %s: invalid handling %q", im.Name, im.Handling)
		}

		p.IRQs = append(p.IRQs, irq)
	}

	return
}
