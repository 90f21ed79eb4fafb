// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package convert implements the Converter: it translates one sandbox's
// parsed guest-VM metric families into the container-oriented output
// schema. The mapping is encoded as a fixed-order list of builder
// functions, one per output metric (or metric group), each referencing
// an input family name, an item selector, and a transform — a table as
// code rather than ad hoc per-metric logic scattered through the
// package.
package convert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kata-pulse/kata-pulse/internal/promtext"
)

// ConvertedMetric is one output metric family: a name, a type, and the
// samples produced for one sandbox.
type ConvertedMetric struct {
	Name    string
	Type    promtext.MetricType
	Samples []promtext.Sample
}

// StandardLabels carries the per-sandbox identity used to enrich every
// output sample.
type StandardLabels struct {
	SandboxID string
	PodName   string
	Namespace string
}

func (s StandardLabels) merge(extra map[string]string) map[string]string {
	labels := map[string]string{
		"container": "",
		"id":        s.SandboxID,
		"image":     "",
		"name":      s.PodName,
		"namespace": s.Namespace,
		"pod":       s.PodName,
	}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

type builder func(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric

// builders runs in table order; the order of this slice is the output
// order.
var builders = []builder{
	buildCPUTotal,
	buildCPUSystem,
	buildCPUUser,
	buildMemoryUsage,
	buildMemoryWorkingSet,
	buildMemoryCache,
	buildMemoryRSS,
	buildMemorySwap,
	buildNetwork,
	buildDisk,
	buildBlkio,
	buildProcesses,
	buildThreads,
}

// Convert runs every builder against families, in fixed order, and
// concatenates their (possibly empty) results. A builder that finds no
// usable input contributes nothing — absent input means an absent
// output metric, never a zero-valued one.
func Convert(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	var out []ConvertedMetric
	for _, b := range builders {
		out = append(out, b(families, labels)...)
	}
	return out
}

func itemSum(f *promtext.RawMetricFamily, items ...string) (sum float64, found bool) {
	if f == nil {
		return 0, false
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	for _, s := range f.Samples {
		if set[s.Labels["item"]] {
			sum += s.Value
			found = true
		}
	}
	return sum, found
}

// itemSumTotal is itemSum restricted to samples carrying cpu="total".
// kata_guest_cpu_time reports both per-core samples (cpu="0", cpu="1",
// ...) and a pre-aggregated cpu="total" sample sharing the same item
// labels; summing without this filter double-counts every core.
func itemSumTotal(f *promtext.RawMetricFamily, items ...string) (sum float64, found bool) {
	if f == nil {
		return 0, false
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	for _, s := range f.Samples {
		if s.Labels["cpu"] == "total" && set[s.Labels["item"]] {
			sum += s.Value
			found = true
		}
	}
	return sum, found
}

func itemValue(f *promtext.RawMetricFamily, item string) (value float64, found bool) {
	if f == nil {
		return 0, false
	}
	for _, s := range f.Samples {
		if s.Labels["item"] == item {
			return s.Value, true
		}
	}
	return 0, false
}

func identity(v float64) float64    { return v }
func multiply512(v float64) float64 { return v * 512 }
func divide100(v float64) float64   { return v / 100 }
func divide1000(v float64) float64  { return v / 1000 }

// sortSamples orders samples by the sorted tuple of their label values,
// satisfying the determinism requirement that identical input produces
// byte-identical output.
func sortSamples(samples []promtext.Sample) {
	sort.Slice(samples, func(i, j int) bool {
		return labelSortKey(samples[i].Labels) < labelSortKey(samples[j].Labels)
	})
}

func labelSortKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(labels[k])
		b.WriteByte(0)
	}
	return b.String()
}

func buildCPUTotal(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	sum, found := itemSumTotal(families["kata_guest_cpu_time"], "user", "system", "guest", "nice")
	if !found {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(map[string]string{"cpu": "total"}), Value: divide100(sum)}
	return []ConvertedMetric{{Name: "container_cpu_usage_seconds_total", Type: promtext.TypeCounter, Samples: []promtext.Sample{sample}}}
}

func buildCPUSystem(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	sum, found := itemSumTotal(families["kata_guest_cpu_time"], "system")
	if !found {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: divide100(sum)}
	return []ConvertedMetric{{Name: "container_cpu_system_seconds_total", Type: promtext.TypeCounter, Samples: []promtext.Sample{sample}}}
}

func buildCPUUser(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	sum, found := itemSumTotal(families["kata_guest_cpu_time"], "user")
	if !found {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: divide100(sum)}
	return []ConvertedMetric{{Name: "container_cpu_user_seconds_total", Type: promtext.TypeCounter, Samples: []promtext.Sample{sample}}}
}

func buildMemoryUsage(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	f := families["kata_guest_meminfo"]
	total, ok1 := itemValue(f, "mem_total")
	free, ok2 := itemValue(f, "mem_free")
	if !ok1 || !ok2 {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: total - free}
	return []ConvertedMetric{{Name: "container_memory_usage_bytes", Type: promtext.TypeGauge, Samples: []promtext.Sample{sample}}}
}

func buildMemoryWorkingSet(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	sum, found := itemSum(families["kata_guest_meminfo"], "active", "inactive_file")
	if !found {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: sum}
	return []ConvertedMetric{{Name: "container_memory_working_set_bytes", Type: promtext.TypeGauge, Samples: []promtext.Sample{sample}}}
}

func buildMemoryCache(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	sum, found := itemSum(families["kata_guest_meminfo"], "cached", "buffers")
	if !found {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: sum}
	return []ConvertedMetric{{Name: "container_memory_cache", Type: promtext.TypeGauge, Samples: []promtext.Sample{sample}}}
}

func buildMemoryRSS(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	value, found := itemValue(families["kata_guest_meminfo"], "anon_pages")
	if !found {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: value}
	return []ConvertedMetric{{Name: "container_memory_rss", Type: promtext.TypeGauge, Samples: []promtext.Sample{sample}}}
}

func buildMemorySwap(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	f := families["kata_guest_meminfo"]
	total, ok1 := itemValue(f, "swap_total")
	free, ok2 := itemValue(f, "swap_free")
	if !ok1 || !ok2 {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: total - free}
	return []ConvertedMetric{{Name: "container_memory_swap", Type: promtext.TypeGauge, Samples: []promtext.Sample{sample}}}
}

// interfaceAllowed implements the interface filter: an explicit allow
// list and default-reject for everything else. The rejected names (lo,
// docker0, br-*, vxlan*, flannel*) match none of the allowed patterns,
// so they fall to the default reject.
func interfaceAllowed(name string) bool {
	switch {
	case name == "eth0":
		return true
	case strings.HasPrefix(name, "veth"):
		return true
	case strings.HasPrefix(name, "tap"):
		return true
	case strings.HasPrefix(name, "tun"):
		return true
	}
	return false
}

type networkItem struct {
	item      string
	direction string
	stat      string
}

// networkItems maps the guest's per-interface netdev stat names (the
// conventional Linux /proc/net/dev short names) onto the output metric
// each feeds. Order here is the output order for the eight network
// metrics.
var networkItems = []networkItem{
	{"recv_bytes", "receive", "bytes"},
	{"xmit_bytes", "transmit", "bytes"},
	{"recv_packets", "receive", "packets"},
	{"xmit_packets", "transmit", "packets"},
	{"recv_errs", "receive", "errors"},
	{"xmit_errs", "transmit", "errors"},
	{"recv_drop", "receive", "packets_dropped"},
	{"xmit_drop", "transmit", "packets_dropped"},
}

func buildNetwork(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	f := families["kata_guest_netdev_stat"]
	if f == nil {
		return nil
	}

	type key struct{ direction, stat string }
	perMetric := make(map[key]map[string]float64)

	for _, s := range f.Samples {
		iface := s.Labels["interface"]
		if !interfaceAllowed(iface) {
			continue
		}
		for _, ni := range networkItems {
			if ni.item != s.Labels["item"] {
				continue
			}
			k := key{ni.direction, ni.stat}
			if perMetric[k] == nil {
				perMetric[k] = make(map[string]float64)
			}
			perMetric[k][iface] += s.Value
		}
	}

	var out []ConvertedMetric
	for _, ni := range networkItems {
		k := key{ni.direction, ni.stat}
		ifaceValues := perMetric[k]
		if len(ifaceValues) == 0 {
			continue
		}
		samples := make([]promtext.Sample, 0, len(ifaceValues))
		for iface, value := range ifaceValues {
			samples = append(samples, promtext.Sample{
				Labels: labels.merge(map[string]string{"interface": iface}),
				Value:  value,
			})
		}
		sortSamples(samples)
		out = append(out, ConvertedMetric{
			Name:    fmt.Sprintf("container_network_%s_%s_total", ni.direction, ni.stat),
			Type:    promtext.TypeCounter,
			Samples: samples,
		})
	}
	return out
}

type diskMetric struct {
	item      string
	name      string
	transform func(float64) float64
}

var diskMetrics = []diskMetric{
	{"reads", "container_fs_reads_total", identity},
	{"writes", "container_fs_writes_total", identity},
	{"sectors_read", "container_fs_reads_bytes_total", multiply512},
	{"sectors_written", "container_fs_writes_bytes_total", multiply512},
	{"time_reading", "container_fs_read_seconds_total", divide1000},
	{"time_writing", "container_fs_write_seconds_total", divide1000},
	{"time_in_progress", "container_fs_io_time_seconds_total", divide1000},
	{"weighted_time_in_progress", "container_fs_io_time_weighted_seconds_total", divide1000},
}

func buildDisk(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	f := families["kata_guest_diskstat"]
	if f == nil {
		return nil
	}

	var out []ConvertedMetric
	for _, dm := range diskMetrics {
		perDisk := make(map[string]float64)
		for _, s := range f.Samples {
			if s.Labels["item"] != dm.item {
				continue
			}
			disk := s.Labels["disk"]
			if disk == "" {
				continue
			}
			perDisk[disk] += s.Value
		}
		if len(perDisk) == 0 {
			continue
		}
		samples := make([]promtext.Sample, 0, len(perDisk))
		for disk, value := range perDisk {
			samples = append(samples, promtext.Sample{
				Labels: labels.merge(map[string]string{"device": disk}),
				Value:  dm.transform(value),
			})
		}
		sortSamples(samples)
		out = append(out, ConvertedMetric{Name: dm.name, Type: promtext.TypeCounter, Samples: samples})
	}
	return out
}

func buildBlkio(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	f := families["kata_guest_diskstat"]
	if f == nil {
		return nil
	}

	type key struct{ disk, operation string }
	values := make(map[key]float64)

	for _, s := range f.Samples {
		disk := s.Labels["disk"]
		if disk == "" {
			continue
		}
		switch s.Labels["item"] {
		case "sectors_read":
			values[key{disk, "Read"}] += multiply512(s.Value)
		case "sectors_written":
			values[key{disk, "Write"}] += multiply512(s.Value)
		}
	}
	if len(values) == 0 {
		return nil
	}

	samples := make([]promtext.Sample, 0, len(values))
	for k, value := range values {
		samples = append(samples, promtext.Sample{
			Labels: labels.merge(map[string]string{
				"device":    k.disk,
				"operation": k.operation,
				"major":     "",
				"minor":     "",
			}),
			Value: value,
		})
	}
	sortSamples(samples)
	return []ConvertedMetric{{Name: "container_blkio_device_usage_total", Type: promtext.TypeCounter, Samples: samples}}
}

func buildProcesses(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	value, found := itemValue(families["kata_guest_tasks"], "cur")
	if !found {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: value}
	return []ConvertedMetric{{Name: "container_processes", Type: promtext.TypeGauge, Samples: []promtext.Sample{sample}}}
}

var threadFamilies = []string{
	"kata_shim_threads",
	"kata_hypervisor_threads",
	"kata_agent_threads",
	"kata_virtiofsd_threads",
}

func buildThreads(families map[string]*promtext.RawMetricFamily, labels StandardLabels) []ConvertedMetric {
	var sum float64
	present := false
	for _, name := range threadFamilies {
		f, ok := families[name]
		if !ok {
			continue
		}
		present = true
		for _, s := range f.Samples {
			sum += s.Value
		}
	}
	if !present {
		return nil
	}
	sample := promtext.Sample{Labels: labels.merge(nil), Value: sum}
	return []ConvertedMetric{{Name: "container_threads", Type: promtext.TypeGauge, Samples: []promtext.Sample{sample}}}
}
