// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

package convert

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kata-pulse/kata-pulse/internal/promtext"
)

func parse(t *testing.T, doc string) map[string]*promtext.RawMetricFamily {
	t.Helper()
	result := promtext.Parse([]byte(doc))
	if result.Skipped != 0 {
		t.Fatalf("unexpected skipped lines: %d", result.Skipped)
	}
	return result.Families
}

func findMetric(metrics []ConvertedMetric, name string) *ConvertedMetric {
	for i := range metrics {
		if metrics[i].Name == name {
			return &metrics[i]
		}
	}
	return nil
}

func TestMemoryUsageBareDiscovery(t *testing.T) {
	families := parse(t, `kata_guest_meminfo{item="mem_total"} 1024
kata_guest_meminfo{item="mem_free"} 256
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	metric := findMetric(out, "container_memory_usage_bytes")
	if metric == nil {
		t.Fatal("expected container_memory_usage_bytes")
	}
	if len(metric.Samples) != 1 || metric.Samples[0].Value != 768 {
		t.Fatalf("unexpected samples: %+v", metric.Samples)
	}
	labels := metric.Samples[0].Labels
	want := map[string]string{"container": "", "id": "s1", "image": "", "name": "", "namespace": "", "pod": ""}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %q: got %q, want %q", k, labels[k], v)
		}
	}
}

func TestMemoryUsageWithEnrichment(t *testing.T) {
	families := parse(t, `kata_guest_meminfo{item="mem_total"} 1024
kata_guest_meminfo{item="mem_free"} 256
`)
	out := Convert(families, StandardLabels{SandboxID: "s1", PodName: "p", Namespace: "n"})

	metric := findMetric(out, "container_memory_usage_bytes")
	labels := metric.Samples[0].Labels
	if labels["name"] != "p" || labels["pod"] != "p" || labels["namespace"] != "n" || labels["id"] != "s1" {
		t.Errorf("unexpected labels: %+v", labels)
	}
}

func TestMemoryUsageOmittedWhenInputAbsent(t *testing.T) {
	families := parse(t, `kata_guest_meminfo{item="mem_total"} 1024
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})
	if findMetric(out, "container_memory_usage_bytes") != nil {
		t.Fatal("expected metric to be omitted when mem_free is missing")
	}
}

func TestDiskConversion(t *testing.T) {
	families := parse(t, `kata_guest_diskstat{disk="sda",item="sectors_read"} 2000000`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	metric := findMetric(out, "container_fs_reads_bytes_total")
	if metric == nil || len(metric.Samples) != 1 {
		t.Fatalf("expected one sample, got %+v", metric)
	}
	if metric.Samples[0].Value != 1024000000 {
		t.Errorf("got %v, want 1024000000", metric.Samples[0].Value)
	}
	if metric.Samples[0].Labels["device"] != "sda" {
		t.Errorf("expected device label sda, got %q", metric.Samples[0].Labels["device"])
	}
}

func TestInterfaceFilter(t *testing.T) {
	families := parse(t, `kata_guest_netdev_stat{interface="eth0",item="recv_bytes"} 10
kata_guest_netdev_stat{interface="docker0",item="recv_bytes"} 20
kata_guest_netdev_stat{interface="lo",item="recv_bytes"} 30
kata_guest_netdev_stat{interface="veth1234",item="recv_bytes"} 40
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	metric := findMetric(out, "container_network_receive_bytes_total")
	if metric == nil {
		t.Fatal("expected container_network_receive_bytes_total")
	}
	if len(metric.Samples) != 2 {
		t.Fatalf("expected 2 samples (eth0, veth1234), got %+v", metric.Samples)
	}
	interfaces := map[string]bool{}
	for _, s := range metric.Samples {
		interfaces[s.Labels["interface"]] = true
	}
	if !interfaces["eth0"] || !interfaces["veth1234"] {
		t.Errorf("unexpected interfaces: %+v", interfaces)
	}
	if interfaces["docker0"] || interfaces["lo"] {
		t.Errorf("rejected interfaces leaked through: %+v", interfaces)
	}
}

func TestCPUTotalSumsAndConvertsJiffies(t *testing.T) {
	families := parse(t, `kata_guest_cpu_time{cpu="total",item="user"} 100
kata_guest_cpu_time{cpu="total",item="system"} 50
kata_guest_cpu_time{cpu="total",item="guest"} 0
kata_guest_cpu_time{cpu="total",item="nice"} 0
kata_guest_cpu_time{cpu="total",item="idle"} 99999
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	metric := findMetric(out, "container_cpu_usage_seconds_total")
	if metric == nil || len(metric.Samples) != 1 {
		t.Fatalf("unexpected result: %+v", metric)
	}
	if metric.Samples[0].Value != 1.5 {
		t.Errorf("got %v, want 1.5", metric.Samples[0].Value)
	}
	if metric.Samples[0].Labels["cpu"] != "total" {
		t.Errorf("expected cpu=total label, got %+v", metric.Samples[0].Labels)
	}
}

func TestCPUTotalIgnoresPerCoreSamplesToAvoidDoubleCounting(t *testing.T) {
	families := parse(t, `kata_guest_cpu_time{cpu="0",item="user"} 60
kata_guest_cpu_time{cpu="1",item="user"} 40
kata_guest_cpu_time{cpu="total",item="user"} 100
kata_guest_cpu_time{cpu="total",item="system"} 50
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	total := findMetric(out, "container_cpu_usage_seconds_total")
	if total == nil || len(total.Samples) != 1 {
		t.Fatalf("unexpected result: %+v", total)
	}
	if total.Samples[0].Value != 1.5 {
		t.Errorf("got %v, want 1.5 (per-core samples must not be summed alongside cpu=total)", total.Samples[0].Value)
	}

	user := findMetric(out, "container_cpu_user_seconds_total")
	if user == nil || len(user.Samples) != 1 || user.Samples[0].Value != 1 {
		t.Fatalf("unexpected result: %+v", user)
	}
}

func TestThreadsSumsAcrossFamilies(t *testing.T) {
	families := parse(t, `kata_shim_threads 2
kata_hypervisor_threads 4
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	metric := findMetric(out, "container_threads")
	if metric == nil || len(metric.Samples) != 1 || metric.Samples[0].Value != 6 {
		t.Fatalf("unexpected result: %+v", metric)
	}
}

func TestThreadsOmittedWhenNoFamilyPresent(t *testing.T) {
	out := Convert(map[string]*promtext.RawMetricFamily{}, StandardLabels{SandboxID: "s1"})
	if findMetric(out, "container_threads") != nil {
		t.Fatal("expected container_threads to be omitted")
	}
}

func TestBlkioDeviceUsage(t *testing.T) {
	families := parse(t, `kata_guest_diskstat{disk="sda",item="sectors_read"} 100
kata_guest_diskstat{disk="sda",item="sectors_written"} 200
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	metric := findMetric(out, "container_blkio_device_usage_total")
	if metric == nil || len(metric.Samples) != 2 {
		t.Fatalf("unexpected result: %+v", metric)
	}
	for _, s := range metric.Samples {
		if s.Labels["major"] != "" || s.Labels["minor"] != "" {
			t.Errorf("expected empty major/minor, got %+v", s.Labels)
		}
	}
}

func TestOutputOrderIsFixed(t *testing.T) {
	families := parse(t, `kata_guest_cpu_time{cpu="total",item="user"} 100
kata_guest_meminfo{item="mem_total"} 1024
kata_guest_meminfo{item="mem_free"} 256
kata_guest_tasks{item="cur"} 3
`)
	out := Convert(families, StandardLabels{SandboxID: "s1"})

	var names []string
	for _, m := range out {
		names = append(names, m.Name)
	}
	// cpu_user precedes memory metrics, which precede processes, matching
	// table row order regardless of input line order.
	indexOf := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		return -1
	}
	if indexOf("container_cpu_user_seconds_total") > indexOf("container_memory_usage_bytes") {
		t.Errorf("cpu metric should precede memory metric: %v", names)
	}
	if indexOf("container_memory_usage_bytes") > indexOf("container_processes") {
		t.Errorf("memory metric should precede processes metric: %v", names)
	}
}

func TestDeterministicRepeatedConversion(t *testing.T) {
	families := parse(t, `kata_guest_netdev_stat{interface="eth0",item="recv_bytes"} 10
kata_guest_netdev_stat{interface="veth1234",item="recv_bytes"} 5
`)
	first := Convert(families, StandardLabels{SandboxID: "s1"})
	second := Convert(families, StandardLabels{SandboxID: "s1"})

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated conversion of identical input diverged:\n%s", diff)
	}
}
