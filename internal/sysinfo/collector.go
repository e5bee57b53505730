package sysinfo

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Collector samples host resource usage into MetricsSnapshot records. CPU
// usage is computed as the busy share of jiffies between consecutive calls,
// so the first call reports zero CPU.
type Collector struct {
	diskPath string

	mu        sync.Mutex
	prevBusy  uint64
	prevTotal uint64
}

// NewCollector creates a collector; diskPath is the filesystem whose usage is
// reported (usually the data volume).
func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{diskPath: diskPath}
}

// Collect produces one snapshot. Individual sources that fail are reported as
// an error; a partially-populated snapshot would silently mask outages.
func (c *Collector) Collect() (models.MetricsSnapshot, error) {
	snap := models.MetricsSnapshot{Timestamp: time.Now().UTC()}

	cpu, err := c.cpuUsagePct()
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("collect cpu: %w", err)
	}
	snap.CPUUsagePct = cpu

	memPct, err := memoryUsagePct()
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("collect memory: %w", err)
	}
	snap.MemoryUsagePct = memPct

	diskPct, err := DiskUsagePct(c.diskPath)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("collect disk: %w", err)
	}
	snap.DiskUsagePct = diskPct

	in, out, err := networkBytes()
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("collect network: %w", err)
	}
	snap.NetworkBytesIn = in
	snap.NetworkBytesOut = out

	conns, err := connectionCount()
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("collect connections: %w", err)
	}
	snap.ConnectionCount = conns

	load, err := loadAverage()
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("collect load: %w", err)
	}
	snap.LoadAverage = load

	return snap, nil
}

// cpuUsagePct derives busy percentage from /proc/stat deltas.
func (c *Collector) cpuUsagePct() (float64, error) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var total, idle uint64
	for i, raw := range fields[1:] {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse /proc/stat field: %w", err)
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}
	busy := total - idle

	c.mu.Lock()
	defer c.mu.Unlock()

	deltaTotal := total - c.prevTotal
	deltaBusy := busy - c.prevBusy
	first := c.prevTotal == 0
	c.prevTotal = total
	c.prevBusy = busy

	if first || deltaTotal == 0 {
		return 0, nil
	}
	return float64(deltaBusy) / float64(deltaTotal) * 100, nil
}

func memoryUsagePct() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}

	var totalKB, availableKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availableKB = v
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return float64(totalKB-availableKB) / float64(totalKB) * 100, nil
}

// DiskUsagePct reports used percentage for the filesystem containing path.
func DiskUsagePct(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs reported zero blocks for %s", path)
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	return float64(used) / float64(total) * 100, nil
}

func networkBytes() (in, out uint64, err error) {
	data, err := os.ReadFile("/proc/net/dev")
	if err != nil {
		return 0, 0, err
	}

	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		rx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		tx, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			continue
		}
		in += rx
		out += tx
	}
	return in, out, nil
}

func connectionCount() (int, error) {
	count := 0
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) > 1 {
			count += len(lines) - 1
		}
	}
	return count, nil
}

func loadAverage() ([3]float64, error) {
	var load [3]float64
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return load, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return load, fmt.Errorf("unexpected /proc/loadavg format")
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return load, fmt.Errorf("parse loadavg: %w", err)
		}
		load[i] = v
	}
	return load, nil
}

// ProcessMemoryPct reports the share of system memory held by this process's
// resident set, used by the memory probe.
func ProcessMemoryPct() (float64, error) {
	statm, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected /proc/self/statm format")
	}
	rssPages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse statm rss: %w", err)
	}
	rssBytes := rssPages * uint64(os.Getpagesize())

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	var totalKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
			break
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return float64(rssBytes) / float64(totalKB*1024) * 100, nil
}
