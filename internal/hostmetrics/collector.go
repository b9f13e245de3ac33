// Package hostmetrics samples host-level CPU, memory, disk, network and uptime
// for the metrics gateway.
package hostmetrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Snapshot is one host metrics sample.
type Snapshot struct {
	CPU       CPU     `json:"cpu"`
	Memory    Memory  `json:"memory"`
	Disk      Disk    `json:"disk"`
	Network   Network `json:"network"`
	Uptime    Uptime  `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

// CPU holds utilisation and load averages.
type CPU struct {
	Usage       float64    `json:"usage"`
	Cores       int        `json:"cores"`
	LoadAverage [3]float64 `json:"loadAverage"`
}

// Memory holds system memory usage in bytes.
type Memory struct {
	Total uint64  `json:"total"`
	Used  uint64  `json:"used"`
	Free  uint64  `json:"free"`
	Usage float64 `json:"usage"`
}

// Disk holds filesystem usage for a mount path.
type Disk struct {
	Total     uint64  `json:"total"`
	Used      uint64  `json:"used"`
	Free      uint64  `json:"free"`
	Usage     float64 `json:"usage"`
	MountPath string  `json:"mountPath"`
}

// Network holds cumulative byte counters across non-loopback interfaces and
// the rate since the previous sample.
type Network struct {
	Rx     uint64  `json:"rx"`
	Tx     uint64  `json:"tx"`
	RxRate float64 `json:"rxRate"`
	TxRate float64 `json:"txRate"`
}

// Uptime holds system uptime.
type Uptime struct {
	Seconds     float64 `json:"seconds"`
	HumanFormat string  `json:"humanFormat"`
}

// Config holds collector settings.
type Config struct {
	// DiskMountPath is the filesystem reported under Disk (default: "/").
	DiskMountPath string
}

// source is the set of gopsutil calls the collector makes, injectable for
// testing.
type source struct {
	cpuTimes      func(ctx context.Context, percpu bool) ([]cpu.TimesStat, error)
	cpuCounts     func(ctx context.Context, logical bool) (int, error)
	loadAvg       func(ctx context.Context) (*load.AvgStat, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
	netCounters   func(ctx context.Context, pernic bool) ([]psnet.IOCountersStat, error)
	uptime        func(ctx context.Context) (uint64, error)
}

func gopsutilSource() source {
	return source{
		cpuTimes:      cpu.TimesWithContext,
		cpuCounts:     cpu.CountsWithContext,
		loadAvg:       load.AvgWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		diskUsage:     disk.UsageWithContext,
		netCounters:   psnet.IOCountersWithContext,
		uptime:        host.UptimeWithContext,
	}
}

// cpuTimes is the aggregate busy/idle split in seconds.
type cpuTimes struct {
	idle  float64
	total float64
}

func toCPUTimes(t cpu.TimesStat) cpuTimes {
	idle := t.Idle + t.Iowait
	return cpuTimes{
		idle:  idle,
		total: idle + t.User + t.Nice + t.System + t.Irq + t.Softirq + t.Steal,
	}
}

// usageSince returns busy percentage since prev, or since boot without one.
func (t cpuTimes) usageSince(prev *cpuTimes) float64 {
	idle, total := t.idle, t.total
	if prev != nil && t.total > prev.total && t.idle >= prev.idle {
		idle, total = t.idle-prev.idle, t.total-prev.total
	}
	if total <= 0 {
		return 0
	}
	usage := 100 * (1 - idle/total)
	return roundTo(math.Max(0, math.Min(100, usage)), 1)
}

// Collector gathers host metrics. Rates are computed against the previous
// Collect call, so a single Collector should be shared by all subscribers.
type Collector struct {
	config Config
	src    source
	now    func() time.Time

	mu       sync.Mutex
	prevCPU  *cpuTimes
	prevNet  *Network
	prevTime time.Time
}

// NewCollector creates a new host metrics collector.
func NewCollector(cfg Config) *Collector {
	if cfg.DiskMountPath == "" {
		cfg.DiskMountPath = "/"
	}
	return &Collector{
		config: cfg,
		src:    gopsutilSource(),
		now:    time.Now,
	}
}

// Collect takes one sample. CPU, memory and disk failures are errors; load,
// network and uptime degrade to zero values.
func (c *Collector) Collect() (*Snapshot, error) {
	ctx := context.Background()

	stats, err := c.src.cpuTimes(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("cpu: no aggregate times reported")
	}
	times := toCPUTimes(stats[0])

	cores, err := c.src.cpuCounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("cpu count: %w", err)
	}

	vm, err := c.src.virtualMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	du, err := c.src.diskUsage(ctx, c.config.DiskMountPath)
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}

	var loadAverage [3]float64
	if avg, err := c.src.loadAvg(ctx); err == nil {
		loadAverage = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}

	var network Network
	if counters, err := c.src.netCounters(ctx, true); err == nil {
		network = sumInterfaces(counters)
	}

	var uptime Uptime
	if secs, err := c.src.uptime(ctx); err == nil {
		uptime = Uptime{Seconds: float64(secs), HumanFormat: formatUptime(secs)}
	}

	now := c.now()

	c.mu.Lock()
	usage := times.usageSince(c.prevCPU)
	if c.prevNet != nil {
		elapsed := now.Sub(c.prevTime).Seconds()
		if elapsed > 0 {
			network.RxRate = roundTo(counterDelta(c.prevNet.Rx, network.Rx)/elapsed, 1)
			network.TxRate = roundTo(counterDelta(c.prevNet.Tx, network.Tx)/elapsed, 1)
		}
	}
	c.prevCPU = &times
	prevNet := network
	c.prevNet = &prevNet
	c.prevTime = now
	c.mu.Unlock()

	return &Snapshot{
		CPU: CPU{
			Usage:       usage,
			Cores:       cores,
			LoadAverage: loadAverage,
		},
		Memory:    memoryFrom(vm),
		Disk:      diskFrom(du, c.config.DiskMountPath),
		Network:   network,
		Uptime:    uptime,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}, nil
}

// memoryFrom reports available memory as free, so page cache counts as free.
func memoryFrom(vm *mem.VirtualMemoryStat) Memory {
	var used uint64
	if vm.Total > vm.Available {
		used = vm.Total - vm.Available
	}
	return Memory{
		Total: vm.Total,
		Used:  used,
		Free:  vm.Available,
		Usage: percent(used, vm.Total),
	}
}

func diskFrom(du *disk.UsageStat, mountPath string) Disk {
	return Disk{
		Total:     du.Total,
		Used:      du.Used,
		Free:      du.Free,
		Usage:     percent(du.Used, du.Total),
		MountPath: mountPath,
	}
}

// sumInterfaces adds up byte counters over every non-loopback interface.
func sumInterfaces(counters []psnet.IOCountersStat) Network {
	var n Network
	for _, ic := range counters {
		if ic.Name == "lo" {
			continue
		}
		n.Rx += ic.BytesRecv
		n.Tx += ic.BytesSent
	}
	return n
}

// formatUptime formats seconds into a human-readable string like "2d 5h 32m".
func formatUptime(secs uint64) string {
	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	secs %= 3600
	minutes := secs / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return roundTo(float64(part)/float64(total)*100, 1)
}

// counterDelta tolerates counter resets (interface restarts) by reporting zero.
func counterDelta(prev, cur uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

// roundTo rounds a float64 to n decimal places.
func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}
