package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Stats is one resource usage snapshot for a container.
type Stats struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsage   uint64  `json:"memoryUsage"`
	MemoryLimit   uint64  `json:"memoryLimit"`
	MemoryPercent float64 `json:"memoryPercent"`
	NetworkRx     uint64  `json:"networkRx"`
	NetworkTx     uint64  `json:"networkTx"`
	BlockRead     uint64  `json:"blockRead"`
	BlockWrite    uint64  `json:"blockWrite"`
	PIDs          int     `json:"pids"`
}

// dockerStatsLine is one line of `docker stats --format '{{json .}}'`.
type dockerStatsLine struct {
	ID       string `json:"ID"`
	Name     string `json:"Name"`
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	MemPerc  string `json:"MemPerc"`
	NetIO    string `json:"NetIO"`
	BlockIO  string `json:"BlockIO"`
	PIDs     string `json:"PIDs"`
}

// StatsSnapshot fetches a single, non-streaming stats sample.
func (d *DockerCLI) StatsSnapshot(ctx context.Context, containerID string) (*Stats, error) {
	out, err := d.output(ctx, "stats", "--no-stream", "--no-trunc", "--format", "{{json .}}", containerID)
	if err != nil {
		return nil, err
	}
	return parseStats(string(out))
}

// parseStats converts the first JSON line of docker stats output.
func parseStats(output string) (*Stats, error) {
	line := strings.TrimSpace(output)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return nil, fmt.Errorf("%w: empty stats output", ErrRuntime)
	}

	var raw dockerStatsLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("%w: parse stats: %v", ErrRuntime, err)
	}

	stats := &Stats{
		CPUPercent:    parsePercent(raw.CPUPerc),
		MemoryPercent: parsePercent(raw.MemPerc),
	}
	stats.MemoryUsage, stats.MemoryLimit = parseBytePair(raw.MemUsage)
	stats.NetworkRx, stats.NetworkTx = parseBytePair(raw.NetIO)
	stats.BlockRead, stats.BlockWrite = parseBytePair(raw.BlockIO)
	if n, err := strconv.Atoi(strings.TrimSpace(raw.PIDs)); err == nil {
		stats.PIDs = n
	}

	return stats, nil
}

// parsePercent strips a trailing "%" and parses to float64. Unparseable
// values such as "--" for stopped containers read as zero.
func parsePercent(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// parseBytePair parses "12.3MiB / 1.944GiB" style pairs.
func parseBytePair(s string) (uint64, uint64) {
	left, right, ok := strings.Cut(s, "/")
	if !ok {
		return parseByteSize(left), 0
	}
	return parseByteSize(left), parseByteSize(right)
}

func parseByteSize(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "--" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return n
}
