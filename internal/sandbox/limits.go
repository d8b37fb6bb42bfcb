package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Limits are the resource ceilings and isolation flags applied to every
// evaluation container.
type Limits struct {
	CPUs            float64
	MemoryBytes     int64
	PidsLimit       int64
	ReadOnlyRoot    bool
	NoNewPrivileges bool
	CapDrop         []string
	NetworkMode     string
	Tmpfs           []string
	Ulimits         map[string]UlimitRange
}

type UlimitRange struct {
	Soft int64
	Hard int64
}

// DefaultLimits is a locked-down profile: no network, read-only root, no
// capabilities.
func DefaultLimits() Limits {
	return Limits{
		CPUs:            1,
		MemoryBytes:     512 << 20,
		PidsLimit:       128,
		ReadOnlyRoot:    true,
		NoNewPrivileges: true,
		CapDrop:         []string{"ALL"},
		NetworkMode:     "none",
		Tmpfs:           []string{"/tmp:rw,noexec,nosuid,size=64m"},
	}
}

// args renders the limits as docker run flags. Swap is pinned to the memory
// ceiling so a breach ends in the OOM killer instead of swapping.
func (l Limits) args() []string {
	var args []string
	if l.NetworkMode != "" {
		args = append(args, "--network", l.NetworkMode)
	}
	if l.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(l.CPUs, 'f', -1, 64))
	}
	if l.MemoryBytes > 0 {
		mem := strconv.FormatInt(l.MemoryBytes, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if l.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(l.PidsLimit, 10))
	}
	if l.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	if l.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	for _, capability := range l.CapDrop {
		args = append(args, "--cap-drop", capability)
	}
	for _, mount := range l.Tmpfs {
		args = append(args, "--tmpfs", mount)
	}
	names := make([]string, 0, len(l.Ulimits))
	for name := range l.Ulimits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rng := l.Ulimits[name]
		args = append(args, "--ulimit", fmt.Sprintf("%s=%d:%d", name, rng.Soft, rng.Hard))
	}
	return args
}

func FormatLimits(limits Limits) string {
	parts := make([]string, 0, 8)

	if limits.CPUs > 0 {
		parts = append(parts, fmt.Sprintf("cpu=%.2f", limits.CPUs))
	}
	if limits.MemoryBytes > 0 {
		parts = append(parts, fmt.Sprintf("mem=%s", formatBytes(limits.MemoryBytes)))
	}
	if limits.PidsLimit > 0 {
		parts = append(parts, fmt.Sprintf("pids=%d", limits.PidsLimit))
	}
	if limits.ReadOnlyRoot {
		parts = append(parts, "ro-root")
	}
	if limits.NoNewPrivileges {
		parts = append(parts, "no-new-privs")
	}
	if len(limits.CapDrop) > 0 {
		parts = append(parts, fmt.Sprintf("cap-drop=%s", strings.Join(limits.CapDrop, ",")))
	}
	if limits.NetworkMode != "" {
		parts = append(parts, fmt.Sprintf("net=%s", limits.NetworkMode))
	}
	if len(limits.Tmpfs) > 0 {
		parts = append(parts, fmt.Sprintf("tmpfs=%d", len(limits.Tmpfs)))
	}
	if len(limits.Ulimits) > 0 {
		ulimits := make([]string, 0, len(limits.Ulimits))
		for name, rng := range limits.Ulimits {
			ulimits = append(ulimits, fmt.Sprintf("%s=%d:%d", name, rng.Soft, rng.Hard))
		}
		sort.Strings(ulimits)
		parts = append(parts, fmt.Sprintf("ulimits=[%s]", strings.Join(ulimits, ",")))
	}

	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

// ParseBytes accepts docker-style sizes such as "512m", "1g" or a plain byte
// count.
func ParseBytes(value string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return 0, nil
	}
	v = strings.TrimSuffix(v, "b")
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "k"):
		multiplier = 1 << 10
	case strings.HasSuffix(v, "m"):
		multiplier = 1 << 20
	case strings.HasSuffix(v, "g"):
		multiplier = 1 << 30
	}
	if multiplier > 1 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	return n * multiplier, nil
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "0B"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	value := float64(n)
	suffix := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	exp := 0
	for value >= unit && exp < len(suffix)-1 {
		value /= unit
		exp++
	}
	return fmt.Sprintf("%.1f%s", value, suffix[exp])
}
