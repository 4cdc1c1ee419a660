package cpufreq

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const scalingGovernorFile = "scaling_governor"

// turboKind identifies the turbo boost control interface.
type turboKind string

const (
	turboIntel turboKind = "intel"
	turboAMD   turboKind = "amd"
	turboNone  turboKind = "none"
)

// onlineCPUs returns the online CPU IDs, falling back to present CPUs.
func onlineCPUs(basePath string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(basePath, "online"))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(basePath, "present"))
		if err != nil {
			return nil, fmt.Errorf("reading CPU online/present: %w", err)
		}
	}

	return parseCPURange(strings.TrimSpace(string(data)))
}

// parseCPURange parses CPU lists like "0-7" or "0,2,4-6".
func parseCPURange(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}

	var cpus []int

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)

		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			hi = lo
		}

		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid CPU list %q: %w", s, err)
		}

		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("invalid CPU list %q: %w", s, err)
		}

		if end < start {
			return nil, fmt.Errorf("invalid CPU range %q", part)
		}

		for i := start; i <= end; i++ {
			cpus = append(cpus, i)
		}
	}

	return cpus, nil
}

func governorPath(basePath string, cpuID int) string {
	return filepath.Join(basePath, fmt.Sprintf("cpu%d", cpuID), "cpufreq", scalingGovernorFile)
}

func intelNoTurboPath(basePath string) string {
	return filepath.Join(basePath, "intel_pstate", "no_turbo")
}

func amdBoostPath(basePath string) string {
	return filepath.Join(basePath, "cpufreq", "boost")
}

func readSysfs(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	return strings.TrimSpace(string(data)), nil
}

func writeSysfs(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

func detectTurbo(basePath string) turboKind {
	if _, err := os.Stat(intelNoTurboPath(basePath)); err == nil {
		return turboIntel
	}

	if _, err := os.Stat(amdBoostPath(basePath)); err == nil {
		return turboAMD
	}

	return turboNone
}

// turboControl returns the control file and the raw values meaning
// "enabled" and "disabled" for the detected interface.
func turboControl(basePath string) (path, on, off string, err error) {
	switch detectTurbo(basePath) {
	case turboIntel:
		// no_turbo is inverted.
		return intelNoTurboPath(basePath), "0", "1", nil
	case turboAMD:
		return amdBoostPath(basePath), "1", "0", nil
	default:
		return "", "", "", fmt.Errorf("turbo boost control not available")
	}
}
