// Package hostinfo snapshots the benchmark host before a run and gates the
// run on scratch disk capacity.
package hostinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// ErrInsufficientSpace is returned when the scratch filesystem is below the
// configured free space threshold.
var ErrInsufficientSpace = errors.New("insufficient free space")

// Snapshot is the host state at the start of a run.
type Snapshot struct {
	Hostname        string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	Arch            string
	CPUModel        string
	CPUCores        int
	Load1           float64
	Load5           float64
	Load15          float64
	MemoryTotal     uint64
	MemoryAvailable uint64
	ScratchPath     string
	ScratchTotal    uint64
	ScratchFree     uint64
}

// Fields renders the snapshot for structured logging.
func (s *Snapshot) Fields() logrus.Fields {
	return logrus.Fields{
		"hostname":      s.Hostname,
		"platform":      s.Platform + " " + s.PlatformVersion,
		"kernel":        s.KernelVersion,
		"cpu":           s.CPUModel,
		"cores":         s.CPUCores,
		"load":          fmt.Sprintf("%.2f %.2f %.2f", s.Load1, s.Load5, s.Load15),
		"mem_available": units.BytesSize(float64(s.MemoryAvailable)),
		"scratch_free":  units.BytesSize(float64(s.ScratchFree)),
	}
}

// Checker runs the preflight check.
type Checker interface {
	// Check snapshots the host and fails if the scratch filesystem has
	// less than the configured free space.
	Check(ctx context.Context) (*Snapshot, error)
}

// Compile-time interface check.
var _ Checker = (*checker)(nil)

type checker struct {
	log          logrus.FieldLogger
	scratchPath  string
	minFreeBytes int64
}

// NewChecker creates a Checker for the scratch directory. A minFreeBytes of
// zero disables the free space gate.
func NewChecker(log logrus.FieldLogger, scratchPath string, minFreeBytes int64) Checker {
	return &checker{
		log:          log.WithField("component", "hostinfo"),
		scratchPath:  scratchPath,
		minFreeBytes: minFreeBytes,
	}
}

func (c *checker) Check(ctx context.Context) (*Snapshot, error) {
	snap := Collect(ctx, c.log, c.scratchPath)

	c.log.WithFields(snap.Fields()).Info("Host snapshot")

	if c.minFreeBytes <= 0 {
		return snap, nil
	}

	if err := checkFree(ctx, c.scratchPath, uint64(c.minFreeBytes)); err != nil {
		return snap, err
	}

	return snap, nil
}

// Collect gathers a best-effort snapshot; fields that cannot be read stay
// zero and are logged at debug level.
func Collect(ctx context.Context, log logrus.FieldLogger, scratchPath string) *Snapshot {
	snap := &Snapshot{ScratchPath: scratchPath}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelVersion = info.KernelVersion
		snap.Arch = info.KernelArch
	} else {
		log.WithError(err).Debug("Reading host info")
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	} else if err != nil {
		log.WithError(err).Debug("Reading cpu info")
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = n
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		log.WithError(err).Debug("Reading load average")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryAvailable = vm.Available
	} else {
		log.WithError(err).Debug("Reading memory")
	}

	if du, err := usage(ctx, scratchPath); err == nil {
		snap.ScratchTotal = du.Total
		snap.ScratchFree = du.Free
	} else {
		log.WithError(err).Debug("Reading scratch disk usage")
	}

	return snap
}

func checkFree(ctx context.Context, path string, minFree uint64) error {
	u, err := usage(ctx, path)
	if err != nil {
		return fmt.Errorf("reading disk usage for %s: %w", path, err)
	}

	if u.Free < minFree {
		return fmt.Errorf("%w on %s: %s free, %s required", ErrInsufficientSpace, u.Path,
			units.HumanSize(float64(u.Free)), units.HumanSize(float64(minFree)))
	}

	return nil
}

// usage reports the filesystem holding path. A path that does not exist
// yet is resolved to its nearest existing parent.
func usage(ctx context.Context, path string) (*disk.UsageStat, error) {
	dir := filepath.Clean(path)

	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("no existing parent for %s", path)
		}

		dir = parent
	}

	return disk.UsageWithContext(ctx, dir)
}
