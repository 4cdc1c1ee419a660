// Package cpufreq pins the CPU governor and turbo boost for the duration of
// a benchmark and puts the previous values back afterwards.
package cpufreq

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

// Manager applies and restores CPU frequency settings.
type Manager interface {
	// Apply captures the current settings and applies the configured ones
	// to all online CPUs. It is a no-op when nothing is configured.
	Apply(ctx context.Context) error
	// Restore puts back the settings captured by Apply.
	Restore(ctx context.Context) error
}

// saved holds the settings in force before Apply.
type saved struct {
	governors map[int]string
	turboPath string
	turbo     string
}

// Compile-time interface check.
var _ Manager = (*manager)(nil)

type manager struct {
	log logrus.FieldLogger
	cfg *config.CPUFreqConfig

	mu    sync.Mutex
	saved *saved
}

// NewManager creates a new CPU frequency manager.
func NewManager(log logrus.FieldLogger, cfg *config.CPUFreqConfig) Manager {
	return &manager{
		log: log.WithField("component", "cpufreq"),
		cfg: cfg,
	}
}

func (m *manager) Apply(_ context.Context) error {
	if !m.cfg.Enabled() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cpus, err := onlineCPUs(m.cfg.SysfsPath)
	if err != nil {
		return fmt.Errorf("getting online CPUs: %w", err)
	}

	if m.saved == nil {
		m.saved = m.capture(cpus)
	}

	if m.cfg.Governor != "" {
		for _, cpuID := range cpus {
			if err := writeSysfs(governorPath(m.cfg.SysfsPath, cpuID), m.cfg.Governor); err != nil {
				return fmt.Errorf("setting governor for CPU %d: %w", cpuID, err)
			}
		}

		m.log.WithFields(logrus.Fields{
			"governor": m.cfg.Governor,
			"cpus":     len(cpus),
		}).Info("Set CPU governor")
	}

	if m.cfg.TurboBoost != nil {
		path, on, off, err := turboControl(m.cfg.SysfsPath)
		if err != nil {
			// Not every host exposes turbo control.
			m.log.WithError(err).Warn("Failed to set turbo boost")

			return nil
		}

		value := off
		if *m.cfg.TurboBoost {
			value = on
		}

		if err := writeSysfs(path, value); err != nil {
			return fmt.Errorf("setting turbo boost: %w", err)
		}

		m.log.WithField("enabled", *m.cfg.TurboBoost).Info("Set turbo boost")
	}

	return nil
}

func (m *manager) Restore(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saved == nil {
		return nil
	}

	var failed int

	if m.saved.turboPath != "" {
		if err := writeSysfs(m.saved.turboPath, m.saved.turbo); err != nil {
			m.log.WithError(err).Warn("Failed to restore turbo boost")

			failed++
		}
	}

	for cpuID, governor := range m.saved.governors {
		if err := writeSysfs(governorPath(m.cfg.SysfsPath, cpuID), governor); err != nil {
			m.log.WithFields(logrus.Fields{
				"cpu":      cpuID,
				"governor": governor,
			}).WithError(err).Warn("Failed to restore governor")

			failed++
		}
	}

	m.saved = nil

	if failed > 0 {
		return fmt.Errorf("%d CPU frequency settings could not be restored", failed)
	}

	m.log.Info("CPU frequency settings restored")

	return nil
}

// capture records the values Apply is about to overwrite.
func (m *manager) capture(cpus []int) *saved {
	s := &saved{governors: make(map[int]string, len(cpus))}

	if m.cfg.Governor != "" {
		for _, cpuID := range cpus {
			gov, err := readSysfs(governorPath(m.cfg.SysfsPath, cpuID))
			if err != nil {
				m.log.WithField("cpu", cpuID).WithError(err).Warn("Failed to get governor")

				continue
			}

			s.governors[cpuID] = gov
		}
	}

	if m.cfg.TurboBoost != nil {
		if path, _, _, err := turboControl(m.cfg.SysfsPath); err == nil {
			if value, err := readSysfs(path); err == nil {
				s.turboPath = path
				s.turbo = value
			}
		}
	}

	return s
}
