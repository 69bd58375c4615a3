// Package cleaning implements the clean-step protocol: collecting and
// deduplicating clean steps advertised by every hardware manager, and
// executing one step against a version fingerprint taken at the start of
// cleaning.
package cleaning

import (
	"fmt"
	"time"

	"github.com/rackerlabs/ironic-python-agent/internal/agentmetrics"
	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
	"github.com/rs/zerolog"
)

// Protocol drives the clean-step operations against a hardware registry.
type Protocol struct {
	registry *hardware.Registry
	log      zerolog.Logger
	metrics  *agentmetrics.Metrics
}

// NewProtocol builds a cleaning protocol over the given hardware registry.
func NewProtocol(registry *hardware.Registry, log zerolog.Logger) *Protocol {
	return &Protocol{registry: registry, log: log}
}

// SetMetrics attaches a metrics recorder, enabling per-clean-step duration
// and outcome counters. Nil is fine; recording methods are nil-safe.
func (p *Protocol) SetMetrics(m *agentmetrics.Metrics) {
	p.metrics = m
}

// StepsResult is the get_clean_steps response shape: deduplicated steps
// grouped by the manager that will run each one, plus the version
// fingerprint a caller must echo back into ExecuteCleanStep.
type StepsResult struct {
	CleanSteps             map[string][]hardware.CleanStep `json:"clean_steps"`
	HardwareManagerVersion map[string]string                `json:"hardware_manager_version"`
}

type managerStep struct {
	manager string
	step    hardware.CleanStep
}

// GetCleanSteps fans get_clean_steps and evaluate_hardware_support out to
// every manager, then deduplicates: for each step name, keep the instance
// from the manager with the highest hardware support, breaking ties by
// higher priority, and finally breaking remaining ties by the
// lexicographically smaller manager name so the result is deterministic.
func (p *Protocol) GetCleanSteps(node hardware.Node, ports hardware.Ports) (StepsResult, error) {
	p.log.Debug().Interface("node", node).Msg("getting clean steps")

	candidates, err := p.registry.DispatchToAllManagers("GetCleanSteps", func(m hardware.Manager) (interface{}, error) {
		return m.GetCleanSteps(node, ports)
	})
	if err != nil {
		return StepsResult{}, err
	}

	support, err := p.registry.Support()
	if err != nil {
		return StepsResult{}, err
	}

	deduped := make(map[string]managerStep)
	for manager, raw := range candidates {
		steps, ok := raw.([]hardware.CleanStep)
		if !ok {
			continue
		}
		managerSupport, known := support[manager]
		if !known {
			p.log.Warn().Str("manager", manager).Msg("unknown hardware support, dropping clean steps")
			continue
		}
		for _, step := range steps {
			existing, have := deduped[step.Step]
			if !have {
				deduped[step.Step] = managerStep{manager: manager, step: step}
				continue
			}
			existingSupport := support[existing.manager]
			switch {
			case managerSupport > existingSupport:
				deduped[step.Step] = managerStep{manager: manager, step: step}
			case managerSupport == existingSupport && step.Priority > existing.step.Priority:
				deduped[step.Step] = managerStep{manager: manager, step: step}
			case managerSupport == existingSupport && step.Priority == existing.step.Priority && manager < existing.manager:
				deduped[step.Step] = managerStep{manager: manager, step: step}
			}
		}
	}

	byManager := make(map[string][]hardware.CleanStep)
	for _, ms := range deduped {
		byManager[ms.manager] = append(byManager[ms.manager], ms.step)
	}

	version, err := p.currentCleanVersion()
	if err != nil {
		return StepsResult{}, err
	}

	return StepsResult{CleanSteps: byManager, HardwareManagerVersion: version}, nil
}

// currentCleanVersion snapshots every manager's GetVersion into a
// plugin-name -> version-string fingerprint. Taken once at the start of
// cleaning and re-derived before every step to detect plugin changes
// mid-cleaning (spec.md §4.2's "clean version mismatch" invariant).
func (p *Protocol) currentCleanVersion() (map[string]string, error) {
	raw, err := p.registry.DispatchToAllManagers("GetVersion", func(m hardware.Manager) (interface{}, error) {
		return m.GetVersion(), nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for _, v := range raw {
		info := v.(hardware.VersionInfo)
		out[info.Name] = info.Version
	}
	return out, nil
}

// checkCleanVersion compares the version fingerprint supplied by the
// caller (taken when cleaning began) against the plugin set's current
// fingerprint. A nil map means "first run, nothing to compare yet".
func (p *Protocol) checkCleanVersion(cleanVersion map[string]string) error {
	if cleanVersion == nil {
		return nil
	}
	current, err := p.currentCleanVersion()
	if err != nil {
		return err
	}
	if !versionsEqual(current, cleanVersion) {
		p.log.Warn().Interface("agent_version", current).Interface("node_version", cleanVersion).
			Msg("mismatched clean versions")
		return apierrors.CleanVersionMismatch(current, cleanVersion)
	}
	return nil
}

func versionsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// StepResult is the execute_clean_step response shape.
type StepResult struct {
	CleanResult interface{}        `json:"clean_result"`
	CleanStep   hardware.CleanStep `json:"clean_step"`
}

// ExecuteCleanStep verifies the clean-version fingerprint hasn't drifted,
// then best-match dispatches the named step to the hardware manager set via
// Manager.RunCleanStep.
func (p *Protocol) ExecuteCleanStep(step hardware.CleanStep, node hardware.Node, ports hardware.Ports, cleanVersion map[string]string) (StepResult, error) {
	p.log.Info().Str("step", step.Step).Msg("executing clean step")

	if err := p.checkCleanVersion(cleanVersion); err != nil {
		return StepResult{}, err
	}
	if step.Step == "" {
		return StepResult{}, apierrors.InvalidCommandParams(`malformed clean_step, no "step" key`)
	}

	started := time.Now()
	result, err := p.registry.DispatchToManagers(step.Step, func(m hardware.Manager) (interface{}, error) {
		return m.RunCleanStep(step.Step, node, ports)
	})
	duration := time.Since(started)
	if err != nil {
		p.metrics.RecordCleanStep(step.Step, "failure", duration)
		return StepResult{}, apierrors.CleaningError(
			fmt.Sprintf("error performing clean_step %s: %v", step.Step, err))
	}

	p.metrics.RecordCleanStep(step.Step, "success", duration)
	p.log.Info().Str("step", step.Step).Interface("result", result).Msg("clean step completed")
	return StepResult{CleanResult: result, CleanStep: step}, nil
}
