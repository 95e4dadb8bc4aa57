// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package solver

import (
	"fmt"
	"sort"

	mk "github.com/gitrdm/gokando/pkg/minikanren"

	"github.com/fjsmd/fjsmd/structs"
)

// Time values are encoded one-based for the finite-domain engine: domain
// value v stands for time v-1, so a variable over [1..H+1] covers the time
// range [0..H]. With that encoding end = start + duration holds directly on
// the encoded values.

// instanceVars bundles the decision variables for one task instance.
// machine ranges over candidate indexes (1-based into MachineCandidates),
// start and end are encoded times, dur is the machine-dependent duration.
type instanceVars struct {
	inst      *structs.TaskInstance
	durations []int // aligned with inst.MachineCandidates
	machine   *mk.FDVariable
	start     *mk.FDVariable
	dur       *mk.FDVariable
	end       *mk.FDVariable
}

// jobKey identifies a job across packages. Job ids are only unique within
// their package, so grouping must include the package uid.
type jobKey struct {
	packageUID string
	jobID      int
}

// planModel is one fully constructed constraint model over a set of task
// instances. Stage one minimizes makespan; stage two rebuilds the model with
// the makespan domain pinned and minimizes total completion.
type planModel struct {
	model    *mk.Model
	horizon  int
	vars     []*instanceVars
	jobCount int
	makespan *mk.FDVariable
	total    *mk.FDVariable
}

// durationTable resolves per-candidate durations for an instance. Expansion
// guarantees positive durations; a zero here means the instance bypassed it.
func (s *Solver) durationTable(inst *structs.TaskInstance) ([]int, error) {
	if len(inst.MachineCandidates) == 0 {
		return nil, fmt.Errorf("instance %d (%s): %w", inst.ID, inst.Name, structs.ErrNoEligibleMachine)
	}
	durations := make([]int, len(inst.MachineCandidates))
	for j, m := range inst.MachineCandidates {
		d := s.catalog.Duration(inst.BaseName, m)
		if d <= 0 {
			return nil, fmt.Errorf("instance %d (%s): machine %q has no duration for %q: %w",
				inst.ID, inst.Name, m, inst.BaseName, structs.ErrNoEligibleMachine)
		}
		durations[j] = d
	}
	return durations, nil
}

// planningHorizon returns H = ceil(1.5 * sum of per-instance worst-case
// durations). Undersized horizons make the model infeasible while oversized
// ones inflate search, so a worst-case serial schedule plus slack is used.
func planningHorizon(tables [][]int) int {
	sum := 0
	for _, durations := range tables {
		maxDur := 0
		for _, d := range durations {
			if d > maxDur {
				maxDur = d
			}
		}
		sum += maxDur
	}
	return (3*sum + 1) / 2
}

// buildModel constructs the constraint model for the given instances and
// locks. When fixedMakespan is non-nil the makespan variable is pinned to
// that encoded value, which is how the second lexicographic stage holds the
// first stage's objective.
func (s *Solver) buildModel(instances []*structs.TaskInstance, locks []*structs.Lock, fixedMakespan *int) (*planModel, error) {
	tables := make([][]int, len(instances))
	for i, inst := range instances {
		durations, err := s.durationTable(inst)
		if err != nil {
			return nil, err
		}
		tables[i] = durations
	}

	horizon := planningHorizon(tables)
	hEnc := horizon + 1 // encoded time domain is [1..H+1]

	lockByInstance := make(map[int]*structs.Lock, len(locks))
	known := make(map[int]bool, len(instances))
	for _, inst := range instances {
		known[inst.ID] = true
	}
	for _, lock := range locks {
		if err := lock.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", structs.ErrInvalidLock, err)
		}
		if !known[lock.TaskInstanceID] {
			return nil, fmt.Errorf("%w: unknown task instance %d", structs.ErrInvalidLock, lock.TaskInstanceID)
		}
		if lock.StartMin > horizon {
			return nil, fmt.Errorf("%w: start %d beyond horizon %d", structs.ErrInvalidLock, lock.StartMin, horizon)
		}
		lockByInstance[lock.TaskInstanceID] = lock
	}

	pm := &planModel{
		model:   mk.NewModel(),
		horizon: horizon,
		vars:    make([]*instanceVars, len(instances)),
	}

	for i, inst := range instances {
		durations := tables[i]
		k := len(inst.MachineCandidates)

		machineDom := mk.NewBitSetDomain(k)
		startDom := mk.NewBitSetDomain(hEnc)
		if lock := lockByInstance[inst.ID]; lock != nil {
			idx := candidateIndex(inst.MachineCandidates, lock.Machine)
			if idx < 0 {
				return nil, fmt.Errorf("%w: machine %q is not a candidate of instance %d (%s)",
					structs.ErrInvalidLock, lock.Machine, inst.ID, inst.Name)
			}
			machineDom = mk.NewBitSetDomainFromValues(k, []int{idx + 1})
			startDom = mk.NewBitSetDomainFromValues(hEnc, []int{lock.StartMin + 1})
		}

		maxDur := 0
		for _, d := range durations {
			if d > maxDur {
				maxDur = d
			}
		}

		iv := &instanceVars{
			inst:      inst,
			durations: durations,
			machine:   pm.model.NewVariableWithName(machineDom, fmt.Sprintf("mach_%d", inst.ID)),
			start:     pm.model.NewVariableWithName(startDom, fmt.Sprintf("start_%d", inst.ID)),
			dur:       pm.model.NewVariableWithName(mk.NewBitSetDomainFromValues(maxDur, durations), fmt.Sprintf("dur_%d", inst.ID)),
			end:       pm.model.NewVariableWithName(mk.NewBitSetDomain(hEnc), fmt.Sprintf("end_%d", inst.ID)),
		}
		pm.vars[i] = iv

		elem, err := mk.NewElementValues(iv.machine, durations, iv.dur)
		if err != nil {
			return nil, fmt.Errorf("building duration element for instance %d: %w", inst.ID, err)
		}
		pm.model.AddConstraint(elem)

		span, err := mk.NewLinearSum([]*mk.FDVariable{iv.start, iv.dur}, []int{1, 1}, iv.end)
		if err != nil {
			return nil, fmt.Errorf("building span sum for instance %d: %w", inst.ID, err)
		}
		pm.model.AddConstraint(span)
	}

	// Pairwise disjunctive resource constraints between instances that can
	// land on the same machine.
	for i := 0; i < len(pm.vars); i++ {
		for j := i + 1; j < len(pm.vars); j++ {
			if c := newMachineDisjunctive(pm.vars[i], pm.vars[j]); c != nil {
				pm.model.AddConstraint(c)
			}
		}
	}

	if err := pm.addPrecedenceAndObjectives(hEnc, fixedMakespan); err != nil {
		return nil, err
	}
	return pm, nil
}

// addPrecedenceAndObjectives wires the phase precedence chain per job, the
// per-job end variables, the makespan and the total completion objective.
func (pm *planModel) addPrecedenceAndObjectives(hEnc int, fixedMakespan *int) error {
	byJob := make(map[jobKey]map[int][]*instanceVars)
	var jobOrder []jobKey
	for _, iv := range pm.vars {
		key := jobKey{iv.inst.PackageUID, iv.inst.JobID}
		if byJob[key] == nil {
			byJob[key] = make(map[int][]*instanceVars)
			jobOrder = append(jobOrder, key)
		}
		byJob[key][iv.inst.Order] = append(byJob[key][iv.inst.Order], iv)
	}

	pm.jobCount = len(jobOrder)
	jobEnds := make([]*mk.FDVariable, 0, len(jobOrder))

	for _, key := range jobOrder {
		phases := byJob[key]
		orders := make([]int, 0, len(phases))
		for order := range phases {
			orders = append(orders, order)
		}
		sort.Ints(orders)

		// A later phase starts only after every instance of the previous
		// phase has ended, split siblings included. Phase-level min/max on
		// the master variables avoids the quadratic pairwise encoding.
		for idx := 0; idx < len(orders)-1; idx++ {
			prevEnd, err := pm.maxOf(endVars(phases[orders[idx]]), hEnc, fmt.Sprintf("pend_%s_%d_%d", key.packageUID, key.jobID, orders[idx]))
			if err != nil {
				return err
			}
			nextStart, err := pm.minOf(startVars(phases[orders[idx+1]]), hEnc, fmt.Sprintf("pstart_%s_%d_%d", key.packageUID, key.jobID, orders[idx+1]))
			if err != nil {
				return err
			}
			prec, err := mk.NewInequality(prevEnd, nextStart, mk.LessEqual)
			if err != nil {
				return err
			}
			pm.model.AddConstraint(prec)
		}

		lastPhase := phases[orders[len(orders)-1]]
		jobEnd, err := pm.maxOf(endVars(lastPhase), hEnc, fmt.Sprintf("jend_%s_%d", key.packageUID, key.jobID))
		if err != nil {
			return err
		}
		jobEnds = append(jobEnds, jobEnd)
	}

	makespanDom := mk.NewBitSetDomain(hEnc)
	if fixedMakespan != nil {
		makespanDom = mk.NewBitSetDomainFromValues(hEnc, []int{*fixedMakespan})
	}
	pm.makespan = pm.model.NewVariableWithName(makespanDom, "makespan")
	maxC, err := mk.NewMax(jobEnds, pm.makespan)
	if err != nil {
		return err
	}
	pm.model.AddConstraint(maxC)

	coeffs := make([]int, len(jobEnds))
	for i := range coeffs {
		coeffs[i] = 1
	}
	pm.total = pm.model.NewVariableWithName(mk.NewBitSetDomain(len(jobEnds)*hEnc), "total_completion")
	sumC, err := mk.NewLinearSum(jobEnds, coeffs, pm.total)
	if err != nil {
		return err
	}
	pm.model.AddConstraint(sumC)
	return nil
}

// maxOf returns a variable constrained to the maximum of vars. A singleton
// slice is passed through without an auxiliary variable.
func (pm *planModel) maxOf(vars []*mk.FDVariable, hEnc int, name string) (*mk.FDVariable, error) {
	if len(vars) == 1 {
		return vars[0], nil
	}
	r := pm.model.NewVariableWithName(mk.NewBitSetDomain(hEnc), name)
	c, err := mk.NewMax(vars, r)
	if err != nil {
		return nil, err
	}
	pm.model.AddConstraint(c)
	return r, nil
}

// minOf is the minimum counterpart of maxOf.
func (pm *planModel) minOf(vars []*mk.FDVariable, hEnc int, name string) (*mk.FDVariable, error) {
	if len(vars) == 1 {
		return vars[0], nil
	}
	r := pm.model.NewVariableWithName(mk.NewBitSetDomain(hEnc), name)
	c, err := mk.NewMin(vars, r)
	if err != nil {
		return nil, err
	}
	pm.model.AddConstraint(c)
	return r, nil
}

func endVars(ivs []*instanceVars) []*mk.FDVariable {
	out := make([]*mk.FDVariable, len(ivs))
	for i, iv := range ivs {
		out[i] = iv.end
	}
	return out
}

func startVars(ivs []*instanceVars) []*mk.FDVariable {
	out := make([]*mk.FDVariable, len(ivs))
	for i, iv := range ivs {
		out[i] = iv.start
	}
	return out
}

func candidateIndex(candidates []string, machine string) int {
	for i, m := range candidates {
		if m == machine {
			return i
		}
	}
	return -1
}

// extractRows reads the assignment for every instance out of a complete
// solution. It returns the rows plus the ids of any instances whose
// variables were left unassigned, which the caller logs as orphans.
func (pm *planModel) extractRows(solution []int) ([]*structs.PlanRow, []int) {
	rows := make([]*structs.PlanRow, 0, len(pm.vars))
	var orphans []int
	for _, iv := range pm.vars {
		machIdx := solution[iv.machine.ID()]
		startEnc := solution[iv.start.ID()]
		endEnc := solution[iv.end.ID()]
		if machIdx < 1 || machIdx > len(iv.inst.MachineCandidates) || startEnc < 1 || endEnc < 1 {
			orphans = append(orphans, iv.inst.ID)
			continue
		}
		rows = append(rows, &structs.PlanRow{
			TaskInstanceID:  iv.inst.ID,
			JobID:           iv.inst.JobID,
			TaskName:        iv.inst.Name,
			AssignedMachine: iv.inst.MachineCandidates[machIdx-1],
			StartTime:       startEnc - 1,
			EndTime:         endEnc - 1,
			PackageUID:      iv.inst.PackageUID,
		})
	}
	return rows, orphans
}
