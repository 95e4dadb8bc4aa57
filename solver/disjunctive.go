// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package solver

import (
	"fmt"

	mk "github.com/gitrdm/gokando/pkg/minikanren"
)

// machineDisjunctive enforces that two task instances do not overlap in time
// when they are assigned the same physical machine. Machine variables hold
// candidate indexes that are local to each instance, so the constraint keeps
// a table of index pairs that denote the same machine.
//
// Propagation is conditional: until both machine variables are bound the
// constraint is silent, and once they are bound to a shared machine it
// applies detectable-precedence pruning on the start/end bounds. At a search
// leaf every variable is a singleton, so any same-machine overlap is
// rejected there, which keeps the model sound.
type machineDisjunctive struct {
	m1, s1, e1 *mk.FDVariable
	m2, s2, e2 *mk.FDVariable

	// shared maps encoded candidate-index pairs (v1, v2) to true when both
	// sides refer to the same machine.
	shared map[[2]int]bool
}

// newMachineDisjunctive returns a disjunctive constraint for the instance
// pair, or nil when their candidate sets are disjoint and the pair can never
// contend for a machine.
func newMachineDisjunctive(a, b *instanceVars) *machineDisjunctive {
	shared := make(map[[2]int]bool)
	for i, ma := range a.inst.MachineCandidates {
		for j, mb := range b.inst.MachineCandidates {
			if ma == mb {
				shared[[2]int{i + 1, j + 1}] = true
			}
		}
	}
	if len(shared) == 0 {
		return nil
	}
	return &machineDisjunctive{
		m1: a.machine, s1: a.start, e1: a.end,
		m2: b.machine, s2: b.start, e2: b.end,
		shared: shared,
	}
}

// Variables implements ModelConstraint.
func (c *machineDisjunctive) Variables() []*mk.FDVariable {
	return []*mk.FDVariable{c.m1, c.s1, c.e1, c.m2, c.s2, c.e2}
}

// Type implements ModelConstraint.
func (c *machineDisjunctive) Type() string { return "MachineDisjunctive" }

// String implements ModelConstraint.
func (c *machineDisjunctive) String() string {
	return fmt.Sprintf("MachineDisjunctive(v%d/v%d, v%d/v%d)", c.m1.ID(), c.m2.ID(), c.s1.ID(), c.s2.ID())
}

// Propagate implements PropagationConstraint.
func (c *machineDisjunctive) Propagate(solver *mk.Solver, state *mk.SolverState) (*mk.SolverState, error) {
	if solver == nil {
		return nil, fmt.Errorf("MachineDisjunctive.Propagate: nil solver")
	}

	m1Dom := solver.GetDomain(state, c.m1.ID())
	m2Dom := solver.GetDomain(state, c.m2.ID())
	if m1Dom == nil || m2Dom == nil || m1Dom.Count() == 0 || m2Dom.Count() == 0 {
		return nil, fmt.Errorf("MachineDisjunctive: empty machine domain")
	}
	if !m1Dom.IsSingleton() || !m2Dom.IsSingleton() {
		return state, nil
	}
	if !c.shared[[2]int{m1Dom.SingletonValue(), m2Dom.SingletonValue()}] {
		// Distinct machines, no resource contention.
		return state, nil
	}

	s1Dom := solver.GetDomain(state, c.s1.ID())
	e1Dom := solver.GetDomain(state, c.e1.ID())
	s2Dom := solver.GetDomain(state, c.s2.ID())
	e2Dom := solver.GetDomain(state, c.e2.ID())
	for _, d := range []mk.Domain{s1Dom, e1Dom, s2Dom, e2Dom} {
		if d == nil || d.Count() == 0 {
			return nil, fmt.Errorf("MachineDisjunctive: empty interval domain")
		}
	}

	// Intervals are half-open, so "first before second" is end1 <= start2 on
	// the encoded values. An ordering is still reachable iff the earliest
	// possible end fits below the latest possible start.
	firstThenSecond := e1Dom.Min() <= s2Dom.Max()
	secondThenFirst := e2Dom.Min() <= s1Dom.Max()

	switch {
	case firstThenSecond && secondThenFirst:
		return state, nil

	case firstThenSecond:
		return c.enforceBefore(solver, state, e1Dom, s2Dom, c.e1, c.s2)

	case secondThenFirst:
		return c.enforceBefore(solver, state, e2Dom, s1Dom, c.e2, c.s1)

	default:
		return nil, fmt.Errorf("MachineDisjunctive: instances overlap on shared machine")
	}
}

// enforceBefore prunes the bounds for end <= start once only one ordering of
// the pair remains feasible.
func (c *machineDisjunctive) enforceBefore(solver *mk.Solver, state *mk.SolverState, endDom, startDom mk.Domain, end, start *mk.FDVariable) (*mk.SolverState, error) {
	cur := state

	if startDom.Min() < endDom.Min() {
		pruned := startDom.RemoveBelow(endDom.Min())
		if pruned.Count() == 0 {
			return nil, fmt.Errorf("MachineDisjunctive: start domain emptied by ordering")
		}
		cur, _ = solver.SetDomain(cur, start.ID(), pruned)
		startDom = pruned
	}

	if endDom.Max() > startDom.Max() {
		pruned := endDom.RemoveAbove(startDom.Max())
		if pruned.Count() == 0 {
			return nil, fmt.Errorf("MachineDisjunctive: end domain emptied by ordering")
		}
		cur, _ = solver.SetDomain(cur, end.ID(), pruned)
	}

	return cur, nil
}
