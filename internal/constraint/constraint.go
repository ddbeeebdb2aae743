// Package constraint implements the predicates the job manager evaluates
// against in-flight jobs to collapse duplicate submissions.
package constraint

import (
	"strings"

	"github.com/ChuLiYu/candlepin-async/internal/jobdata"
	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// UniqueSnapshot is the constraint snapshot name under which a job's unique
// constraint key/value pairs are persisted
const UniqueSnapshot = "unique"

// JobConstraint tests an inbound job against the existing non-terminal jobs
// and returns the ones it collides with
type JobConstraint interface {
	Test(inbound *types.JobStatus, existing []*types.JobStatus) ([]*types.JobStatus, error)
}

// Func adapts a plain function to JobConstraint
type Func func(inbound *types.JobStatus, existing []*types.JobStatus) ([]*types.JobStatus, error)

// Test implements JobConstraint
func (f Func) Test(inbound *types.JobStatus, existing []*types.JobStatus) ([]*types.JobStatus, error) {
	if err := validate(inbound, existing); err != nil {
		return nil, err
	}
	return f(inbound, existing)
}

func validate(inbound *types.JobStatus, existing []*types.JobStatus) error {
	if inbound == nil {
		return joberr.InvalidArgument("inbound job is null")
	}
	if existing == nil {
		return joberr.InvalidArgument("existing jobs collection is null")
	}
	for i, job := range existing {
		if job == nil {
			return joberr.InvalidArgument("existing jobs collection contains a null element at index %d", i)
		}
	}
	return nil
}

// valueReader extracts the compared value for one parameter of a job
type valueReader func(job *types.JobStatus, param string) (any, bool)

// matcher collides jobs whose values for every parameter are present on both
// sides and canonically equal
type matcher struct {
	params []string
	read   valueReader
}

func (m *matcher) Test(inbound *types.JobStatus, existing []*types.JobStatus) ([]*types.JobStatus, error) {
	if err := validate(inbound, existing); err != nil {
		return nil, err
	}

	wanted := make([]string, len(m.params))
	for i, param := range m.params {
		v, ok := m.read(inbound, param)
		if !ok {
			// an inbound job without the value can't collide with anything
			return nil, nil
		}
		s, err := jobdata.CanonicalString(v)
		if err != nil {
			return nil, err
		}
		wanted[i] = s
	}

	var colliding []*types.JobStatus
	for _, job := range existing {
		if job.ID != "" && job.ID == inbound.ID {
			continue
		}
		if m.matches(job, wanted) {
			colliding = append(colliding, job)
		}
	}
	return colliding, nil
}

func (m *matcher) matches(job *types.JobStatus, wanted []string) bool {
	for i, param := range m.params {
		v, ok := m.read(job, param)
		if !ok {
			return false
		}
		s, err := jobdata.CanonicalString(v)
		if err != nil || s != wanted[i] {
			return false
		}
	}
	return true
}

func readArgument(job *types.JobStatus, param string) (any, bool) {
	return job.Arguments.Get(param)
}

func readUniqueSnapshot(job *types.JobStatus, key string) (any, bool) {
	return job.ConstraintValue(UniqueSnapshot, key)
}

func checkParams(params []string) ([]string, error) {
	if len(params) == 0 {
		return nil, joberr.InvalidArgument("no parameters provided")
	}
	out := make([]string, 0, len(params))
	for _, p := range params {
		if strings.TrimSpace(p) == "" {
			return nil, joberr.InvalidArgument("parameter name is null or empty")
		}
		out = append(out, p)
	}
	return out, nil
}

// UniqueByArgument collides with any existing job holding the same values for
// every named argument. Jobs missing one of the arguments never collide.
func UniqueByArgument(params ...string) (JobConstraint, error) {
	checked, err := checkParams(params)
	if err != nil {
		return nil, err
	}
	return &matcher{params: checked, read: readArgument}, nil
}

// UniqueByValue collides on the unique constraint snapshot recorded by the
// job builder for each of the given keys
func UniqueByValue(keys ...string) (JobConstraint, error) {
	checked, err := checkParams(keys)
	if err != nil {
		return nil, err
	}
	return &matcher{params: checked, read: readUniqueSnapshot}, nil
}

// Evaluate runs every constraint and returns the union of colliding jobs in
// order of first appearance
func Evaluate(constraints []JobConstraint, inbound *types.JobStatus, existing []*types.JobStatus) ([]*types.JobStatus, error) {
	if err := validate(inbound, existing); err != nil {
		return nil, err
	}

	seen := make(map[*types.JobStatus]bool)
	var out []*types.JobStatus
	for _, c := range constraints {
		if c == nil {
			continue
		}
		colliding, err := c.Test(inbound, existing)
		if err != nil {
			return nil, err
		}
		for _, job := range colliding {
			if !seen[job] {
				seen[job] = true
				out = append(out, job)
			}
		}
	}
	return out, nil
}
