package flowgrid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/aws/aws-sdk-go/aws/arn"

	"github.com/flowgrid/flowgrid/pkg/cfn"
)

// DiffString tracks the change of a single string value.
type DiffString struct {
	old, new string
}

// String returns the string representation of the diff.
func (d DiffString) String() string {
	if d.IsEqual() {
		return strconv.Quote(d.old)
	}
	return fmt.Sprintf(`%s => %s`, strconv.Quote(d.old), strconv.Quote(d.new))
}

// IsEqual indicates the underlying strings are equal.
func (d DiffString) IsEqual() bool {
	return d.old == d.new
}

// DiffStringMap is a map of string diffs.
type DiffStringMap map[string]DiffString

// HasChange indicates any of the values in the map changed.
func (d DiffStringMap) HasChange() bool {
	for _, diff := range d {
		if !diff.IsEqual() {
			return true
		}
	}
	return false
}

func newDiffStringMap(src map[string]string, dst map[string]string) DiffStringMap {
	res := make(map[string]DiffString)
	for k, v := range src {
		res[k] = DiffString{old: v}
	}
	for k, v := range dst {
		r, ok := res[k]
		if ok {
			r.new = v
		} else {
			r = DiffString{new: v}
		}
		res[k] = r
	}
	return res
}

// Plan is the planned set of changes on one stack.
type Plan struct {
	ID        string
	ChangeSet *cfn.ChangeSetData
	Stack     *StackData

	Parameters DiffStringMap
	Tags       DiffStringMap
	HasChange  bool
}

func newPlan(cs *cfn.ChangeSetData, stack *StackData) (*Plan, error) {
	csARN, err := arn.Parse(cs.ID)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot parse change set id '%s'", cs.ID)
	}

	p := &Plan{
		ID:         strings.TrimPrefix(csARN.Resource, "changeSet/"),
		ChangeSet:  cs,
		Stack:      stack,
		Parameters: newDiffStringMap(stack.Parameters, cs.StackData.Parameters),
		Tags:       newDiffStringMap(stack.Tags, cs.StackData.Tags),
	}
	p.HasChange = len(cs.Changes) > 0 || p.Parameters.HasChange() || p.Tags.HasChange()

	return p, nil
}
