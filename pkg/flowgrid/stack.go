package flowgrid

import (
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/flowgrid/flowgrid/pkg/cfn"
	"github.com/flowgrid/flowgrid/pkg/closer"
	"github.com/flowgrid/flowgrid/pkg/topology"
)

// StackData is the observed state of one deployment stack.
type StackData struct {
	cfn.StackData
	Role topology.Role
}

// stack couples one composed stack definition with its
// CloudFormation counterpart.
type stack struct {
	name  string
	role  topology.Role
	def   *topology.StackDefinition
	d     *Deployer
	stack *cfn.Stack

	planned   bool
	hasChange bool
	updated   bool
}

func newStack(d *Deployer, def *topology.StackDefinition) (*stack, error) {
	cfnStack, err := cfn.NewStack(d.aws.cfnconn, def.Name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read stack %s", def.Name)
	}
	s := &stack{
		name:  def.Name,
		role:  def.Role,
		def:   def,
		d:     d,
		stack: cfnStack,
	}
	return s, nil
}

func (s *stack) stackData() *StackData {
	return s.newStackData(s.stack.Data())
}

func (s *stack) newStackData(data *cfn.StackData) *StackData {
	if data == nil {
		return nil
	}
	return &StackData{
		Role:      s.role,
		StackData: *data,
	}
}

func (s *stack) newChangeSetName() string {
	return fmt.Sprintf("%s-%s-%s", s.name, s.d.aws.sessionName, time.Now().Format("20060102030405"))
}

// plan creates a change set for the rendered stack data and
// waits until it is computed.
func (s *stack) plan(stackData *StackData) (*cfn.ChangeSet, error) {
	csData := &cfn.ChangeSetData{
		Name:      s.newChangeSetName(),
		StackData: &stackData.StackData,
		IsNew:     !s.stack.Data().Exists() || s.stack.Data().IsReviewInProgress(),
	}

	cs, err := cfn.CreateChangeSet(s.d.aws.cfnconn, csData)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot create change set (%s)", csData.Name)
	}

	cl := closer.New()

	cs.Wait(cfn.ChangeSetWaitConfig{
		Callback: func(csData *cfn.ChangeSetData) (bool, error) {
			s.d.emit(csData)
			if csData.IsFailed() {
				return false, errors.Errorf("cannot create change set: %s", csData.StatusReason)
			} else if csData.IsInProgress() {
				return true, nil
			}
			return false, nil
		},
		Closer:       cl,
		CloseOnError: true,
		CloseOnEnd:   true,
	})

	err = errors.Trace(cl.Wait())

	return cs, err
}

// trackUpdates streams stack state changes and events to the
// deployer's event handler until fn declines another round.
func (s *stack) trackUpdates(fn func(stack *cfn.StackData) (bool, error)) *closer.Closer {
	cl := closer.New()

	s.stack.Wait(cfn.StackWaitConfig{
		Callback: func(stack *cfn.StackData) (bool, error) {
			retry, err := fn(stack)
			if retry {
				s.d.emit(s.newStackData(stack))
			}
			return retry, errors.Trace(err)
		},
		Closer:       cl,
		CloseOnError: true,
		CloseOnEnd:   true,
	})

	se, err := cfn.NewStackEvents(s.d.aws.cfnconn, s.name)
	if err != nil {
		return cl
	}

	se.Wait(cfn.StackEventsWaitConfig{
		Callback: func(stackEvent *cfn.StackEventData) (bool, error) {
			s.d.emit(stackEvent)
			return true, nil
		},
		Closer: cl,
	})

	return cl
}

func (s *stack) getChangeSet(csData *cfn.ChangeSetData) (*cfn.ChangeSet, error) {
	cs, err := cfn.NewChangeSet(s.d.aws.cfnconn, csData)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cs, nil
}

func (s *stack) execute(csData *cfn.ChangeSetData) (err error) {
	cs, err := cfn.NewChangeSet(s.d.aws.cfnconn, csData)
	if err != nil {
		return errors.Trace(err)
	}

	if err = cs.Execute(); err != nil {
		return errors.Annotatef(err, "cannot execute change set '%s'", csData.Name)
	}

	cl := s.trackUpdates(func(stack *cfn.StackData) (bool, error) {
		if stack.IsInProgress() {
			return true, nil
		} else if stack.IsComplete() && !stack.IsRollback() {
			return false, nil
		}
		return false, errors.Errorf("stack '%s' has invalid status '%s'", stack.Name, stack.Status)
	})

	return errors.Trace(cl.Wait())
}

func (s *stack) destroy() error {
	err := s.stack.Destroy()
	if err != nil {
		return errors.Annotatef(err, "cannot destroy stack '%s'", s.name)
	}

	cl := s.trackUpdates(func(stack *cfn.StackData) (bool, error) {
		if stack.IsInProgress() {
			return true, nil
		} else if !stack.Exists() {
			return false, nil
		}
		return false, errors.Errorf("stack '%s' has invalid status '%s'", stack.Name, stack.Status)
	})

	return errors.Trace(cl.Wait())
}
