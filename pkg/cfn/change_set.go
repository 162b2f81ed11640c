package cfn

import (
	"time"

	"github.com/juju/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"

	"github.com/flowgrid/flowgrid/pkg/closer"
)

// ChangeSetStatusNotFound is the synthetic status of a change set
// that does not exist.
const ChangeSetStatusNotFound = "CHANGE_SET_NOT_FOUND"

// noChangesReason is the status reason CloudFormation sets on a
// change set that failed because the template had no changes.
const noChangesReason = `The submitted information didn't contain changes. Submit different information to create a change set.`

// ChangeSetData is the observed state of a change set.
type ChangeSetData struct {
	ID              string
	Name            string
	Status          string
	StatusReason    string
	ExecutionStatus string
	StackData       *StackData

	// IsNew requests a CREATE change set instead of UPDATE.
	IsNew bool

	Changes []*cloudformation.ResourceChange
}

// IsInProgress indicates the change set is still being computed.
func (c ChangeSetData) IsInProgress() bool {
	return c.Status == cloudformation.ChangeSetStatusCreatePending ||
		c.Status == cloudformation.ChangeSetStatusCreateInProgress
}

// IsComplete indicates the change set is ready.
func (c ChangeSetData) IsComplete() bool {
	return c.Status == cloudformation.ChangeSetStatusCreateComplete
}

// IsFailed indicates the change set failed. A change set that
// failed only because the template contains no changes does not
// count as failed.
func (c ChangeSetData) IsFailed() bool {
	if c.Status == cloudformation.ChangeSetStatusFailed && c.StatusReason == noChangesReason {
		return false
	}
	return c.Status == cloudformation.ChangeSetStatusFailed
}

// Exists indicates the change set exists.
func (c ChangeSetData) Exists() bool {
	return c.Status != ChangeSetStatusNotFound
}

// IsExecutable indicates the change set can be executed.
func (c ChangeSetData) IsExecutable() bool {
	return c.ExecutionStatus == cloudformation.ExecutionStatusAvailable
}

// ChangeSet tracks a single CloudFormation change set.
type ChangeSet struct {
	id        string
	name      string
	stackName string
	api       cloudformationiface.CloudFormationAPI
	data      *ChangeSetData
}

func (cs *ChangeSet) newChangeSetData(in *cloudformation.DescribeChangeSetOutput) *ChangeSetData {
	if in == nil {
		return &ChangeSetData{
			ID:        cs.id,
			Name:      cs.name,
			Status:    ChangeSetStatusNotFound,
			StackData: &StackData{Name: cs.stackName},
		}
	}
	c := &ChangeSetData{
		ID:              aws.StringValue(in.ChangeSetId),
		Name:            aws.StringValue(in.ChangeSetName),
		ExecutionStatus: aws.StringValue(in.ExecutionStatus),
		Status:          aws.StringValue(in.Status),
		StatusReason:    aws.StringValue(in.StatusReason),
		StackData:       &StackData{},
		Changes:         make([]*cloudformation.ResourceChange, 0, len(in.Changes)),
	}

	for _, change := range in.Changes {
		c.Changes = append(c.Changes, change.ResourceChange)
	}

	c.StackData.unmarshalDescribeChangeSetOutput(in)

	return c
}

// NewChangeSet tracks an existing change set. Either the ID or
// the pair of change set and stack names must be set in csData.
func NewChangeSet(api cloudformationiface.CloudFormationAPI, csData *ChangeSetData) (*ChangeSet, error) {
	if csData.ID == "" && (csData.Name == "" || csData.StackData == nil) {
		return nil, errors.Errorf("neither change set id nor change set and stack names are set")
	}
	cs := &ChangeSet{
		api:  api,
		data: csData,
		id:   csData.ID,
		name: csData.Name,
	}
	if csData.StackData != nil {
		cs.stackName = csData.StackData.Name
	}
	if err := cs.updateOnce(); err != nil {
		return nil, errors.Trace(err)
	}
	return cs, nil
}

// CreateChangeSet creates the change set described by csData.
func CreateChangeSet(api cloudformationiface.CloudFormationAPI, csData *ChangeSetData) (*ChangeSet, error) {
	cs := &ChangeSet{
		api:       api,
		name:      csData.Name,
		stackName: csData.StackData.Name,
	}
	in := &cloudformation.CreateChangeSetInput{}
	csData.StackData.marshalCreateChangeSetInput(in)

	if csData.IsNew {
		in.ChangeSetType = aws.String(cloudformation.ChangeSetTypeCreate)
	} else {
		in.ChangeSetType = aws.String(cloudformation.ChangeSetTypeUpdate)
	}

	in.ChangeSetName = aws.String(csData.Name)
	out, err := api.CreateChangeSet(in)
	if err != nil {
		return nil, errors.Annotatef(err, "CreateChangeSet failed")
	}

	cs.id = aws.StringValue(out.Id)

	return cs, nil
}

func (cs *ChangeSet) update(config ChangeSetWaitConfig, interval time.Duration) error {
	var (
		csData, newData *ChangeSetData
		err             error
		out             *cloudformation.DescribeChangeSetOutput
		retry           bool
	)
	in := &cloudformation.DescribeChangeSetInput{}
	if cs.id != "" {
		in.ChangeSetName = aws.String(cs.id)
	} else if cs.name != "" && cs.stackName != "" {
		in.ChangeSetName = aws.String(cs.name)
		in.StackName = aws.String(cs.stackName)
	} else {
		return errors.Errorf("neither change set id nor change set and stack names are set")
	}

loop:
	for {
		out, err = cs.api.DescribeChangeSet(in)
		if err != nil {
			if e, ok := err.(awserr.RequestFailure); ok && e.Code() == cloudformation.ErrCodeChangeSetNotFoundException {
				out = nil
			} else {
				err = errors.Annotatef(err, "cannot describe change set (%s)", cs.id)
				break
			}
		}

		newData = cs.newChangeSetData(out)
		if csData != nil {
			// next page of the same change set
			csData.Changes = append(csData.Changes, newData.Changes...)
		} else {
			csData = newData
		}

		retry, err = config.Callback(csData)
		if err != nil {
			err = errors.Trace(err)
			break
		} else if retry {
			select {
			case <-time.After(interval):
			case <-config.Closer.Chan():
				break loop
			}
			csData = nil
			in.NextToken = nil
			continue
		}

		if out == nil || out.NextToken == nil {
			break
		}
		in.NextToken = out.NextToken
	}
	if csData == nil {
		csData = cs.newChangeSetData(nil)
	}
	cs.data = csData
	cs.name = csData.Name

	return err
}

// ChangeSetWaitFunc is called with fresh change set data on every
// poll. Returning false stops the waiter.
type ChangeSetWaitFunc func(*ChangeSetData) (again bool, err error)

// ChangeSetWaitConfig configures a change set waiter.
type ChangeSetWaitConfig struct {
	// Callback is invoked on every state refresh.
	Callback ChangeSetWaitFunc

	// Closer stops the waiter when closed. Depending on
	// CloseOnEnd and CloseOnError the waiter closes it in turn.
	Closer *closer.Closer

	CloseOnEnd   bool
	CloseOnError bool
}

// Wait polls the change set in a background goroutine and feeds
// every refresh to config.Callback. Polling stops when the
// callback declines another round, an error occurs, or the
// Closer is closed.
func (cs *ChangeSet) Wait(config ChangeSetWaitConfig) {
	go func() {
		err := cs.update(config, stackWaitInterval)
		if err != nil && config.CloseOnError {
			config.Closer.Close(errors.Trace(err))
			return
		}
		if config.CloseOnEnd {
			config.Closer.Close(nil)
		}
	}()
}

// Data returns the last read change set state.
func (cs *ChangeSet) Data() *ChangeSetData {
	if cs.data == nil {
		cs.data = cs.newChangeSetData(nil)
	}
	return cs.data
}

// Execute runs the change set against its stack.
func (cs *ChangeSet) Execute() error {
	in := &cloudformation.ExecuteChangeSetInput{}

	if cs.id != "" {
		in.ChangeSetName = aws.String(cs.id)
	} else if cs.name != "" && cs.stackName != "" {
		in.ChangeSetName = aws.String(cs.name)
		in.StackName = aws.String(cs.stackName)
	} else {
		return errors.Errorf("neither change set id nor change set and stack names are set")
	}

	_, err := cs.api.ExecuteChangeSet(in)
	return errors.Trace(err)
}

func (cs *ChangeSet) updateOnce() error {
	return errors.Trace(cs.update(ChangeSetWaitConfig{
		Callback: func(*ChangeSetData) (bool, error) {
			return false, nil
		},
	}, 0))
}
