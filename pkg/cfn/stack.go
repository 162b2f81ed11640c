// Package cfn wraps the CloudFormation API with polling-based
// primitives for stacks, change sets and event streams. All
// mutation goes through change sets so that every operation can
// be previewed before it is executed.
package cfn

import (
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"

	"github.com/flowgrid/flowgrid/pkg/closer"
)

const stackWaitInterval = 2 * time.Second

// Stack tracks a single CloudFormation stack.
type Stack struct {
	Name string
	data *StackData
	api  cloudformationiface.CloudFormationAPI
}

// NewStack creates a Stack and reads its current state. A stack
// that does not exist yet is not an error; its data reports
// StackStatusNotFound.
func NewStack(api cloudformationiface.CloudFormationAPI, name string) (*Stack, error) {
	stack := &Stack{Name: name, api: api}
	if err := stack.updateOnce(); err != nil {
		return nil, errors.Annotatef(err, "cannot read stack '%s'", name)
	}
	return stack, nil
}

// read fetches the stack, returning nil when it does not exist.
func (s *Stack) read() (*cloudformation.Stack, error) {
	out, err := s.api.DescribeStacks(&cloudformation.DescribeStacksInput{
		StackName: aws.String(s.Name),
	})
	if err != nil {
		if e, ok := err.(awserr.Error); ok && e.Code() == "ValidationError" {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "cannot read stack")
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return out.Stacks[0], nil
}

func (s *Stack) update(config StackWaitConfig, interval time.Duration) error {
	for {
		cfnStack, err := s.read()
		if err != nil {
			return errors.Trace(err)
		}
		s.data = newStackData(s.Name, cfnStack)
		retry, err := config.Callback(s.data)
		if err != nil {
			return errors.Trace(err)
		} else if !retry {
			break
		}
		select {
		case <-time.After(interval):
		case <-config.Closer.Chan():
			return nil
		}
	}
	return nil
}

func (s *Stack) updateOnce() error {
	return errors.Trace(s.update(StackWaitConfig{
		Callback: func(*StackData) (bool, error) {
			return false, nil
		},
	}, 0))
}

// StackWaitFunc is called with fresh stack data on every poll.
// Returning false stops the waiter.
type StackWaitFunc func(*StackData) (again bool, err error)

// StackWaitConfig configures a stack waiter.
type StackWaitConfig struct {
	// Callback is invoked on every state refresh.
	Callback StackWaitFunc

	// Closer stops the waiter when closed. Depending on
	// CloseOnEnd and CloseOnError the waiter closes it in turn.
	Closer *closer.Closer

	CloseOnEnd   bool
	CloseOnError bool
}

// Wait polls the stack in a background goroutine and feeds every
// refresh to config.Callback. Polling stops when the callback
// declines another round, an error occurs, or the Closer is
// closed.
func (s *Stack) Wait(config StackWaitConfig) {
	go func() {
		err := errors.Trace(s.update(config, stackWaitInterval))
		if err != nil && config.CloseOnError {
			config.Closer.Close(errors.Trace(err))
			return
		}
		if config.CloseOnEnd {
			config.Closer.Close(nil)
		}
	}()
}

// Data returns the last read stack state.
func (s *Stack) Data() *StackData {
	if s.data == nil {
		s.data = newStackData(s.Name, nil)
	}
	return s.data
}

// Destroy deletes the stack.
func (s *Stack) Destroy() error {
	_, err := s.api.DeleteStack(&cloudformation.DeleteStackInput{
		StackName: aws.String(s.Name),
	})
	return errors.Annotatef(err, "DeleteStack failed for stack '%s'", s.Name)
}

// StackStatusNotFound is the synthetic status of a stack that
// does not exist.
const StackStatusNotFound = "STACK_NOT_FOUND"

// StackData is the desired or observed state of a stack.
type StackData struct {
	// ID is the physical stack ID, empty when the stack does not
	// exist.
	ID string

	// Name is always set.
	Name         string
	Description  string
	RoleARN      string
	Capabilities []string

	Parameters map[string]string
	Tags       map[string]string

	// Template source, used when creating a change set. When both
	// are empty the previous template is reused.
	TemplateURL  string
	TemplateBody string

	// Observed state, set after reading the stack.
	Status       string
	StatusReason string
	Outputs      map[string]string
}

// IsInProgress indicates an operation is currently running.
func (sd StackData) IsInProgress() bool {
	return strings.HasSuffix(sd.Status, "_IN_PROGRESS")
}

// IsReviewInProgress indicates the stack was created by a change
// set that has not been executed yet.
func (sd StackData) IsReviewInProgress() bool {
	return sd.Status == cloudformation.StackStatusReviewInProgress
}

// IsComplete indicates the last operation completed.
func (sd StackData) IsComplete() bool {
	return strings.HasSuffix(sd.Status, "_COMPLETE")
}

// IsFailed indicates the last operation failed.
func (sd StackData) IsFailed() bool {
	return strings.HasSuffix(sd.Status, "_FAILED")
}

// IsRollback indicates the stack is in a rollback state.
func (sd StackData) IsRollback() bool {
	return strings.Contains(sd.Status, "_ROLLBACK_")
}

// Exists indicates the stack exists.
func (sd StackData) Exists() bool {
	return sd.Status != StackStatusNotFound
}

func newStackData(stackName string, s *cloudformation.Stack) *StackData {
	if s == nil {
		return &StackData{
			Name:   stackName,
			Status: StackStatusNotFound,
		}
	}
	sd := &StackData{}
	sd.unmarshalStack(s)
	return sd
}

func (sd *StackData) unmarshalParameters(params []*cloudformation.Parameter) {
	if sd.Parameters == nil {
		sd.Parameters = make(map[string]string)
	}
	for _, p := range params {
		sd.Parameters[aws.StringValue(p.ParameterKey)] = aws.StringValue(p.ParameterValue)
	}
}

func (sd *StackData) unmarshalTags(tags []*cloudformation.Tag) {
	if sd.Tags == nil {
		sd.Tags = make(map[string]string)
	}
	for _, t := range tags {
		sd.Tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
}

func (sd *StackData) unmarshalStack(s *cloudformation.Stack) {
	sd.RoleARN = aws.StringValue(s.RoleARN)
	sd.Name = aws.StringValue(s.StackName)
	sd.ID = aws.StringValue(s.StackId)
	sd.Status = aws.StringValue(s.StackStatus)
	sd.StatusReason = aws.StringValue(s.StackStatusReason)
	sd.Description = aws.StringValue(s.Description)
	sd.Capabilities = aws.StringValueSlice(s.Capabilities)

	if sd.Outputs == nil {
		sd.Outputs = make(map[string]string)
	}
	for _, o := range s.Outputs {
		sd.Outputs[aws.StringValue(o.OutputKey)] = aws.StringValue(o.OutputValue)
	}

	sd.unmarshalParameters(s.Parameters)
	sd.unmarshalTags(s.Tags)
}

func (sd *StackData) unmarshalDescribeChangeSetOutput(cs *cloudformation.DescribeChangeSetOutput) {
	sd.ID = aws.StringValue(cs.StackId)
	sd.Name = aws.StringValue(cs.StackName)
	sd.Capabilities = aws.StringValueSlice(cs.Capabilities)
	sd.unmarshalParameters(cs.Parameters)
	sd.unmarshalTags(cs.Tags)
}

func (sd StackData) marshalCreateChangeSetInput(in *cloudformation.CreateChangeSetInput) {
	if sd.ID != "" {
		in.StackName = aws.String(sd.ID)
	} else if sd.Name != "" {
		in.StackName = aws.String(sd.Name)
	}
	if sd.RoleARN != "" {
		in.RoleARN = aws.String(sd.RoleARN)
	}
	if sd.Description != "" {
		in.Description = aws.String(sd.Description)
	}
	in.Capabilities = aws.StringSlice(sd.Capabilities)

	for k, v := range sd.Parameters {
		in.Parameters = append(in.Parameters, &cloudformation.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(v),
		})
	}
	for k, v := range sd.Tags {
		in.Tags = append(in.Tags, &cloudformation.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}

	if sd.TemplateURL != "" {
		in.TemplateURL = aws.String(sd.TemplateURL)
	} else if sd.TemplateBody != "" {
		in.TemplateBody = aws.String(sd.TemplateBody)
	} else {
		in.UsePreviousTemplate = aws.Bool(true)
	}
}
