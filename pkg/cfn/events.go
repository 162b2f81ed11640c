package cfn

import (
	"strings"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"

	"github.com/flowgrid/flowgrid/pkg/closer"
)

const stackEventsWaitInterval = 2 * time.Second

// StackEventData is a single stack event.
type StackEventData struct {
	EventID              string
	LogicalResourceID    string
	PhysicalResourceID   string
	ResourceProperties   string
	ResourceStatus       string
	ResourceStatusReason string
	ResourceType         string
	StackID              string
	StackName            string
}

// IsComplete indicates the resource in the event reached a
// completed state.
func (c StackEventData) IsComplete() bool {
	return strings.HasSuffix(c.ResourceStatus, "_COMPLETE")
}

func newStackEventData(in *cloudformation.StackEvent) *StackEventData {
	return &StackEventData{
		EventID:              aws.StringValue(in.EventId),
		LogicalResourceID:    aws.StringValue(in.LogicalResourceId),
		PhysicalResourceID:   aws.StringValue(in.PhysicalResourceId),
		ResourceProperties:   aws.StringValue(in.ResourceProperties),
		ResourceStatus:       aws.StringValue(in.ResourceStatus),
		ResourceStatusReason: aws.StringValue(in.ResourceStatusReason),
		ResourceType:         aws.StringValue(in.ResourceType),
		StackID:              aws.StringValue(in.StackId),
		StackName:            aws.StringValue(in.StackName),
	}
}

// StackEvents streams events of a single stack. It remembers the
// last seen event and reports only new ones.
type StackEvents struct {
	name string
	last string
	api  cloudformationiface.CloudFormationAPI
}

// NewStackEvents creates a StackEvents positioned after the
// newest currently available event.
func NewStackEvents(api cloudformationiface.CloudFormationAPI, name string) (*StackEvents, error) {
	se := &StackEvents{
		name: name,
		api:  api,
	}
	events, err := se.getEvents()
	if err != nil {
		return nil, errors.Annotatef(err, "cannot initialize stack events")
	}
	if len(events) > 0 {
		se.last = aws.StringValue(events[len(events)-1].EventId)
	}
	return se, nil
}

// getEvents returns all events in chronological order.
func (se *StackEvents) getEvents() ([]*cloudformation.StackEvent, error) {
	in := &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(se.name),
	}
	events := make([]*cloudformation.StackEvent, 0)
	for {
		out, err := se.api.DescribeStackEvents(in)
		if err != nil {
			return nil, errors.Annotatef(err, "DescribeStackEvents failed for stack '%s'", se.name)
		}
		events = append(events, out.StackEvents...)
		if out.NextToken == nil {
			break
		}
		in.NextToken = out.NextToken
	}
	// the API returns newest first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (se *StackEvents) update(config StackEventsWaitConfig) error {
	log.Debugf("starting stack events update for '%s'", se.name)
loop:
	for {
		events, err := se.getEvents()
		if err != nil {
			return errors.Annotatef(err, "cannot read events")
		}
		found := se.last == ""
		for _, e := range events {
			eventID := aws.StringValue(e.EventId)
			if found {
				eventData := newStackEventData(e)
				retry, err := config.Callback(eventData)
				if err != nil {
					return errors.Trace(err)
				} else if !retry {
					break loop
				}
				se.last = eventID
			} else if se.last == eventID {
				found = true
			}
		}
		select {
		case <-time.After(stackEventsWaitInterval):
		case <-config.Closer.Chan():
			return nil
		}
	}
	return nil
}

// StackEventsWaitFunc is called once per new stack event.
// Returning false stops the waiter.
type StackEventsWaitFunc func(*StackEventData) (again bool, err error)

// StackEventsWaitConfig configures a stack events waiter.
type StackEventsWaitConfig struct {
	// Callback is invoked for every new event.
	Callback StackEventsWaitFunc

	// Closer stops the waiter when closed. Depending on
	// CloseOnEnd and CloseOnError the waiter closes it in turn.
	Closer *closer.Closer

	CloseOnEnd   bool
	CloseOnError bool
}

// Wait polls for new stack events in a background goroutine and
// feeds each one to config.Callback. Polling stops when the
// callback declines another round, an error occurs, or the
// Closer is closed.
func (se *StackEvents) Wait(config StackEventsWaitConfig) {
	go func() {
		err := se.update(config)
		if err != nil && config.CloseOnError {
			config.Closer.Close(errors.Trace(err))
			return
		}
		if config.CloseOnEnd {
			config.Closer.Close(nil)
		}
	}()
}
