package cfn

import (
	"fmt"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudformation"

	"github.com/flowgrid/flowgrid/pkg/cfn/mock"
	"github.com/flowgrid/flowgrid/pkg/closer"
)

func TestStackEvents_getEvents_order(t *testing.T) {
	require := require.New(t)

	n := 42
	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()

	var events []*cloudformation.StackEvent
	for i := 0; i < n; i++ {
		events = append(events, &cloudformation.StackEvent{
			EventId:   aws.String(fmt.Sprintf("%d", i)),
			StackName: aws.String(name),
		})
	}

	api.AddStackEvents(events)

	se := &StackEvents{api: api, name: name}

	res, err := se.getEvents()
	require.Nil(err)
	require.NotNil(res)
	require.Equal(n, len(res))

	for i := 0; i < n; i++ {
		require.Equal(fmt.Sprintf("%d", i), aws.StringValue(res[n-i-1].EventId))
	}
}

func TestStackEvents_getEvents_error(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()
	api.MockDescribeStackEvents = func(*cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error) {
		return nil, fmt.Errorf("the error")
	}

	se := &StackEvents{api: api, name: name}

	res, err := se.getEvents()
	require.NotNil(err)
	require.Nil(res)
}

func TestStackEvents_NewStackEvents_skipsExisting(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()

	var events = [][]*cloudformation.StackEvent{
		{
			{EventId: aws.String("e3"), StackName: aws.String(name)},
			{EventId: aws.String("e2"), StackName: aws.String(name)},
			{EventId: aws.String("e1"), StackName: aws.String(name)},
		},
		{
			{EventId: aws.String("e5"), StackName: aws.String(name)},
			{EventId: aws.String("e4"), StackName: aws.String(name)},
		},
		{
			{EventId: aws.String("e8"), StackName: aws.String(name)},
			{EventId: aws.String("e7"), StackName: aws.String(name)},
			{EventId: aws.String("e6"), StackName: aws.String(name)},
		},
	}

	api.AddStackEvents(events[0])

	se, err := NewStackEvents(api, name)
	require.Nil(err)
	require.NotNil(se)
	require.Equal(se.last, "e3")

	cl := closer.New()
	n := 4

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		cl.Close(se.update(StackEventsWaitConfig{
			Closer: cl,
			Callback: func(d *StackEventData) (bool, error) {
				if d.EventID == "e5" {
					wg.Done()
				}
				require.Equal(fmt.Sprintf("e%d", n), d.EventID)
				n++
				if d.EventID == "e8" {
					return false, nil
				}
				return true, nil
			},
		}))
	}()

	api.AddStackEvents(events[1])
	wg.Wait()
	api.AddStackEvents(events[2])

	cl.Wait()
}

func TestStackEvents_NewStackEvents_error(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()

	experr := fmt.Errorf("error")

	api.MockDescribeStackEvents = func(*cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error) {
		return nil, experr
	}

	se, err := NewStackEvents(api, name)
	require.NotNil(err)
	require.Equal(experr, err.(*errors.Err).Cause())
	require.Nil(se)
}

func TestStackEvents_update_closer(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()

	se, err := NewStackEvents(api, name)
	require.Nil(err)
	require.NotNil(se)
	require.Equal(se.last, "")

	cl := closer.New()

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		se.update(StackEventsWaitConfig{
			Closer: cl,
			Callback: func(d *StackEventData) (bool, error) {
				return true, nil
			},
		})
		wg.Done()
	}()

	err = fmt.Errorf("error")
	cl.Close(err)
	wg.Wait()

	require.Equal(err, cl.Wait())
}

func TestStackEvents_update_callbackError(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()

	se, err := NewStackEvents(api, name)
	require.Nil(err)
	require.NotNil(se)

	experr := fmt.Errorf("error")

	api.AddStackEvents([]*cloudformation.StackEvent{{
		EventId:   aws.String("aa"),
		StackName: aws.String(name),
	}})

	cl := closer.New()
	err = se.update(StackEventsWaitConfig{
		Closer: cl,
		Callback: func(d *StackEventData) (bool, error) {
			return false, experr
		},
	})

	require.Equal(experr, err.(*errors.Err).Cause())
}

func TestStackEvents_Wait_closeOnEnd(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()

	se, err := NewStackEvents(api, name)
	require.Nil(err)
	require.NotNil(se)

	cl := closer.New()
	se.Wait(StackEventsWaitConfig{
		Closer: cl,
		Callback: func(d *StackEventData) (bool, error) {
			return false, nil
		},
		CloseOnEnd: true,
	})

	api.AddStackEvents([]*cloudformation.StackEvent{{
		EventId:   aws.String("aa"),
		StackName: aws.String(name),
	}})

	require.Nil(cl.Wait())
}

func TestStackEvents_Wait_closeOnError(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	api := mock.NewCloudFormationAPI()

	se, err := NewStackEvents(api, name)
	require.Nil(err)
	require.NotNil(se)

	experr := fmt.Errorf("error")

	cl := closer.New()
	se.Wait(StackEventsWaitConfig{
		Closer: cl,
		Callback: func(d *StackEventData) (bool, error) {
			return false, experr
		},
		CloseOnError: true,
	})

	api.AddStackEvents([]*cloudformation.StackEvent{{
		EventId:   aws.String("aa"),
		StackName: aws.String(name),
	}})

	require.Equal(experr, cl.Wait().(*errors.Err).Cause())
}

func TestStackEvents_newStackEventData(t *testing.T) {
	require := require.New(t)

	se := newStackEventData(&cloudformation.StackEvent{
		EventId:              aws.String("event-1"),
		LogicalResourceId:    aws.String("Vpc"),
		PhysicalResourceId:   aws.String("vpc-0123"),
		ResourceProperties:   aws.String("{}"),
		ResourceStatus:       aws.String(cloudformation.ResourceStatusCreateComplete),
		ResourceStatusReason: aws.String("ok"),
		ResourceType:         aws.String("AWS::EC2::VPC"),
		StackId:              aws.String("stack-id"),
		StackName:            aws.String("flowgrid-dev-network"),
	})

	require.Equal("event-1", se.EventID)
	require.Equal("Vpc", se.LogicalResourceID)
	require.Equal("vpc-0123", se.PhysicalResourceID)
	require.Equal("{}", se.ResourceProperties)
	require.Equal(cloudformation.ResourceStatusCreateComplete, se.ResourceStatus)
	require.Equal("ok", se.ResourceStatusReason)
	require.Equal("AWS::EC2::VPC", se.ResourceType)
	require.Equal("stack-id", se.StackID)
	require.Equal("flowgrid-dev-network", se.StackName)
	require.True(se.IsComplete())
}
