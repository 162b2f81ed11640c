// Package mock provides an in-memory CloudFormation API for
// tests. Data is seeded through the Add* methods and individual
// API calls can be overridden through the Mock* hooks.
package mock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
)

// CloudFormationAPI is an in-memory CloudFormation API.
type CloudFormationAPI struct {
	cloudformationiface.CloudFormationAPI

	stackEventsLock sync.Mutex
	stackEvents     []*cloudformation.StackEvent

	stacksLock sync.Mutex
	stacks     map[string]*cloudformation.Stack

	changeSetsLock sync.Mutex
	changeSets     map[string]map[string]*cloudformation.DescribeChangeSetOutput

	// PageSize is the page size of returned data.
	PageSize int

	// MockDescribeStackEvents overrides DescribeStackEvents.
	MockDescribeStackEvents func(*cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error)

	// MockDescribeStacks overrides DescribeStacks.
	MockDescribeStacks func(*cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error)

	// MockDescribeChangeSet overrides DescribeChangeSet.
	MockDescribeChangeSet func(*cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error)

	// MockCreateChangeSet overrides CreateChangeSet.
	MockCreateChangeSet func(*cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error)

	// MockExecuteChangeSet overrides ExecuteChangeSet.
	MockExecuteChangeSet func(*cloudformation.ExecuteChangeSetInput) (*cloudformation.ExecuteChangeSetOutput, error)

	// MockDeleteStack overrides DeleteStack.
	MockDeleteStack func(*cloudformation.DeleteStackInput) (*cloudformation.DeleteStackOutput, error)

	// MockUpdateTerminationProtection overrides
	// UpdateTerminationProtection.
	MockUpdateTerminationProtection func(*cloudformation.UpdateTerminationProtectionInput) (*cloudformation.UpdateTerminationProtectionOutput, error)
}

// NewCloudFormationAPI creates a new in-memory CloudFormation
// API.
func NewCloudFormationAPI() *CloudFormationAPI {
	return &CloudFormationAPI{
		PageSize:   10,
		stacks:     make(map[string]*cloudformation.Stack),
		changeSets: make(map[string]map[string]*cloudformation.DescribeChangeSetOutput),
	}
}

// DescribeStackEvents returns the seeded events of the requested
// stack, newest first, in pages of PageSize.
func (c *CloudFormationAPI) DescribeStackEvents(in *cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error) {
	if c.MockDescribeStackEvents != nil {
		return c.MockDescribeStackEvents(in)
	}
	c.stackEventsLock.Lock()
	defer c.stackEventsLock.Unlock()
	var stackEvents []*cloudformation.StackEvent
	if in.StackName != nil {
		for _, e := range c.stackEvents {
			if strPtrCmp(e.StackName, in.StackName) || strPtrCmp(e.StackId, in.StackName) {
				stackEvents = append(stackEvents, e)
			}
		}
	} else {
		stackEvents = c.stackEvents
	}

	out := &cloudformation.DescribeStackEventsOutput{}

	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(aws.StringValue(in.NextToken))
	}
	if start+c.PageSize < len(stackEvents) {
		out.NextToken = aws.String(fmt.Sprintf("%d", start+c.PageSize))
		out.StackEvents = stackEvents[start : start+c.PageSize]
	} else if start < len(stackEvents) {
		out.StackEvents = stackEvents[start:]
	}
	return out, nil
}

// AddStackEvents seeds stack events. New events are prepended so
// they come out newest first, the way the real API does.
func (c *CloudFormationAPI) AddStackEvents(stackEvents []*cloudformation.StackEvent) {
	c.stackEventsLock.Lock()
	defer c.stackEventsLock.Unlock()
	c.stackEvents = append(stackEvents, c.stackEvents...)
}

func strPtrCmp(a, b *string) bool {
	if b == nil {
		return true
	} else if a == nil {
		return false
	}
	return *a == *b
}

func stackEventCmp(a, b *cloudformation.StackEvent) bool {
	return strPtrCmp(a.EventId, b.EventId) &&
		strPtrCmp(a.LogicalResourceId, b.LogicalResourceId) &&
		strPtrCmp(a.ResourceType, b.ResourceType) &&
		strPtrCmp(a.StackName, b.StackName)
}

// RemoveStackEvents removes previously seeded stack events.
func (c *CloudFormationAPI) RemoveStackEvents(stackEvents []*cloudformation.StackEvent) {
	c.stackEventsLock.Lock()
	defer c.stackEventsLock.Unlock()
	for _, e1 := range stackEvents {
		for k, e2 := range c.stackEvents {
			if stackEventCmp(e2, e1) {
				c.stackEvents = append(c.stackEvents[:k], c.stackEvents[k+1:]...)
			}
		}
	}
}

// AddStacks seeds stacks.
func (c *CloudFormationAPI) AddStacks(stacks []*cloudformation.Stack) {
	c.stacksLock.Lock()
	defer c.stacksLock.Unlock()
	for _, s := range stacks {
		c.stacks[aws.StringValue(s.StackName)] = s
	}
}

// DescribeStacks returns the seeded stack with the requested
// name, or a ValidationError the way the real API reports a
// missing stack.
func (c *CloudFormationAPI) DescribeStacks(in *cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
	if c.MockDescribeStacks != nil {
		return c.MockDescribeStacks(in)
	}
	if in.StackName != nil {
		c.stacksLock.Lock()
		defer c.stacksLock.Unlock()
		stackName := normalizeStackName(aws.StringValue(in.StackName))
		stack := c.stacks[stackName]
		if stack == nil {
			return nil, awserr.New("ValidationError", fmt.Sprintf("Stack with id %s does not exist", stackName), nil)
		}
		return &cloudformation.DescribeStacksOutput{
			Stacks: []*cloudformation.Stack{stack},
		}, nil
	}
	return nil, fmt.Errorf("mock is not implemented")
}

func normalizeStackName(name string) string {
	stackARN, err := arn.Parse(name)
	if err == nil {
		name = strings.Split(strings.TrimPrefix(stackARN.Resource, "stack/"), "/")[0]
	}
	return name
}

// splitChangeSetName resolves a change set reference that may be
// either a plain name or an ARN of the form
// 'changeSet/{name}/{stackName}'. The stack name part is empty
// for plain names.
func splitChangeSetName(name string) (csName, stackName string) {
	changeSetARN, err := arn.Parse(name)
	if err != nil {
		return name, ""
	}
	parts := strings.Split(changeSetARN.Resource, "/")
	if len(parts) > 1 {
		csName = parts[1]
	}
	if len(parts) > 2 {
		stackName = parts[2]
	}
	return csName, stackName
}

func (c *CloudFormationAPI) getStack(name string) *cloudformation.Stack {
	return c.stacks[normalizeStackName(name)]
}

// DeleteStack removes the seeded stack. Deleting a stack that
// does not exist is not an error.
func (c *CloudFormationAPI) DeleteStack(in *cloudformation.DeleteStackInput) (*cloudformation.DeleteStackOutput, error) {
	if c.MockDeleteStack != nil {
		return c.MockDeleteStack(in)
	}
	c.stacksLock.Lock()
	defer c.stacksLock.Unlock()
	stack := c.getStack(aws.StringValue(in.StackName))
	if stack == nil {
		return nil, nil
	}
	delete(c.stacks, aws.StringValue(stack.StackName))
	return &cloudformation.DeleteStackOutput{}, nil
}

// UpdateTerminationProtection toggles the flag on the seeded
// stack.
func (c *CloudFormationAPI) UpdateTerminationProtection(in *cloudformation.UpdateTerminationProtectionInput) (*cloudformation.UpdateTerminationProtectionOutput, error) {
	if c.MockUpdateTerminationProtection != nil {
		return c.MockUpdateTerminationProtection(in)
	}
	c.stacksLock.Lock()
	defer c.stacksLock.Unlock()
	stack := c.getStack(aws.StringValue(in.StackName))
	if stack == nil {
		return nil, awserr.New("ValidationError", fmt.Sprintf("Stack with id %s does not exist", aws.StringValue(in.StackName)), nil)
	}
	stack.EnableTerminationProtection = in.EnableTerminationProtection
	return &cloudformation.UpdateTerminationProtectionOutput{StackId: stack.StackId}, nil
}

// AddChangeSets seeds change sets.
func (c *CloudFormationAPI) AddChangeSets(changeSets []*cloudformation.DescribeChangeSetOutput) {
	c.changeSetsLock.Lock()
	defer c.changeSetsLock.Unlock()
	for _, cs := range changeSets {
		stackName := aws.StringValue(cs.StackName)
		csName := aws.StringValue(cs.ChangeSetName)
		if _, ok := c.changeSets[stackName]; !ok {
			c.changeSets[stackName] = make(map[string]*cloudformation.DescribeChangeSetOutput)
		}
		c.changeSets[stackName][csName] = cs
	}
}

// DescribeChangeSet returns the seeded change set, with changes
// paged in pages of PageSize.
func (c *CloudFormationAPI) DescribeChangeSet(in *cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error) {
	if c.MockDescribeChangeSet != nil {
		return c.MockDescribeChangeSet(in)
	}
	stackName := normalizeStackName(aws.StringValue(in.StackName))
	csName, arnStackName := splitChangeSetName(aws.StringValue(in.ChangeSetName))
	if stackName == "" {
		stackName = arnStackName
	}

	c.changeSetsLock.Lock()
	defer c.changeSetsLock.Unlock()

	css, ok := c.changeSets[stackName]
	if !ok {
		return nil, awserr.New("ValidationError", fmt.Sprintf("Stack [%s] does not exist", stackName), nil)
	}
	cs, ok := css[csName]
	if !ok {
		return nil, awserr.New("ChangeSetNotFound", fmt.Sprintf("ChangeSet [%s] does not exist", csName), nil)
	}
	out := *cs
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(aws.StringValue(in.NextToken))
	}
	if start+c.PageSize < len(out.Changes) {
		out.NextToken = aws.String(fmt.Sprintf("%d", start+c.PageSize))
		out.Changes = cs.Changes[start : start+c.PageSize]
	} else if start < len(out.Changes) {
		out.Changes = cs.Changes[start:]
	}
	return &out, nil
}

// CreateChangeSet records a change set in CREATE_COMPLETE state
// and returns its synthetic ARN.
func (c *CloudFormationAPI) CreateChangeSet(in *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error) {
	if c.MockCreateChangeSet != nil {
		return c.MockCreateChangeSet(in)
	}
	stackName := normalizeStackName(aws.StringValue(in.StackName))
	csName := aws.StringValue(in.ChangeSetName)
	id := fmt.Sprintf("arn:aws:cloudformation:eu-west-1:111111111111:changeSet/%s/%s", csName, stackName)

	c.AddChangeSets([]*cloudformation.DescribeChangeSetOutput{{
		ChangeSetId:     aws.String(id),
		ChangeSetName:   aws.String(csName),
		StackName:       aws.String(stackName),
		Status:          aws.String(cloudformation.ChangeSetStatusCreateComplete),
		ExecutionStatus: aws.String(cloudformation.ExecutionStatusAvailable),
		Parameters:      in.Parameters,
		Tags:            in.Tags,
		Changes:         changesFromTemplate(aws.StringValue(in.TemplateBody)),
	}})
	return &cloudformation.CreateChangeSetOutput{Id: aws.String(id)}, nil
}

// changesFromTemplate derives one Add change per resource of the
// template body, in logical ID order.
func changesFromTemplate(body string) []*cloudformation.Change {
	if body == "" {
		return nil
	}
	var tpl struct {
		Resources map[string]struct {
			Type string
		}
	}
	if err := json.Unmarshal([]byte(body), &tpl); err != nil {
		return nil
	}
	ids := make([]string, 0, len(tpl.Resources))
	for id := range tpl.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	changes := make([]*cloudformation.Change, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, &cloudformation.Change{
			Type: aws.String("Resource"),
			ResourceChange: &cloudformation.ResourceChange{
				Action:            aws.String(cloudformation.ChangeActionAdd),
				LogicalResourceId: aws.String(id),
				ResourceType:      aws.String(tpl.Resources[id].Type),
			},
		})
	}
	return changes
}

// ExecuteChangeSet marks the seeded stack CREATE_COMPLETE, or
// creates it when it does not exist yet.
func (c *CloudFormationAPI) ExecuteChangeSet(in *cloudformation.ExecuteChangeSetInput) (*cloudformation.ExecuteChangeSetOutput, error) {
	if c.MockExecuteChangeSet != nil {
		return c.MockExecuteChangeSet(in)
	}
	csName, arnStackName := splitChangeSetName(aws.StringValue(in.ChangeSetName))
	stackName := normalizeStackName(aws.StringValue(in.StackName))
	if stackName == "" {
		stackName = arnStackName
	}

	c.changeSetsLock.Lock()
	css, ok := c.changeSets[stackName]
	if ok {
		_, ok = css[csName]
	}
	c.changeSetsLock.Unlock()
	if !ok {
		return nil, awserr.New("ChangeSetNotFound", fmt.Sprintf("ChangeSet [%s] does not exist", csName), nil)
	}

	c.stacksLock.Lock()
	defer c.stacksLock.Unlock()
	stack := c.stacks[stackName]
	if stack == nil {
		stack = &cloudformation.Stack{StackName: aws.String(stackName)}
		c.stacks[stackName] = stack
	}
	stack.StackStatus = aws.String(cloudformation.StackStatusCreateComplete)
	return &cloudformation.ExecuteChangeSetOutput{}, nil
}
