package cfn

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudformation"

	"github.com/flowgrid/flowgrid/pkg/cfn/mock"
)

func TestChangeSet_NewChangeSet_basic(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	csName := "flowgrid-deploy"
	api := mock.NewCloudFormationAPI()
	api.AddChangeSets([]*cloudformation.DescribeChangeSetOutput{{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(csName),
		Status:        aws.String(cloudformation.ChangeSetStatusCreateComplete),
	}})

	csData := &ChangeSetData{
		Name: csName,
		StackData: &StackData{
			Name: name,
		},
	}

	cs, err := NewChangeSet(api, csData)
	require.Nil(err)
	require.NotNil(cs)

	data := cs.Data()
	require.Equal(csName, data.Name)
	require.Equal(name, data.StackData.Name)
	require.Equal(cloudformation.ChangeSetStatusCreateComplete, data.Status)
}

func TestChangeSet_NewChangeSet_missingNames(t *testing.T) {
	require := require.New(t)

	api := mock.NewCloudFormationAPI()

	csData := &ChangeSetData{
		StackData: &StackData{
			Name: "flowgrid-dev-network",
		},
	}

	cs, err := NewChangeSet(api, csData)
	require.NotNil(err)
	require.Nil(cs)
}

func TestChangeSet_NewChangeSet_error(t *testing.T) {
	require := require.New(t)

	experr := fmt.Errorf("error")
	api := mock.NewCloudFormationAPI()
	api.MockDescribeChangeSet = func(in *cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error) {
		return nil, experr
	}

	csData := &ChangeSetData{
		Name: "flowgrid-deploy",
		StackData: &StackData{
			Name: "flowgrid-dev-network",
		},
	}

	cs, err := NewChangeSet(api, csData)
	require.NotNil(err)
	require.Nil(cs)
	require.Equal(experr, err.(*errors.Err).Cause())
}

func TestChangeSet_CreateChangeSet_types(t *testing.T) {
	require := require.New(t)

	api := mock.NewCloudFormationAPI()

	var gotType string
	api.MockCreateChangeSet = func(in *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error) {
		gotType = aws.StringValue(in.ChangeSetType)
		return &cloudformation.CreateChangeSetOutput{Id: aws.String("cs-id")}, nil
	}

	csData := &ChangeSetData{
		Name:  "flowgrid-deploy",
		IsNew: true,
		StackData: &StackData{
			Name:         "flowgrid-dev-network",
			TemplateBody: `{"Resources":{}}`,
		},
	}
	cs, err := CreateChangeSet(api, csData)
	require.Nil(err)
	require.NotNil(cs)
	require.Equal(cloudformation.ChangeSetTypeCreate, gotType)

	csData.IsNew = false
	_, err = CreateChangeSet(api, csData)
	require.Nil(err)
	require.Equal(cloudformation.ChangeSetTypeUpdate, gotType)
}

func TestChangeSet_update_paging(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-compute"
	csName := "flowgrid-deploy"
	api := mock.NewCloudFormationAPI()
	api.PageSize = 2

	changes := make([]*cloudformation.Change, 0, 5)
	for i := 0; i < 5; i++ {
		changes = append(changes, &cloudformation.Change{
			ResourceChange: &cloudformation.ResourceChange{
				LogicalResourceId: aws.String(fmt.Sprintf("Resource%d", i)),
			},
		})
	}
	api.AddChangeSets([]*cloudformation.DescribeChangeSetOutput{{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(csName),
		Status:        aws.String(cloudformation.ChangeSetStatusCreateComplete),
		Changes:       changes,
	}})

	cs, err := NewChangeSet(api, &ChangeSetData{
		Name:      csName,
		StackData: &StackData{Name: name},
	})
	require.Nil(err)

	data := cs.Data()
	require.Len(data.Changes, 5)
	for i, change := range data.Changes {
		require.Equal(fmt.Sprintf("Resource%d", i), aws.StringValue(change.LogicalResourceId))
	}
}

func TestChangeSet_Execute(t *testing.T) {
	require := require.New(t)

	name := "flowgrid-dev-network"
	csName := "flowgrid-deploy"
	api := mock.NewCloudFormationAPI()
	api.AddChangeSets([]*cloudformation.DescribeChangeSetOutput{{
		StackName:       aws.String(name),
		ChangeSetName:   aws.String(csName),
		Status:          aws.String(cloudformation.ChangeSetStatusCreateComplete),
		ExecutionStatus: aws.String(cloudformation.ExecutionStatusAvailable),
	}})

	cs, err := NewChangeSet(api, &ChangeSetData{
		Name:      csName,
		StackData: &StackData{Name: name},
	})
	require.Nil(err)
	require.True(cs.Data().IsExecutable())

	require.Nil(cs.Execute())

	stack, err := NewStack(api, name)
	require.Nil(err)
	require.Equal(cloudformation.StackStatusCreateComplete, stack.Data().Status)
}

func TestChangeSetData_predicates(t *testing.T) {
	require := require.New(t)

	cd := ChangeSetData{Status: cloudformation.ChangeSetStatusCreatePending}
	require.True(cd.IsInProgress())

	cd = ChangeSetData{Status: cloudformation.ChangeSetStatusCreateComplete}
	require.True(cd.IsComplete())
	require.False(cd.IsFailed())

	cd = ChangeSetData{Status: cloudformation.ChangeSetStatusFailed}
	require.True(cd.IsFailed())

	cd = ChangeSetData{
		Status:       cloudformation.ChangeSetStatusFailed,
		StatusReason: noChangesReason,
	}
	require.False(cd.IsFailed())

	cd = ChangeSetData{Status: ChangeSetStatusNotFound}
	require.False(cd.Exists())

	cd = ChangeSetData{ExecutionStatus: cloudformation.ExecutionStatusAvailable}
	require.True(cd.IsExecutable())
}
