package flowgrid

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
)

type testEC2API struct {
	ec2iface.EC2API
	describeSubnets func(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error)
}

func (a *testEC2API) DescribeSubnets(in *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
	return a.describeSubnets(in)
}

func TestSubnetLookupGroupsByTier(t *testing.T) {
	require := require.New(t)

	lookup := &subnetLookup{ec2conn: &testEC2API{
		describeSubnets: func(in *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
			require.Len(in.Filters, 1)
			require.Equal("vpc-id", aws.StringValue(in.Filters[0].Name))
			require.Equal("vpc-123", aws.StringValue(in.Filters[0].Values[0]))
			return &ec2.DescribeSubnetsOutput{
				Subnets: []*ec2.Subnet{
					{SubnetId: aws.String("subnet-pub-a"), MapPublicIpOnLaunch: aws.Bool(true)},
					{SubnetId: aws.String("subnet-priv-a"), MapPublicIpOnLaunch: aws.Bool(false)},
					{SubnetId: aws.String("subnet-priv-b")},
				},
			}, nil
		},
	}}

	public, private, err := lookup.Subnets("vpc-123")
	require.NoError(err)
	require.Equal([]string{"subnet-pub-a"}, public)
	require.Equal([]string{"subnet-priv-a", "subnet-priv-b"}, private)
}

func TestSubnetLookupError(t *testing.T) {
	require := require.New(t)

	lookup := &subnetLookup{ec2conn: &testEC2API{
		describeSubnets: func(in *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
			return nil, errors.New("boom")
		},
	}}

	_, _, err := lookup.Subnets("vpc-123")
	require.Error(err)
	require.Contains(err.Error(), "cannot describe subnets of vpc 'vpc-123'")
}
