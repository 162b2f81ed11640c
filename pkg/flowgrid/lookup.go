package flowgrid

import (
	"github.com/juju/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
)

// subnetLookup resolves the subnets of an imported VPC through
// the EC2 API. Subnets that map public IPs on launch count as
// public, everything else as private.
type subnetLookup struct {
	ec2conn ec2iface.EC2API
}

func (l *subnetLookup) Subnets(vpcID string) (public, private []string, err error) {
	in := &ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("vpc-id"),
			Values: []*string{aws.String(vpcID)},
		}},
	}
	out, err := l.ec2conn.DescribeSubnets(in)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "cannot describe subnets of vpc '%s'", vpcID)
	}
	for _, subnet := range out.Subnets {
		if aws.BoolValue(subnet.MapPublicIpOnLaunch) {
			public = append(public, aws.StringValue(subnet.SubnetId))
		} else {
			private = append(private, aws.StringValue(subnet.SubnetId))
		}
	}
	return public, private, nil
}
