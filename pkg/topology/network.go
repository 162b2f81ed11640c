package topology

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flowgrid/flowgrid/pkg/config"
)

const (
	defaultVpcCidr = "10.0.0.0/16"

	// storagePort is the NFS port of the shared filesystem.
	storagePort = 2049
)

// composeNetwork produces the network stack: an isolated network
// or an imported one, plus the application and storage security
// boundaries used by every downstream stack.
func (c *composer) composeNetwork() (*StackDefinition, NetworkHandle, error) {
	settings := c.env.Settings.Networking
	if settings == nil {
		settings = &config.NetworkingConfig{}
	}

	s := c.newStack(RoleNetwork, "network")
	handle := NetworkHandle{}

	vpcCidr := settings.VpcCidr
	if vpcCidr == "" {
		vpcCidr = defaultVpcCidr
	}
	handle.VpcCidr = vpcCidr

	var err error
	if settings.UseExistingVpc {
		err = c.importNetwork(s, settings, &handle)
	} else {
		err = c.createNetwork(s, settings, vpcCidr, &handle)
	}
	if err != nil {
		return nil, NetworkHandle{}, errors.Trace(err)
	}

	c.addSecurityGroups(s, &handle)

	s.AddOutput("VpcId", handle.VpcID, "VPC ID for the deployment")
	s.AddOutput("SubnetIds", handle.SubnetList, "Workload subnet IDs")
	s.AddOutput("AppSecurityGroupId", Ref("AppSecurityGroup"), "Security group ID for workload tasks")
	s.AddOutput("StorageSecurityGroupId", Ref("StorageSecurityGroup"), "Security group ID for filesystem mount targets")

	// Downstream stacks consume network values through the
	// stack's own outputs rather than raw refs, so the handle
	// points back at them.
	subnetCount := len(handle.Subnets)
	handle.VpcID = s.OutputRef("VpcId")
	handle.SubnetList = s.OutputRef("SubnetIds")
	handle.Subnets = make([]Value, subnetCount)
	for i := 0; i < subnetCount; i++ {
		handle.Subnets[i] = Select(i, Split(",", s.OutputRef("SubnetIds")))
	}
	handle.AppSecurityGroupID = s.OutputRef("AppSecurityGroupId")
	handle.StorageSecurityGroupID = s.OutputRef("StorageSecurityGroupId")

	return s, handle, nil
}

// importNetwork wires an existing network into the handle. The
// network itself is not managed; only the security boundaries are
// created inside it.
func (c *composer) importNetwork(s *StackDefinition, settings *config.NetworkingConfig, handle *NetworkHandle) error {
	if settings.VpcID == "" {
		return errors.NotValidf("networking: vpc_id is required when use_existing_vpc is set")
	}
	handle.VpcID = settings.VpcID
	handle.Imported = true

	subnets := settings.SubnetIDs
	if len(subnets) == 0 {
		if c.lookup == nil {
			return errors.NotValidf("networking: subnet_ids are required when use_existing_vpc is set and no subnet lookup is available")
		}
		public, private, err := c.lookup.Subnets(settings.VpcID)
		if err != nil {
			return errors.Annotatef(err, "cannot look up subnets of vpc '%s'", settings.VpcID)
		}
		// Fall back to whatever public subnets exist, else private.
		if len(public) > 0 {
			subnets = public
		} else {
			subnets = private
		}
		if len(subnets) == 0 {
			return errors.NotValidf("networking: vpc '%s' has no usable subnets", settings.VpcID)
		}
	}

	handle.Subnets = make([]Value, len(subnets))
	joined := ""
	for i, id := range subnets {
		handle.Subnets[i] = id
		if i > 0 {
			joined += ","
		}
		joined += id
	}
	handle.SubnetList = joined
	return nil
}

// createNetwork builds a new network. With NAT gateways the
// workloads are placed in a private tier behind them; without,
// only a public tier exists and workloads are placed there.
func (c *composer) createNetwork(s *StackDefinition, settings *config.NetworkingConfig, vpcCidr string, handle *NetworkHandle) error {
	_, block, err := net.ParseCIDR(vpcCidr)
	if err != nil {
		return errors.NotValidf("networking: vpc_cidr '%s'", vpcCidr)
	}
	ones, _ := block.Mask.Size()
	if ones > 24 {
		return errors.NotValidf("networking: vpc_cidr '%s' is too small for /24 subnet tiers", vpcCidr)
	}
	newBits := 24 - ones

	azCount := c.availabilityZoneCount(settings)
	natCount := settings.NatGateways
	if natCount > azCount {
		natCount = azCount
	}

	s.mustResource("Vpc", Resource{
		Type: "AWS::EC2::VPC",
		Properties: map[string]interface{}{
			"CidrBlock":          vpcCidr,
			"EnableDnsSupport":   true,
			"EnableDnsHostnames": true,
			"Tags":               nameTag(c.resourceName("vpc")),
		},
	})
	s.mustResource("InternetGateway", Resource{
		Type: "AWS::EC2::InternetGateway",
		Properties: map[string]interface{}{
			"Tags": nameTag(c.resourceName("igw")),
		},
	})
	s.mustResource("GatewayAttachment", Resource{
		Type: "AWS::EC2::VPCGatewayAttachment",
		Properties: map[string]interface{}{
			"VpcId":             Ref("Vpc"),
			"InternetGatewayId": Ref("InternetGateway"),
		},
	})

	s.mustResource("PublicRouteTable", Resource{
		Type: "AWS::EC2::RouteTable",
		Properties: map[string]interface{}{
			"VpcId": Ref("Vpc"),
		},
	})
	s.mustResource("PublicDefaultRoute", Resource{
		Type:      "AWS::EC2::Route",
		DependsOn: []string{"GatewayAttachment"},
		Properties: map[string]interface{}{
			"RouteTableId":         Ref("PublicRouteTable"),
			"DestinationCidrBlock": "0.0.0.0/0",
			"GatewayId":            Ref("InternetGateway"),
		},
	})

	var public, private []Value
	for i := 0; i < azCount; i++ {
		publicID := fmt.Sprintf("PublicSubnet%d", i+1)
		publicCidr, err := cidr.Subnet(block, newBits, i)
		if err != nil {
			return errors.Annotatef(err, "cannot carve public subnet %d from '%s'", i+1, vpcCidr)
		}
		s.mustResource(publicID, Resource{
			Type: "AWS::EC2::Subnet",
			Properties: map[string]interface{}{
				"VpcId":               Ref("Vpc"),
				"CidrBlock":           publicCidr.String(),
				"AvailabilityZone":    c.availabilityZone(settings, i),
				"MapPublicIpOnLaunch": true,
				"Tags":                nameTag(c.resourceName("public", fmt.Sprintf("%d", i+1))),
			},
		})
		s.mustResource(publicID+"RouteAssoc", Resource{
			Type: "AWS::EC2::SubnetRouteTableAssociation",
			Properties: map[string]interface{}{
				"SubnetId":     Ref(publicID),
				"RouteTableId": Ref("PublicRouteTable"),
			},
		})
		public = append(public, Ref(publicID))
	}

	for i := 0; i < natCount; i++ {
		eipID := fmt.Sprintf("NatEip%d", i+1)
		natID := fmt.Sprintf("NatGateway%d", i+1)
		s.mustResource(eipID, Resource{
			Type:      "AWS::EC2::EIP",
			DependsOn: []string{"GatewayAttachment"},
			Properties: map[string]interface{}{
				"Domain": "vpc",
			},
		})
		s.mustResource(natID, Resource{
			Type: "AWS::EC2::NatGateway",
			Properties: map[string]interface{}{
				"AllocationId": GetAtt(eipID, "AllocationId"),
				"SubnetId":     Ref(fmt.Sprintf("PublicSubnet%d", i+1)),
			},
		})
	}

	if natCount > 0 {
		for i := 0; i < azCount; i++ {
			privateID := fmt.Sprintf("PrivateSubnet%d", i+1)
			privateCidr, err := cidr.Subnet(block, newBits, azCount+i)
			if err != nil {
				return errors.Annotatef(err, "cannot carve private subnet %d from '%s'", i+1, vpcCidr)
			}
			s.mustResource(privateID, Resource{
				Type: "AWS::EC2::Subnet",
				Properties: map[string]interface{}{
					"VpcId":            Ref("Vpc"),
					"CidrBlock":        privateCidr.String(),
					"AvailabilityZone": c.availabilityZone(settings, i),
					"Tags":             nameTag(c.resourceName("private", fmt.Sprintf("%d", i+1))),
				},
			})
			nat := i
			if nat >= natCount {
				nat = natCount - 1
			}
			tableID := fmt.Sprintf("PrivateRouteTable%d", i+1)
			s.mustResource(tableID, Resource{
				Type: "AWS::EC2::RouteTable",
				Properties: map[string]interface{}{
					"VpcId": Ref("Vpc"),
				},
			})
			s.mustResource(tableID+"Route", Resource{
				Type: "AWS::EC2::Route",
				Properties: map[string]interface{}{
					"RouteTableId":         Ref(tableID),
					"DestinationCidrBlock": "0.0.0.0/0",
					"NatGatewayId":         Ref(fmt.Sprintf("NatGateway%d", nat+1)),
				},
			})
			s.mustResource(privateID+"RouteAssoc", Resource{
				Type: "AWS::EC2::SubnetRouteTableAssociation",
				Properties: map[string]interface{}{
					"SubnetId":     Ref(privateID),
					"RouteTableId": Ref(tableID),
				},
			})
			private = append(private, Ref(privateID))
		}
	}

	if c.env.IsProduction() {
		c.addFlowLog(s)
	}

	// Workload placement prefers the private tier when present.
	if len(private) > 0 {
		handle.Subnets = private
	} else {
		handle.Subnets = public
	}
	handle.SubnetList = Join(",", handle.Subnets...)
	handle.VpcID = Ref("Vpc")

	azNames := make([]Value, azCount)
	for i := 0; i < azCount; i++ {
		azNames[i] = c.availabilityZone(settings, i)
	}
	s.AddOutput("AvailabilityZones", Join(",", azNames...), "Availability zones used")

	return nil
}

// availabilityZoneCount defaults by environment class unless
// explicit zones are configured: 3 for production, 2 for staging
// and 1 otherwise.
func (c *composer) availabilityZoneCount(settings *config.NetworkingConfig) int {
	if len(settings.AvailabilityZones) > 0 {
		return len(settings.AvailabilityZones)
	}
	if c.env.IsProduction() {
		return 3
	}
	if c.env.IsStaging() {
		return 2
	}
	return 1
}

func (c *composer) availabilityZone(settings *config.NetworkingConfig, i int) Value {
	if i < len(settings.AvailabilityZones) {
		return settings.AvailabilityZones[i]
	}
	return Select(i, GetAZs())
}

// addFlowLog records rejected traffic for production networks.
func (c *composer) addFlowLog(s *StackDefinition) {
	s.mustResource("FlowLogGroup", Resource{
		Type: "AWS::Logs::LogGroup",
		Properties: map[string]interface{}{
			"LogGroupName":    fmt.Sprintf("/%s/vpc-flow-logs", c.stackPrefix()),
			"RetentionInDays": 30,
		},
	})
	s.mustResource("FlowLogRole", Resource{
		Type: "AWS::IAM::Role",
		Properties: map[string]interface{}{
			"AssumeRolePolicyDocument": assumeRolePolicy("vpc-flow-logs.amazonaws.com"),
			"Policies": []interface{}{
				map[string]interface{}{
					"PolicyName": "flow-logs",
					"PolicyDocument": map[string]interface{}{
						"Version": "2012-10-17",
						"Statement": []interface{}{
							map[string]interface{}{
								"Effect": "Allow",
								"Action": []interface{}{
									"logs:CreateLogStream",
									"logs:PutLogEvents",
									"logs:DescribeLogStreams",
								},
								"Resource": GetAtt("FlowLogGroup", "Arn"),
							},
						},
					},
				},
			},
		},
	})
	s.mustResource("FlowLog", Resource{
		Type: "AWS::EC2::FlowLog",
		Properties: map[string]interface{}{
			"ResourceId":               Ref("Vpc"),
			"ResourceType":             "VPC",
			"TrafficType":              "REJECT",
			"LogGroupName":             Ref("FlowLogGroup"),
			"DeliverLogsPermissionArn": GetAtt("FlowLogRole", "Arn"),
		},
	})
}

// addSecurityGroups creates the application boundary (intra-group
// traffic allowed, extended later by the ingress path) and the
// storage boundary (only the storage protocol port, only from the
// application boundary).
func (c *composer) addSecurityGroups(s *StackDefinition, handle *NetworkHandle) {
	s.mustResource("AppSecurityGroup", Resource{
		Type: "AWS::EC2::SecurityGroup",
		Properties: map[string]interface{}{
			"GroupName":        c.resourceName("sg", "app"),
			"GroupDescription": "Security group for workload tasks",
			"VpcId":            handle.VpcID,
			"SecurityGroupEgress": []interface{}{
				map[string]interface{}{
					"IpProtocol": "-1",
					"CidrIp":     "0.0.0.0/0",
				},
			},
		},
	})
	s.mustResource("AppSelfIngress", Resource{
		Type: "AWS::EC2::SecurityGroupIngress",
		Properties: map[string]interface{}{
			"GroupId":               Ref("AppSecurityGroup"),
			"SourceSecurityGroupId": Ref("AppSecurityGroup"),
			"IpProtocol":            "tcp",
			"FromPort":              0,
			"ToPort":                65535,
			"Description":           "Allow communication between workload containers",
		},
	})
	s.mustResource("StorageSecurityGroup", Resource{
		Type: "AWS::EC2::SecurityGroup",
		Properties: map[string]interface{}{
			"GroupName":        c.resourceName("sg", "storage"),
			"GroupDescription": "Security group for filesystem mount targets",
			"VpcId":            handle.VpcID,
			"SecurityGroupIngress": []interface{}{
				map[string]interface{}{
					"SourceSecurityGroupId": Ref("AppSecurityGroup"),
					"IpProtocol":            "tcp",
					"FromPort":              storagePort,
					"ToPort":                storagePort,
					"Description":           "Allow NFS traffic from workload containers",
				},
			},
		},
	})
	handle.AppSecurityGroupID = Ref("AppSecurityGroup")
	handle.StorageSecurityGroupID = Ref("StorageSecurityGroup")

	if handle.Imported {
		log.Debugf("network imported, security boundaries created in vpc %v", handle.VpcID)
	}
}

// nameTag is the single Name tag most network resources carry.
func nameTag(name string) []interface{} {
	return []interface{}{
		map[string]interface{}{"Key": "Name", "Value": name},
	}
}

// assumeRolePolicy builds the trust policy for a service role.
func assumeRolePolicy(service string) map[string]interface{} {
	return map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []interface{}{
			map[string]interface{}{
				"Effect":    "Allow",
				"Principal": map[string]interface{}{"Service": service},
				"Action":    "sts:AssumeRole",
			},
		},
	}
}
