package topology

import (
	log "github.com/sirupsen/logrus"

	"github.com/flowgrid/flowgrid/pkg/config"
)

const (
	// cachingDisabledPolicyID is the managed CloudFront cache
	// policy that disables caching.
	cachingDisabledPolicyID = "4135ea2d-6df8-44a3-9df3-4b5a84be39ad"

	// rateLimitPerFiveMinutes is the per-IP request ceiling of
	// the rate limiting rule.
	rateLimitPerFiveMinutes = 2000
)

// composeAccess produces the access stack: the HTTP gateway in
// front of the workload, optionally hardened by a web ACL and
// fronted by an edge distribution. It only exists in gateway
// ingress mode.
func (c *composer) composeAccess(network NetworkHandle, compute ComputeHandle) (*StackDefinition, AccessHandle, error) {
	access := c.env.Settings.Access
	if access == nil {
		access = &config.AccessConfig{}
	}

	s := c.newStack(RoleAccess, "ingress gateway", RoleNetwork, RoleCompute)
	handle := AccessHandle{}

	cors := map[string]interface{}{
		"AllowMethods": []interface{}{"*"},
		"AllowHeaders": []interface{}{"*"},
	}
	if len(access.CorsOrigins) > 0 {
		origins := make([]interface{}, len(access.CorsOrigins))
		for i, origin := range access.CorsOrigins {
			origins[i] = origin
		}
		cors["AllowOrigins"] = origins
	} else {
		cors["AllowOrigins"] = []interface{}{"*"}
	}
	s.mustResource("HttpApi", Resource{
		Type: "AWS::ApiGatewayV2::Api",
		Properties: map[string]interface{}{
			"Name":              c.resourceName("api"),
			"ProtocolType":      "HTTP",
			"CorsConfiguration": cors,
		},
	})
	s.mustResource("ApiStage", Resource{
		Type: "AWS::ApiGatewayV2::Stage",
		Properties: map[string]interface{}{
			"ApiId":      Ref("HttpApi"),
			"StageName":  "$default",
			"AutoDeploy": true,
		},
	})

	if compute.ServiceDiscovery != nil {
		c.attachRoutes(s, network, compute)
		handle.RoutesAttached = true
	} else {
		// The workload cannot be discovered, so the gateway is
		// created without routes and traffic will not flow until
		// discovery is enabled.
		log.Warnf("workload has no service registry entry, gateway routes not attached for environment %s", c.env.Name)
	}

	if access.WafEnabled {
		c.addWebAcl(s, access, &handle)
	}

	apiURL := GetAtt("HttpApi", "ApiEndpoint")
	if access.CloudfrontEnabled {
		c.addDistribution(s, access, &handle)
	}
	c.bindCustomDomain(s, access, &handle)

	s.AddOutput("ApiId", Ref("HttpApi"), "HTTP API ID")
	s.AddOutput("ApiUrl", apiURL, "HTTP API endpoint URL")
	if access.CloudfrontEnabled {
		s.AddOutput("DistributionId", Ref("Distribution"), "Edge distribution ID")
		s.AddOutput("DistributionDomain", GetAtt("Distribution", "DomainName"), "Edge distribution domain name")
		handle.DistributionID = s.OutputRef("DistributionId")
		handle.DistributionDomain = s.OutputRef("DistributionDomain")
	}

	handle.ApiID = s.OutputRef("ApiId")
	handle.ApiURL = s.OutputRef("ApiUrl")
	return s, handle, nil
}

// attachRoutes links the gateway to the workload's service
// registry entry through a VPC link.
func (c *composer) attachRoutes(s *StackDefinition, network NetworkHandle, compute ComputeHandle) {
	subnets := make([]interface{}, len(network.Subnets))
	for i, subnet := range network.Subnets {
		subnets[i] = subnet
	}
	s.mustResource("VpcLinkSecurityGroup", Resource{
		Type: "AWS::EC2::SecurityGroup",
		Properties: map[string]interface{}{
			"GroupName":        c.resourceName("sg", "vpclink"),
			"GroupDescription": "Security group for the gateway VPC link",
			"VpcId":            network.VpcID,
		},
	})
	s.mustResource("GatewayIngress", Resource{
		Type: "AWS::EC2::SecurityGroupIngress",
		Properties: map[string]interface{}{
			"GroupId":               network.AppSecurityGroupID,
			"SourceSecurityGroupId": Ref("VpcLinkSecurityGroup"),
			"IpProtocol":            "tcp",
			"FromPort":              appPort,
			"ToPort":                appPort,
			"Description":           "Allow gateway traffic to the workload",
		},
	})
	s.mustResource("VpcLink", Resource{
		Type: "AWS::ApiGatewayV2::VpcLink",
		Properties: map[string]interface{}{
			"Name":             c.resourceName("vpclink"),
			"SubnetIds":        subnets,
			"SecurityGroupIds": []interface{}{Ref("VpcLinkSecurityGroup")},
		},
	})
	s.mustResource("ServiceIntegration", Resource{
		Type: "AWS::ApiGatewayV2::Integration",
		Properties: map[string]interface{}{
			"ApiId":                Ref("HttpApi"),
			"IntegrationType":      "HTTP_PROXY",
			"IntegrationMethod":    "ANY",
			"IntegrationUri":       compute.ServiceDiscovery.ServiceArn,
			"ConnectionType":       "VPC_LINK",
			"ConnectionId":         Ref("VpcLink"),
			"PayloadFormatVersion": "1.0",
		},
	})
	s.mustResource("DefaultRoute", Resource{
		Type: "AWS::ApiGatewayV2::Route",
		Properties: map[string]interface{}{
			"ApiId":    Ref("HttpApi"),
			"RouteKey": "$default",
			"Target":   Join("/", "integrations", Ref("ServiceIntegration")),
		},
	})
}

// addWebAcl creates the web ACL in the declared rule order: the
// whitelist rule first, then the managed common rule set, then
// the rate limit. The default action allows traffic unless a
// whitelist is configured, in which case everything not on it is
// blocked.
func (c *composer) addWebAcl(s *StackDefinition, access *config.AccessConfig, handle *AccessHandle) {
	var rules []interface{}

	defaultAction := map[string]interface{}{"Allow": map[string]interface{}{}}
	if len(access.IpWhitelist) > 0 {
		defaultAction = map[string]interface{}{"Block": map[string]interface{}{}}

		addresses := make([]interface{}, len(access.IpWhitelist))
		for i, addr := range access.IpWhitelist {
			addresses[i] = addr
		}
		s.mustResource("WhitelistIpSet", Resource{
			Type: "AWS::WAFv2::IPSet",
			Properties: map[string]interface{}{
				"Name":             c.resourceName("ipset"),
				"Scope":            "REGIONAL",
				"IPAddressVersion": "IPV4",
				"Addresses":        addresses,
			},
		})
		rules = append(rules, map[string]interface{}{
			"Name":     "ip-whitelist",
			"Priority": 1,
			"Action":   map[string]interface{}{"Allow": map[string]interface{}{}},
			"Statement": map[string]interface{}{
				"IPSetReferenceStatement": map[string]interface{}{
					"Arn": GetAtt("WhitelistIpSet", "Arn"),
				},
			},
			"VisibilityConfig": visibilityConfig("ip-whitelist"),
		})
	}

	rules = append(rules,
		map[string]interface{}{
			"Name":           "managed-common",
			"Priority":       10,
			"OverrideAction": map[string]interface{}{"None": map[string]interface{}{}},
			"Statement": map[string]interface{}{
				"ManagedRuleGroupStatement": map[string]interface{}{
					"VendorName": "AWS",
					"Name":       "AWSManagedRulesCommonRuleSet",
				},
			},
			"VisibilityConfig": visibilityConfig("managed-common"),
		},
		map[string]interface{}{
			"Name":     "rate-limit",
			"Priority": 20,
			"Action":   map[string]interface{}{"Block": map[string]interface{}{}},
			"Statement": map[string]interface{}{
				"RateBasedStatement": map[string]interface{}{
					"Limit":            rateLimitPerFiveMinutes,
					"AggregateKeyType": "IP",
				},
			},
			"VisibilityConfig": visibilityConfig("rate-limit"),
		},
	)

	s.mustResource("WebAcl", Resource{
		Type: "AWS::WAFv2::WebACL",
		Properties: map[string]interface{}{
			"Name":             c.resourceName("waf"),
			"Scope":            "REGIONAL",
			"DefaultAction":    defaultAction,
			"Rules":            rules,
			"VisibilityConfig": visibilityConfig(c.resourceName("waf")),
		},
	})
	s.mustResource("WebAclAssociation", Resource{
		Type: "AWS::WAFv2::WebACLAssociation",
		Properties: map[string]interface{}{
			"ResourceArn": Sub("arn:aws:apigateway:${AWS::Region}::/apis/${HttpApi}/stages/$default"),
			"WebACLArn":   GetAtt("WebAcl", "Arn"),
		},
	})
	handle.WebAclArn = GetAtt("WebAcl", "Arn")
}

// addDistribution fronts the gateway with an edge distribution.
// The webhook and API paths are never cached.
func (c *composer) addDistribution(s *StackDefinition, access *config.AccessConfig, handle *AccessHandle) {
	priceClass := "PriceClass_All"
	if c.env.IsDevelopment() {
		priceClass = "PriceClass_100"
	}

	origin := map[string]interface{}{
		"Id":         "gateway",
		"DomainName": Select(1, Split("://", GetAtt("HttpApi", "ApiEndpoint"))),
		"CustomOriginConfig": map[string]interface{}{
			"OriginProtocolPolicy": "https-only",
			"OriginSSLProtocols":   []interface{}{"TLSv1.2"},
		},
	}
	noCacheBehavior := func(pattern string) map[string]interface{} {
		return map[string]interface{}{
			"PathPattern":          pattern,
			"TargetOriginId":       "gateway",
			"ViewerProtocolPolicy": "redirect-to-https",
			"AllowedMethods":       []interface{}{"GET", "HEAD", "OPTIONS", "PUT", "POST", "PATCH", "DELETE"},
			"CachePolicyId":        cachingDisabledPolicyID,
		}
	}

	distribution := map[string]interface{}{
		"Enabled":    true,
		"PriceClass": priceClass,
		"Origins":    []interface{}{origin},
		"DefaultCacheBehavior": map[string]interface{}{
			"TargetOriginId":       "gateway",
			"ViewerProtocolPolicy": "redirect-to-https",
			"AllowedMethods":       []interface{}{"GET", "HEAD", "OPTIONS", "PUT", "POST", "PATCH", "DELETE"},
			"CachePolicyId":        cachingDisabledPolicyID,
		},
		"CacheBehaviors": []interface{}{
			noCacheBehavior("/webhook/*"),
			noCacheBehavior("/rest/*"),
		},
	}

	if access.DomainName != "" {
		if cert, ok := c.cfg.SharedResources.Lookup("certificates", access.DomainName); ok {
			distribution["Aliases"] = []interface{}{access.DomainName}
			distribution["ViewerCertificate"] = map[string]interface{}{
				"AcmCertificateArn":      cert,
				"SslSupportMethod":       "sni-only",
				"MinimumProtocolVersion": "TLSv1.2_2021",
			}
			handle.CustomDomain = access.DomainName
		} else {
			log.Warnf("no certificate registered for domain '%s', serving on the default distribution domain", access.DomainName)
		}
	}

	s.mustResource("Distribution", Resource{
		Type: "AWS::CloudFront::Distribution",
		Properties: map[string]interface{}{
			"DistributionConfig": distribution,
		},
	})
}

// bindCustomDomain creates the DNS record for the custom domain
// when a hosted zone is registered for it. Without one the record
// must be created manually, which is reported but not fatal.
func (c *composer) bindCustomDomain(s *StackDefinition, access *config.AccessConfig, handle *AccessHandle) {
	if access.DomainName == "" || handle.CustomDomain == "" {
		return
	}
	zone, ok := c.cfg.SharedResources.Lookup("hosted_zones", access.DomainName)
	if !ok {
		log.Warnf("no hosted zone registered for domain '%s', DNS record must be created manually", access.DomainName)
		return
	}
	s.mustResource("DomainRecord", Resource{
		Type: "AWS::Route53::RecordSet",
		Properties: map[string]interface{}{
			"HostedZoneId": zone,
			"Name":         access.DomainName,
			"Type":         "A",
			"AliasTarget": map[string]interface{}{
				// Fixed hosted zone ID of the edge distribution
				// service.
				"HostedZoneId": "Z2FDTNDATAQYW2",
				"DNSName":      GetAtt("Distribution", "DomainName"),
			},
		},
	})
}

func visibilityConfig(metricName string) map[string]interface{} {
	return map[string]interface{}{
		"SampledRequestsEnabled":   true,
		"CloudWatchMetricsEnabled": true,
		"MetricName":               metricName,
	}
}
