package topology

import (
	"fmt"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flowgrid/flowgrid/pkg/config"
)

const (
	// appPort is the port the workload container listens on.
	appPort = 5678

	defaultTaskCpu      = 512
	defaultTaskMemory   = 1024
	defaultDesiredCount = 1

	scalingCooldown = 300
)

// composeCompute produces the compute stack: the container
// cluster, the workload task and service, the failure-handling
// queues and the scaling policies. It is the consumer of every
// upstream handle.
func (c *composer) composeCompute(network NetworkHandle, storage StorageHandle, database *DatabaseHandle) (*StackDefinition, ComputeHandle, error) {
	fargate := c.env.Settings.Fargate
	if fargate == nil {
		fargate = &config.FargateConfig{}
	}
	if fargate.Image == "" {
		return nil, ComputeHandle{}, errors.NotValidf("fargate: image is required")
	}

	deps := []Role{RoleNetwork, RoleStorage}
	if database != nil && !database.Imported {
		deps = append(deps, RoleDatabase)
	}
	s := c.newStack(RoleCompute, "workload service", deps...)

	handle := ComputeHandle{}

	c.addCluster(s)
	logGroup := c.addLogGroup(s)

	enabled := make(map[string]bool, len(computeAddons))
	for _, addon := range computeAddons {
		enabled[addon.name] = addon.enabled(c)
	}
	resilient := enabled["resilience"]

	c.addTaskRoles(s, database, resilient)
	if err := c.addTaskDefinition(s, fargate, storage, database, logGroup, resilient, &handle); err != nil {
		return nil, ComputeHandle{}, errors.Trace(err)
	}

	discovery := c.addServiceDiscovery(s, network, &handle)
	c.addService(s, fargate, network, discovery)

	for _, addon := range computeAddons {
		if enabled[addon.name] {
			addon.build(c, s)
		} else {
			log.Debugf("compute feature %s not enabled for environment %s", addon.name, c.env.Name)
		}
	}

	s.AddOutput("ClusterName", Ref("Cluster"), "Container cluster name")
	s.AddOutput("ClusterArn", GetAtt("Cluster", "Arn"), "Container cluster ARN")
	s.AddOutput("ServiceName", GetAtt("Service", "Name"), "Workload service name")
	s.AddOutput("ServiceArn", Ref("Service"), "Workload service ARN")
	s.AddOutput("TaskDefinitionArn", Ref("TaskDefinition"), "Workload task definition ARN")
	s.AddOutput("LogGroupName", Ref("LogGroup"), "Workload log group name")
	if discovery {
		s.AddOutput("ServiceDiscoveryArn", GetAtt("DiscoveryService", "Arn"), "Service registry entry ARN")
		s.AddOutput("ServiceDiscoveryName", GetAtt("DiscoveryService", "Name"), "Service registry entry name")
		handle.ServiceDiscovery = &ServiceDiscoveryHandle{
			ServiceArn:  s.OutputRef("ServiceDiscoveryArn"),
			ServiceName: s.OutputRef("ServiceDiscoveryName"),
		}
	}

	handle.ClusterName = s.OutputRef("ClusterName")
	handle.ClusterArn = s.OutputRef("ClusterArn")
	handle.ServiceName = s.OutputRef("ServiceName")
	handle.ServiceArn = s.OutputRef("ServiceArn")
	handle.TaskDefArn = s.OutputRef("TaskDefinitionArn")
	handle.LogGroupName = s.OutputRef("LogGroupName")

	return s, handle, nil
}

func (c *composer) addCluster(s *StackDefinition) {
	insights := "disabled"
	monitoring := c.env.Settings.Monitoring
	if c.env.IsProduction() || (monitoring != nil && monitoring.EnableContainerInsights) {
		insights = "enabled"
	}
	s.mustResource("Cluster", Resource{
		Type: "AWS::ECS::Cluster",
		Properties: map[string]interface{}{
			"ClusterName": c.resourceName("cluster"),
			"ClusterSettings": []interface{}{
				map[string]interface{}{
					"Name":  "containerInsights",
					"Value": insights,
				},
			},
			"CapacityProviders": []interface{}{"FARGATE", "FARGATE_SPOT"},
		},
	})
}

func (c *composer) addLogGroup(s *StackDefinition) string {
	retention := 7
	if c.env.IsProduction() {
		retention = 30
	}
	name := fmt.Sprintf("/ecs/%s", c.stackPrefix())
	s.mustResource("LogGroup", Resource{
		Type: "AWS::Logs::LogGroup",
		Properties: map[string]interface{}{
			"LogGroupName":    name,
			"RetentionInDays": retention,
		},
	})
	return name
}

// computeAddon is one optional compute feature. The predicate is
// evaluated exactly once per compose pass; the builder runs after
// the core service resources are in place.
type computeAddon struct {
	name    string
	enabled func(*composer) bool
	build   func(*composer, *StackDefinition)
}

var computeAddons = []computeAddon{
	{
		name: "resilience",
		enabled: func(c *composer) bool {
			return c.env.Settings.FeatureEnabled("resilience_enabled")
		},
		build: (*composer).addResilience,
	},
	{
		name: "autoscaling",
		enabled: func(c *composer) bool {
			return c.env.Settings.Scaling != nil
		},
		build: (*composer).addAutoscaling,
	},
}

// addResilience creates the failure-handling path: one dead
// letter queue for undeliverable webhooks, one for failed
// workflow executions, and the circuit breaker function that
// pauses the service when failures pile up.
func (c *composer) addResilience(s *StackDefinition) {
	for _, queue := range []struct{ id, kind string }{
		{"WebhookDlq", "webhook-dlq"},
		{"WorkflowDlq", "workflow-dlq"},
	} {
		id, kind := queue.id, queue.kind
		s.mustResource(id, Resource{
			Type: "AWS::SQS::Queue",
			Properties: map[string]interface{}{
				"QueueName":              c.resourceName("queue", kind),
				"MessageRetentionPeriod": 1209600,
				"SqsManagedSseEnabled":   true,
			},
		})
	}

	s.mustResource("CircuitBreakerRole", Resource{
		Type: "AWS::IAM::Role",
		Properties: map[string]interface{}{
			"AssumeRolePolicyDocument": assumeRolePolicy("lambda.amazonaws.com"),
			"ManagedPolicyArns": []interface{}{
				"arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole",
			},
			"Policies": []interface{}{
				map[string]interface{}{
					"PolicyName": "pause-service",
					"PolicyDocument": map[string]interface{}{
						"Version": "2012-10-17",
						"Statement": []interface{}{
							map[string]interface{}{
								"Effect":   "Allow",
								"Action":   []interface{}{"ecs:UpdateService", "ecs:DescribeServices"},
								"Resource": "*",
							},
						},
					},
				},
			},
		},
	})
	s.mustResource("CircuitBreakerFunction", Resource{
		Type: "AWS::Lambda::Function",
		Properties: map[string]interface{}{
			"FunctionName": c.resourceName("circuit-breaker"),
			"Runtime":      "python3.12",
			"Handler":      "index.handler",
			"Timeout":      30,
			"Role":         GetAtt("CircuitBreakerRole", "Arn"),
			"Environment": map[string]interface{}{
				"Variables": map[string]interface{}{
					"CLUSTER_NAME": Ref("Cluster"),
				},
			},
			"Code": map[string]interface{}{
				"ZipFile": circuitBreakerSource,
			},
		},
	})
}

// circuitBreakerSource pauses or resumes the workload service.
// It is invoked by the workload itself when downstream failures
// exceed its tolerance, and by operators to recover.
const circuitBreakerSource = `import json
import os

import boto3

ecs = boto3.client("ecs")


def handler(event, context):
    cluster = os.environ["CLUSTER_NAME"]
    service = event["service"]
    action = event.get("action", "open")
    count = 0 if action == "open" else int(event.get("desired_count", 1))
    ecs.update_service(cluster=cluster, service=service, desiredCount=count)
    return {"service": service, "action": action, "desired_count": count}
`

func (c *composer) addTaskRoles(s *StackDefinition, database *DatabaseHandle, resilient bool) {
	s.mustResource("ExecutionRole", Resource{
		Type: "AWS::IAM::Role",
		Properties: map[string]interface{}{
			"AssumeRolePolicyDocument": assumeRolePolicy("ecs-tasks.amazonaws.com"),
			"ManagedPolicyArns": []interface{}{
				"arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy",
			},
			"Policies": []interface{}{
				map[string]interface{}{
					"PolicyName": "read-secrets",
					"PolicyDocument": map[string]interface{}{
						"Version": "2012-10-17",
						"Statement": []interface{}{
							map[string]interface{}{
								"Effect":   "Allow",
								"Action":   "secretsmanager:GetSecretValue",
								"Resource": "*",
							},
						},
					},
				},
			},
		},
	})

	statements := []interface{}{
		map[string]interface{}{
			"Effect": "Allow",
			"Action": []interface{}{
				"elasticfilesystem:ClientMount",
				"elasticfilesystem:ClientWrite",
			},
			"Resource": "*",
		},
		map[string]interface{}{
			"Effect":   "Allow",
			"Action":   "cloudwatch:PutMetricData",
			"Resource": "*",
		},
	}
	if database != nil {
		statements = append(statements, map[string]interface{}{
			"Effect":   "Allow",
			"Action":   "secretsmanager:GetSecretValue",
			"Resource": database.SecretArn,
		})
	}
	if resilient {
		statements = append(statements,
			map[string]interface{}{
				"Effect":   "Allow",
				"Action":   []interface{}{"sqs:SendMessage", "sqs:GetQueueAttributes"},
				"Resource": []interface{}{GetAtt("WebhookDlq", "Arn"), GetAtt("WorkflowDlq", "Arn")},
			},
			map[string]interface{}{
				"Effect":   "Allow",
				"Action":   "lambda:InvokeFunction",
				"Resource": GetAtt("CircuitBreakerFunction", "Arn"),
			},
		)
	}
	s.mustResource("TaskRole", Resource{
		Type: "AWS::IAM::Role",
		Properties: map[string]interface{}{
			"AssumeRolePolicyDocument": assumeRolePolicy("ecs-tasks.amazonaws.com"),
			"Policies": []interface{}{
				map[string]interface{}{
					"PolicyName": "workload",
					"PolicyDocument": map[string]interface{}{
						"Version":   "2012-10-17",
						"Statement": statements,
					},
				},
			},
		},
	})
}

func (c *composer) addTaskDefinition(s *StackDefinition, fargate *config.FargateConfig, storage StorageHandle, database *DatabaseHandle, logGroup string, resilient bool, handle *ComputeHandle) error {
	cpu := fargate.Cpu
	if cpu == 0 {
		cpu = defaultTaskCpu
	}
	memory := fargate.Memory
	if memory == 0 {
		memory = defaultTaskMemory
	}

	environment := []interface{}{
		envVar("PORT", fmt.Sprintf("%d", appPort)),
		envVar("ENVIRONMENT", c.env.Name),
	}
	var secrets []interface{}
	if database != nil {
		if database.Endpoint != nil {
			environment = append(environment,
				envVar("DB_TYPE", "postgresdb"),
				envVar("DB_POSTGRESDB_HOST", database.Endpoint),
				envVar("DB_POSTGRESDB_PORT", fmt.Sprintf("%d", databasePort)),
			)
			secrets = append(secrets,
				secretVar("DB_POSTGRESDB_USER", database.SecretArn, "username"),
				secretVar("DB_POSTGRESDB_PASSWORD", database.SecretArn, "password"),
			)
		} else {
			// Imported datastore: the address is only inside the
			// secret, so the workload resolves it at startup.
			log.Debugf("database endpoint unknown at composition time, deferring to runtime resolution")
			environment = append(environment,
				envVar("DB_TYPE", "postgresdb"),
				envVar("DB_CONNECTION_SECRET_ARN", database.SecretArn),
			)
		}
	}
	if resilient {
		environment = append(environment,
			envVar("WEBHOOK_DLQ_URL", Ref("WebhookDlq")),
			envVar("WORKFLOW_DLQ_URL", Ref("WorkflowDlq")),
			envVar("CIRCUIT_BREAKER_FUNCTION", Ref("CircuitBreakerFunction")),
		)
	}

	app := map[string]interface{}{
		"Name":      "app",
		"Image":     fargate.Image,
		"Essential": true,
		"PortMappings": []interface{}{
			map[string]interface{}{"ContainerPort": appPort, "Protocol": "tcp"},
		},
		"Environment": environment,
		"MountPoints": []interface{}{
			map[string]interface{}{
				"SourceVolume":  "data",
				"ContainerPath": "/data",
			},
		},
		"LogConfiguration": logConfiguration(logGroup, "app"),
	}
	if len(secrets) > 0 {
		app["Secrets"] = secrets
	}
	containers := []interface{}{app}

	if sidecar, err := c.tunnelSidecar(logGroup, handle); err != nil {
		return errors.Trace(err)
	} else if sidecar != nil {
		containers = append(containers, sidecar)
	}

	s.mustResource("TaskDefinition", Resource{
		Type: "AWS::ECS::TaskDefinition",
		Properties: map[string]interface{}{
			"Family":                  c.resourceName("task"),
			"Cpu":                     fmt.Sprintf("%d", cpu),
			"Memory":                  fmt.Sprintf("%d", memory),
			"NetworkMode":             "awsvpc",
			"RequiresCompatibilities": []interface{}{"FARGATE"},
			"ExecutionRoleArn":        GetAtt("ExecutionRole", "Arn"),
			"TaskRoleArn":             GetAtt("TaskRole", "Arn"),
			"ContainerDefinitions":    containers,
			"Volumes": []interface{}{
				map[string]interface{}{
					"Name": "data",
					"EFSVolumeConfiguration": map[string]interface{}{
						"FilesystemId":      storage.FileSystemID,
						"TransitEncryption": "ENABLED",
						"AuthorizationConfig": map[string]interface{}{
							"AccessPointId": storage.AccessPointID,
							"IAM":           "ENABLED",
						},
					},
				},
			},
		},
	})
	return nil
}

// tunnelSidecar returns the tunnel container when the tunnel
// ingress mode is active, nil otherwise.
func (c *composer) tunnelSidecar(logGroup string, handle *ComputeHandle) (map[string]interface{}, error) {
	access := c.env.Settings.Access
	if c.env.Settings.AccessType() != config.AccessTypeCloudflare {
		return nil, nil
	}
	if access == nil || access.Cloudflare == nil || access.Cloudflare.TunnelTokenSecretName == "" {
		return nil, errors.NotValidf("access: cloudflare.tunnel_token_secret_name is required for cloudflare access")
	}
	cf := access.Cloudflare

	handle.Tunnel = &TunnelHandle{
		Name:   cf.TunnelName,
		Domain: cf.TunnelDomain,
	}
	return map[string]interface{}{
		"Name":      "tunnel",
		"Image":     "cloudflare/cloudflared:latest",
		"Essential": true,
		"Command":   []interface{}{"tunnel", "run"},
		"Secrets": []interface{}{
			map[string]interface{}{
				"Name": "TUNNEL_TOKEN",
				"ValueFrom": Sub(fmt.Sprintf(
					"arn:aws:secretsmanager:${AWS::Region}:${AWS::AccountId}:secret:%s",
					cf.TunnelTokenSecretName)),
			},
		},
		"LogConfiguration": logConfiguration(logGroup, "tunnel"),
	}, nil
}

// addServiceDiscovery registers the workload in a private DNS
// namespace so the ingress path can route to it. It is skipped in
// tunnel mode, where the tunnel connects outbound, and when
// explicitly disabled.
func (c *composer) addServiceDiscovery(s *StackDefinition, network NetworkHandle, handle *ComputeHandle) bool {
	if handle.Tunnel != nil {
		return false
	}
	if c.env.Settings.FeatureDisabled("service_discovery") {
		log.Warnf("service discovery disabled for environment %s, ingress routes cannot be attached", c.env.Name)
		return false
	}
	s.mustResource("DiscoveryNamespace", Resource{
		Type: "AWS::ServiceDiscovery::PrivateDnsNamespace",
		Properties: map[string]interface{}{
			"Name": fmt.Sprintf("%s.local", c.stackPrefix()),
			"Vpc":  network.VpcID,
		},
	})
	s.mustResource("DiscoveryService", Resource{
		Type: "AWS::ServiceDiscovery::Service",
		Properties: map[string]interface{}{
			"Name": "app",
			"DnsConfig": map[string]interface{}{
				"NamespaceId":   GetAtt("DiscoveryNamespace", "Id"),
				"RoutingPolicy": "MULTIVALUE",
				"DnsRecords": []interface{}{
					map[string]interface{}{"Type": "SRV", "TTL": 60},
				},
			},
			"HealthCheckCustomConfig": map[string]interface{}{
				"FailureThreshold": 1,
			},
		},
	})
	return true
}

func (c *composer) addService(s *StackDefinition, fargate *config.FargateConfig, network NetworkHandle, discovery bool) {
	desired := fargate.DesiredCount
	if desired == 0 {
		desired = defaultDesiredCount
	}

	assignPublicIP := "DISABLED"
	networking := c.env.Settings.Networking
	if networking == nil || (!networking.UseExistingVpc && networking.NatGateways == 0) {
		// Public tier placement needs a public address for image
		// pulls and outbound calls.
		assignPublicIP = "ENABLED"
	}

	subnets := make([]interface{}, len(network.Subnets))
	for i, subnet := range network.Subnets {
		subnets[i] = subnet
	}

	properties := map[string]interface{}{
		"ServiceName":    c.resourceName("service"),
		"Cluster":        Ref("Cluster"),
		"TaskDefinition": Ref("TaskDefinition"),
		"DesiredCount":   desired,
		"NetworkConfiguration": map[string]interface{}{
			"AwsvpcConfiguration": map[string]interface{}{
				"Subnets":        subnets,
				"SecurityGroups": []interface{}{network.AppSecurityGroupID},
				"AssignPublicIp": assignPublicIP,
			},
		},
		"DeploymentConfiguration": map[string]interface{}{
			"DeploymentCircuitBreaker": map[string]interface{}{
				"Enable":   true,
				"Rollback": true,
			},
		},
	}

	if c.env.SpotEnabled() && !c.env.IsProduction() {
		spot := fargate.SpotPercentage
		properties["CapacityProviderStrategy"] = []interface{}{
			map[string]interface{}{"CapacityProvider": "FARGATE_SPOT", "Weight": spot},
			map[string]interface{}{"CapacityProvider": "FARGATE", "Weight": 100 - spot},
		}
	} else {
		properties["LaunchType"] = "FARGATE"
	}

	if discovery {
		properties["ServiceRegistries"] = []interface{}{
			map[string]interface{}{
				"RegistryArn": GetAtt("DiscoveryService", "Arn"),
				"Port":        appPort,
			},
		}
	}

	s.mustResource("Service", Resource{
		Type:       "AWS::ECS::Service",
		Properties: properties,
	})
}

// addAutoscaling attaches the scaling policies: CPU target
// tracking always, memory step scaling on production only.
func (c *composer) addAutoscaling(s *StackDefinition) {
	scaling := c.env.Settings.Scaling
	if scaling == nil {
		return
	}
	minTasks := scaling.MinTasks
	if minTasks == 0 {
		minTasks = 1
	}
	if scaling.MaxTasks <= minTasks {
		log.Warnf("scaling max_tasks (%d) must exceed min_tasks (%d), skipping autoscaling", scaling.MaxTasks, minTasks)
		return
	}

	targetCpu := scaling.TargetCpuUtilization
	if targetCpu == 0 {
		targetCpu = 70
	}
	scaleIn := scaling.ScaleInCooldown
	if scaleIn == 0 {
		scaleIn = scalingCooldown
	}
	scaleOut := scaling.ScaleOutCooldown
	if scaleOut == 0 {
		scaleOut = scalingCooldown
	}

	s.mustResource("ScalableTarget", Resource{
		Type: "AWS::ApplicationAutoScaling::ScalableTarget",
		Properties: map[string]interface{}{
			"ServiceNamespace":  "ecs",
			"ScalableDimension": "ecs:service:DesiredCount",
			"ResourceId":        Join("/", "service", Ref("Cluster"), GetAtt("Service", "Name")),
			"MinCapacity":       minTasks,
			"MaxCapacity":       scaling.MaxTasks,
			"RoleARN": Sub("arn:aws:iam::${AWS::AccountId}:role/aws-service-role/" +
				"ecs.application-autoscaling.amazonaws.com/AWSServiceRoleForApplicationAutoScaling_ECSService"),
		},
	})
	s.mustResource("CpuScalingPolicy", Resource{
		Type: "AWS::ApplicationAutoScaling::ScalingPolicy",
		Properties: map[string]interface{}{
			"PolicyName":      c.resourceName("scaling", "cpu"),
			"PolicyType":      "TargetTrackingScaling",
			"ScalingTargetId": Ref("ScalableTarget"),
			"TargetTrackingScalingPolicyConfiguration": map[string]interface{}{
				"TargetValue": float64(targetCpu),
				"PredefinedMetricSpecification": map[string]interface{}{
					"PredefinedMetricType": "ECSServiceAverageCPUUtilization",
				},
				"ScaleInCooldown":  scaleIn,
				"ScaleOutCooldown": scaleOut,
			},
		},
	})

	if !c.env.IsProduction() {
		return
	}
	s.mustResource("MemoryScalingPolicy", Resource{
		Type: "AWS::ApplicationAutoScaling::ScalingPolicy",
		Properties: map[string]interface{}{
			"PolicyName":      c.resourceName("scaling", "memory"),
			"PolicyType":      "StepScaling",
			"ScalingTargetId": Ref("ScalableTarget"),
			"StepScalingPolicyConfiguration": map[string]interface{}{
				"AdjustmentType": "ChangeInCapacity",
				"Cooldown":       scalingCooldown,
				"StepAdjustments": []interface{}{
					map[string]interface{}{
						"MetricIntervalLowerBound": 0,
						"MetricIntervalUpperBound": 10,
						"ScalingAdjustment":        1,
					},
					map[string]interface{}{
						"MetricIntervalLowerBound": 10,
						"ScalingAdjustment":        2,
					},
				},
			},
		},
	})
	s.mustResource("MemoryScaleOutAlarm", Resource{
		Type: "AWS::CloudWatch::Alarm",
		Properties: map[string]interface{}{
			"AlarmDescription":   "Memory pressure step scaling trigger",
			"Namespace":          "AWS/ECS",
			"MetricName":         "MemoryUtilization",
			"Statistic":          "Average",
			"Period":             60,
			"EvaluationPeriods":  2,
			"Threshold":          80,
			"ComparisonOperator": "GreaterThanThreshold",
			"Dimensions": []interface{}{
				map[string]interface{}{"Name": "ClusterName", "Value": Ref("Cluster")},
				map[string]interface{}{"Name": "ServiceName", "Value": GetAtt("Service", "Name")},
			},
			"AlarmActions": []interface{}{Ref("MemoryScalingPolicy")},
		},
	})
}

func envVar(name string, value Value) map[string]interface{} {
	return map[string]interface{}{"Name": name, "Value": value}
}

func secretVar(name string, secretArn Value, key string) map[string]interface{} {
	return map[string]interface{}{
		"Name":      name,
		"ValueFrom": Join(":", secretArn, key, "", ""),
	}
}

func logConfiguration(logGroup, prefix string) map[string]interface{} {
	return map[string]interface{}{
		"LogDriver": "awslogs",
		"Options": map[string]interface{}{
			"awslogs-group":         logGroup,
			"awslogs-region":        Ref("AWS::Region"),
			"awslogs-stream-prefix": prefix,
		},
	}
}
