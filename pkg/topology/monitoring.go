package topology

import (
	"fmt"
	"sort"

	"github.com/flowgrid/flowgrid/pkg/config"
)

// alarmSpec is the shape of a single metric alarm. Dimensions and
// treatment defaults are filled in by addAlarm.
type alarmSpec struct {
	id          string
	description string
	namespace   string
	metric      string
	statistic   string
	threshold   float64
	comparison  string
	periods     int
	datapoints  int
	missing     string
	dimensions  map[string]Value
}

// composeMonitoring produces the monitoring stack: the alarm
// topic, the service and infrastructure alarms, the metric
// filters feeding the workload metrics and the operations
// dashboard.
func (c *composer) composeMonitoring(compute ComputeHandle, storage *StorageHandle, database *DatabaseHandle, access *AccessHandle) (*StackDefinition, MonitoringHandle, error) {
	monitoring := c.env.Settings.Monitoring
	if monitoring == nil {
		monitoring = &config.MonitoringConfig{}
	}

	deps := []Role{RoleStorage, RoleCompute}
	if database != nil && !database.Imported {
		deps = append(deps, RoleDatabase)
	}
	if access != nil {
		deps = append(deps, RoleAccess)
	}
	s := c.newStack(RoleMonitoring, "alarms and dashboard", deps...)

	s.mustResource("AlarmTopic", Resource{
		Type: "AWS::SNS::Topic",
		Properties: map[string]interface{}{
			"TopicName": c.resourceName("alarms"),
		},
	})
	if monitoring.AlarmEmail != "" {
		s.mustResource("AlarmSubscription", Resource{
			Type: "AWS::SNS::Subscription",
			Properties: map[string]interface{}{
				"TopicArn": Ref("AlarmTopic"),
				"Protocol": "email",
				"Endpoint": monitoring.AlarmEmail,
			},
		})
	}

	namespace := monitoring.CustomMetricsNamespace
	if namespace == "" {
		namespace = fmt.Sprintf("%s/%s", c.cfg.Global.ProjectName, c.env.Name)
	}

	serviceDims := map[string]Value{
		"ClusterName": c.resourceName("cluster"),
		"ServiceName": c.resourceName("service"),
	}
	c.addAlarm(s, alarmSpec{
		id:          "CpuAlarm",
		description: "Workload CPU utilization is high",
		namespace:   "AWS/ECS",
		metric:      "CPUUtilization",
		statistic:   "Average",
		threshold:   80,
		comparison:  "GreaterThanThreshold",
		periods:     3,
		datapoints:  2,
		missing:     "notBreaching",
		dimensions:  serviceDims,
	})
	c.addAlarm(s, alarmSpec{
		id:          "MemoryAlarm",
		description: "Workload memory utilization is high",
		namespace:   "AWS/ECS",
		metric:      "MemoryUtilization",
		statistic:   "Average",
		threshold:   85,
		comparison:  "GreaterThanThreshold",
		periods:     3,
		datapoints:  2,
		missing:     "notBreaching",
		dimensions:  serviceDims,
	})
	c.addAlarm(s, alarmSpec{
		id:          "TaskCountAlarm",
		description: "No workload task is running",
		namespace:   "ECS/ContainerInsights",
		metric:      "RunningTaskCount",
		statistic:   "Average",
		threshold:   1,
		comparison:  "LessThanThreshold",
		periods:     2,
		missing:     "breaching",
		dimensions:  serviceDims,
	})
	c.addAlarm(s, alarmSpec{
		id:          "BurstCreditAlarm",
		description: "Filesystem burst credits are running out",
		namespace:   "AWS/EFS",
		metric:      "BurstCreditBalance",
		statistic:   "Average",
		threshold:   1e12,
		comparison:  "LessThanThreshold",
		periods:     3,
		missing:     "notBreaching",
		dimensions:  map[string]Value{"FileSystemId": storage.FileSystemID},
	})

	if database != nil && !database.Imported {
		// In cluster mode the member instance gets a generated
		// identifier, so alarms key on the cluster dimension.
		dbDims := map[string]Value{"DBInstanceIdentifier": c.resourceName("db")}
		if c.env.Settings.Database.AuroraServerless != nil {
			dbDims = map[string]Value{"DBClusterIdentifier": c.resourceName("db")}
		}
		c.addAlarm(s, alarmSpec{
			id:          "DatabaseCpuAlarm",
			description: "Datastore CPU utilization is high",
			namespace:   "AWS/RDS",
			metric:      "CPUUtilization",
			statistic:   "Average",
			threshold:   80,
			comparison:  "GreaterThanThreshold",
			periods:     3,
			missing:     "notBreaching",
			dimensions:  dbDims,
		})
		c.addAlarm(s, alarmSpec{
			id:          "DatabaseConnectionsAlarm",
			description: "Datastore connection count is high",
			namespace:   "AWS/RDS",
			metric:      "DatabaseConnections",
			statistic:   "Average",
			threshold:   50,
			comparison:  "GreaterThanThreshold",
			periods:     3,
			missing:     "notBreaching",
			dimensions:  dbDims,
		})
	}

	c.addWorkloadMetrics(s, compute, namespace, database != nil)

	if compute.Tunnel != nil {
		c.addTunnelMetrics(s, compute, namespace)
	}

	dashboardName := c.resourceName("dashboard")
	s.mustResource("Dashboard", Resource{
		Type: "AWS::CloudWatch::Dashboard",
		Properties: map[string]interface{}{
			"DashboardName": dashboardName,
			"DashboardBody": c.dashboardBody(namespace),
		},
	})

	s.AddOutput("AlarmTopicArn", Ref("AlarmTopic"), "Alarm notification topic ARN")

	handle := MonitoringHandle{
		AlarmTopicArn: s.OutputRef("AlarmTopicArn"),
		DashboardName: dashboardName,
	}
	return s, handle, nil
}

func (c *composer) addAlarm(s *StackDefinition, spec alarmSpec) {
	names := make([]string, 0, len(spec.dimensions))
	for name := range spec.dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	var dims []interface{}
	for _, name := range names {
		dims = append(dims, map[string]interface{}{"Name": name, "Value": spec.dimensions[name]})
	}
	properties := map[string]interface{}{
		"AlarmName":          c.resourceName("alarm", spec.id),
		"AlarmDescription":   spec.description,
		"Namespace":          spec.namespace,
		"MetricName":         spec.metric,
		"Statistic":          spec.statistic,
		"Period":             300,
		"EvaluationPeriods":  spec.periods,
		"Threshold":          spec.threshold,
		"ComparisonOperator": spec.comparison,
		"TreatMissingData":   spec.missing,
		"AlarmActions":       []interface{}{Ref("AlarmTopic")},
	}
	if len(dims) > 0 {
		properties["Dimensions"] = dims
	}
	if spec.datapoints > 0 {
		properties["DatapointsToAlarm"] = spec.datapoints
	}
	s.mustResource(spec.id, Resource{
		Type:       "AWS::CloudWatch::Alarm",
		Properties: properties,
	})
}

// addWorkloadMetrics extracts the workflow, webhook, error and
// queue metrics from the workload log stream and alarms on the
// failure rate, the webhook latency and the database error rate.
func (c *composer) addWorkloadMetrics(s *StackDefinition, compute ComputeHandle, namespace string, hasDatabase bool) {
	filters := []struct {
		id      string
		pattern string
		metric  string
		value   string
	}{
		{"WorkflowSuccessFilter", `{ $.event = "workflow.success" }`, "WorkflowSuccess", "1"},
		{"WorkflowFailureFilter", `{ $.event = "workflow.failed" }`, "WorkflowFailure", "1"},
		{"WorkflowDurationFilter", `{ ($.event = "workflow.success") || ($.event = "workflow.failed") }`, "WorkflowDuration", "$.durationMs"},
		{"WebhookRequestFilter", `{ $.event = "webhook.received" }`, "WebhookRequests", "1"},
		{"WebhookResponseFilter", `{ $.event = "webhook.response" }`, "WebhookResponseTime", "$.durationMs"},
		{"AuthErrorFilter", `{ $.event = "auth.failed" }`, "AuthenticationErrors", "1"},
		{"DatabaseErrorFilter", `{ $.event = "db.error" }`, "DatabaseConnectionErrors", "1"},
		{"NodeExecutionFilter", `{ $.event = "node.executed" }`, "NodeExecutionTime", "$.durationMs"},
		{"QueueDepthFilter", `{ $.event = "queue.status" }`, "QueueDepth", "$.queueSize"},
	}
	for _, f := range filters {
		s.mustResource(f.id, Resource{
			Type: "AWS::Logs::MetricFilter",
			Properties: map[string]interface{}{
				"LogGroupName":  compute.LogGroupName,
				"FilterPattern": f.pattern,
				"MetricTransformations": []interface{}{
					map[string]interface{}{
						"MetricNamespace": namespace,
						"MetricName":      f.metric,
						"MetricValue":     f.value,
						"DefaultValue":    0,
					},
				},
			},
		})
	}

	metric := func(id, name, stat string) map[string]interface{} {
		return map[string]interface{}{
			"Id":         id,
			"ReturnData": false,
			"MetricStat": map[string]interface{}{
				"Metric": map[string]interface{}{
					"Namespace":  namespace,
					"MetricName": name,
				},
				"Period": 300,
				"Stat":   stat,
			},
		}
	}
	s.mustResource("WorkflowFailureRateAlarm", Resource{
		Type: "AWS::CloudWatch::Alarm",
		Properties: map[string]interface{}{
			"AlarmName":        c.resourceName("alarm", "WorkflowFailureRate"),
			"AlarmDescription": "Workflow failure rate is above 10%",
			"Metrics": []interface{}{
				metric("failures", "WorkflowFailure", "Sum"),
				metric("successes", "WorkflowSuccess", "Sum"),
				map[string]interface{}{
					"Id":         "rate",
					"Expression": "(failures/(successes+failures))*100",
					"Label":      "Workflow failure rate",
					"ReturnData": true,
				},
			},
			"EvaluationPeriods":  3,
			"Threshold":          10,
			"ComparisonOperator": "GreaterThanThreshold",
			"TreatMissingData":   "notBreaching",
			"AlarmActions":       []interface{}{Ref("AlarmTopic")},
		},
	})
	c.addAlarm(s, alarmSpec{
		id:          "WebhookLatencyAlarm",
		description: "Webhook response time is above one second",
		namespace:   namespace,
		metric:      "WebhookResponseTime",
		statistic:   "Average",
		threshold:   1000,
		comparison:  "GreaterThanThreshold",
		periods:     3,
		missing:     "notBreaching",
	})
	if hasDatabase {
		c.addAlarm(s, alarmSpec{
			id:          "DatabaseErrorRateAlarm",
			description: "Workload is logging database connection errors",
			namespace:   namespace,
			metric:      "DatabaseConnectionErrors",
			statistic:   "Sum",
			threshold:   5,
			comparison:  "GreaterThanThreshold",
			periods:     2,
			missing:     "notBreaching",
		})
	}
}

// addTunnelMetrics derives tunnel health from the sidecar's log
// stream. The health metric counts registered connections, the
// error metric counts error lines.
func (c *composer) addTunnelMetrics(s *StackDefinition, compute ComputeHandle, namespace string) {
	s.mustResource("TunnelHealthFilter", Resource{
		Type: "AWS::Logs::MetricFilter",
		Properties: map[string]interface{}{
			"LogGroupName":  compute.LogGroupName,
			"FilterPattern": `"Registered tunnel connection"`,
			"MetricTransformations": []interface{}{
				map[string]interface{}{
					"MetricNamespace": namespace,
					"MetricName":      "TunnelConnections",
					"MetricValue":     "1",
					"DefaultValue":    0,
				},
			},
		},
	})
	s.mustResource("TunnelErrorFilter", Resource{
		Type: "AWS::Logs::MetricFilter",
		Properties: map[string]interface{}{
			"LogGroupName":  compute.LogGroupName,
			"FilterPattern": `"ERR"`,
			"MetricTransformations": []interface{}{
				map[string]interface{}{
					"MetricNamespace": namespace,
					"MetricName":      "TunnelErrors",
					"MetricValue":     "1",
					"DefaultValue":    0,
				},
			},
		},
	})
	c.addAlarm(s, alarmSpec{
		id:          "TunnelHealthAlarm",
		description: "Tunnel has no registered connection",
		namespace:   namespace,
		metric:      "TunnelConnections",
		statistic:   "Sum",
		threshold:   1,
		comparison:  "LessThanThreshold",
		periods:     3,
		datapoints:  2,
		missing:     "breaching",
	})
	c.addAlarm(s, alarmSpec{
		id:          "TunnelErrorAlarm",
		description: "Tunnel is logging errors",
		namespace:   namespace,
		metric:      "TunnelErrors",
		statistic:   "Sum",
		threshold:   10,
		comparison:  "GreaterThanThreshold",
		periods:     2,
		missing:     "notBreaching",
	})
}

// dashboardBody renders the operations dashboard. Resource names
// are deterministic, so the body is assembled statically.
func (c *composer) dashboardBody(namespace string) string {
	cluster := c.resourceName("cluster")
	service := c.resourceName("service")
	return fmt.Sprintf(`{
  "widgets": [
    {
      "type": "metric", "x": 0, "y": 0, "width": 12, "height": 6,
      "properties": {
        "title": "Service utilization",
        "metrics": [
          ["AWS/ECS", "CPUUtilization", "ClusterName", %[1]q, "ServiceName", %[2]q],
          ["AWS/ECS", "MemoryUtilization", "ClusterName", %[1]q, "ServiceName", %[2]q]
        ],
        "period": 300, "stat": "Average", "region": %[3]q
      }
    },
    {
      "type": "metric", "x": 12, "y": 0, "width": 12, "height": 6,
      "properties": {
        "title": "Running tasks",
        "metrics": [
          ["ECS/ContainerInsights", "RunningTaskCount", "ClusterName", %[1]q, "ServiceName", %[2]q]
        ],
        "period": 300, "stat": "Average", "region": %[3]q
      }
    },
    {
      "type": "metric", "x": 0, "y": 6, "width": 12, "height": 6,
      "properties": {
        "title": "Workflow executions",
        "metrics": [
          [%[4]q, "WorkflowSuccess"],
          [%[4]q, "WorkflowFailure"]
        ],
        "period": 300, "stat": "Sum", "region": %[3]q
      }
    },
    {
      "type": "metric", "x": 12, "y": 6, "width": 12, "height": 6,
      "properties": {
        "title": "Webhook latency",
        "metrics": [
          [%[4]q, "WebhookResponseTime"]
        ],
        "period": 300, "stat": "Average", "region": %[3]q
      }
    }
  ]
}`, cluster, service, c.env.Region, namespace)
}
