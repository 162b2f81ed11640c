package topology

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/pkg/config"
)

func cloudflareSettings() config.Settings {
	return config.Settings{
		Access: &config.AccessConfig{
			Type: config.AccessTypeCloudflare,
			Cloudflare: &config.CloudflareConfig{
				TunnelName:            "flowgrid-tunnel",
				TunnelDomain:          "app.example.com",
				TunnelTokenSecretName: "flowgrid/tunnel-token",
			},
		},
	}
}

func appContainer(t *testing.T, s *StackDefinition) map[string]interface{} {
	for _, c := range containers(t, s) {
		container := c.(map[string]interface{})
		if container["Name"] == "app" {
			return container
		}
	}
	t.Fatal("app container not found")
	return nil
}

func TestComputeRequiresImage(t *testing.T) {
	require := require.New(t)

	cfg := testConfig("development", config.Settings{})
	cfg.Environments["development"].Settings.Fargate.Image = ""
	_, err := Compose(cfg, "development")
	require.True(errors.IsNotValid(err), "got %v", err)
}

func TestComputeTaskDefaults(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", config.Settings{})
	task := properties(t, d.Stack(RoleCompute), "TaskDefinition")

	require.Equal("512", task["Cpu"])
	require.Equal("1024", task["Memory"])
	require.Equal("awsvpc", task["NetworkMode"])

	volume := task["Volumes"].([]interface{})[0].(map[string]interface{})
	efs := volume["EFSVolumeConfiguration"].(map[string]interface{})
	require.Equal("ENABLED", efs["TransitEncryption"])
	require.Equal(Ref("StorageAccessPointId"), efs["AuthorizationConfig"].(map[string]interface{})["AccessPointId"])

	app := appContainer(t, d.Stack(RoleCompute))
	port := app["PortMappings"].([]interface{})[0].(map[string]interface{})
	require.Equal(5678, port["ContainerPort"])
}

func TestComputeResilienceWiring(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", config.Settings{
		Features: map[string]interface{}{"resilience_enabled": true},
	})
	compute := d.Stack(RoleCompute)

	queues := compute.ResourcesOfType("AWS::SQS::Queue")
	require.Len(queues, 2)
	require.Contains(queues, "WebhookDlq")
	require.Contains(queues, "WorkflowDlq")

	_, ok := compute.Resource("CircuitBreakerFunction")
	require.True(ok)

	env := containerEnv(t, appContainer(t, compute))
	require.Equal(Ref("WebhookDlq"), env["WEBHOOK_DLQ_URL"])
	require.Equal(Ref("WorkflowDlq"), env["WORKFLOW_DLQ_URL"])
	require.Equal(Ref("CircuitBreakerFunction"), env["CIRCUIT_BREAKER_FUNCTION"])
}

func TestComputeResilienceOffByDefault(t *testing.T) {
	require := require.New(t)

	// Resilience add-ons are opt-in: absent flags and an explicit
	// false both compose without them.
	for _, settings := range []config.Settings{
		{},
		{Features: map[string]interface{}{"resilience_enabled": false}},
	} {
		d := compose(t, "development", settings)
		compute := d.Stack(RoleCompute)

		require.Empty(compute.ResourcesOfType("AWS::SQS::Queue"))
		require.Empty(compute.ResourcesOfType("AWS::Lambda::Function"))
		_, ok := compute.Resource("WebhookDlq")
		require.False(ok)

		env := containerEnv(t, appContainer(t, compute))
		require.NotContains(env, "WEBHOOK_DLQ_URL")
		require.NotContains(env, "CIRCUIT_BREAKER_FUNCTION")
	}
}

func TestComputeTunnelSidecar(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", cloudflareSettings())
	compute := d.Stack(RoleCompute)

	defs := containers(t, compute)
	require.Len(defs, 2)

	var tunnel map[string]interface{}
	for _, c := range defs {
		container := c.(map[string]interface{})
		if container["Name"] == "tunnel" {
			tunnel = container
		}
	}
	require.NotNil(tunnel)
	require.Equal("cloudflare/cloudflared:latest", tunnel["Image"])

	// Tunnel mode connects outbound: no access stack, no service
	// registry entry.
	require.Nil(d.Access)
	require.Nil(d.Stack(RoleAccess))
	require.Nil(d.Compute.ServiceDiscovery)
	require.Empty(compute.ResourcesOfType("AWS::ServiceDiscovery::Service"))

	require.NotNil(d.Compute.Tunnel)
	require.Equal("flowgrid-tunnel", d.Compute.Tunnel.Name)
}

func TestComputeTunnelRequiresTokenSecret(t *testing.T) {
	require := require.New(t)

	settings := cloudflareSettings()
	settings.Access.Cloudflare.TunnelTokenSecretName = ""
	_, err := Compose(testConfig("development", settings), "development")
	require.True(errors.IsNotValid(err), "got %v", err)
}

func TestComputeServiceDiscoveryDisabled(t *testing.T) {
	require := require.New(t)

	d := compose(t, "development", config.Settings{
		Features: map[string]interface{}{"service_discovery": false},
	})
	compute := d.Stack(RoleCompute)

	require.Nil(d.Compute.ServiceDiscovery)
	require.Empty(compute.ResourcesOfType("AWS::ServiceDiscovery::Service"))
	require.NotContains(properties(t, compute, "Service"), "ServiceRegistries")
}

func TestComputeSpotStrategy(t *testing.T) {
	require := require.New(t)

	settings := config.Settings{
		Fargate: &config.FargateConfig{Image: "example/app:1.0", SpotPercentage: 70},
	}
	d := compose(t, "development", settings)
	service := properties(t, d.Stack(RoleCompute), "Service")

	strategy := service["CapacityProviderStrategy"].([]interface{})
	require.Len(strategy, 2)
	spot := strategy[0].(map[string]interface{})
	require.Equal("FARGATE_SPOT", spot["CapacityProvider"])
	require.Equal(70, spot["Weight"])
	require.NotContains(service, "LaunchType")

	// Production never runs on spot capacity.
	d = compose(t, "production", settings)
	service = properties(t, d.Stack(RoleCompute), "Service")
	require.NotContains(service, "CapacityProviderStrategy")
	require.Equal("FARGATE", service["LaunchType"])
}

func TestComputeAutoscalingGates(t *testing.T) {
	require := require.New(t)

	// No scaling block means no scaling resources.
	d := compose(t, "development", config.Settings{})
	require.Empty(d.Stack(RoleCompute).ResourcesOfType("AWS::ApplicationAutoScaling::ScalableTarget"))

	// Bounds that cannot scale are skipped.
	d = compose(t, "development", config.Settings{
		Scaling: &config.ScalingConfig{MinTasks: 3, MaxTasks: 3},
	})
	require.Empty(d.Stack(RoleCompute).ResourcesOfType("AWS::ApplicationAutoScaling::ScalableTarget"))
}

func TestComputeCpuScalingPolicy(t *testing.T) {
	require := require.New(t)

	d := compose(t, "staging", config.Settings{
		Scaling: &config.ScalingConfig{MinTasks: 1, MaxTasks: 4, TargetCpuUtilization: 60},
	})
	compute := d.Stack(RoleCompute)

	target := properties(t, compute, "ScalableTarget")
	require.Equal(1, target["MinCapacity"])
	require.Equal(4, target["MaxCapacity"])

	policy := properties(t, compute, "CpuScalingPolicy")
	tracking := policy["TargetTrackingScalingPolicyConfiguration"].(map[string]interface{})
	require.Equal(60.0, tracking["TargetValue"])
	require.Equal(300, tracking["ScaleInCooldown"])

	// Memory step scaling is a production-only policy.
	_, ok := compute.Resource("MemoryScalingPolicy")
	require.False(ok)
}

func TestComputeMemoryStepScalingOnProduction(t *testing.T) {
	require := require.New(t)

	d := compose(t, "production", config.Settings{
		Scaling: &config.ScalingConfig{MinTasks: 2, MaxTasks: 6},
	})
	compute := d.Stack(RoleCompute)

	policy := properties(t, compute, "MemoryScalingPolicy")
	step := policy["StepScalingPolicyConfiguration"].(map[string]interface{})
	require.Equal(300, step["Cooldown"])

	adjustments := step["StepAdjustments"].([]interface{})
	require.Len(adjustments, 2)
	first := adjustments[0].(map[string]interface{})
	require.Equal(1, first["ScalingAdjustment"])
	second := adjustments[1].(map[string]interface{})
	require.Equal(2, second["ScalingAdjustment"])

	alarm := properties(t, compute, "MemoryScaleOutAlarm")
	require.Equal(80, alarm["Threshold"])
}

func TestComputeContainerInsights(t *testing.T) {
	require := require.New(t)

	insights := func(d *Deployment) string {
		settings := properties(t, d.Stack(RoleCompute), "Cluster")["ClusterSettings"].([]interface{})
		return settings[0].(map[string]interface{})["Value"].(string)
	}

	require.Equal("enabled", insights(compose(t, "production", config.Settings{})))
	require.Equal("disabled", insights(compose(t, "development", config.Settings{})))
	require.Equal("enabled", insights(compose(t, "development", config.Settings{
		Monitoring: &config.MonitoringConfig{EnableContainerInsights: true},
	})))
}
