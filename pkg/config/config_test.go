package config

import (
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
)

const testDocument = `
version: "1.0"
global:
  project_name: flowgrid
  organization: acme
  tags:
    Owner: platform
    CostCenter: "{{ .Environment }}-ops"
  cost_allocation_tags:
    - CostCenter
defaults:
  fargate:
    cpu: 512
    memory: 1024
    image: example/app:1.0
  networking:
    nat_gateways: 0
shared_resources:
  certificates:
    app.example.com: arn:aws:acm:us-east-1:111111111111:certificate/abc
environments:
  development:
    account: "111111111111"
    region: eu-west-1
    tags:
      Tier: dev
  production:
    account: "222222222222"
    region: eu-west-1
    settings:
      networking:
        nat_gateways: 2
      fargate:
        cpu: 1024
        memory: 2048
        image: example/app:1.0
      database:
        enabled: true
        multi_az: true
      scaling:
        min_tasks: 2
        max_tasks: 6
`

func load(t *testing.T, doc string) *Config {
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	return cfg
}

func TestLoad(t *testing.T) {
	require := require.New(t)

	cfg := load(t, testDocument)
	require.Equal("flowgrid", cfg.Global.ProjectName)
	require.Equal("acme", cfg.Global.Organization)
	require.Len(cfg.Environments, 2)
	require.Equal("development", cfg.Environments["development"].Name)

	id, ok := cfg.SharedResources.Lookup("certificates", "app.example.com")
	require.True(ok)
	require.Equal("arn:aws:acm:us-east-1:111111111111:certificate/abc", id)

	_, ok = cfg.SharedResources.Lookup("hosted_zones", "app.example.com")
	require.False(ok)
}

func TestLoadSyntaxError(t *testing.T) {
	require := require.New(t)

	_, err := Load(strings.NewReader("version: [unclosed"))
	require.Error(err)
}

func TestLoadVersionGate(t *testing.T) {
	require := require.New(t)

	_, err := Load(strings.NewReader(`version: "2.0"`))
	require.True(errors.IsNotValid(err), "got %v", err)

	_, err = Load(strings.NewReader(`version: "not-a-version"`))
	require.True(errors.IsNotValid(err), "got %v", err)

	// Unversioned documents are accepted.
	_, err = Load(strings.NewReader(`global: {project_name: x}`))
	require.NoError(err)
}

func TestResolveMergesDefaults(t *testing.T) {
	require := require.New(t)

	cfg := load(t, testDocument)

	env, err := cfg.Resolve("development")
	require.NoError(err)
	require.Equal("development", env.Name)
	require.Equal(512, env.Settings.Fargate.Cpu)
	require.Equal("example/app:1.0", env.Settings.Fargate.Image)

	// Environment settings win over the defaults.
	env, err = cfg.Resolve("production")
	require.NoError(err)
	require.Equal(1024, env.Settings.Fargate.Cpu)
	require.Equal(2, env.Settings.Networking.NatGateways)
	require.True(env.Settings.Database.MultiAz)
}

func TestResolveDoesNotMutateConfig(t *testing.T) {
	require := require.New(t)

	cfg := load(t, testDocument)
	_, err := cfg.Resolve("development")
	require.NoError(err)

	// The stored environment must still have no fargate block of
	// its own.
	require.Nil(cfg.Environments["development"].Settings.Fargate)
}

func TestResolveDoesNotMutateNestedSettings(t *testing.T) {
	require := require.New(t)

	cfg := load(t, `
global:
  project_name: flowgrid
defaults:
  networking:
    nat_gateways: 2
environments:
  development:
    settings:
      networking:
        vpc_cidr: 10.1.0.0/16
      fargate:
        image: example/app:1.0
`)
	env, err := cfg.Resolve("development")
	require.NoError(err)
	require.Equal(2, env.Settings.Networking.NatGateways)
	require.Equal("10.1.0.0/16", env.Settings.Networking.VpcCidr)

	// Merging the defaults must not write through the shared
	// networking block of the stored environment.
	require.Equal(0, cfg.Environments["development"].Settings.Networking.NatGateways)
	require.Equal(2, cfg.Defaults.Networking.NatGateways)
	require.Empty(cfg.Defaults.Networking.VpcCidr)

	// Resolving twice yields the same result.
	env, err = cfg.Resolve("development")
	require.NoError(err)
	require.Equal(2, env.Settings.Networking.NatGateways)
}

func TestResolveUnknownEnvironment(t *testing.T) {
	require := require.New(t)

	cfg := load(t, testDocument)
	_, err := cfg.Resolve("qa")
	require.True(errors.IsNotFound(err), "got %v", err)
}

func TestStackTags(t *testing.T) {
	require := require.New(t)

	cfg := load(t, testDocument)
	env, err := cfg.Resolve("development")
	require.NoError(err)

	tags, err := cfg.StackTags(env, "flowgrid-development-network")
	require.NoError(err)

	require.Equal("platform", tags["Owner"])
	require.Equal("development-ops", tags["CostCenter"])
	require.Equal("dev", tags["Tier"])
	require.Equal("development", tags["Environment"])
	require.Equal("flowgrid-development-network", tags["Stack"])
	require.Equal("flowgrid", tags["ProjectName"])
	require.Equal("acme", tags["Organization"])
}

func TestStackTagsPrecedence(t *testing.T) {
	require := require.New(t)

	cfg := load(t, testDocument)
	cfg.Global.Tags["Environment"] = "from-global"
	cfg.Environments["development"].Tags["Environment"] = "from-env"

	env, err := cfg.Resolve("development")
	require.NoError(err)
	tags, err := cfg.StackTags(env, "s")
	require.NoError(err)

	// The standard tags always win.
	require.Equal("development", tags["Environment"])
}

func TestCostAllocationTags(t *testing.T) {
	require := require.New(t)

	cfg := load(t, testDocument)
	env, err := cfg.Resolve("development")
	require.NoError(err)

	tags := cfg.CostAllocationTags(env)
	require.Len(tags, 1)
	require.Contains(tags, "CostCenter")
}

func TestFeatureFlags(t *testing.T) {
	require := require.New(t)

	s := Settings{Features: map[string]interface{}{
		"resilience":        false,
		"service_discovery": true,
	}}
	require.True(s.FeatureDisabled("resilience"))
	require.False(s.FeatureEnabled("resilience"))
	require.True(s.FeatureEnabled("service_discovery"))
	require.False(s.FeatureDisabled("service_discovery"))

	// Absent flags are neither enabled nor disabled.
	require.False(s.FeatureEnabled("unknown"))
	require.False(s.FeatureDisabled("unknown"))
}

func TestEnvironmentClassification(t *testing.T) {
	require := require.New(t)

	for name, production := range map[string]bool{
		"production": true,
		"prod":       true,
		"Production": true,
		"staging":    false,
		"dev":        false,
	} {
		e := &Environment{Name: name}
		require.Equal(production, e.IsProduction(), "environment %s", name)
	}
	require.True((&Environment{Name: "staging"}).IsStaging())
	require.True((&Environment{Name: "dev"}).IsDevelopment())
	require.True((&Environment{Name: "development"}).IsDevelopment())
}

func TestAccessTypeDefault(t *testing.T) {
	require := require.New(t)

	require.Equal(AccessTypeApiGateway, Settings{}.AccessType())
	require.Equal(AccessTypeCloudflare, Settings{
		Access: &AccessConfig{Type: AccessTypeCloudflare},
	}.AccessType())
}
