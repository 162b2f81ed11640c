package config

import (
	"strings"
)

// Config is the full configuration document for a flowgrid
// deployment: global settings, per-environment settings and
// references to resources provisioned outside of flowgrid.
type Config struct {
	// Version is the config format version. It is checked
	// against the version constraint supported by this build.
	Version string

	Global       GlobalConfig
	Defaults     *Settings
	Environments map[string]*Environment

	// SharedResources references resources that are managed
	// outside of flowgrid, e.g. a pre-existing certificate or
	// hosted zone.
	SharedResources SharedResources `mapstructure:"shared_resources"`
}

// GlobalConfig holds settings common to all environments.
type GlobalConfig struct {
	ProjectName        string `mapstructure:"project_name"`
	Organization       string
	Tags               map[string]string
	CostAllocationTags []string `mapstructure:"cost_allocation_tags"`
}

// Environment is the settings block of a single environment.
// Once resolved by Resolve, the instance is treated as immutable;
// topology builders only read it.
type Environment struct {
	Name     string `mapstructure:"-"`
	Account  string
	Region   string
	Settings Settings
	Tags     map[string]string
}

// Settings contains the per-subsystem settings of an environment.
type Settings struct {
	Networking *NetworkingConfig
	Fargate    *FargateConfig
	Scaling    *ScalingConfig
	Database   *DatabaseConfig
	Access     *AccessConfig
	Monitoring *MonitoringConfig
	Features   map[string]interface{}
}

// NetworkingConfig configures the network topology.
type NetworkingConfig struct {
	UseExistingVpc    bool     `mapstructure:"use_existing_vpc"`
	VpcID             string   `mapstructure:"vpc_id"`
	SubnetIDs         []string `mapstructure:"subnet_ids"`
	VpcCidr           string   `mapstructure:"vpc_cidr"`
	NatGateways       int      `mapstructure:"nat_gateways"`
	AvailabilityZones []string `mapstructure:"availability_zones"`
}

// FargateConfig configures the workload task shape.
type FargateConfig struct {
	Cpu            int    `mapstructure:"cpu"`
	Memory         int    `mapstructure:"memory"`
	Image          string `mapstructure:"image"`
	DesiredCount   int    `mapstructure:"desired_count"`
	SpotPercentage int    `mapstructure:"spot_percentage"`
}

// ScalingConfig configures service autoscaling bounds.
type ScalingConfig struct {
	MinTasks             int `mapstructure:"min_tasks"`
	MaxTasks             int `mapstructure:"max_tasks"`
	TargetCpuUtilization int `mapstructure:"target_cpu_utilization"`
	ScaleInCooldown      int `mapstructure:"scale_in_cooldown"`
	ScaleOutCooldown     int `mapstructure:"scale_out_cooldown"`
}

// DatabaseConfig configures the optional database topology.
type DatabaseConfig struct {
	Enabled             bool
	UseExisting         bool                    `mapstructure:"use_existing"`
	ConnectionSecretArn string                  `mapstructure:"connection_secret_arn"`
	AuroraServerless    *AuroraServerlessConfig `mapstructure:"aurora_serverless"`
	InstanceClass       string                  `mapstructure:"instance_class"`
	MultiAz             bool                    `mapstructure:"multi_az"`
	BackupRetentionDays int                     `mapstructure:"backup_retention_days"`
}

// AuroraServerlessConfig bounds serverless cluster capacity.
type AuroraServerlessConfig struct {
	MinCapacity float64 `mapstructure:"min_capacity"`
	MaxCapacity float64 `mapstructure:"max_capacity"`
}

// AccessType is the chosen ingress mode.
type AccessType string

const (
	// AccessTypeApiGateway exposes the service through an HTTP API
	// gateway, optionally fronted by CloudFront and WAF. This is
	// the default when no access type is configured.
	AccessTypeApiGateway AccessType = "api_gateway"

	// AccessTypeCloudflare exposes the service through an
	// outbound-initiated Cloudflare tunnel sidecar. No inbound
	// network path is provisioned in this mode.
	AccessTypeCloudflare AccessType = "cloudflare"
)

// AccessConfig configures the ingress path.
type AccessConfig struct {
	Type              AccessType
	DomainName        string   `mapstructure:"domain_name"`
	CorsOrigins       []string `mapstructure:"cors_origins"`
	CloudfrontEnabled bool     `mapstructure:"cloudfront_enabled"`
	WafEnabled        bool     `mapstructure:"waf_enabled"`
	IpWhitelist       []string `mapstructure:"ip_whitelist"`
	Cloudflare        *CloudflareConfig
}

// CloudflareConfig configures the tunnel sidecar.
type CloudflareConfig struct {
	TunnelName            string `mapstructure:"tunnel_name"`
	TunnelDomain          string `mapstructure:"tunnel_domain"`
	TunnelTokenSecretName string `mapstructure:"tunnel_token_secret_name"`
}

// MonitoringConfig configures alarms and dashboards.
type MonitoringConfig struct {
	AlarmEmail              string `mapstructure:"alarm_email"`
	EnableContainerInsights bool   `mapstructure:"enable_container_insights"`
	CustomMetricsNamespace  string `mapstructure:"custom_metrics_namespace"`
}

// SharedResources maps (category, name) to an external resource
// identifier. It is read-only for topology builders.
type SharedResources map[string]map[string]string

// Lookup returns the identifier registered under (category, name).
func (s SharedResources) Lookup(category, name string) (string, bool) {
	if s == nil {
		return "", false
	}
	resources, ok := s[category]
	if !ok {
		return "", false
	}
	id, ok := resources[name]
	return id, ok
}

// AccessType returns the configured ingress mode, defaulting to
// the managed gateway when no explicit mode is set.
func (s Settings) AccessType() AccessType {
	if s.Access == nil || s.Access.Type == "" {
		return AccessTypeApiGateway
	}
	return s.Access.Type
}

// clone returns a deep copy of the settings. Merging defaults
// into the copy must never write through to the stored config.
func (s Settings) clone() Settings {
	c := s
	if s.Networking != nil {
		networking := *s.Networking
		networking.SubnetIDs = append([]string(nil), s.Networking.SubnetIDs...)
		networking.AvailabilityZones = append([]string(nil), s.Networking.AvailabilityZones...)
		c.Networking = &networking
	}
	if s.Fargate != nil {
		fargate := *s.Fargate
		c.Fargate = &fargate
	}
	if s.Scaling != nil {
		scaling := *s.Scaling
		c.Scaling = &scaling
	}
	if s.Database != nil {
		database := *s.Database
		if s.Database.AuroraServerless != nil {
			aurora := *s.Database.AuroraServerless
			database.AuroraServerless = &aurora
		}
		c.Database = &database
	}
	if s.Access != nil {
		access := *s.Access
		access.CorsOrigins = append([]string(nil), s.Access.CorsOrigins...)
		access.IpWhitelist = append([]string(nil), s.Access.IpWhitelist...)
		if s.Access.Cloudflare != nil {
			cloudflare := *s.Access.Cloudflare
			access.Cloudflare = &cloudflare
		}
		c.Access = &access
	}
	if s.Monitoring != nil {
		monitoring := *s.Monitoring
		c.Monitoring = &monitoring
	}
	if s.Features != nil {
		features := make(map[string]interface{}, len(s.Features))
		for k, v := range s.Features {
			features[k] = v
		}
		c.Features = features
	}
	return c
}

// FeatureEnabled reports whether a boolean feature flag is set.
func (s Settings) FeatureEnabled(name string) bool {
	if s.Features == nil {
		return false
	}
	v, ok := s.Features[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// FeatureDisabled reports whether a feature flag is explicitly
// set to false. Unlike !FeatureEnabled, an absent flag does not
// count as disabled.
func (s Settings) FeatureDisabled(name string) bool {
	if s.Features == nil {
		return false
	}
	v, ok := s.Features[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

// IsProduction reports whether the environment is production-class.
func (e *Environment) IsProduction() bool {
	name := strings.ToLower(e.Name)
	return name == "production" || name == "prod"
}

// IsDevelopment reports whether the environment is development-class.
func (e *Environment) IsDevelopment() bool {
	name := strings.ToLower(e.Name)
	return name == "development" || name == "dev"
}

// IsStaging reports whether the environment is staging-class.
func (e *Environment) IsStaging() bool {
	return strings.ToLower(e.Name) == "staging"
}

// SpotEnabled reports whether Fargate Spot capacity should be used.
func (e *Environment) SpotEnabled() bool {
	return e.Settings.Fargate != nil && e.Settings.Fargate.SpotPercentage > 0
}
