package topology

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flowgrid/flowgrid/pkg/config"
)

const (
	databasePort         = 5432
	defaultInstanceClass = "db.t4g.micro"
	databaseEngine       = "postgres"
	auroraEngine         = "aurora-postgresql"
)

// composeDatabase produces the database stack: a serverless
// cluster or a single provisioned instance. In import mode the
// datastore is managed elsewhere and no stack is produced at all;
// only the connection secret flows into the handle.
func (c *composer) composeDatabase(network NetworkHandle) (*StackDefinition, DatabaseHandle, error) {
	settings := c.env.Settings.Database

	if settings.UseExisting {
		handle, err := c.importDatabase(settings)
		if err != nil {
			return nil, DatabaseHandle{}, errors.Trace(err)
		}
		return nil, handle, nil
	}

	s := c.newStack(RoleDatabase, "datastore", RoleNetwork)

	s.mustResource("DatabaseSecurityGroup", Resource{
		Type: "AWS::EC2::SecurityGroup",
		Properties: map[string]interface{}{
			"GroupName":        c.resourceName("sg", "db"),
			"GroupDescription": "Security group for the datastore",
			"VpcId":            network.VpcID,
			"SecurityGroupIngress": []interface{}{
				map[string]interface{}{
					"SourceSecurityGroupId": network.AppSecurityGroupID,
					"IpProtocol":            "tcp",
					"FromPort":              databasePort,
					"ToPort":                databasePort,
					"Description":           "Allow database traffic from workload containers",
				},
			},
		},
	})

	subnets := make([]interface{}, len(network.Subnets))
	for i, subnet := range network.Subnets {
		subnets[i] = subnet
	}
	s.mustResource("DatabaseSubnetGroup", Resource{
		Type: "AWS::RDS::DBSubnetGroup",
		Properties: map[string]interface{}{
			"DBSubnetGroupDescription": "Subnet group for the datastore",
			"SubnetIds":                subnets,
		},
	})

	s.mustResource("DatabaseSecret", Resource{
		Type: "AWS::SecretsManager::Secret",
		Properties: map[string]interface{}{
			"Name":        c.resourceName("secret", "db"),
			"Description": "Datastore credentials",
			"GenerateSecretString": map[string]interface{}{
				"SecretStringTemplate": `{"username": "appuser"}`,
				"GenerateStringKey":    "password",
				"PasswordLength":       32,
				"ExcludeCharacters":    `"@/\`,
			},
		},
	})

	var endpoint Value
	if settings.AuroraServerless != nil {
		endpoint = c.addServerlessCluster(s, settings)
	} else {
		endpoint = c.addInstance(s, settings)
	}

	s.AddOutput("DatabaseEndpoint", endpoint, "Datastore endpoint address")
	s.AddOutput("DatabaseSecretArn", Ref("DatabaseSecret"), "Datastore credentials secret ARN")
	s.AddOutput("DatabaseSecurityGroupId", Ref("DatabaseSecurityGroup"), "Security group ID of the datastore")

	handle := DatabaseHandle{
		Endpoint:        s.OutputRef("DatabaseEndpoint"),
		SecretArn:       s.OutputRef("DatabaseSecretArn"),
		SecurityGroupID: s.OutputRef("DatabaseSecurityGroupId"),
	}
	return s, handle, nil
}

// importDatabase wires an externally managed datastore. Only the
// connection secret is known; the endpoint is resolved from the
// secret at runtime, so the handle leaves it nil.
func (c *composer) importDatabase(settings *config.DatabaseConfig) (DatabaseHandle, error) {
	if settings.ConnectionSecretArn == "" {
		return DatabaseHandle{}, errors.NotValidf("database: connection_secret_arn is required when use_existing is set")
	}
	return DatabaseHandle{
		SecretArn: settings.ConnectionSecretArn,
		Imported:  true,
	}, nil
}

// addServerlessCluster creates a serverless v2 cluster with a
// single cluster member.
func (c *composer) addServerlessCluster(s *StackDefinition, settings *config.DatabaseConfig) Value {
	minCapacity := settings.AuroraServerless.MinCapacity
	if minCapacity == 0 {
		minCapacity = 0.5
	}
	maxCapacity := settings.AuroraServerless.MaxCapacity
	if maxCapacity == 0 {
		maxCapacity = 1.0
		if c.env.IsProduction() {
			maxCapacity = 4.0
		}
	}
	cluster := map[string]interface{}{
		"Engine":                auroraEngine,
		"DBClusterIdentifier":   c.resourceName("db"),
		"MasterUsername":        Sub("{{resolve:secretsmanager:${DatabaseSecret}:SecretString:username}}"),
		"MasterUserPassword":    Sub("{{resolve:secretsmanager:${DatabaseSecret}:SecretString:password}}"),
		"Port":                  databasePort,
		"DBSubnetGroupName":     Ref("DatabaseSubnetGroup"),
		"VpcSecurityGroupIds":   []interface{}{Ref("DatabaseSecurityGroup")},
		"BackupRetentionPeriod": c.backupRetention(settings),
		"PreferredBackupWindow": "03:00-04:00",
		"StorageEncrypted":      true,
		"ServerlessV2ScalingConfiguration": map[string]interface{}{
			"MinCapacity": minCapacity,
			"MaxCapacity": maxCapacity,
		},
	}
	if c.env.IsProduction() {
		cluster["DeletionProtection"] = true
		cluster["EnableCloudwatchLogsExports"] = []interface{}{"postgresql"}
		c.addDatabaseLogGroup(s, "/aws/rds/cluster")
	}
	s.mustResource("DatabaseCluster", Resource{
		Type:       "AWS::RDS::DBCluster",
		Properties: cluster,
	})

	member := map[string]interface{}{
		"Engine":              auroraEngine,
		"DBClusterIdentifier": Ref("DatabaseCluster"),
		"DBInstanceClass":     "db.serverless",
	}
	if c.env.IsProduction() {
		member["EnablePerformanceInsights"] = true
	}
	s.mustResource("DatabaseClusterInstance", Resource{
		Type:       "AWS::RDS::DBInstance",
		Properties: member,
	})

	return GetAtt("DatabaseCluster", "Endpoint.Address")
}

// addDatabaseLogGroup owns the exported engine log group so its
// retention is bounded instead of the infinite default.
func (c *composer) addDatabaseLogGroup(s *StackDefinition, prefix string) {
	s.mustResource("DatabaseLogGroup", Resource{
		Type: "AWS::Logs::LogGroup",
		Properties: map[string]interface{}{
			"LogGroupName":    fmt.Sprintf("%s/%s/postgresql", prefix, c.resourceName("db")),
			"RetentionInDays": 30,
		},
	})
}

// instanceClass validates the dotted 'db.<class>.<size>' shape
// and falls back to the smallest viable class on anything else.
func (c *composer) instanceClass(raw string) string {
	if raw == "" {
		return defaultInstanceClass
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] != "db" || parts[1] == "" || parts[2] == "" {
		log.Warnf("invalid database instance class '%s', falling back to %s", raw, defaultInstanceClass)
		return defaultInstanceClass
	}
	return raw
}

// addInstance creates a single provisioned instance.
func (c *composer) addInstance(s *StackDefinition, settings *config.DatabaseConfig) Value {
	class := c.instanceClass(settings.InstanceClass)
	instance := map[string]interface{}{
		"Engine":                databaseEngine,
		"DBInstanceIdentifier":  c.resourceName("db"),
		"DBInstanceClass":       class,
		"AllocatedStorage":      "20",
		"StorageType":           "gp3",
		"MasterUsername":        Sub("{{resolve:secretsmanager:${DatabaseSecret}:SecretString:username}}"),
		"MasterUserPassword":    Sub("{{resolve:secretsmanager:${DatabaseSecret}:SecretString:password}}"),
		"Port":                  databasePort,
		"DBSubnetGroupName":     Ref("DatabaseSubnetGroup"),
		"VPCSecurityGroups":     []interface{}{Ref("DatabaseSecurityGroup")},
		"MultiAZ":               settings.MultiAz,
		"BackupRetentionPeriod": c.backupRetention(settings),
		"PreferredBackupWindow": "03:00-04:00",
		"StorageEncrypted":      true,
		"PubliclyAccessible":    false,
	}
	if c.env.IsProduction() {
		instance["DeletionProtection"] = true
		instance["EnablePerformanceInsights"] = true
		instance["EnableCloudwatchLogsExports"] = []interface{}{"postgresql"}
		c.addDatabaseLogGroup(s, "/aws/rds/instance")
	}
	s.mustResource("DatabaseInstance", Resource{
		Type:       "AWS::RDS::DBInstance",
		Properties: instance,
	})

	return GetAtt("DatabaseInstance", "Endpoint.Address")
}

// backupRetention defaults to a week of backups on production and
// a single day elsewhere.
func (c *composer) backupRetention(settings *config.DatabaseConfig) int {
	if settings.BackupRetentionDays > 0 {
		return settings.BackupRetentionDays
	}
	if c.env.IsProduction() {
		return 7
	}
	return 1
}
