package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/pkg/config"
)

// testConfig returns a single-environment config with the given
// settings. The workload image is filled in when the caller left
// it unset, since composition requires one.
func testConfig(envName string, settings config.Settings) *config.Config {
	if settings.Fargate == nil {
		settings.Fargate = &config.FargateConfig{}
	}
	if settings.Fargate.Image == "" {
		settings.Fargate.Image = "example/app:1.0"
	}
	return &config.Config{
		Version: "1.0",
		Global: config.GlobalConfig{
			ProjectName:  "flowgrid",
			Organization: "acme",
			Tags:         map[string]string{"Owner": "platform"},
		},
		Environments: map[string]*config.Environment{
			envName: {
				Account:  "111111111111",
				Region:   "eu-west-1",
				Settings: settings,
			},
		},
	}
}

func compose(t *testing.T, envName string, settings config.Settings, opts ...Option) *Deployment {
	d, err := Compose(testConfig(envName, settings), envName, opts...)
	require.NoError(t, err)
	return d
}

// properties returns the resolved properties of a resource,
// failing the test when the resource does not exist.
func properties(t *testing.T, s *StackDefinition, logicalID string) map[string]interface{} {
	r, ok := s.Resource(logicalID)
	require.True(t, ok, "resource %s not found in stack %s", logicalID, s.Name)
	return r.Properties
}

// containerEnv flattens a container definition's environment into
// a name to value map. Values bound through intrinsics are kept
// as-is.
func containerEnv(t *testing.T, container map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{})
	vars, _ := container["Environment"].([]interface{})
	for _, v := range vars {
		pair, ok := v.(map[string]interface{})
		require.True(t, ok)
		env[pair["Name"].(string)] = pair["Value"]
	}
	return env
}

// containers returns the container definitions of the workload
// task.
func containers(t *testing.T, s *StackDefinition) []interface{} {
	defs, ok := properties(t, s, "TaskDefinition")["ContainerDefinitions"].([]interface{})
	require.True(t, ok)
	return defs
}
