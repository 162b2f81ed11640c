package topology

import (
	"fmt"
)

// composeStorage produces the storage stack: the shared encrypted
// filesystem the workload mounts for persistent data, one mount
// target per workload subnet and an access point scoped to the
// workload's data directory.
func (c *composer) composeStorage(network NetworkHandle) (*StackDefinition, StorageHandle, error) {
	s := c.newStack(RoleStorage, "shared filesystem", RoleNetwork)

	properties := map[string]interface{}{
		"Encrypted": true,
		"FileSystemTags": []interface{}{
			map[string]interface{}{"Key": "Name", "Value": c.resourceName("efs")},
		},
		"PerformanceMode": "generalPurpose",
		"ThroughputMode":  "bursting",
		"LifecyclePolicies": []interface{}{
			map[string]interface{}{"TransitionToIA": "AFTER_30_DAYS"},
		},
	}
	if c.env.IsProduction() {
		properties["BackupPolicy"] = map[string]interface{}{"Status": "ENABLED"}
	}
	s.mustResource("FileSystem", Resource{
		Type:       "AWS::EFS::FileSystem",
		Properties: properties,
	})

	for i, subnet := range network.Subnets {
		s.mustResource(fmt.Sprintf("MountTarget%d", i+1), Resource{
			Type: "AWS::EFS::MountTarget",
			Properties: map[string]interface{}{
				"FileSystemId":   Ref("FileSystem"),
				"SubnetId":       subnet,
				"SecurityGroups": []interface{}{network.StorageSecurityGroupID},
			},
		})
	}

	s.mustResource("DataAccessPoint", Resource{
		Type: "AWS::EFS::AccessPoint",
		Properties: map[string]interface{}{
			"FileSystemId": Ref("FileSystem"),
			"PosixUser": map[string]interface{}{
				"Uid": "1000",
				"Gid": "1000",
			},
			"RootDirectory": map[string]interface{}{
				"Path": "/data",
				"CreationInfo": map[string]interface{}{
					"OwnerUid":    "1000",
					"OwnerGid":    "1000",
					"Permissions": "755",
				},
			},
		},
	})

	s.AddOutput("FileSystemId", Ref("FileSystem"), "Shared filesystem ID")
	s.AddOutput("AccessPointId", Ref("DataAccessPoint"), "Workload data access point ID")

	handle := StorageHandle{
		FileSystemID:  s.OutputRef("FileSystemId"),
		AccessPointID: s.OutputRef("AccessPointId"),
	}
	return s, handle, nil
}
