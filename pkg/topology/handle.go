package topology

// Handles are the resolved runtime representations of topology
// components. Each handle is produced exactly once by its owning
// builder and passed by value to downstream builders, which may
// read it but never modify it.

// NetworkHandle exposes the provisioned or imported network.
type NetworkHandle struct {
	VpcID   Value
	VpcCidr Value

	// Subnets are the workload placement subnets in order.
	Subnets []Value

	// SubnetList is the comma-joined form of Subnets, usable
	// where a single value is needed.
	SubnetList Value

	AppSecurityGroupID     Value
	StorageSecurityGroupID Value

	// Imported is set when the network was imported rather than
	// created.
	Imported bool
}

// StorageHandle exposes the shared persistent filesystem.
type StorageHandle struct {
	FileSystemID  Value
	AccessPointID Value
}

// DatabaseHandle exposes the provisioned or imported datastore.
type DatabaseHandle struct {
	// Endpoint is the host:port address of the datastore. It is
	// nil in import mode when the address is only known at
	// runtime; consumers must then resolve it from the secret.
	Endpoint Value

	SecretArn       Value
	SecurityGroupID Value

	// Imported is set when the datastore was imported.
	Imported bool
}

// ServiceDiscoveryHandle exposes the service registry entry of
// the workload, when one exists.
type ServiceDiscoveryHandle struct {
	ServiceArn  Value
	ServiceName Value
}

// TunnelHandle exposes the outbound tunnel attached to the
// workload task, when the tunnel ingress mode is active.
type TunnelHandle struct {
	Name   string
	Domain string
}

// ComputeHandle exposes the scheduled workload service.
type ComputeHandle struct {
	ClusterName  Value
	ClusterArn   Value
	ServiceName  Value
	ServiceArn   Value
	TaskDefArn   Value
	LogGroupName Value

	// ServiceDiscovery is nil when the workload has no
	// discoverable endpoint; downstream ingress composition
	// soft-degrades on this.
	ServiceDiscovery *ServiceDiscoveryHandle

	// Tunnel is nil unless the tunnel ingress mode is active.
	Tunnel *TunnelHandle
}

// AccessHandle exposes the managed gateway ingress path. It is
// absent entirely in tunnel ingress mode.
type AccessHandle struct {
	ApiID  Value
	ApiURL Value

	// RoutesAttached is false when route attachment was skipped
	// because the workload exposed no service discovery entry.
	RoutesAttached bool

	// DistributionID and DistributionDomain are nil unless the
	// edge distribution is enabled.
	DistributionID     Value
	DistributionDomain Value

	// CustomDomain is the bound custom domain name, empty when
	// none is configured or DNS binding was skipped.
	CustomDomain string

	WebAclArn Value
}

// MonitoringHandle exposes the notification channel and
// dashboard.
type MonitoringHandle struct {
	AlarmTopicArn Value
	DashboardName string
}
