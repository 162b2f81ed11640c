package topology

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flowgrid/flowgrid/pkg/config"
)

// SubnetLookup resolves the existing subnets of an imported
// network, grouped by tier. It is consulted only when an
// environment imports a network without explicit subnet IDs.
type SubnetLookup interface {
	Subnets(vpcID string) (public, private []string, err error)
}

// Option configures composition.
type Option func(*composer)

// WithSubnetLookup provides the subnet lookup collaborator used
// for imported networks.
func WithSubnetLookup(lookup SubnetLookup) Option {
	return func(c *composer) {
		c.lookup = lookup
	}
}

// Deployment is the composed desired state of one environment:
// the stack definitions in provisioning order, the dependency
// graph, the handles produced along the way and the globally
// addressable exports.
type Deployment struct {
	Environment string
	ProjectName string
	Region      string

	Stacks []*StackDefinition
	Order  []Role
	Graph  *Graph

	Network    NetworkHandle
	Storage    StorageHandle
	Database   *DatabaseHandle
	Compute    ComputeHandle
	Access     *AccessHandle
	Monitoring MonitoringHandle

	// Exports maps export keys to output descriptions, across
	// all stacks of the deployment.
	Exports map[string]string
}

// Stack returns the stack definition for a role, or nil when the
// role was not composed for this environment.
func (d *Deployment) Stack(role Role) *StackDefinition {
	for _, s := range d.Stacks {
		if s.Role == role {
			return s
		}
	}
	return nil
}

type composer struct {
	cfg    *config.Config
	env    *config.Environment
	lookup SubnetLookup

	roleByStack map[string]Role
}

// Compose maps a configuration document to the desired stack set
// of one environment: which stacks exist, their dependency order,
// the conditional resources inside each and the cross-stack value
// bindings. Compose performs no provisioning; every gate is
// re-evaluated from the current settings on every call.
func Compose(cfg *config.Config, envName string, opts ...Option) (*Deployment, error) {
	env, err := cfg.Resolve(envName)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot compose environment '%s'", envName)
	}

	c := &composer{
		cfg:         cfg,
		env:         env,
		roleByStack: make(map[string]Role),
	}
	for _, opt := range opts {
		opt(c)
	}

	d := &Deployment{
		Environment: envName,
		ProjectName: cfg.Global.ProjectName,
		Region:      env.Region,
		Graph:       NewGraph(),
		Exports:     make(map[string]string),
	}

	network, networkHandle, err := c.composeNetwork()
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.Network = networkHandle

	storage, storageHandle, err := c.composeStorage(networkHandle)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.Storage = storageHandle

	var database *StackDefinition
	if env.Settings.Database != nil && env.Settings.Database.Enabled {
		var dbHandle DatabaseHandle
		database, dbHandle, err = c.composeDatabase(networkHandle)
		if err != nil {
			return nil, errors.Trace(err)
		}
		d.Database = &dbHandle
	}

	compute, computeHandle, err := c.composeCompute(networkHandle, storageHandle, d.Database)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.Compute = computeHandle

	var access *StackDefinition
	if env.Settings.AccessType() == config.AccessTypeApiGateway {
		var accessHandle AccessHandle
		access, accessHandle, err = c.composeAccess(networkHandle, computeHandle)
		if err != nil {
			return nil, errors.Trace(err)
		}
		d.Access = &accessHandle
	} else {
		log.Debugf("environment %s uses tunnel ingress, skipping access stack", envName)
	}

	monitoring, monitoringHandle, err := c.composeMonitoring(computeHandle, &storageHandle, d.Database, d.Access)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.Monitoring = monitoringHandle

	stacks := []*StackDefinition{network, storage}
	if database != nil {
		stacks = append(stacks, database)
	}
	stacks = append(stacks, compute)
	if access != nil {
		stacks = append(stacks, access)
	}
	stacks = append(stacks, monitoring)

	for _, s := range stacks {
		c.finishStack(s)
		d.Graph.AddNode(s.Role)
		c.roleByStack[s.Name] = s.Role
	}
	for _, s := range stacks {
		for _, dep := range s.DependsOn {
			if err := d.Graph.AddEdge(dep, s.Role); err != nil {
				return nil, errors.Annotatef(err, "invalid dependency of stack '%s'", s.Name)
			}
		}
	}

	order, err := d.Graph.TopologicalOrder()
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.Order = order
	for _, role := range order {
		for _, s := range stacks {
			if s.Role == role {
				d.Stacks = append(d.Stacks, s)
			}
		}
	}

	for _, s := range d.Stacks {
		s.resolveRefs(c.paramName)
		for _, name := range s.OutputNames() {
			out, _ := s.Output(name)
			if out.Exported() {
				d.Exports[out.ExportName] = out.Description
			}
		}
	}

	return d, nil
}

// finishStack applies the environment-wide stack properties:
// merged tags and termination protection.
func (c *composer) finishStack(s *StackDefinition) {
	tags, err := c.cfg.StackTags(c.env, s.Name)
	if err != nil {
		log.Warnf("cannot render tags for stack %s: %v", s.Name, err)
		tags = map[string]string{"Environment": c.env.Name, "Stack": s.Name}
	}
	s.Tags = tags
	s.TerminationProtection = c.env.IsProduction()
}

// stackName returns the full name of the stack for a role:
// '{project}-{environment}-{role}'.
func (c *composer) stackName(role Role) string {
	return fmt.Sprintf("%s-%s-%s", c.cfg.Global.ProjectName, c.env.Name, role)
}

// resourceName builds the consistent physical name of a resource:
// '{project}-{environment}-{kind}[-{name}]'.
func (c *composer) resourceName(kind string, name ...string) string {
	parts := []string{c.cfg.Global.ProjectName, c.env.Name, kind}
	parts = append(parts, name...)
	return strings.Join(parts, "-")
}

// stackPrefix is the shared '{project}-{environment}' name prefix.
func (c *composer) stackPrefix() string {
	return fmt.Sprintf("%s-%s", c.cfg.Global.ProjectName, c.env.Name)
}

func (c *composer) newStack(role Role, description string, deps ...Role) *StackDefinition {
	s := newStackDefinition(c.stackName(role), role, fmt.Sprintf("%s - %s - %s", c.cfg.Global.ProjectName, description, c.env.Name))
	s.DependsOn = deps
	return s
}

// paramName allocates the template parameter name a cross-stack
// reference is bound to, e.g. network stack output 'VpcId'
// becomes parameter 'NetworkVpcId'.
func (c *composer) paramName(ref StackRef) string {
	role, ok := c.roleByStack[ref.Stack]
	if !ok {
		// stack name with separators stripped, last resort
		return strings.Replace(strings.Title(ref.Stack), "-", "", -1) + ref.Output
	}
	return strings.Title(string(role)) + ref.Output
}
