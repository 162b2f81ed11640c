// Package flowgrid ties the configuration model, the topology
// composer and the CloudFormation engine together: it plans and
// executes change sets per stack, honoring the dependency order
// of the composed environment.
package flowgrid

import (
	"bytes"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flowgrid/flowgrid/internal/pkg/s3file"
	"github.com/flowgrid/flowgrid/pkg/cfn"
	"github.com/flowgrid/flowgrid/pkg/config"
	"github.com/flowgrid/flowgrid/pkg/topology"
)

// maxTemplateBody is the CloudFormation limit on inline template
// bodies. Larger templates must go through the template bucket.
const maxTemplateBody = 51200

// Deployer reconciles the composed stacks of one environment
// against CloudFormation.
type Deployer struct {
	cfg *config.Config
	env *config.Environment

	deployment *topology.Deployment

	aws    *awsClient
	stacks map[string]*stack
	order  []string

	bucket string
	emit   func(interface{})
}

// NewDeployer composes the environment and initializes the stack
// states from CloudFormation. The current AWS credentials must
// belong to the environment's account.
func NewDeployer(cfg *config.Config, envName string) (*Deployer, error) {
	env, err := cfg.Resolve(envName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	awsClient, err := newAWSClient(env.Region)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot create deployer, aws error occurred")
	}
	return newDeployer(cfg, envName, awsClient)
}

func newDeployer(cfg *config.Config, envName string, awsClient *awsClient) (*Deployer, error) {
	d := &Deployer{
		cfg:    cfg,
		aws:    awsClient,
		stacks: make(map[string]*stack),
		emit:   func(interface{}) {},
	}

	env, err := cfg.Resolve(envName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.env = env

	if env.Account != "" && env.Account != awsClient.accountID {
		return nil, errors.Errorf("account %s configured for environment '%s' is not the account of the AWS connection (%s)",
			env.Account, envName, awsClient.accountID)
	}

	var opts []topology.Option
	if env.Settings.Networking != nil && env.Settings.Networking.UseExistingVpc {
		opts = append(opts, topology.WithSubnetLookup(&subnetLookup{ec2conn: awsClient.ec2conn}))
	}

	d.deployment, err = topology.Compose(cfg, envName, opts...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for _, def := range d.deployment.Stacks {
		s, err := newStack(d, def)
		if err != nil {
			return nil, errors.Annotatef(err, "cannot add %s stack", def.Role)
		}
		d.stacks[string(def.Role)] = s
		d.order = append(d.order, string(def.Role))
	}

	return d, nil
}

// Deployment returns the composed deployment.
func (d *Deployer) Deployment() *topology.Deployment {
	return d.deployment
}

// Order returns the stack roles in provisioning order.
func (d *Deployer) Order() []string {
	order := make([]string, len(d.order))
	copy(order, d.order)
	return order
}

// SetEventHandler sets the function that receives progress
// events: stack states, change set states and stack events.
func (d *Deployer) SetEventHandler(fn func(interface{})) {
	d.emit = fn
}

// SetBucket sets the S3 bucket synthesized templates are
// uploaded to. Without a bucket, templates are passed inline and
// are subject to the CloudFormation body size limit.
func (d *Deployer) SetBucket(bucket string) {
	d.bucket = bucket
}

func (d *Deployer) getStack(name string) (*stack, error) {
	s, ok := d.stacks[name]
	if !ok {
		return nil, errors.NotFoundf("stack '%s' in environment '%s'", name, d.env.Name)
	}
	return s, nil
}

// Synthesize renders the template body of one stack.
func (d *Deployer) Synthesize(name string) (string, error) {
	s, err := d.getStack(name)
	if err != nil {
		return "", errors.Trace(err)
	}
	body, err := cfn.Synthesize(s.def)
	return body, errors.Trace(err)
}

// renderStackData builds the desired stack state: the
// synthesized template, the parameters bound to upstream stack
// outputs and the merged tags.
func (d *Deployer) renderStackData(s *stack) (*StackData, error) {
	body, err := cfn.Synthesize(s.def)
	if err != nil {
		return nil, errors.Trace(err)
	}

	params, err := d.resolveParameters(s.def)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot resolve parameters of stack '%s'", s.name)
	}

	sd := &StackData{
		Role: s.role,
		StackData: cfn.StackData{
			Name:         s.name,
			Description:  s.def.Description,
			Capabilities: []string{cloudformation.CapabilityCapabilityNamedIam},
			Parameters:   params,
			Tags:         s.def.Tags,
		},
	}

	if d.bucket != "" {
		tpl, err := s3file.Write(d.aws.s3conn, s3file.Config{
			Region:  d.aws.region,
			Bucket:  d.bucket,
			Prefix:  "templates/",
			Key:     s.name + ".json",
			Content: bytes.NewReader([]byte(body)),
		})
		if err != nil {
			return nil, errors.Annotatef(err, "cannot upload template for stack '%s'", s.name)
		}
		sd.TemplateURL = tpl.URL
	} else {
		if len(body) > maxTemplateBody {
			return nil, errors.Errorf("template of stack '%s' is %d bytes, configure a template bucket for templates over %d bytes",
				s.name, len(body), maxTemplateBody)
		}
		sd.TemplateBody = body
	}
	return sd, nil
}

// resolveParameters fills every template parameter from the
// recorded binding to an upstream stack output. All upstream
// stacks must already be deployed.
func (d *Deployer) resolveParameters(def *topology.StackDefinition) (map[string]string, error) {
	params := make(map[string]string, len(def.Parameters()))
	for _, name := range def.Parameters() {
		ref := def.Bindings[name]
		up, ok := d.stackByName(ref.Stack)
		if !ok {
			return nil, errors.NotFoundf("stack '%s' bound by parameter '%s'", ref.Stack, name)
		}
		value, ok := up.stack.Data().Outputs[ref.Output]
		if !ok {
			return nil, errors.NotFoundf("output '%s' of stack '%s', is the stack deployed", ref.Output, ref.Stack)
		}
		params[name] = value
	}
	return params, nil
}

func (d *Deployer) stackByName(stackName string) (*stack, bool) {
	for _, s := range d.stacks {
		if s.name == stackName {
			return s, true
		}
	}
	return nil, false
}

// verifyDependencies checks that every stack the given stack
// depends on is deployed and settled.
func (d *Deployer) verifyDependencies(s *stack) error {
	for _, dep := range s.def.DependsOn {
		up, ok := d.stacks[string(dep)]
		if !ok {
			return errors.Errorf("stack '%s' depends on '%s', which is not part of this environment", s.name, dep)
		}
		data := up.stack.Data()
		if !data.Exists() {
			return errors.Errorf("stack '%s' depends on '%s', which is not deployed", s.name, dep)
		}
		if !data.IsComplete() || data.IsRollback() {
			return errors.Errorf("stack '%s' depends on '%s', which has status '%s'", s.name, dep, data.Status)
		}
	}
	return nil
}

// dependents returns the roles of deployed stacks that depend on
// the given stack.
func (d *Deployer) dependents(s *stack) []string {
	var res []string
	for _, name := range d.order {
		other := d.stacks[name]
		if other == s || !other.stack.Data().Exists() {
			continue
		}
		for _, dep := range other.def.DependsOn {
			if dep == s.role {
				res = append(res, name)
			}
		}
	}
	return res
}

// Plan creates a change set for one stack and returns the
// resulting plan.
func (d *Deployer) Plan(name string) (*Plan, error) {
	s, err := d.getStack(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot plan stack '%s'", name)
	}
	if err = d.verifyDependencies(s); err != nil {
		return nil, errors.Trace(err)
	}
	stackData, err := d.renderStackData(s)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot plan '%s', stack input rendering failed", name)
	}

	cs, err := s.plan(stackData)
	if err != nil {
		return nil, errors.Annotatef(err, "stack '%s' plan failed", name)
	}

	plan, err := newPlan(cs.Data(), s.stackData())
	if err != nil {
		return nil, errors.Trace(err)
	}

	s.planned = true
	s.hasChange = plan.HasChange
	log.Debugf("stack %s plan complete, planned = %t, hasChange = %t", name, s.planned, s.hasChange)

	return plan, nil
}

func (d *Deployer) changeSetID(planID string) string {
	return (arn.ARN{
		Partition: "aws",
		Service:   "cloudformation",
		Region:    d.aws.region,
		AccountID: d.aws.accountID,
		Resource:  "changeSet/" + planID,
	}).String()
}

// GetPlan returns a previously created plan.
func (d *Deployer) GetPlan(name, planID string) (*Plan, error) {
	s, err := d.getStack(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot get stack '%s'", name)
	}
	cs, err := s.getChangeSet(&cfn.ChangeSetData{
		ID:        d.changeSetID(planID),
		StackData: &s.stackData().StackData,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read change set '%s' for stack '%s'", planID, name)
	}
	return newPlan(cs.Data(), s.stackData())
}

// Execute runs a previously created plan on the stack and applies
// the composed termination protection setting afterwards.
func (d *Deployer) Execute(name string, planID string) (*StackData, error) {
	s, err := d.getStack(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot get stack '%s'", name)
	}
	changeSetID := d.changeSetID(planID)
	err = s.execute(&cfn.ChangeSetData{
		ID:        changeSetID,
		StackData: &s.stackData().StackData,
	})
	if err != nil {
		return s.stackData(), errors.Annotatef(err, "cannot execute change set '%s' for stack '%s'", changeSetID, name)
	}
	s.updated = true

	if _, err := d.aws.cfnconn.UpdateTerminationProtection(&cloudformation.UpdateTerminationProtectionInput{
		StackName:                   aws.String(s.name),
		EnableTerminationProtection: aws.Bool(s.def.TerminationProtection),
	}); err != nil {
		log.Warnf("cannot update termination protection of stack %s: %v", s.name, err)
	}

	return s.stackData(), nil
}

// Get returns the state of one stack.
func (d *Deployer) Get(name string) (*StackData, error) {
	s, err := d.getStack(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot get stack '%s'", name)
	}
	return s.stackData(), nil
}

// List returns the state of all stacks in provisioning order.
func (d *Deployer) List() ([]*StackData, error) {
	res := make([]*StackData, 0, len(d.stacks))
	for _, name := range d.order {
		res = append(res, d.stacks[name].stackData())
	}
	return res, nil
}

// Destroy deletes one stack. Stacks that still have deployed
// dependents are refused; destroy an environment in reverse
// provisioning order.
func (d *Deployer) Destroy(name string) (*StackData, error) {
	s, err := d.getStack(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot get stack '%s'", name)
	}
	if dependents := d.dependents(s); len(dependents) > 0 {
		return nil, errors.Errorf("cannot destroy stack '%s', deployed stacks depend on it: %v", name, dependents)
	}
	if s.def.TerminationProtection && s.stack.Data().Exists() {
		if _, err := d.aws.cfnconn.UpdateTerminationProtection(&cloudformation.UpdateTerminationProtectionInput{
			StackName:                   aws.String(s.name),
			EnableTerminationProtection: aws.Bool(false),
		}); err != nil {
			return nil, errors.Annotatef(err, "cannot disable termination protection of stack '%s'", name)
		}
	}
	if err = s.destroy(); err != nil {
		return nil, errors.Annotatef(err, "cannot destroy stack '%s'", name)
	}
	return s.stackData(), nil
}
