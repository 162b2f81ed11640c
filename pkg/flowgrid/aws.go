package flowgrid

import (
	"regexp"
	"strings"

	"github.com/juju/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sts"
)

var sessionNameChars = regexp.MustCompile("[^A-Za-z0-9-]")

// awsClient bundles the service connections of one environment.
// The session is pinned to the environment's region so that
// stacks land where the configuration says, not where the ambient
// credentials happen to point.
type awsClient struct {
	sess *session.Session

	s3conn  s3iface.S3API
	cfnconn cloudformationiface.CloudFormationAPI
	ec2conn ec2iface.EC2API

	accountID   string
	region      string
	sessionName string
}

// newAWSClient opens a session in the given region. An empty
// region falls back to the ambient SDK configuration.
func newAWSClient(region string) (*awsClient, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot create AWS session")
	}

	a := &awsClient{
		sess:    sess,
		s3conn:  s3.New(sess),
		ec2conn: ec2.New(sess),
		region:  aws.StringValue(sess.Config.Region),
	}

	cfnconn := cloudformation.New(sess)
	// polling loops hit the describe APIs hard, retry on rate
	// limiting instead of surfacing it
	cfnconn.Handlers.Retry.PushBack(func(r *request.Request) {
		if r.Operation.Name == "DescribeStackEvents" || r.Operation.Name == "DescribeStacks" {
			if e, ok := r.Error.(awserr.Error); ok && e.Code() == "Throttling" && strings.Contains(e.Message(), "Rate exceeded") {
				r.Retryable = aws.Bool(true)
			}
		}
	})
	a.cfnconn = cfnconn

	if err := a.resolveIdentity(); err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

// resolveIdentity records the caller's account and a change set
// friendly session name derived from the identity ARN.
func (a *awsClient) resolveIdentity() error {
	out, err := sts.New(a.sess).GetCallerIdentity(&sts.GetCallerIdentityInput{})
	if err != nil {
		return errors.Annotatef(err, "cannot identify user identity")
	}
	identityArn, err := arn.Parse(aws.StringValue(out.Arn))
	if err != nil {
		return errors.Trace(err)
	}
	a.accountID = identityArn.AccountID
	a.sessionName = sessionNameChars.ReplaceAllString(identityArn.Resource, "-")
	return nil
}
