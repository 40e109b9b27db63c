package awscloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

// Options configures the drivers of one project.
type Options struct {
	ProjName    string
	ClusterName string
	Logger      zerolog.Logger
}

// Cloud bundles the drivers with the site uploader and image registry.
type Cloud struct {
	Provider *cloud.Provider
	Site     cloud.SiteUploader
	Registry cloud.Registry

	clients *Clients
}

// New wires every driver to its SDK client.
func New(c *Clients, opts Options) *Cloud {
	buckets := &Buckets{client: c.S3, region: c.Region, logger: opts.Logger}
	repos := &Repositories{client: c.ECR}
	projName := opts.ProjName
	return &Cloud{
		Provider: cloud.NewProvider(
			&Certificates{client: c.ACM},
			&VPCs{client: c.EC2},
			&Subnets{client: c.EC2},
			&SecurityGroups{client: c.EC2},
			&Databases{client: c.RDS, identifier: func(name string) string { return api.DatabaseIdentifier(projName, name) }},
			&Brokers{client: c.MQ},
			&LogGroups{client: c.Logs},
			&Roles{client: c.IAM},
			repos,
			&TaskDefinitions{client: c.ECS},
			&Clusters{client: c.ECS},
			&TargetGroups{client: c.ELB},
			&LoadBalancers{client: c.ELB},
			&Listeners{client: c.ELB},
			&Services{client: c.ECS, cluster: opts.ClusterName},
			buckets,
			&Distributions{client: c.CloudFront},
			&HostedZones{client: c.Route53},
			&RecordSets{client: c.Route53},
		),
		Site:     buckets,
		Registry: repos,
		clients:  c,
	}
}

// Caller identifies the account the credentials belong to.
type Caller struct {
	Account string
	ARN     string
}

// Caller returns the identity behind the configured credentials.
func (c *Cloud) Caller(ctx context.Context) (Caller, error) {
	out, err := c.clients.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Caller{}, mapAWSError(err, "account", "caller")
	}
	return Caller{Account: aws.ToString(out.Account), ARN: aws.ToString(out.Arn)}, nil
}

// RegistryHost is the ECR registry of account in the clients' region.
func (c *Cloud) RegistryHost(account string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", account, c.clients.Region)
}
