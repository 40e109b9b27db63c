// Package awscloud implements the deployer's resource drivers on the AWS
// control plane.
package awscloud

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/mq"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// certificateRegion is where certificates served by CloudFront must live.
const certificateRegion = "us-east-1"

// Clients holds all AWS SDK clients.
type Clients struct {
	Region     string
	S3         *s3.Client
	CloudFront *cloudfront.Client
	EC2        *ec2.Client
	RDS        *rds.Client
	MQ         *mq.Client
	ECS        *ecs.Client
	ECR        *ecr.Client
	ELB        *elbv2.Client
	Route53    *route53.Client
	ACM        *acm.Client
	IAM        *iam.Client
	Logs       *cloudwatchlogs.Client
	STS        *sts.Client
}

// NewClients initializes AWS SDK clients from the shared config. A
// non-empty endpointURL points every client at a simulator with static
// test credentials.
func NewClients(ctx context.Context, region, profile, endpointURL string) (*Clients, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" && endpointURL == "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if endpointURL != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return newClients(cfg, endpointURL), nil
}

func newClients(cfg aws.Config, endpoint string) *Clients {
	var base *string
	if endpoint != "" {
		base = aws.String(endpoint)
	}
	return &Clients{
		Region:     cfg.Region,
		S3:         s3.NewFromConfig(cfg, func(o *s3.Options) { o.BaseEndpoint = base; o.UsePathStyle = base != nil }),
		CloudFront: cloudfront.NewFromConfig(cfg, func(o *cloudfront.Options) { o.BaseEndpoint = base }),
		EC2:        ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.BaseEndpoint = base }),
		RDS:        rds.NewFromConfig(cfg, func(o *rds.Options) { o.BaseEndpoint = base }),
		MQ:         mq.NewFromConfig(cfg, func(o *mq.Options) { o.BaseEndpoint = base }),
		ECS:        ecs.NewFromConfig(cfg, func(o *ecs.Options) { o.BaseEndpoint = base }),
		ECR:        ecr.NewFromConfig(cfg, func(o *ecr.Options) { o.BaseEndpoint = base }),
		ELB:        elbv2.NewFromConfig(cfg, func(o *elbv2.Options) { o.BaseEndpoint = base }),
		Route53:    route53.NewFromConfig(cfg, func(o *route53.Options) { o.BaseEndpoint = base }),
		ACM: acm.NewFromConfig(cfg, func(o *acm.Options) {
			o.BaseEndpoint = base
			o.Region = certificateRegion
		}),
		IAM:  iam.NewFromConfig(cfg, func(o *iam.Options) { o.BaseEndpoint = base }),
		Logs: cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) { o.BaseEndpoint = base }),
		STS:  sts.NewFromConfig(cfg, func(o *sts.Options) { o.BaseEndpoint = base }),
	}
}
