package awscloud

import (
	"context"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type cloudFrontAPI interface {
	ListDistributions(ctx context.Context, in *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	CreateDistribution(ctx context.Context, in *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error)
	GetDistribution(ctx context.Context, in *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
	GetDistributionConfig(ctx context.Context, in *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, in *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	DeleteDistribution(ctx context.Context, in *cloudfront.DeleteDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error)
}

const distributionDeployed = "Deployed"

// Distributions manages the CDN distribution in front of the site bucket.
// Distributions are matched by their comment, which carries the logical
// name.
type Distributions struct {
	client cloudFrontAPI
}

var (
	_ cloud.Driver  = (*Distributions)(nil)
	_ cloud.Updater = (*Distributions)(nil)
)

func (d *Distributions) Kind() api.Kind { return api.KindDistribution }

func distributionRecord(name, id, domain, arn, status string) api.ResourceRecord {
	st := api.StatusPending
	if status == distributionDeployed {
		st = api.StatusAvailable
	}
	return api.ResourceRecord{
		Kind:   api.KindDistribution,
		Name:   name,
		ID:     id,
		Status: st,
		Attributes: map[string]string{
			api.AttrDNSName:        domain,
			api.AttrARN:            arn,
			api.AttrProviderStatus: status,
		},
	}
}

func (d *Distributions) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	in := &cloudfront.ListDistributionsInput{}
	for {
		out, err := d.client.ListDistributions(ctx, in)
		if err != nil {
			return api.ResourceRecord{}, false, mapAWSError(err, api.KindDistribution, name)
		}
		list := out.DistributionList
		if list == nil {
			return api.ResourceRecord{}, false, nil
		}
		for _, s := range list.Items {
			if aws.ToString(s.Comment) == name {
				return distributionRecord(name, aws.ToString(s.Id), aws.ToString(s.DomainName), aws.ToString(s.ARN), aws.ToString(s.Status)), true, nil
			}
		}
		if !aws.ToBool(list.IsTruncated) || list.NextMarker == nil {
			return api.ResourceRecord{}, false, nil
		}
		in.Marker = list.NextMarker
	}
}

func (d *Distributions) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.DistributionSpec)
	cfg := &cftypes.DistributionConfig{
		CallerReference:   aws.String(uuid.NewString()),
		Comment:           aws.String(name),
		Enabled:           aws.Bool(true),
		DefaultRootObject: aws.String(s.DefaultRootObject),
		Origins: &cftypes.Origins{
			Quantity: aws.Int32(1),
			Items: []cftypes.Origin{{
				Id:             aws.String(s.OriginID),
				DomainName:     aws.String(s.OriginDomain),
				S3OriginConfig: &cftypes.S3OriginConfig{OriginAccessIdentity: aws.String("")},
			}},
		},
		DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
			TargetOriginId:       aws.String(s.OriginID),
			ViewerProtocolPolicy: cftypes.ViewerProtocolPolicy("redirect-to-https"),
			ForwardedValues: &cftypes.ForwardedValues{
				QueryString: aws.Bool(false),
				Cookies:     &cftypes.CookiePreference{Forward: cftypes.ItemSelection("none")},
			},
			MinTTL: aws.Int64(0),
		},
	}
	bindDomain(cfg, s)

	out, err := d.client.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{DistributionConfig: cfg})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindDistribution, name)
	}
	dist := out.Distribution
	return distributionRecord(name, aws.ToString(dist.Id), aws.ToString(dist.DomainName), aws.ToString(dist.ARN), aws.ToString(dist.Status)), nil
}

// bindDomain serves the spec's aliases with its certificate, or the
// CloudFront default certificate when there are none.
func bindDomain(cfg *cftypes.DistributionConfig, s api.DistributionSpec) {
	if len(s.Aliases) == 0 {
		cfg.Aliases = &cftypes.Aliases{Quantity: aws.Int32(0)}
		cfg.ViewerCertificate = &cftypes.ViewerCertificate{CloudFrontDefaultCertificate: aws.Bool(true)}
		return
	}
	cfg.Aliases = &cftypes.Aliases{Quantity: aws.Int32(int32(len(s.Aliases))), Items: s.Aliases}
	cfg.ViewerCertificate = &cftypes.ViewerCertificate{
		ACMCertificateArn:      aws.String(s.CertificateARN),
		SSLSupportMethod:       cftypes.SSLSupportMethod("sni-only"),
		MinimumProtocolVersion: cftypes.MinimumProtocolVersion("TLSv1.2_2019"),
	}
}

func boundTo(cfg *cftypes.DistributionConfig, s api.DistributionSpec) bool {
	var aliases []string
	if cfg.Aliases != nil {
		aliases = cfg.Aliases.Items
	}
	if !slices.Equal(aliases, s.Aliases) {
		return false
	}
	if len(s.Aliases) == 0 {
		return true
	}
	return cfg.ViewerCertificate != nil && aws.ToString(cfg.ViewerCertificate.ACMCertificateArn) == s.CertificateARN
}

// Update rebinds the distribution to the spec's aliases and certificate.
// A distribution already bound to them is left alone.
func (d *Distributions) Update(ctx context.Context, rec api.ResourceRecord, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.DistributionSpec)
	cfgOut, err := d.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(rec.ID)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindDistribution, rec.ID)
	}
	cfg := cfgOut.DistributionConfig
	if boundTo(cfg, s) {
		return d.Describe(ctx, rec)
	}
	bindDomain(cfg, s)
	out, err := d.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(rec.ID),
		IfMatch:            cfgOut.ETag,
		DistributionConfig: cfg,
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindDistribution, rec.ID)
	}
	if out.Distribution == nil {
		return d.Describe(ctx, rec)
	}
	dist := out.Distribution
	return distributionRecord(rec.Name, rec.ID, aws.ToString(dist.DomainName), aws.ToString(dist.ARN), aws.ToString(dist.Status)), nil
}

func (d *Distributions) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	out, err := d.client.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(rec.ID)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindDistribution, rec.ID)
	}
	dist := out.Distribution
	return distributionRecord(rec.Name, rec.ID, aws.ToString(dist.DomainName), aws.ToString(dist.ARN), aws.ToString(dist.Status)), nil
}

// Delete disables an enabled distribution first. Disabling takes effect
// only once the change has deployed, so the call reports
// api.ErrDeleteInProgress until the distribution can be removed.
func (d *Distributions) Delete(ctx context.Context, rec api.ResourceRecord) error {
	cfgOut, err := d.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(rec.ID)})
	if err != nil {
		return mapAWSError(err, api.KindDistribution, rec.ID)
	}
	cfg := cfgOut.DistributionConfig
	if aws.ToBool(cfg.Enabled) {
		cfg.Enabled = aws.Bool(false)
		if _, err := d.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
			Id:                 aws.String(rec.ID),
			IfMatch:            cfgOut.ETag,
			DistributionConfig: cfg,
		}); err != nil {
			return mapAWSError(err, api.KindDistribution, rec.ID)
		}
		return api.ErrDeleteInProgress
	}

	cur, err := d.client.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(rec.ID)})
	if err != nil {
		return mapAWSError(err, api.KindDistribution, rec.ID)
	}
	if aws.ToString(cur.Distribution.Status) != distributionDeployed {
		return api.ErrDeleteInProgress
	}
	if _, err := d.client.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{
		Id:      aws.String(rec.ID),
		IfMatch: cur.ETag,
	}); err != nil {
		if errorCode(err) == "DistributionNotDisabled" {
			return api.ErrDeleteInProgress
		}
		return mapAWSError(err, api.KindDistribution, rec.ID)
	}
	return nil
}
