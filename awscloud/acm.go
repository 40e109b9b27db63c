package awscloud

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type acmAPI interface {
	ListCertificates(ctx context.Context, in *acm.ListCertificatesInput, optFns ...func(*acm.Options)) (*acm.ListCertificatesOutput, error)
	DescribeCertificate(ctx context.Context, in *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
}

// Certificates discovers an issued certificate covering a domain.
type Certificates struct {
	lookup
	client acmAPI
}

var _ cloud.Driver = (*Certificates)(nil)

func (c *Certificates) Kind() api.Kind { return api.KindCertificate }

func certRecord(name, arn string) api.ResourceRecord {
	return api.ResourceRecord{
		Kind:       api.KindCertificate,
		Name:       name,
		ID:         arn,
		Status:     api.StatusAvailable,
		Attributes: map[string]string{api.AttrARN: arn},
	}
}

func covers(certDomain, domain string) bool {
	certDomain, domain = strings.ToLower(certDomain), strings.ToLower(domain)
	return certDomain == domain || certDomain == "*."+domain
}

// Find matches the first issued certificate whose domain is name or its
// wildcard.
func (c *Certificates) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	pages := acm.NewListCertificatesPaginator(c.client, &acm.ListCertificatesInput{
		CertificateStatuses: []acmtypes.CertificateStatus{acmtypes.CertificateStatusIssued},
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return api.ResourceRecord{}, false, mapAWSError(err, api.KindCertificate, name)
		}
		for _, s := range page.CertificateSummaryList {
			if covers(aws.ToString(s.DomainName), name) {
				return certRecord(name, aws.ToString(s.CertificateArn)), true, nil
			}
		}
	}
	return api.ResourceRecord{}, false, nil
}

// Create resolves an explicitly selected certificate ARN, or fails when no
// issued certificate covers the domain.
func (c *Certificates) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	arn := spec.(api.LookupSpec).Filter
	if arn == "" {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: "issued certificate", ID: name}
	}
	out, err := c.client.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindCertificate, arn)
	}
	if out.Certificate == nil || out.Certificate.Status != acmtypes.CertificateStatusIssued {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: "issued certificate", ID: arn}
	}
	return certRecord(name, arn), nil
}
