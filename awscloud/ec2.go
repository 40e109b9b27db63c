package awscloud

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type ec2API interface {
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

func filter(name string, values ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String(name), Values: values}
}

// lookup implements the lifecycle methods shared by discovered kinds:
// Describe echoes the record and Delete is never issued.
type lookup struct{}

func (lookup) Describe(_ context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	return rec, nil
}

func (lookup) Delete(context.Context, api.ResourceRecord) error { return nil }

// VPCs discovers the account's default VPC.
type VPCs struct {
	lookup
	client ec2API
}

var _ cloud.Driver = (*VPCs)(nil)

func (v *VPCs) Kind() api.Kind { return api.KindVPC }

func (v *VPCs) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	in := &ec2.DescribeVpcsInput{Filters: []ec2types.Filter{filter("isDefault", "true")}}
	if name != "" && name != "default" {
		in = &ec2.DescribeVpcsInput{VpcIds: []string{name}}
	}
	out, err := v.client.DescribeVpcs(ctx, in)
	if err != nil {
		err = mapAWSError(err, api.KindVPC, name)
		if api.IsNotFound(err) {
			return api.ResourceRecord{}, false, nil
		}
		return api.ResourceRecord{}, false, err
	}
	if len(out.Vpcs) == 0 {
		return api.ResourceRecord{}, false, nil
	}
	return api.ResourceRecord{Kind: api.KindVPC, Name: name, ID: aws.ToString(out.Vpcs[0].VpcId), Status: api.StatusAvailable}, true, nil
}

// Create reports a missing VPC; VPCs are never created.
func (v *VPCs) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	return api.ResourceRecord{}, &api.NotFoundError{Resource: "default VPC", ID: name}
}

// Subnets discovers one default subnet per availability zone of a VPC.
type Subnets struct {
	lookup
	client ec2API
}

var _ cloud.Driver = (*Subnets)(nil)

func (s *Subnets) Kind() api.Kind { return api.KindSubnets }

// Find never matches; the VPC to search arrives with the lookup filter.
func (s *Subnets) Find(context.Context, string) (api.ResourceRecord, bool, error) {
	return api.ResourceRecord{}, false, nil
}

func (s *Subnets) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	vpc := spec.(api.LookupSpec).Filter
	filters := []ec2types.Filter{filter("default-for-az", "true")}
	if vpc != "" {
		filters = append(filters, filter("vpc-id", vpc))
	}
	out, err := s.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: filters})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindSubnets, vpc)
	}

	byZone := make(map[string]string)
	for _, sn := range out.Subnets {
		zone := aws.ToString(sn.AvailabilityZone)
		if _, ok := byZone[zone]; !ok {
			byZone[zone] = aws.ToString(sn.SubnetId)
		}
	}
	if len(byZone) == 0 {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: "default subnets", ID: vpc}
	}
	zones := make([]string, 0, len(byZone))
	for z := range byZone {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	ids := make([]string, 0, len(zones))
	for _, z := range zones {
		ids = append(ids, byZone[z])
	}

	return api.ResourceRecord{
		Kind:   api.KindSubnets,
		Name:   name,
		ID:     vpc,
		Status: api.StatusAvailable,
		Attributes: map[string]string{
			api.AttrVPC:     vpc,
			api.AttrSubnets: strings.Join(ids, ","),
		},
	}, nil
}

// SecurityGroups manages VPC security groups, matched by group name.
type SecurityGroups struct {
	client ec2API
}

var _ cloud.Driver = (*SecurityGroups)(nil)

func (g *SecurityGroups) Kind() api.Kind { return api.KindSecurityGroup }

func (g *SecurityGroups) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	out, err := g.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{filter("group-name", name)},
	})
	if err != nil {
		return api.ResourceRecord{}, false, mapAWSError(err, api.KindSecurityGroup, name)
	}
	if len(out.SecurityGroups) == 0 {
		return api.ResourceRecord{}, false, nil
	}
	sg := out.SecurityGroups[0]
	return groupRecord(name, aws.ToString(sg.GroupId), aws.ToString(sg.VpcId)), true, nil
}

func groupRecord(name, id, vpc string) api.ResourceRecord {
	return api.ResourceRecord{
		Kind:       api.KindSecurityGroup,
		Name:       name,
		ID:         id,
		Status:     api.StatusAvailable,
		Attributes: map[string]string{api.AttrVPC: vpc},
	}
}

func (g *SecurityGroups) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.SecurityGroupSpec)
	out, err := g.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(s.GroupName),
		Description: aws.String(s.Description),
		VpcId:       aws.String(s.VPCID),
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindSecurityGroup, s.GroupName)
	}
	id := aws.ToString(out.GroupId)

	if len(s.Ingress) > 0 {
		perms := make([]ec2types.IpPermission, 0, len(s.Ingress))
		for _, r := range s.Ingress {
			p := ec2types.IpPermission{
				IpProtocol: aws.String(r.Protocol),
				FromPort:   aws.Int32(r.FromPort),
				ToPort:     aws.Int32(r.ToPort),
			}
			for _, c := range r.CIDRs {
				p.IpRanges = append(p.IpRanges, ec2types.IpRange{CidrIp: aws.String(c)})
			}
			for _, c := range r.IPv6CIDRs {
				p.Ipv6Ranges = append(p.Ipv6Ranges, ec2types.Ipv6Range{CidrIpv6: aws.String(c)})
			}
			perms = append(perms, p)
		}
		if _, err := g.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(id),
			IpPermissions: perms,
		}); err != nil && errorCode(err) != "InvalidPermission.Duplicate" {
			return api.ResourceRecord{}, mapAWSError(err, api.KindSecurityGroup, id)
		}
	}
	return groupRecord(name, id, s.VPCID), nil
}

func (g *SecurityGroups) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	out, err := g.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{rec.ID}})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindSecurityGroup, rec.ID)
	}
	if len(out.SecurityGroups) == 0 {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(api.KindSecurityGroup), ID: rec.ID}
	}
	return groupRecord(rec.Name, rec.ID, aws.ToString(out.SecurityGroups[0].VpcId)), nil
}

// Delete reports api.ErrDeleteInProgress while network interfaces of
// deleted dependents still reference the group.
func (g *SecurityGroups) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := g.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(rec.ID)})
	if errorCode(err) == "DependencyViolation" {
		return api.ErrDeleteInProgress
	}
	return mapAWSError(err, api.KindSecurityGroup, rec.ID)
}
