package awscloud

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type elbAPI interface {
	DescribeTargetGroups(ctx context.Context, in *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	CreateTargetGroup(ctx context.Context, in *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	DeleteTargetGroup(ctx context.Context, in *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
	DescribeLoadBalancers(ctx context.Context, in *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	CreateLoadBalancer(ctx context.Context, in *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error)
	DeleteLoadBalancer(ctx context.Context, in *elbv2.DeleteLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error)
	DescribeListeners(ctx context.Context, in *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
	CreateListener(ctx context.Context, in *elbv2.CreateListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error)
	DeleteListener(ctx context.Context, in *elbv2.DeleteListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteListenerOutput, error)
}

// TargetGroups manages IP target groups, matched by name.
type TargetGroups struct {
	client elbAPI
}

var _ cloud.Driver = (*TargetGroups)(nil)

func (t *TargetGroups) Kind() api.Kind { return api.KindTargetGroup }

func targetGroupRecord(name string, tg elbtypes.TargetGroup) api.ResourceRecord {
	arn := aws.ToString(tg.TargetGroupArn)
	return api.ResourceRecord{
		Kind:       api.KindTargetGroup,
		Name:       name,
		ID:         arn,
		Status:     api.StatusAvailable,
		Attributes: map[string]string{api.AttrARN: arn},
	}
}

func (t *TargetGroups) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	out, err := t.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{Names: []string{name}})
	if err != nil {
		err = mapAWSError(err, api.KindTargetGroup, name)
		if api.IsNotFound(err) {
			return api.ResourceRecord{}, false, nil
		}
		return api.ResourceRecord{}, false, err
	}
	if len(out.TargetGroups) == 0 {
		return api.ResourceRecord{}, false, nil
	}
	return targetGroupRecord(name, out.TargetGroups[0]), true, nil
}

func (t *TargetGroups) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.TargetGroupSpec)
	in := &elbv2.CreateTargetGroupInput{
		Name:       aws.String(s.Name),
		Protocol:   elbtypes.ProtocolEnum(s.Protocol),
		Port:       aws.Int32(s.Port),
		VpcId:      aws.String(s.VPCID),
		TargetType: elbtypes.TargetTypeEnumIp,
	}
	if s.HealthCheckPath != "" {
		in.HealthCheckPath = aws.String(s.HealthCheckPath)
	}
	out, err := t.client.CreateTargetGroup(ctx, in)
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindTargetGroup, s.Name)
	}
	if len(out.TargetGroups) == 0 {
		return api.ResourceRecord{}, fmt.Errorf("create target group %s: empty response", s.Name)
	}
	return targetGroupRecord(name, out.TargetGroups[0]), nil
}

func (t *TargetGroups) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	out, err := t.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{TargetGroupArns: []string{rec.ID}})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindTargetGroup, rec.ID)
	}
	if len(out.TargetGroups) == 0 {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(api.KindTargetGroup), ID: rec.ID}
	}
	return targetGroupRecord(rec.Name, out.TargetGroups[0]), nil
}

// Delete reports api.ErrDeleteInProgress while a listener still uses the
// group.
func (t *TargetGroups) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := t.client.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(rec.ID)})
	if errorCode(err) == "ResourceInUse" {
		return api.ErrDeleteInProgress
	}
	return mapAWSError(err, api.KindTargetGroup, rec.ID)
}

// LoadBalancers manages internet-facing application load balancers.
type LoadBalancers struct {
	client elbAPI
}

var _ cloud.Driver = (*LoadBalancers)(nil)

func (l *LoadBalancers) Kind() api.Kind { return api.KindLoadBalancer }

func loadBalancerRecord(name string, lb elbtypes.LoadBalancer) api.ResourceRecord {
	arn := aws.ToString(lb.LoadBalancerArn)
	rec := api.ResourceRecord{
		Kind:   api.KindLoadBalancer,
		Name:   name,
		ID:     arn,
		Status: api.StatusPending,
		Attributes: map[string]string{
			api.AttrARN:     arn,
			api.AttrDNSName: aws.ToString(lb.DNSName),
			api.AttrZoneID:  aws.ToString(lb.CanonicalHostedZoneId),
		},
	}
	if lb.State != nil {
		rec.Attributes[api.AttrProviderStatus] = string(lb.State.Code)
		switch lb.State.Code {
		case elbtypes.LoadBalancerStateEnumActive, elbtypes.LoadBalancerStateEnumActiveImpaired:
			rec.Status = api.StatusAvailable
		case elbtypes.LoadBalancerStateEnumFailed:
			rec.Status = api.StatusFailed
		}
	}
	return rec
}

func (l *LoadBalancers) describe(ctx context.Context, in *elbv2.DescribeLoadBalancersInput, id string) (elbtypes.LoadBalancer, error) {
	out, err := l.client.DescribeLoadBalancers(ctx, in)
	if err != nil {
		return elbtypes.LoadBalancer{}, mapAWSError(err, api.KindLoadBalancer, id)
	}
	if len(out.LoadBalancers) == 0 {
		return elbtypes.LoadBalancer{}, &api.NotFoundError{Resource: string(api.KindLoadBalancer), ID: id}
	}
	return out.LoadBalancers[0], nil
}

func (l *LoadBalancers) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	lb, err := l.describe(ctx, &elbv2.DescribeLoadBalancersInput{Names: []string{name}}, name)
	if api.IsNotFound(err) {
		return api.ResourceRecord{}, false, nil
	}
	if err != nil {
		return api.ResourceRecord{}, false, err
	}
	return loadBalancerRecord(name, lb), true, nil
}

func (l *LoadBalancers) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.LoadBalancerSpec)
	out, err := l.client.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:           aws.String(s.Name),
		Subnets:        s.SubnetIDs,
		SecurityGroups: s.SecurityGroupIDs,
		Scheme:         elbtypes.LoadBalancerSchemeEnumInternetFacing,
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
		IpAddressType:  elbtypes.IpAddressTypeIpv4,
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindLoadBalancer, s.Name)
	}
	if len(out.LoadBalancers) == 0 {
		return api.ResourceRecord{}, fmt.Errorf("create load balancer %s: empty response", s.Name)
	}
	return loadBalancerRecord(name, out.LoadBalancers[0]), nil
}

func (l *LoadBalancers) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	lb, err := l.describe(ctx, &elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{rec.ID}}, rec.ID)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return loadBalancerRecord(rec.Name, lb), nil
}

func (l *LoadBalancers) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := l.client.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(rec.ID)})
	return mapAWSError(err, api.KindLoadBalancer, rec.ID)
}

// Listeners manages load balancer listeners. Logical names have the form
// "<load balancer name>:<port>".
type Listeners struct {
	client elbAPI
}

var _ cloud.Driver = (*Listeners)(nil)

func (l *Listeners) Kind() api.Kind { return api.KindListener }

func listenerRecord(name string, ln elbtypes.Listener) api.ResourceRecord {
	arn := aws.ToString(ln.ListenerArn)
	return api.ResourceRecord{
		Kind:   api.KindListener,
		Name:   name,
		ID:     arn,
		Status: api.StatusAvailable,
		Attributes: map[string]string{
			api.AttrARN:  arn,
			api.AttrPort: strconv.Itoa(int(aws.ToInt32(ln.Port))),
		},
	}
}

func parseListenerName(name string) (string, int32, error) {
	i := strings.LastIndex(name, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("listener name %q is not <balancer>:<port>", name)
	}
	port, err := strconv.ParseInt(name[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("listener name %q: %w", name, err)
	}
	return name[:i], int32(port), nil
}

func (l *Listeners) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	lbName, port, err := parseListenerName(name)
	if err != nil {
		return api.ResourceRecord{}, false, err
	}
	lbs, err := l.client.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Names: []string{lbName}})
	if err != nil {
		err = mapAWSError(err, api.KindListener, name)
		if api.IsNotFound(err) {
			return api.ResourceRecord{}, false, nil
		}
		return api.ResourceRecord{}, false, err
	}
	if len(lbs.LoadBalancers) == 0 {
		return api.ResourceRecord{}, false, nil
	}
	out, err := l.client.DescribeListeners(ctx, &elbv2.DescribeListenersInput{LoadBalancerArn: lbs.LoadBalancers[0].LoadBalancerArn})
	if err != nil {
		return api.ResourceRecord{}, false, mapAWSError(err, api.KindListener, name)
	}
	for _, ln := range out.Listeners {
		if aws.ToInt32(ln.Port) == port {
			return listenerRecord(name, ln), true, nil
		}
	}
	return api.ResourceRecord{}, false, nil
}

func (l *Listeners) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.ListenerSpec)
	in := &elbv2.CreateListenerInput{
		LoadBalancerArn: aws.String(s.LoadBalancerARN),
		Protocol:        elbtypes.ProtocolEnum(s.Protocol),
		Port:            aws.Int32(s.Port),
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: aws.String(s.TargetGroupARN),
		}},
	}
	if s.CertificateARN != "" {
		in.Certificates = []elbtypes.Certificate{{CertificateArn: aws.String(s.CertificateARN)}}
	}
	out, err := l.client.CreateListener(ctx, in)
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindListener, name)
	}
	if len(out.Listeners) == 0 {
		return api.ResourceRecord{}, fmt.Errorf("create listener %s: empty response", name)
	}
	return listenerRecord(name, out.Listeners[0]), nil
}

func (l *Listeners) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	out, err := l.client.DescribeListeners(ctx, &elbv2.DescribeListenersInput{ListenerArns: []string{rec.ID}})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindListener, rec.ID)
	}
	if len(out.Listeners) == 0 {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(api.KindListener), ID: rec.ID}
	}
	return listenerRecord(rec.Name, out.Listeners[0]), nil
}

func (l *Listeners) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := l.client.DeleteListener(ctx, &elbv2.DeleteListenerInput{ListenerArn: aws.String(rec.ID)})
	return mapAWSError(err, api.KindListener, rec.ID)
}
