package awscloud

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type ecsAPI interface {
	DescribeClusters(ctx context.Context, in *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error)
	CreateCluster(ctx context.Context, in *ecs.CreateClusterInput, optFns ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error)
	DeleteCluster(ctx context.Context, in *ecs.DeleteClusterInput, optFns ...func(*ecs.Options)) (*ecs.DeleteClusterOutput, error)
	DescribeTaskDefinition(ctx context.Context, in *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, in *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	ListTaskDefinitions(ctx context.Context, in *ecs.ListTaskDefinitionsInput, optFns ...func(*ecs.Options)) (*ecs.ListTaskDefinitionsOutput, error)
	DeregisterTaskDefinition(ctx context.Context, in *ecs.DeregisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DeregisterTaskDefinitionOutput, error)
	DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	CreateService(ctx context.Context, in *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	UpdateService(ctx context.Context, in *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DeleteService(ctx context.Context, in *ecs.DeleteServiceInput, optFns ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error)
}

// attrCluster records which cluster a service runs on.
const attrCluster = "cluster"

// Clusters manages the project's container cluster.
type Clusters struct {
	client ecsAPI
}

var _ cloud.Driver = (*Clusters)(nil)

func (c *Clusters) Kind() api.Kind { return api.KindCluster }

func clusterRecord(name string, cl ecstypes.Cluster) api.ResourceRecord {
	status := aws.ToString(cl.Status)
	rec := api.ResourceRecord{
		Kind:   api.KindCluster,
		Name:   name,
		ID:     aws.ToString(cl.ClusterName),
		Status: api.StatusPending,
		Attributes: map[string]string{
			api.AttrARN:            aws.ToString(cl.ClusterArn),
			api.AttrProviderStatus: status,
		},
	}
	switch status {
	case "ACTIVE":
		rec.Status = api.StatusAvailable
	case "FAILED":
		rec.Status = api.StatusFailed
	case "DEPROVISIONING":
		rec.Status = api.StatusDeleting
	}
	return rec
}

func (c *Clusters) describe(ctx context.Context, name string) (ecstypes.Cluster, error) {
	out, err := c.client.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{name}})
	if err != nil {
		return ecstypes.Cluster{}, mapAWSError(err, api.KindCluster, name)
	}
	for _, cl := range out.Clusters {
		if aws.ToString(cl.Status) != "INACTIVE" {
			return cl, nil
		}
	}
	return ecstypes.Cluster{}, &api.NotFoundError{Resource: string(api.KindCluster), ID: name}
}

func (c *Clusters) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	cl, err := c.describe(ctx, name)
	if api.IsNotFound(err) {
		return api.ResourceRecord{}, false, nil
	}
	if err != nil {
		return api.ResourceRecord{}, false, err
	}
	return clusterRecord(name, cl), true, nil
}

func (c *Clusters) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.ClusterSpec)
	out, err := c.client.CreateCluster(ctx, &ecs.CreateClusterInput{ClusterName: aws.String(s.Name)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindCluster, s.Name)
	}
	return clusterRecord(name, *out.Cluster), nil
}

func (c *Clusters) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	cl, err := c.describe(ctx, rec.ID)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return clusterRecord(rec.Name, cl), nil
}

// Delete reports api.ErrDeleteInProgress while services are still draining.
func (c *Clusters) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := c.client.DeleteCluster(ctx, &ecs.DeleteClusterInput{Cluster: aws.String(rec.ID)})
	switch errorCode(err) {
	case "ClusterContainsServicesException", "ClusterContainsTasksException", "UpdateInProgressException":
		return api.ErrDeleteInProgress
	}
	return mapAWSError(err, api.KindCluster, rec.ID)
}

// TaskDefinitions manages Fargate task definition families. A record's ID
// is family:revision; updates register a new revision.
type TaskDefinitions struct {
	client ecsAPI
}

var (
	_ cloud.Driver  = (*TaskDefinitions)(nil)
	_ cloud.Updater = (*TaskDefinitions)(nil)
)

func (t *TaskDefinitions) Kind() api.Kind { return api.KindTaskDefinition }

func taskDefRecord(name string, td *ecstypes.TaskDefinition) api.ResourceRecord {
	rev := strconv.Itoa(int(td.Revision))
	return api.ResourceRecord{
		Kind:   api.KindTaskDefinition,
		Name:   name,
		ID:     aws.ToString(td.Family) + ":" + rev,
		Status: api.StatusAvailable,
		Attributes: map[string]string{
			api.AttrARN:      aws.ToString(td.TaskDefinitionArn),
			api.AttrRevision: rev,
		},
	}
}

// Find matches the latest active revision of the family.
func (t *TaskDefinitions) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	out, err := t.client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{TaskDefinition: aws.String(name)})
	if err != nil {
		err = mapAWSError(err, api.KindTaskDefinition, name)
		if api.IsNotFound(err) {
			return api.ResourceRecord{}, false, nil
		}
		return api.ResourceRecord{}, false, err
	}
	if out.TaskDefinition == nil || out.TaskDefinition.Status != ecstypes.TaskDefinitionStatusActive {
		return api.ResourceRecord{}, false, nil
	}
	return taskDefRecord(name, out.TaskDefinition), true, nil
}

func (t *TaskDefinitions) register(ctx context.Context, s api.TaskDefinitionSpec) (*ecstypes.TaskDefinition, error) {
	defs := make([]ecstypes.ContainerDefinition, 0, len(s.Containers))
	for _, c := range s.Containers {
		def := ecstypes.ContainerDefinition{
			Name:      aws.String(c.Name),
			Image:     aws.String(c.Image),
			Essential: aws.Bool(true),
			Command:   c.Command,
		}
		if c.MemoryMiB > 0 {
			def.Memory = aws.Int32(c.MemoryMiB)
		}
		keys := make([]string, 0, len(c.Environment))
		for k := range c.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			def.Environment = append(def.Environment, ecstypes.KeyValuePair{
				Name:  aws.String(k),
				Value: aws.String(c.Environment[k]),
			})
		}
		for _, p := range c.Ports {
			def.PortMappings = append(def.PortMappings, ecstypes.PortMapping{
				ContainerPort: aws.Int32(p),
				Protocol:      ecstypes.TransportProtocolTcp,
			})
		}
		if c.LogGroup != "" {
			def.LogConfiguration = &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         c.LogGroup,
					"awslogs-region":        c.LogRegion,
					"awslogs-stream-prefix": c.LogPrefix,
				},
			}
		}
		defs = append(defs, def)
	}

	in := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(s.Family),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     aws.String(s.CPU),
		Memory:                  aws.String(s.Memory),
		ContainerDefinitions:    defs,
	}
	if s.ExecutionRoleARN != "" {
		in.ExecutionRoleArn = aws.String(s.ExecutionRoleARN)
	}
	out, err := t.client.RegisterTaskDefinition(ctx, in)
	if err != nil {
		return nil, mapAWSError(err, api.KindTaskDefinition, s.Family)
	}
	return out.TaskDefinition, nil
}

func (t *TaskDefinitions) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	td, err := t.register(ctx, spec.(api.TaskDefinitionSpec))
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return taskDefRecord(name, td), nil
}

func (t *TaskDefinitions) Update(ctx context.Context, rec api.ResourceRecord, spec api.Spec) (api.ResourceRecord, error) {
	td, err := t.register(ctx, spec.(api.TaskDefinitionSpec))
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return taskDefRecord(rec.Name, td), nil
}

func (t *TaskDefinitions) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	out, err := t.client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{TaskDefinition: aws.String(rec.ID)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindTaskDefinition, rec.ID)
	}
	if out.TaskDefinition == nil || out.TaskDefinition.Status != ecstypes.TaskDefinitionStatusActive {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(api.KindTaskDefinition), ID: rec.ID}
	}
	return taskDefRecord(rec.Name, out.TaskDefinition), nil
}

// Delete deregisters every active revision of the family.
func (t *TaskDefinitions) Delete(ctx context.Context, rec api.ResourceRecord) error {
	family := rec.Name
	if out, err := t.client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{TaskDefinition: aws.String(rec.ID)}); err == nil && out.TaskDefinition != nil {
		family = aws.ToString(out.TaskDefinition.Family)
	}

	in := &ecs.ListTaskDefinitionsInput{
		FamilyPrefix: aws.String(family),
		Status:       ecstypes.TaskDefinitionStatusActive,
	}
	var arns []string
	for {
		out, err := t.client.ListTaskDefinitions(ctx, in)
		if err != nil {
			return mapAWSError(err, api.KindTaskDefinition, family)
		}
		arns = append(arns, out.TaskDefinitionArns...)
		if out.NextToken == nil {
			break
		}
		in.NextToken = out.NextToken
	}
	for _, arn := range arns {
		if _, err := t.client.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{TaskDefinition: aws.String(arn)}); err != nil {
			return mapAWSError(err, api.KindTaskDefinition, arn)
		}
	}
	return nil
}

// Services manages long-running Fargate services on one cluster.
type Services struct {
	client  ecsAPI
	cluster string
}

var (
	_ cloud.Driver  = (*Services)(nil)
	_ cloud.Updater = (*Services)(nil)
)

func (s *Services) Kind() api.Kind { return api.KindService }

func (s *Services) clusterOf(rec api.ResourceRecord) string {
	if c := rec.Attr(attrCluster); c != "" {
		return c
	}
	return s.cluster
}

func serviceRecord(name, cluster string, svc ecstypes.Service) api.ResourceRecord {
	status := aws.ToString(svc.Status)
	rec := api.ResourceRecord{
		Kind:   api.KindService,
		Name:   name,
		ID:     aws.ToString(svc.ServiceName),
		Status: api.StatusAvailable,
		Attributes: map[string]string{
			api.AttrARN:            aws.ToString(svc.ServiceArn),
			attrCluster:            cluster,
			api.AttrProviderStatus: status,
			"taskDefinition":       aws.ToString(svc.TaskDefinition),
		},
	}
	if status == "DRAINING" {
		rec.Status = api.StatusDeleting
	}
	return rec
}

func (s *Services) describe(ctx context.Context, cluster, name string) (ecstypes.Service, error) {
	out, err := s.client.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{name},
	})
	if err != nil {
		return ecstypes.Service{}, mapAWSError(err, api.KindService, name)
	}
	for _, svc := range out.Services {
		if aws.ToString(svc.Status) != "INACTIVE" {
			return svc, nil
		}
	}
	return ecstypes.Service{}, &api.NotFoundError{Resource: string(api.KindService), ID: name}
}

func (s *Services) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	svc, err := s.describe(ctx, s.cluster, name)
	if api.IsNotFound(err) {
		return api.ResourceRecord{}, false, nil
	}
	if err != nil {
		return api.ResourceRecord{}, false, err
	}
	return serviceRecord(name, s.cluster, svc), true, nil
}

func (s *Services) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	ss := spec.(api.ServiceSpec)
	in := &ecs.CreateServiceInput{
		Cluster:        aws.String(ss.Cluster),
		ServiceName:    aws.String(ss.Name),
		TaskDefinition: aws.String(ss.TaskDefinition),
		DesiredCount:   aws.Int32(ss.DesiredCount),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        ss.SubnetIDs,
				SecurityGroups: ss.SecurityGroupIDs,
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
	}
	if ss.TargetGroupARN != "" {
		in.LoadBalancers = []ecstypes.LoadBalancer{{
			TargetGroupArn: aws.String(ss.TargetGroupARN),
			ContainerName:  aws.String(ss.ContainerName),
			ContainerPort:  aws.Int32(ss.ContainerPort),
		}}
	}
	out, err := s.client.CreateService(ctx, in)
	if err != nil {
		// ECS reports an existing service as an invalid parameter.
		if containsAny(err.Error(), "Creation of service was not idempotent") {
			return api.ResourceRecord{}, &api.ConflictError{Message: fmt.Sprintf("service %s already exists", ss.Name)}
		}
		return api.ResourceRecord{}, mapAWSError(err, api.KindService, ss.Name)
	}
	return serviceRecord(name, ss.Cluster, *out.Service), nil
}

// Update points the service at the requested task definition and forces a
// new deployment.
func (s *Services) Update(ctx context.Context, rec api.ResourceRecord, spec api.Spec) (api.ResourceRecord, error) {
	ss := spec.(api.ServiceSpec)
	out, err := s.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(ss.Cluster),
		Service:            aws.String(rec.ID),
		TaskDefinition:     aws.String(ss.TaskDefinition),
		DesiredCount:       aws.Int32(ss.DesiredCount),
		ForceNewDeployment: true,
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindService, rec.ID)
	}
	return serviceRecord(rec.Name, ss.Cluster, *out.Service), nil
}

func (s *Services) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	cluster := s.clusterOf(rec)
	svc, err := s.describe(ctx, cluster, rec.ID)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return serviceRecord(rec.Name, cluster, svc), nil
}

// Delete force-deletes the service, stopping its running tasks.
func (s *Services) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := s.client.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(s.clusterOf(rec)),
		Service: aws.String(rec.ID),
		Force:   aws.Bool(true),
	})
	return mapAWSError(err, api.KindService, rec.ID)
}
