package api

import (
	"fmt"
	"strings"
)

// Spec is the desired state of one resource. Each kind has its own variant.
type Spec interface {
	Kind() Kind
	Validate() error
}

func invalid(kind Kind, field, reason string) error {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}

func required(kind Kind, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(kind, field, "is required")
	}
	return nil
}

// LookupSpec describes a resource that is discovered, never created.
type LookupSpec struct {
	For    Kind
	Filter string
}

func (s LookupSpec) Kind() Kind { return s.For }

func (s LookupSpec) Validate() error {
	if !s.For.LookupOnly() {
		return invalid(s.For, "", "kind is not a lookup kind")
	}
	return nil
}

// BucketSpec is a static-site bucket.
type BucketSpec struct {
	Name          string
	Region        string
	IndexDocument string
	ErrorDocument string
	PublicRead    bool
}

func (BucketSpec) Kind() Kind { return KindBucket }

func (s BucketSpec) Validate() error {
	if err := required(KindBucket, "name", s.Name); err != nil {
		return err
	}
	if len(s.Name) < 3 || len(s.Name) > 63 {
		return invalid(KindBucket, "name", "must be 3-63 characters")
	}
	if s.Name != strings.ToLower(s.Name) {
		return invalid(KindBucket, "name", "must be lowercase")
	}
	return nil
}

// DistributionSpec is a CDN distribution in front of the site bucket.
type DistributionSpec struct {
	OriginID          string
	OriginDomain      string
	DefaultRootObject string
	Aliases           []string
	CertificateARN    string
}

func (DistributionSpec) Kind() Kind { return KindDistribution }

func (s DistributionSpec) Validate() error {
	if err := required(KindDistribution, "originId", s.OriginID); err != nil {
		return err
	}
	if err := required(KindDistribution, "originDomain", s.OriginDomain); err != nil {
		return err
	}
	if len(s.Aliases) > 0 && s.CertificateARN == "" {
		return invalid(KindDistribution, "certificate", "is required when aliases are set")
	}
	return nil
}

// IngressRule opens a port range to a set of CIDR blocks.
type IngressRule struct {
	Protocol  string
	FromPort  int32
	ToPort    int32
	CIDRs     []string
	IPv6CIDRs []string
}

// SecurityGroupSpec is a VPC security group.
type SecurityGroupSpec struct {
	GroupName   string
	Description string
	VPCID       string
	Ingress     []IngressRule
}

func (SecurityGroupSpec) Kind() Kind { return KindSecurityGroup }

func (s SecurityGroupSpec) Validate() error {
	if err := required(KindSecurityGroup, "groupName", s.GroupName); err != nil {
		return err
	}
	if err := required(KindSecurityGroup, "vpc", s.VPCID); err != nil {
		return err
	}
	for i, r := range s.Ingress {
		if r.FromPort < 0 || r.ToPort > 65535 || r.FromPort > r.ToPort {
			return invalid(KindSecurityGroup, fmt.Sprintf("ingress[%d]", i), "has an invalid port range")
		}
		if len(r.CIDRs) == 0 && len(r.IPv6CIDRs) == 0 {
			return invalid(KindSecurityGroup, fmt.Sprintf("ingress[%d]", i), "has no source ranges")
		}
	}
	return nil
}

// DatabaseSpec is a managed relational database instance.
type DatabaseSpec struct {
	Identifier       string
	DBName           string
	Engine           string
	InstanceClass    string
	AllocatedStorage int32
	Username         string
	Password         string
	Port             int32
	SecurityGroupIDs []string
	Public           bool
}

func (DatabaseSpec) Kind() Kind { return KindDatabase }

func (s DatabaseSpec) Validate() error {
	for field, v := range map[string]string{
		"identifier": s.Identifier,
		"dbName":     s.DBName,
		"engine":     s.Engine,
		"username":   s.Username,
	} {
		if err := required(KindDatabase, field, v); err != nil {
			return err
		}
	}
	if !ValidDatabaseIdentifier(s.Identifier) {
		return invalid(KindDatabase, "identifier",
			"must be at most 63 lowercase letters, digits or single hyphens and start with a letter")
	}
	if len(s.Password) < 8 {
		return invalid(KindDatabase, "password", "must be at least 8 characters")
	}
	if s.Port <= 0 {
		return invalid(KindDatabase, "port", "must be positive")
	}
	return nil
}

// BrokerSpec is a managed RabbitMQ broker.
type BrokerSpec struct {
	Name             string
	EngineVersion    string
	InstanceType     string
	Username         string
	Password         string
	SecurityGroupIDs []string
	SubnetIDs        []string
}

func (BrokerSpec) Kind() Kind { return KindBroker }

func (s BrokerSpec) Validate() error {
	if err := required(KindBroker, "name", s.Name); err != nil {
		return err
	}
	if err := required(KindBroker, "username", s.Username); err != nil {
		return err
	}
	if len(s.Password) < 12 {
		return invalid(KindBroker, "password", "must be at least 12 characters")
	}
	return nil
}

// LogGroupSpec is the log group container output is shipped to.
type LogGroupSpec struct {
	Name          string
	RetentionDays int32
}

func (LogGroupSpec) Kind() Kind { return KindLogGroup }

func (s LogGroupSpec) Validate() error {
	return required(KindLogGroup, "name", s.Name)
}

// RoleSpec is an IAM role assumable by a service principal.
type RoleSpec struct {
	Name          string
	AssumeService string
	PolicyARNs    []string
}

func (RoleSpec) Kind() Kind { return KindRole }

func (s RoleSpec) Validate() error {
	if err := required(KindRole, "name", s.Name); err != nil {
		return err
	}
	return required(KindRole, "assumeService", s.AssumeService)
}

// RepositorySpec is a container image repository.
type RepositorySpec struct {
	Name string
}

func (RepositorySpec) Kind() Kind { return KindRepository }

func (s RepositorySpec) Validate() error {
	if err := required(KindRepository, "name", s.Name); err != nil {
		return err
	}
	if s.Name != strings.ToLower(s.Name) {
		return invalid(KindRepository, "name", "must be lowercase")
	}
	return nil
}

// ContainerSpec is one container of a task definition.
type ContainerSpec struct {
	Name        string
	Image       string
	MemoryMiB   int32
	Command     []string
	Environment map[string]string
	Ports       []int32
	LogGroup    string
	LogRegion   string
	LogPrefix   string
}

// TaskDefinitionSpec is a Fargate task definition.
type TaskDefinitionSpec struct {
	Family           string
	CPU              string
	Memory           string
	ExecutionRoleARN string
	Containers       []ContainerSpec
}

func (TaskDefinitionSpec) Kind() Kind { return KindTaskDefinition }

func (s TaskDefinitionSpec) Validate() error {
	if err := required(KindTaskDefinition, "family", s.Family); err != nil {
		return err
	}
	if len(s.Containers) == 0 {
		return invalid(KindTaskDefinition, "containers", "must not be empty")
	}
	for i, c := range s.Containers {
		if c.Name == "" || c.Image == "" {
			return invalid(KindTaskDefinition, fmt.Sprintf("containers[%d]", i), "needs a name and an image")
		}
	}
	return nil
}

// ClusterSpec is a container cluster.
type ClusterSpec struct {
	Name string
}

func (ClusterSpec) Kind() Kind { return KindCluster }

func (s ClusterSpec) Validate() error {
	return required(KindCluster, "name", s.Name)
}

// TargetGroupSpec is a load balancer target group.
type TargetGroupSpec struct {
	Name            string
	Protocol        string
	Port            int32
	VPCID           string
	HealthCheckPath string
}

func (TargetGroupSpec) Kind() Kind { return KindTargetGroup }

func (s TargetGroupSpec) Validate() error {
	if err := required(KindTargetGroup, "name", s.Name); err != nil {
		return err
	}
	if len(s.Name) > 32 {
		return invalid(KindTargetGroup, "name", "must be at most 32 characters")
	}
	if err := required(KindTargetGroup, "vpc", s.VPCID); err != nil {
		return err
	}
	if s.Port <= 0 {
		return invalid(KindTargetGroup, "port", "must be positive")
	}
	return nil
}

// LoadBalancerSpec is an internet-facing application load balancer.
type LoadBalancerSpec struct {
	Name             string
	SubnetIDs        []string
	SecurityGroupIDs []string
}

func (LoadBalancerSpec) Kind() Kind { return KindLoadBalancer }

func (s LoadBalancerSpec) Validate() error {
	if err := required(KindLoadBalancer, "name", s.Name); err != nil {
		return err
	}
	if len(s.Name) > 32 {
		return invalid(KindLoadBalancer, "name", "must be at most 32 characters")
	}
	if len(s.SubnetIDs) < 2 {
		return invalid(KindLoadBalancer, "subnets", "must span at least two availability zones")
	}
	return nil
}

// ListenerSpec forwards one port of a load balancer to a target group.
type ListenerSpec struct {
	LoadBalancerARN string
	TargetGroupARN  string
	Protocol        string
	Port            int32
	CertificateARN  string
}

func (ListenerSpec) Kind() Kind { return KindListener }

func (s ListenerSpec) Validate() error {
	if err := required(KindListener, "loadBalancer", s.LoadBalancerARN); err != nil {
		return err
	}
	if err := required(KindListener, "targetGroup", s.TargetGroupARN); err != nil {
		return err
	}
	if s.Protocol == "HTTPS" && s.CertificateARN == "" {
		return invalid(KindListener, "certificate", "is required for HTTPS")
	}
	return nil
}

// ServiceSpec is a long-running container service on the cluster.
type ServiceSpec struct {
	Name             string
	Cluster          string
	TaskDefinition   string
	DesiredCount     int32
	SubnetIDs        []string
	SecurityGroupIDs []string
	TargetGroupARN   string
	ContainerName    string
	ContainerPort    int32
}

func (ServiceSpec) Kind() Kind { return KindService }

func (s ServiceSpec) Validate() error {
	if err := required(KindService, "name", s.Name); err != nil {
		return err
	}
	if err := required(KindService, "cluster", s.Cluster); err != nil {
		return err
	}
	if err := required(KindService, "taskDefinition", s.TaskDefinition); err != nil {
		return err
	}
	if s.TargetGroupARN != "" && (s.ContainerName == "" || s.ContainerPort == 0) {
		return invalid(KindService, "loadBalancer", "needs a container name and port")
	}
	return nil
}

// RecordChange is one alias record in a change batch.
type RecordChange struct {
	Name         string
	Type         string
	AliasDNSName string
	AliasZoneID  string
}

// RecordSetSpec is an atomic batch of alias record upserts in one zone.
type RecordSetSpec struct {
	ZoneID  string
	Comment string
	Changes []RecordChange
}

func (RecordSetSpec) Kind() Kind { return KindRecordSet }

func (s RecordSetSpec) Validate() error {
	if err := required(KindRecordSet, "zone", s.ZoneID); err != nil {
		return err
	}
	if len(s.Changes) == 0 {
		return invalid(KindRecordSet, "changes", "must not be empty")
	}
	for i, c := range s.Changes {
		if c.Type != "A" && c.Type != "AAAA" {
			return invalid(KindRecordSet, fmt.Sprintf("changes[%d]", i), "must be an A or AAAA alias")
		}
		if c.Name == "" || c.AliasDNSName == "" || c.AliasZoneID == "" {
			return invalid(KindRecordSet, fmt.Sprintf("changes[%d]", i), "is incomplete")
		}
	}
	return nil
}
