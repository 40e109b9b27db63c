package topology

import (
	"strings"

	"github.com/pushkin/deployer/api"
)

// Logical names shared by every project.
const (
	DefaultVPC     = "default"
	DefaultSubnets = "default"
	MainDB         = "Main"
	TransactionDB  = "Transaction"
	SiteRecords    = "site"
	APIRecords     = "api"
	APIService     = "api"
)

// Names are the provider-side names of a project's resources.
type Names struct {
	Cluster        string
	LoadBalancer   string
	TargetGroup    string
	Broker         string
	LogGroup       string
	ExecutionRole  string
	Bucket         string
	Distribution   string
	DatabaseGroup  string
	BalancerGroup  string
	ClusterGroup   string
	BrokerGroup    string
	repositoryBase string
}

// NamesFor derives the resource names from the project identity.
func NamesFor(id api.Identity) Names {
	ecs := id.ClusterName()
	return Names{
		Cluster:        ecs,
		LoadBalancer:   bounded(ecs, "Balancer", 32),
		TargetGroup:    bounded(ecs, "BalancerTargets", 32),
		Broker:         bounded(ecs, "Broker", 50),
		LogGroup:       "/ecs/" + ecs,
		ExecutionRole:  bounded(ecs, "TaskExecution", 64),
		Bucket:         id.AWSName,
		Distribution:   id.AWSName,
		DatabaseGroup:  ecs + "DatabaseGroup",
		BalancerGroup:  ecs + "BalancerGroup",
		ClusterGroup:   ecs + "ECSGroup",
		BrokerGroup:    ecs + "BrokerGroup",
		repositoryBase: strings.ToLower(ecs),
	}
}

// Repository is the image repository of a service.
func (n Names) Repository(service string) string {
	return n.repositoryBase + "/" + strings.ToLower(api.Sanitize(service))
}

// Family is the task definition family, and service name, of a service.
func (n Names) Family(service string) string {
	return n.Cluster + "-" + api.Sanitize(service)
}

// Listener is the logical name of the listener on port.
func (n Names) Listener(port string) string {
	return n.LoadBalancer + ":" + port
}

func bounded(base, suffix string, max int) string {
	if keep := max - len(suffix); len(base) > keep {
		base = base[:keep]
	}
	return base + suffix
}
