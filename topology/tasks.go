package topology

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/graph"
)

// CloudFrontZoneID is the hosted zone every CloudFront alias target lives in.
const CloudFrontZoneID = "Z2FDTNDATAQYW2"

const (
	dbEngine        = "postgres"
	dbInstanceClass = "db.t3.micro"
	dbStorageGiB    = 20
	dbPort          = 5432
	dbUser          = "postgres"

	brokerEngineVersion = "3.13"
	brokerInstanceType  = "mq.t3.micro"
	brokerUser          = "pushkin"

	executionPolicy = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
	containerMemory = 512
	apiPort         = 80
	siteIndex       = "index.html"
)

var (
	anywhere   = []string{"0.0.0.0/0"}
	anywhere6  = []string{"::/0"}
	siteLabels = []struct{ id, host, typ string }{
		{"dns:apex-a", "", "A"},
		{"dns:apex-aaaa", "", "AAAA"},
		{"dns:www-a", "www.", "A"},
		{"dns:www-aaaa", "www.", "AAAA"},
	}
)

func open(from, to int32) api.IngressRule {
	return api.IngressRule{Protocol: "tcp", FromPort: from, ToPort: to, CIDRs: anywhere, IPv6CIDRs: anywhere6}
}

// tasks holds what the task closures of one graph share.
type tasks struct {
	*Builder
	p     Project
	names Names
	mode  mode
}

func (t *tasks) network(pl *plan) {
	id := t.p.Identity
	if id.CustomDomain() {
		pl.add(TaskCertificate, api.KindCertificate, nil, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
			return one(t.Resources.Reconcile(ctx, api.KindCertificate, id.RootDomain,
				api.LookupSpec{For: api.KindCertificate, Filter: id.Certificate}))
		}, ref(api.KindCertificate, id.RootDomain))
	} else {
		pl.add(TaskCertificate, api.KindCertificate, nil, graph.Noop)
	}

	pl.add(TaskVPC, api.KindVPC, nil, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
		return one(t.Resources.Reconcile(ctx, api.KindVPC, DefaultVPC, api.LookupSpec{For: api.KindVPC}))
	}, ref(api.KindVPC, DefaultVPC))

	pl.add(TaskSubnets, api.KindSubnets, []string{TaskVPC}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		vpc, err := need(in, TaskVPC)
		if err != nil {
			return nil, err
		}
		return one(t.Resources.Reconcile(ctx, api.KindSubnets, DefaultSubnets, api.LookupSpec{For: api.KindSubnets, Filter: vpc.ID}))
	}, ref(api.KindSubnets, DefaultSubnets))

	t.group(pl, TaskDatabaseGroup, t.names.DatabaseGroup, "database access", open(dbPort, dbPort))
	t.group(pl, TaskBalancerGroup, t.names.BalancerGroup, "load balancer access", open(80, 80), open(443, 443))
	t.group(pl, TaskClusterGroup, t.names.ClusterGroup, "container access", open(80, 80), open(22, 22), open(1024, 65535))
	t.group(pl, TaskBrokerGroup, t.names.BrokerGroup, "broker access", open(5671, 5671))
}

func (t *tasks) group(pl *plan, id, name, desc string, rules ...api.IngressRule) {
	pl.add(id, api.KindSecurityGroup, []string{TaskVPC}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		vpc, err := need(in, TaskVPC)
		if err != nil {
			return nil, err
		}
		return one(t.Resources.Reconcile(ctx, api.KindSecurityGroup, name, api.SecurityGroupSpec{
			GroupName:   name,
			Description: desc,
			VPCID:       vpc.ID,
			Ingress:     rules,
		}))
	}, ref(api.KindSecurityGroup, name))
}

func (t *tasks) data(pl *plan) {
	t.database(pl, TaskMainDB, MainDB)
	t.database(pl, TaskTransactionDB, TransactionDB)

	pl.add(TaskMigrations, "", []string{TaskMainDB, TaskTransactionDB}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		if t.Migrator == nil {
			t.Logger.Info().Msg("no migrator configured, skipping migrations")
			return nil, nil
		}
		main, err := need(in, TaskMainDB)
		if err != nil {
			return nil, err
		}
		trans, err := need(in, TaskTransactionDB)
		if err != nil {
			return nil, err
		}
		dbs := map[string]api.Database{
			MainDB:        api.DatabaseFromRecord(main),
			TransactionDB: api.DatabaseFromRecord(trans),
		}
		if err := t.Migrator.Migrate(ctx, dbs); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return nil, nil
	})

	pl.add(TaskBroker, api.KindBroker, []string{TaskBrokerGroup, TaskSubnets}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		sg, err := need(in, TaskBrokerGroup)
		if err != nil {
			return nil, err
		}
		subnets, err := need(in, TaskSubnets)
		if err != nil {
			return nil, err
		}
		ids := subnetIDs(subnets)
		if len(ids) > 1 {
			ids = ids[:1]
		}
		return one(t.Resources.Ensure(ctx, api.KindBroker, t.names.Broker, api.BrokerSpec{
			Name:             t.names.Broker,
			EngineVersion:    brokerEngineVersion,
			InstanceType:     brokerInstanceType,
			Username:         brokerUser,
			Password:         t.secret(),
			SecurityGroupIDs: []string{sg.ID},
			SubnetIDs:        ids,
		}))
	}, ref(api.KindBroker, t.names.Broker))

	pl.add(TaskLogGroup, api.KindLogGroup, nil, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
		return one(t.Resources.Reconcile(ctx, api.KindLogGroup, t.names.LogGroup, api.LogGroupSpec{Name: t.names.LogGroup, RetentionDays: 30}))
	}, ref(api.KindLogGroup, t.names.LogGroup))

	pl.add(TaskExecutionRole, api.KindRole, nil, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
		return one(t.Resources.Reconcile(ctx, api.KindRole, t.names.ExecutionRole, api.RoleSpec{
			Name:          t.names.ExecutionRole,
			AssumeService: "ecs-tasks.amazonaws.com",
			PolicyARNs:    []string{executionPolicy},
		}))
	}, ref(api.KindRole, t.names.ExecutionRole))
}

func (t *tasks) database(pl *plan, id, name string) {
	pl.add(id, api.KindDatabase, []string{TaskDatabaseGroup}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		sg, err := need(in, TaskDatabaseGroup)
		if err != nil {
			return nil, err
		}
		ident := api.DatabaseIdentifier(t.p.Identity.ProjName, name)
		return one(t.Resources.Ensure(ctx, api.KindDatabase, name, api.DatabaseSpec{
			Identifier:       ident,
			DBName:           ident,
			Engine:           dbEngine,
			InstanceClass:    dbInstanceClass,
			AllocatedStorage: dbStorageGiB,
			Username:         dbUser,
			Password:         t.secret(),
			Port:             dbPort,
			SecurityGroupIDs: []string{sg.ID},
			Public:           true,
		}))
	}, ref(api.KindDatabase, name))
}

func (t *tasks) images(pl *plan) {
	for _, svc := range t.p.services() {
		repoName := t.names.Repository(svc.Name)
		pl.add(RepositoryTask(svc.Name), api.KindRepository, nil, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
			return one(t.Resources.Reconcile(ctx, api.KindRepository, repoName, api.RepositorySpec{Name: repoName}))
		}, ref(api.KindRepository, repoName))

		pl.add(PublishTask(svc.Name), api.KindRepository, []string{RepositoryTask(svc.Name)}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
			repo, err := need(in, RepositoryTask(svc.Name))
			if err != nil {
				return nil, err
			}
			uri := repo.Attr(api.AttrURI)
			if uri == "" {
				uri = strings.TrimSuffix(t.p.Identity.Registry, "/") + "/" + repo.Name
			}
			image := uri + ":latest"
			if t.Publisher != nil {
				if image, err = t.Publisher.Publish(ctx, svc, uri); err != nil {
					return nil, fmt.Errorf("publish %s: %w", svc.Name, err)
				}
			}
			return []api.ResourceRecord{repo.WithAttr(api.AttrImage, image)}, nil
		})
	}
}

func (t *tasks) compute(pl *plan) {
	var defs []string
	for _, svc := range t.p.services() {
		defs = append(defs, TaskDefinitionTask(svc.Name))
		t.taskDefinition(pl, svc)
	}
	pl.add(TaskDefinitions, api.KindTaskDefinition, defs, func(_ context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		var out []api.ResourceRecord
		for _, id := range defs {
			out = append(out, in[id]...)
		}
		return out, nil
	})

	pl.add(TaskCluster, api.KindCluster, []string{TaskClusterGroup}, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
		return one(t.Resources.Ensure(ctx, api.KindCluster, t.names.Cluster, api.ClusterSpec{Name: t.names.Cluster}))
	}, ref(api.KindCluster, t.names.Cluster))

	pl.add(TaskTargetGroup, api.KindTargetGroup, []string{TaskVPC}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		vpc, err := need(in, TaskVPC)
		if err != nil {
			return nil, err
		}
		return one(t.Resources.Reconcile(ctx, api.KindTargetGroup, t.names.TargetGroup, api.TargetGroupSpec{
			Name:            t.names.TargetGroup,
			Protocol:        "HTTP",
			Port:            apiPort,
			VPCID:           vpc.ID,
			HealthCheckPath: "/",
		}))
	}, ref(api.KindTargetGroup, t.names.TargetGroup))

	pl.add(TaskLoadBalancer, api.KindLoadBalancer, []string{TaskBalancerGroup, TaskSubnets, TaskCluster}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		sg, err := need(in, TaskBalancerGroup)
		if err != nil {
			return nil, err
		}
		subnets, err := need(in, TaskSubnets)
		if err != nil {
			return nil, err
		}
		return one(t.Resources.Ensure(ctx, api.KindLoadBalancer, t.names.LoadBalancer, api.LoadBalancerSpec{
			Name:             t.names.LoadBalancer,
			SubnetIDs:        subnetIDs(subnets),
			SecurityGroupIDs: []string{sg.ID},
		}))
	}, ref(api.KindLoadBalancer, t.names.LoadBalancer))

	t.listener(pl, TaskHTTPListener, "HTTP", 80, false)
	t.listener(pl, TaskHTTPSListener, "HTTPS", 443, true)

	for _, svc := range t.p.services() {
		t.service(pl, svc)
	}
}

func (t *tasks) taskDefinition(pl *plan, svc Service) {
	family := t.names.Family(svc.Name)
	isAPI := svc.Name == APIService
	deps := []string{PublishTask(svc.Name), TaskBroker, TaskLogGroup, TaskExecutionRole}
	if !isAPI {
		deps = append(deps, TaskMainDB, TaskTransactionDB)
	}

	pl.add(TaskDefinitionTask(svc.Name), api.KindTaskDefinition, deps, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		image, err := need(in, PublishTask(svc.Name))
		if err != nil {
			return nil, err
		}
		broker, err := need(in, TaskBroker)
		if err != nil {
			return nil, err
		}
		logs, err := need(in, TaskLogGroup)
		if err != nil {
			return nil, err
		}
		role, err := need(in, TaskExecutionRole)
		if err != nil {
			return nil, err
		}

		env := make(map[string]string, len(svc.Environment)+6)
		for k, v := range svc.Environment {
			env[k] = v
		}
		env["AMPQ_ADDRESS"] = amqpAddress(broker)
		c := api.ContainerSpec{
			Name:        svc.Name,
			Image:       image.Attr(api.AttrImage),
			MemoryMiB:   containerMemory,
			Command:     svc.Command,
			Environment: env,
			LogGroup:    logs.Name,
			LogRegion:   t.p.Region,
			LogPrefix:   svc.Name,
		}
		if isAPI {
			c.Ports = []int32{apiPort}
		} else {
			main, err := need(in, TaskMainDB)
			if err != nil {
				return nil, err
			}
			trans, err := need(in, TaskTransactionDB)
			if err != nil {
				return nil, err
			}
			db := api.DatabaseFromRecord(main)
			env["DB_USER"] = db.User
			env["DB_NAME"] = db.Name
			env["DB_PASS"] = db.Pass
			env["DB_URL"] = DatabaseURL(db)
			env["TRANSACTION_DATABASE_URL"] = DatabaseURL(api.DatabaseFromRecord(trans))
		}

		spec := api.TaskDefinitionSpec{
			Family:           family,
			CPU:              "256",
			Memory:           strconv.Itoa(containerMemory),
			ExecutionRoleARN: arn(role),
			Containers:       []api.ContainerSpec{c},
		}
		if t.mode == modeUpdate {
			return one(t.Resources.Refresh(ctx, api.KindTaskDefinition, family, spec))
		}
		return one(t.Resources.Reconcile(ctx, api.KindTaskDefinition, family, spec))
	}, ref(api.KindTaskDefinition, family))
}

func (t *tasks) listener(pl *plan, id, protocol string, port int32, secure bool) {
	name := t.names.Listener(strconv.Itoa(int(port)))
	deps := []string{TaskLoadBalancer, TaskTargetGroup}
	var owns []api.Ref
	if secure {
		deps = append(deps, TaskCertificate)
	}
	if !secure || t.p.Identity.CustomDomain() {
		owns = append(owns, ref(api.KindListener, name))
	}

	pl.add(id, api.KindListener, deps, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		spec := api.ListenerSpec{Protocol: protocol, Port: port}
		if secure {
			cert, ok := in.Record(TaskCertificate)
			if !ok {
				return nil, nil
			}
			spec.CertificateARN = arn(cert)
		}
		lb, err := need(in, TaskLoadBalancer)
		if err != nil {
			return nil, err
		}
		tg, err := need(in, TaskTargetGroup)
		if err != nil {
			return nil, err
		}
		spec.LoadBalancerARN, spec.TargetGroupARN = arn(lb), arn(tg)
		return one(t.Resources.Reconcile(ctx, api.KindListener, name, spec))
	}, owns...)
}

func (t *tasks) service(pl *plan, svc Service) {
	name := t.names.Family(svc.Name)
	isAPI := svc.Name == APIService
	deps := []string{TaskCluster, TaskDefinitions, TaskSubnets, TaskClusterGroup}
	if isAPI {
		deps = append(deps, TaskTargetGroup, TaskHTTPListener, TaskHTTPSListener)
	}

	pl.add(ServiceTask(svc.Name), api.KindService, deps, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		var def api.ResourceRecord
		for _, rec := range in[TaskDefinitions] {
			if rec.Name == name {
				def = rec
			}
		}
		if def.ID == "" {
			return nil, fmt.Errorf("no task definition for %s", svc.Name)
		}
		subnets, err := need(in, TaskSubnets)
		if err != nil {
			return nil, err
		}
		sg, err := need(in, TaskClusterGroup)
		if err != nil {
			return nil, err
		}
		count := t.p.DesiredCount
		if count <= 0 {
			count = 1
		}
		spec := api.ServiceSpec{
			Name:             name,
			Cluster:          t.names.Cluster,
			TaskDefinition:   arn(def),
			DesiredCount:     count,
			SubnetIDs:        subnetIDs(subnets),
			SecurityGroupIDs: []string{sg.ID},
		}
		if isAPI {
			tg, err := need(in, TaskTargetGroup)
			if err != nil {
				return nil, err
			}
			spec.TargetGroupARN, spec.ContainerName, spec.ContainerPort = arn(tg), svc.Name, apiPort
		}
		if t.mode == modeUpdate {
			return one(t.Resources.Refresh(ctx, api.KindService, name, spec))
		}
		return one(t.Resources.Reconcile(ctx, api.KindService, name, spec))
	}, ref(api.KindService, name))
}

func (t *tasks) site(pl *plan) {
	bucket := t.names.Bucket
	pl.add(TaskBucket, api.KindBucket, nil, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
		return one(t.Resources.Reconcile(ctx, api.KindBucket, bucket, api.BucketSpec{
			Name:          bucket,
			Region:        t.p.Region,
			IndexDocument: siteIndex,
			ErrorDocument: siteIndex,
			PublicRead:    true,
		}))
	}, ref(api.KindBucket, bucket))

	pl.add(TaskSiteSync, api.KindBucket, []string{TaskBucket}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		if t.Site == nil || t.p.SiteDir == "" {
			t.Logger.Info().Msg("no site directory, skipping upload")
			return nil, nil
		}
		rec, err := need(in, TaskBucket)
		if err != nil {
			return nil, err
		}
		n, err := t.Site.UploadSite(ctx, rec.ID, t.p.SiteDir)
		if err != nil {
			return nil, fmt.Errorf("sync site: %w", err)
		}
		t.Logger.Info().Str("bucket", rec.ID).Int("files", n).Msg("synced site")
		return nil, nil
	})

	pl.add(TaskDistribution, api.KindDistribution, []string{TaskBucket, TaskCertificate}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		rec, err := need(in, TaskBucket)
		if err != nil {
			return nil, err
		}
		spec := api.DistributionSpec{
			OriginID:          t.names.Distribution,
			OriginDomain:      rec.ID + ".s3.amazonaws.com",
			DefaultRootObject: siteIndex,
		}
		if cert, ok := in.Record(TaskCertificate); ok {
			domain := t.p.Identity.RootDomain
			spec.Aliases = []string{domain, "www." + domain}
			spec.CertificateARN = arn(cert)
		}
		if t.mode == modeUpdate {
			return one(t.Resources.Refresh(ctx, api.KindDistribution, t.names.Distribution, spec))
		}
		return one(t.Resources.Ensure(ctx, api.KindDistribution, t.names.Distribution, spec))
	}, ref(api.KindDistribution, t.names.Distribution))
}

func (t *tasks) dns(pl *plan) {
	id := t.p.Identity
	if !id.CustomDomain() {
		pl.add(TaskDNS, api.KindRecordSet, []string{TaskCertificate}, graph.Noop)
		pl.add(TaskAPIDNS, api.KindRecordSet, []string{TaskLoadBalancer}, graph.Noop)
		return
	}
	domain := id.RootDomain

	pl.add(TaskHostedZone, api.KindHostedZone, nil, func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
		return one(t.Resources.Reconcile(ctx, api.KindHostedZone, domain, api.LookupSpec{For: api.KindHostedZone, Filter: domain}))
	}, ref(api.KindHostedZone, domain))

	joined := []string{TaskCertificate, TaskHostedZone}
	for _, l := range siteLabels {
		joined = append(joined, l.id)
		recordName, recordType := l.host+domain, l.typ
		pl.add(l.id, api.KindRecordSet, []string{TaskDistribution, TaskHostedZone}, func(_ context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
			dist, err := need(in, TaskDistribution)
			if err != nil {
				return nil, err
			}
			return []api.ResourceRecord{change(recordName, recordType, dist.Attr(api.AttrDNSName), CloudFrontZoneID)}, nil
		})
	}

	pl.add(TaskDNS, api.KindRecordSet, joined, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		zone, err := need(in, TaskHostedZone)
		if err != nil {
			return nil, err
		}
		spec := api.RecordSetSpec{ZoneID: zone.ID, Comment: "site records for " + domain}
		for _, l := range siteLabels {
			rec, err := need(in, l.id)
			if err != nil {
				return nil, err
			}
			spec.Changes = append(spec.Changes, changeSpec(rec))
		}
		return one(t.Resources.Reconcile(ctx, api.KindRecordSet, SiteRecords, spec))
	}, ref(api.KindRecordSet, SiteRecords))

	pl.add(TaskAPIDNS, api.KindRecordSet, []string{TaskLoadBalancer, TaskHostedZone}, func(ctx context.Context, in graph.Inputs) ([]api.ResourceRecord, error) {
		zone, err := need(in, TaskHostedZone)
		if err != nil {
			return nil, err
		}
		lb, err := need(in, TaskLoadBalancer)
		if err != nil {
			return nil, err
		}
		return one(t.Resources.Reconcile(ctx, api.KindRecordSet, APIRecords, api.RecordSetSpec{
			ZoneID:  zone.ID,
			Comment: "api record for " + domain,
			Changes: []api.RecordChange{changeSpec(change("api."+domain, "A", lb.Attr(api.AttrDNSName), lb.Attr(api.AttrZoneID)))},
		}))
	}, ref(api.KindRecordSet, APIRecords))
}

// change is the record a fan-out task hands to the batch submission.
func change(name, typ, aliasName, aliasZone string) api.ResourceRecord {
	return api.ResourceRecord{
		Kind: api.KindRecordSet,
		Name: name,
		Attributes: map[string]string{
			api.AttrRecordName: name,
			api.AttrRecordType: typ,
			api.AttrAliasName:  aliasName,
			api.AttrAliasZone:  aliasZone,
		},
	}
}

func changeSpec(rec api.ResourceRecord) api.RecordChange {
	return api.RecordChange{
		Name:         rec.Attr(api.AttrRecordName),
		Type:         rec.Attr(api.AttrRecordType),
		AliasDNSName: rec.Attr(api.AttrAliasName),
		AliasZoneID:  rec.Attr(api.AttrAliasZone),
	}
}

func arn(rec api.ResourceRecord) string {
	if a := rec.Attr(api.AttrARN); a != "" {
		return a
	}
	return rec.ID
}

func subnetIDs(rec api.ResourceRecord) []string {
	var ids []string
	for _, s := range strings.Split(rec.Attr(api.AttrSubnets), ",") {
		if s = strings.TrimSpace(s); s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

func amqpAddress(broker api.ResourceRecord) string {
	endpoint := broker.Attr(api.AttrEndpoint)
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	u.User = url.UserPassword(broker.Attr(api.AttrUser), broker.Attr(api.AttrPassword))
	return u.String()
}

// DatabaseURL is the connection URL of db handed to containers and
// migrations.
func DatabaseURL(db api.Database) string {
	u := url.URL{
		Scheme: db.Type,
		User:   url.UserPassword(db.User, db.Pass),
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:   "/" + db.Name,
	}
	if u.Scheme == "" {
		u.Scheme = dbEngine
	}
	return u.String()
}
