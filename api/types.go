package api

import (
	"sort"
	"strconv"
)

// Kind identifies a class of cloud resource managed by the deployer.
type Kind string

const (
	KindCertificate    Kind = "certificate"
	KindVPC            Kind = "vpc"
	KindSubnets        Kind = "subnets"
	KindSecurityGroup  Kind = "securityGroup"
	KindDatabase       Kind = "database"
	KindBroker         Kind = "broker"
	KindLogGroup       Kind = "logGroup"
	KindRole           Kind = "role"
	KindRepository     Kind = "repository"
	KindTaskDefinition Kind = "taskDefinition"
	KindCluster        Kind = "cluster"
	KindTargetGroup    Kind = "targetGroup"
	KindLoadBalancer   Kind = "loadBalancer"
	KindListener       Kind = "listener"
	KindService        Kind = "service"
	KindBucket         Kind = "bucket"
	KindDistribution   Kind = "distribution"
	KindHostedZone     Kind = "hostedZone"
	KindRecordSet      Kind = "recordSet"
)

// LookupOnly reports whether resources of this kind are discovered but
// never created or deleted by the deployer.
func (k Kind) LookupOnly() bool {
	switch k {
	case KindCertificate, KindVPC, KindSubnets, KindHostedZone:
		return true
	}
	return false
}

// Status is the provisioning state of a recorded resource.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAvailable Status = "available"
	StatusFailed    Status = "failed"
	StatusDeleting  Status = "deleting"
)

// Well-known attribute keys.
const (
	AttrARN        = "arn"
	AttrEndpoint   = "endpoint"
	AttrHost       = "host"
	AttrPort       = "port"
	AttrUser       = "user"
	AttrPassword   = "pass"
	AttrDBName     = "dbName"
	AttrEngine     = "engine"
	AttrDNSName    = "dnsName"
	AttrZoneID     = "zoneId"
	AttrURI        = "uri"
	AttrVPC        = "vpc"
	AttrSubnets    = "subnets"
	AttrImage      = "image"
	AttrRevision   = "revision"
	AttrRecords    = "records"
	AttrAliasName  = "aliasName"
	AttrAliasZone  = "aliasZone"
	AttrRecordName = "recordName"
	AttrRecordType = "recordType"

	// AttrProviderStatus holds the provider's own status string.
	AttrProviderStatus = "providerStatus"
)

// ResourceRecord is the persisted knowledge about one external resource.
type ResourceRecord struct {
	Kind       Kind              `yaml:"kind" json:"kind"`
	Name       string            `yaml:"name" json:"name"`
	ID         string            `yaml:"id" json:"id"`
	Status     Status            `yaml:"status,omitempty" json:"status,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// Attr returns the attribute value for key, or "" when unset.
func (r ResourceRecord) Attr(key string) string {
	return r.Attributes[key]
}

// WithAttr returns a copy of r with key set to value.
func (r ResourceRecord) WithAttr(key, value string) ResourceRecord {
	attrs := make(map[string]string, len(r.Attributes)+1)
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	r.Attributes = attrs
	return r
}

// Ref is a (kind, logical name) pair.
type Ref struct {
	Kind Kind
	Name string
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.Name
}

// Ref returns the record's (kind, name) key.
func (r ResourceRecord) Ref() Ref {
	return Ref{Kind: r.Kind, Name: r.Name}
}

// Identity is the project identity block of the descriptor.
type Identity struct {
	ProjName    string `yaml:"projName" json:"projName"`
	AWSName     string `yaml:"awsName" json:"awsName"`
	IAM         string `yaml:"iam,omitempty" json:"iam,omitempty"`
	Registry    string `yaml:"registry,omitempty" json:"registry,omitempty"`
	RootDomain  string `yaml:"rootDomain,omitempty" json:"rootDomain,omitempty"`
	Certificate string `yaml:"certificate,omitempty" json:"certificate,omitempty"`
}

// DefaultDomain is the domain value meaning "no custom domain".
const DefaultDomain = "default"

// CustomDomain reports whether a non-default domain was selected.
func (i Identity) CustomDomain() bool {
	return i.RootDomain != "" && i.RootDomain != DefaultDomain
}

// Database is the connection block other tooling reads from productionDBs.
type Database struct {
	Type string `yaml:"type" json:"type"`
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"`
	User string `yaml:"user" json:"user"`
	Pass string `yaml:"pass" json:"pass"`
	Port int    `yaml:"port" json:"port"`
}

// DatabaseFromRecord builds the connection block for a database record.
func DatabaseFromRecord(rec ResourceRecord) Database {
	port, _ := strconv.Atoi(rec.Attr(AttrPort))
	return Database{
		Type: rec.Attr(AttrEngine),
		Name: rec.Attr(AttrDBName),
		Host: rec.Attr(AttrHost),
		User: rec.Attr(AttrUser),
		Pass: rec.Attr(AttrPassword),
		Port: port,
	}
}

// Descriptor is the persisted deployment state.
type Descriptor struct {
	Info          Identity                           `yaml:"info" json:"info"`
	ProductionDBs map[string]Database                `yaml:"productionDBs,omitempty" json:"productionDBs,omitempty"`
	ClusterName   string                             `yaml:"clusterName,omitempty" json:"clusterName,omitempty"`
	Resources     map[Kind]map[string]ResourceRecord `yaml:"resources,omitempty" json:"resources,omitempty"`
	Revision      int64                              `yaml:"revision" json:"revision"`
}

// Lookup returns the stored record for (kind, name).
func (d Descriptor) Lookup(kind Kind, name string) (ResourceRecord, bool) {
	byName, ok := d.Resources[kind]
	if !ok {
		return ResourceRecord{}, false
	}
	rec, ok := byName[name]
	return rec, ok
}

// Put stores rec, replacing any record with the same kind and name.
func (d *Descriptor) Put(rec ResourceRecord) {
	if d.Resources == nil {
		d.Resources = make(map[Kind]map[string]ResourceRecord)
	}
	byName, ok := d.Resources[rec.Kind]
	if !ok {
		byName = make(map[string]ResourceRecord)
		d.Resources[rec.Kind] = byName
	}
	byName[rec.Name] = rec
}

// Remove deletes the record for (kind, name). Returns true if it existed.
func (d *Descriptor) Remove(kind Kind, name string) bool {
	byName, ok := d.Resources[kind]
	if !ok {
		return false
	}
	if _, ok := byName[name]; !ok {
		return false
	}
	delete(byName, name)
	if len(byName) == 0 {
		delete(d.Resources, kind)
	}
	return true
}

// Records returns every stored record sorted by kind then name.
func (d Descriptor) Records() []ResourceRecord {
	var out []ResourceRecord
	for _, byName := range d.Resources {
		for _, rec := range byName {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of stored records.
func (d Descriptor) Len() int {
	n := 0
	for _, byName := range d.Resources {
		n += len(byName)
	}
	return n
}

// DeriveDatabases rebuilds ProductionDBs from the database records.
func (d *Descriptor) DeriveDatabases() {
	dbs := d.Resources[KindDatabase]
	if len(dbs) == 0 {
		d.ProductionDBs = nil
		return
	}
	d.ProductionDBs = make(map[string]Database, len(dbs))
	for name, rec := range dbs {
		d.ProductionDBs[name] = DatabaseFromRecord(rec)
	}
}
