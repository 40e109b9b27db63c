package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"bucket ok", BucketSpec{Name: "proj-site"}, false},
		{"bucket upper", BucketSpec{Name: "Proj-Site"}, true},
		{"bucket short", BucketSpec{Name: "ab"}, true},
		{"distribution alias without cert", DistributionSpec{OriginID: "o", OriginDomain: "o.s3", Aliases: []string{"x.com"}}, true},
		{"distribution ok", DistributionSpec{OriginID: "o", OriginDomain: "o.s3"}, false},
		{"sg bad ports", SecurityGroupSpec{GroupName: "g", VPCID: "v", Ingress: []IngressRule{{FromPort: 90, ToPort: 80, CIDRs: []string{"0.0.0.0/0"}}}}, true},
		{"sg no ranges", SecurityGroupSpec{GroupName: "g", VPCID: "v", Ingress: []IngressRule{{FromPort: 80, ToPort: 80}}}, true},
		{"sg ok", SecurityGroupSpec{GroupName: "g", VPCID: "v", Ingress: []IngressRule{{FromPort: 80, ToPort: 80, CIDRs: []string{"0.0.0.0/0"}}}}, false},
		{"database short password", DatabaseSpec{Identifier: "i", DBName: "d", Engine: "postgres", Username: "u", Password: "x", Port: 5432}, true},
		{"database ok", DatabaseSpec{Identifier: "i", DBName: "d", Engine: "postgres", Username: "u", Password: "longenough", Port: 5432}, false},
		{"database underscore identifier", DatabaseSpec{Identifier: "my_study", DBName: "d", Engine: "postgres", Username: "u", Password: "longenough", Port: 5432}, true},
		{"database digit identifier", DatabaseSpec{Identifier: "2024main", DBName: "d", Engine: "postgres", Username: "u", Password: "longenough", Port: 5432}, true},
		{"database long identifier", DatabaseSpec{Identifier: strings.Repeat("a", 64), DBName: "d", Engine: "postgres", Username: "u", Password: "longenough", Port: 5432}, true},
		{"broker short password", BrokerSpec{Name: "b", Username: "u", Password: "short"}, true},
		{"taskdef no containers", TaskDefinitionSpec{Family: "f"}, true},
		{"taskdef ok", TaskDefinitionSpec{Family: "f", Containers: []ContainerSpec{{Name: "c", Image: "i"}}}, false},
		{"lb one subnet", LoadBalancerSpec{Name: "lb", SubnetIDs: []string{"a"}}, true},
		{"listener https no cert", ListenerSpec{LoadBalancerARN: "lb", TargetGroupARN: "tg", Protocol: "HTTPS", Port: 443}, true},
		{"service lb without port", ServiceSpec{Name: "s", Cluster: "c", TaskDefinition: "t", TargetGroupARN: "tg"}, true},
		{"record set bad type", RecordSetSpec{ZoneID: "z", Changes: []RecordChange{{Name: "a", Type: "CNAME", AliasDNSName: "d", AliasZoneID: "z"}}}, true},
		{"record set ok", RecordSetSpec{ZoneID: "z", Changes: []RecordChange{{Name: "a", Type: "A", AliasDNSName: "d", AliasZoneID: "z"}}}, false},
		{"lookup non lookup kind", LookupSpec{For: KindBucket}, true},
		{"lookup ok", LookupSpec{For: KindVPC}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
