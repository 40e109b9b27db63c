package awscloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type route53API interface {
	ListHostedZonesByName(ctx context.Context, in *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
}

func fqdn(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".") + "."
}

// HostedZones discovers the public hosted zone of a domain.
type HostedZones struct {
	lookup
	client route53API
}

var _ cloud.Driver = (*HostedZones)(nil)

func (h *HostedZones) Kind() api.Kind { return api.KindHostedZone }

func (h *HostedZones) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	out, err := h.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{DNSName: aws.String(name)})
	if err != nil {
		return api.ResourceRecord{}, false, mapAWSError(err, api.KindHostedZone, name)
	}
	want := fqdn(name)
	for _, z := range out.HostedZones {
		if fqdn(aws.ToString(z.Name)) != want {
			continue
		}
		if z.Config != nil && z.Config.PrivateZone {
			continue
		}
		return api.ResourceRecord{
			Kind:   api.KindHostedZone,
			Name:   name,
			ID:     strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/"),
			Status: api.StatusAvailable,
		}, true, nil
	}
	return api.ResourceRecord{}, false, nil
}

func (h *HostedZones) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	domain := spec.(api.LookupSpec).Filter
	if domain == "" {
		domain = name
	}
	rec, found, err := h.Find(ctx, domain)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	if !found {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: "hosted zone", ID: domain}
	}
	rec.Name = name
	return rec, nil
}

// RecordSets submits alias record batches. Record sets are never adopted:
// every create is an idempotent UPSERT, and the submitted changes are kept
// in the record so delete can replay them.
type RecordSets struct {
	client route53API
}

var _ cloud.Driver = (*RecordSets)(nil)

func (r *RecordSets) Kind() api.Kind { return api.KindRecordSet }

func (r *RecordSets) Find(context.Context, string) (api.ResourceRecord, bool, error) {
	return api.ResourceRecord{}, false, nil
}

func changeBatch(action r53types.ChangeAction, comment string, changes []api.RecordChange) *r53types.ChangeBatch {
	batch := &r53types.ChangeBatch{Comment: aws.String(comment)}
	for _, c := range changes {
		batch.Changes = append(batch.Changes, r53types.Change{
			Action: action,
			ResourceRecordSet: &r53types.ResourceRecordSet{
				Name: aws.String(c.Name),
				Type: r53types.RRType(c.Type),
				AliasTarget: &r53types.AliasTarget{
					DNSName:      aws.String(c.AliasDNSName),
					HostedZoneId: aws.String(c.AliasZoneID),
				},
			},
		})
	}
	return batch
}

func (r *RecordSets) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.RecordSetSpec)
	out, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(s.ZoneID),
		ChangeBatch:  changeBatch(r53types.ChangeActionUpsert, s.Comment, s.Changes),
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindRecordSet, name)
	}
	records, err := json.Marshal(s.Changes)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	id := name
	if out.ChangeInfo != nil {
		id = strings.TrimPrefix(aws.ToString(out.ChangeInfo.Id), "/change/")
	}
	return api.ResourceRecord{
		Kind:   api.KindRecordSet,
		Name:   name,
		ID:     id,
		Status: api.StatusAvailable,
		Attributes: map[string]string{
			api.AttrZoneID:  s.ZoneID,
			api.AttrRecords: string(records),
		},
	}, nil
}

func recordedChanges(rec api.ResourceRecord) ([]api.RecordChange, error) {
	var changes []api.RecordChange
	if raw := rec.Attr(api.AttrRecords); raw != "" {
		if err := json.Unmarshal([]byte(raw), &changes); err != nil {
			return nil, fmt.Errorf("record set %s: %w", rec.Name, err)
		}
	}
	return changes, nil
}

// live returns the recorded changes still present in the zone.
func (r *RecordSets) live(ctx context.Context, rec api.ResourceRecord) ([]api.RecordChange, error) {
	changes, err := recordedChanges(rec)
	if err != nil {
		return nil, err
	}
	zone := rec.Attr(api.AttrZoneID)
	var present []api.RecordChange
	for _, c := range changes {
		out, err := r.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
			HostedZoneId:    aws.String(zone),
			StartRecordName: aws.String(c.Name),
			StartRecordType: r53types.RRType(c.Type),
		})
		if err != nil {
			return nil, mapAWSError(err, api.KindRecordSet, rec.Name)
		}
		for _, rs := range out.ResourceRecordSets {
			if fqdn(aws.ToString(rs.Name)) == fqdn(c.Name) && string(rs.Type) == c.Type {
				present = append(present, c)
				break
			}
		}
	}
	return present, nil
}

func (r *RecordSets) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	present, err := r.live(ctx, rec)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	if len(present) == 0 {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(api.KindRecordSet), ID: rec.Name}
	}
	return rec, nil
}

// Delete removes whichever recorded records still exist in one batch.
func (r *RecordSets) Delete(ctx context.Context, rec api.ResourceRecord) error {
	present, err := r.live(ctx, rec)
	if err != nil {
		return err
	}
	if len(present) == 0 {
		return nil
	}
	_, err = r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(rec.Attr(api.AttrZoneID)),
		ChangeBatch:  changeBatch(r53types.ChangeActionDelete, "teardown "+rec.Name, present),
	})
	return mapAWSError(err, api.KindRecordSet, rec.Name)
}
