package awscloud

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type iamAPI interface {
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

// Roles manages service roles such as the task execution role.
type Roles struct {
	client iamAPI
}

var _ cloud.Driver = (*Roles)(nil)

func (r *Roles) Kind() api.Kind { return api.KindRole }

func roleRecord(name, roleName, arn string) api.ResourceRecord {
	return api.ResourceRecord{
		Kind:       api.KindRole,
		Name:       name,
		ID:         roleName,
		Status:     api.StatusAvailable,
		Attributes: map[string]string{api.AttrARN: arn},
	}
}

func (r *Roles) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	out, err := r.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		err = mapAWSError(err, api.KindRole, name)
		if api.IsNotFound(err) {
			return api.ResourceRecord{}, false, nil
		}
		return api.ResourceRecord{}, false, err
	}
	return roleRecord(name, aws.ToString(out.Role.RoleName), aws.ToString(out.Role.Arn)), true, nil
}

func assumeRolePolicy(service string) (string, error) {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": service},
			"Action":    "sts:AssumeRole",
		}},
	}
	b, err := json.Marshal(doc)
	return string(b), err
}

func (r *Roles) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.RoleSpec)
	policy, err := assumeRolePolicy(s.AssumeService)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	out, err := r.client.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(s.Name),
		AssumeRolePolicyDocument: aws.String(policy),
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindRole, s.Name)
	}
	for _, arn := range s.PolicyARNs {
		if _, err := r.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(s.Name),
			PolicyArn: aws.String(arn),
		}); err != nil {
			return api.ResourceRecord{}, mapAWSError(err, api.KindRole, s.Name)
		}
	}
	return roleRecord(name, aws.ToString(out.Role.RoleName), aws.ToString(out.Role.Arn)), nil
}

func (r *Roles) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	out, err := r.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(rec.ID)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindRole, rec.ID)
	}
	return roleRecord(rec.Name, rec.ID, aws.ToString(out.Role.Arn)), nil
}

// Delete detaches managed policies, which IAM requires before the role
// itself can go.
func (r *Roles) Delete(ctx context.Context, rec api.ResourceRecord) error {
	out, err := r.client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(rec.ID)})
	if err != nil {
		return mapAWSError(err, api.KindRole, rec.ID)
	}
	for _, p := range out.AttachedPolicies {
		if _, err := r.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(rec.ID),
			PolicyArn: p.PolicyArn,
		}); err != nil {
			return mapAWSError(err, api.KindRole, rec.ID)
		}
	}
	_, err = r.client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(rec.ID)})
	return mapAWSError(err, api.KindRole, rec.ID)
}
