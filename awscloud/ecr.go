package awscloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type ecrAPI interface {
	DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	ListImages(ctx context.Context, in *ecr.ListImagesInput, optFns ...func(*ecr.Options)) (*ecr.ListImagesOutput, error)
	BatchDeleteImage(ctx context.Context, in *ecr.BatchDeleteImageInput, optFns ...func(*ecr.Options)) (*ecr.BatchDeleteImageOutput, error)
	DeleteRepository(ctx context.Context, in *ecr.DeleteRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// Repositories manages image repositories and issues push credentials for
// the registry that holds them.
type Repositories struct {
	client ecrAPI
}

var (
	_ cloud.Driver   = (*Repositories)(nil)
	_ cloud.Registry = (*Repositories)(nil)
)

func (r *Repositories) Kind() api.Kind { return api.KindRepository }

func repoRecord(name string, repo ecrtypes.Repository) api.ResourceRecord {
	return api.ResourceRecord{
		Kind:   api.KindRepository,
		Name:   name,
		ID:     aws.ToString(repo.RepositoryName),
		Status: api.StatusAvailable,
		Attributes: map[string]string{
			api.AttrARN: aws.ToString(repo.RepositoryArn),
			api.AttrURI: aws.ToString(repo.RepositoryUri),
		},
	}
}

func (r *Repositories) describe(ctx context.Context, name string) (ecrtypes.Repository, error) {
	out, err := r.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err != nil {
		return ecrtypes.Repository{}, mapAWSError(err, api.KindRepository, name)
	}
	if len(out.Repositories) == 0 {
		return ecrtypes.Repository{}, &api.NotFoundError{Resource: string(api.KindRepository), ID: name}
	}
	return out.Repositories[0], nil
}

func (r *Repositories) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	repo, err := r.describe(ctx, name)
	if api.IsNotFound(err) {
		return api.ResourceRecord{}, false, nil
	}
	if err != nil {
		return api.ResourceRecord{}, false, err
	}
	return repoRecord(name, repo), true, nil
}

func (r *Repositories) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.RepositorySpec)
	out, err := r.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{RepositoryName: aws.String(s.Name)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindRepository, s.Name)
	}
	return repoRecord(name, *out.Repository), nil
}

func (r *Repositories) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	repo, err := r.describe(ctx, rec.ID)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return repoRecord(rec.Name, repo), nil
}

// Delete removes every image and then the repository.
func (r *Repositories) Delete(ctx context.Context, rec api.ResourceRecord) error {
	in := &ecr.ListImagesInput{RepositoryName: aws.String(rec.ID)}
	for {
		out, err := r.client.ListImages(ctx, in)
		if err != nil {
			return mapAWSError(err, api.KindRepository, rec.ID)
		}
		if len(out.ImageIds) > 0 {
			if _, err := r.client.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
				RepositoryName: aws.String(rec.ID),
				ImageIds:       out.ImageIds,
			}); err != nil {
				return mapAWSError(err, api.KindRepository, rec.ID)
			}
		}
		if out.NextToken == nil {
			break
		}
		in.NextToken = out.NextToken
	}
	_, err := r.client.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{RepositoryName: aws.String(rec.ID)})
	if errorCode(err) == "RepositoryNotEmptyException" {
		return api.ErrDeleteInProgress
	}
	return mapAWSError(err, api.KindRepository, rec.ID)
}

// Credentials exchanges an authorization token for registry credentials.
func (r *Repositories) Credentials(ctx context.Context) (cloud.RegistryCredentials, error) {
	out, err := r.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return cloud.RegistryCredentials{}, mapAWSError(err, api.KindRepository, "authorization token")
	}
	if len(out.AuthorizationData) == 0 {
		return cloud.RegistryCredentials{}, fmt.Errorf("no ECR authorization data returned")
	}
	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return cloud.RegistryCredentials{}, fmt.Errorf("decode ECR token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return cloud.RegistryCredentials{}, fmt.Errorf("malformed ECR token")
	}
	return cloud.RegistryCredentials{
		Username:      user,
		Password:      pass,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	}, nil
}
