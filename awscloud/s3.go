package awscloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	PutBucketWebsite(ctx context.Context, in *s3.PutBucketWebsiteInput, optFns ...func(*s3.Options)) (*s3.PutBucketWebsiteOutput, error)
	PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// uploadWorkers bounds concurrent object uploads during a site sync.
const uploadWorkers = 8

// Buckets manages static-site buckets and syncs site files into them.
type Buckets struct {
	client s3API
	region string
	logger zerolog.Logger
}

var (
	_ cloud.Driver       = (*Buckets)(nil)
	_ cloud.SiteUploader = (*Buckets)(nil)
)

func (b *Buckets) Kind() api.Kind { return api.KindBucket }

func (b *Buckets) record(name string) api.ResourceRecord {
	return api.ResourceRecord{
		Kind:   api.KindBucket,
		Name:   name,
		ID:     name,
		Status: api.StatusAvailable,
		Attributes: map[string]string{
			api.AttrARN:      "arn:aws:s3:::" + name,
			api.AttrEndpoint: fmt.Sprintf("%s.s3-website-%s.amazonaws.com", name, b.region),
		},
	}
}

func (b *Buckets) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err != nil {
		err = mapAWSError(err, api.KindBucket, name)
		if api.IsNotFound(err) {
			return api.ResourceRecord{}, false, nil
		}
		return api.ResourceRecord{}, false, err
	}
	return b.record(name), true, nil
}

func (b *Buckets) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.BucketSpec)
	in := &s3.CreateBucketInput{Bucket: aws.String(s.Name)}
	if region := s.Region; region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, in); err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindBucket, s.Name)
	}

	if s.IndexDocument != "" {
		website := &s3types.WebsiteConfiguration{
			IndexDocument: &s3types.IndexDocument{Suffix: aws.String(s.IndexDocument)},
		}
		if s.ErrorDocument != "" {
			website.ErrorDocument = &s3types.ErrorDocument{Key: aws.String(s.ErrorDocument)}
		}
		if _, err := b.client.PutBucketWebsite(ctx, &s3.PutBucketWebsiteInput{
			Bucket:               aws.String(s.Name),
			WebsiteConfiguration: website,
		}); err != nil {
			return api.ResourceRecord{}, mapAWSError(err, api.KindBucket, s.Name)
		}
	}

	if s.PublicRead {
		if _, err := b.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: aws.String(s.Name),
			PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       aws.Bool(false),
				BlockPublicPolicy:     aws.Bool(false),
				IgnorePublicAcls:      aws.Bool(false),
				RestrictPublicBuckets: aws.Bool(false),
			},
		}); err != nil {
			return api.ResourceRecord{}, mapAWSError(err, api.KindBucket, s.Name)
		}
		policy, err := publicReadPolicy(s.Name)
		if err != nil {
			return api.ResourceRecord{}, err
		}
		if _, err := b.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
			Bucket: aws.String(s.Name),
			Policy: aws.String(policy),
		}); err != nil {
			return api.ResourceRecord{}, mapAWSError(err, api.KindBucket, s.Name)
		}
	}

	rec := b.record(s.Name)
	rec.Name = name
	return rec, nil
}

func publicReadPolicy(bucket string) (string, error) {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Sid":       "PublicReadGetObject",
			"Effect":    "Allow",
			"Principal": "*",
			"Action":    "s3:GetObject",
			"Resource":  "arn:aws:s3:::" + bucket + "/*",
		}},
	}
	b, err := json.Marshal(doc)
	return string(b), err
}

func (b *Buckets) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(rec.ID)}); err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindBucket, rec.ID)
	}
	cur := b.record(rec.ID)
	cur.Name = rec.Name
	return cur, nil
}

// Delete empties the bucket and removes it.
func (b *Buckets) Delete(ctx context.Context, rec api.ResourceRecord) error {
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{Bucket: aws.String(rec.ID)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return mapAWSError(err, api.KindBucket, rec.ID)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(rec.ID),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return mapAWSError(err, api.KindBucket, rec.ID)
		}
	}
	if _, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(rec.ID)}); err != nil {
		return mapAWSError(err, api.KindBucket, rec.ID)
	}
	return nil
}

// UploadSite puts every regular file under dir into bucket, keyed by its
// slash-separated relative path, and returns the number of files uploaded.
func (b *Buckets) UploadSite(ctx context.Context, bucket, dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk site directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)
	for _, p := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()

			in := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: f}
			if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
				in.ContentType = aws.String(ct)
			}
			if _, err := b.client.PutObject(ctx, in); err != nil {
				return fmt.Errorf("upload %s: %w", key, mapAWSError(err, api.KindBucket, bucket))
			}
			b.logger.Debug().Str("bucket", bucket).Str("key", key).Msg("uploaded")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(files), nil
}
