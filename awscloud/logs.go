package awscloud

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type logsAPI interface {
	DescribeLogGroups(ctx context.Context, in *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	DeleteLogGroup(ctx context.Context, in *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error)
}

// LogGroups manages the log group container output is shipped to.
type LogGroups struct {
	client logsAPI
}

var _ cloud.Driver = (*LogGroups)(nil)

func (l *LogGroups) Kind() api.Kind { return api.KindLogGroup }

func (l *LogGroups) get(ctx context.Context, name string) (logtypes.LogGroup, bool, error) {
	out, err := l.client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{LogGroupNamePrefix: aws.String(name)})
	if err != nil {
		return logtypes.LogGroup{}, false, mapAWSError(err, api.KindLogGroup, name)
	}
	for _, g := range out.LogGroups {
		if aws.ToString(g.LogGroupName) == name {
			return g, true, nil
		}
	}
	return logtypes.LogGroup{}, false, nil
}

func logGroupRecord(name, group, arn string) api.ResourceRecord {
	rec := api.ResourceRecord{Kind: api.KindLogGroup, Name: name, ID: group, Status: api.StatusAvailable}
	if arn != "" {
		rec.Attributes = map[string]string{api.AttrARN: arn}
	}
	return rec
}

func (l *LogGroups) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	g, ok, err := l.get(ctx, name)
	if err != nil || !ok {
		return api.ResourceRecord{}, false, err
	}
	return logGroupRecord(name, name, aws.ToString(g.Arn)), true, nil
}

func (l *LogGroups) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.LogGroupSpec)
	if _, err := l.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(s.Name)}); err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindLogGroup, s.Name)
	}
	if s.RetentionDays > 0 {
		if _, err := l.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(s.Name),
			RetentionInDays: aws.Int32(s.RetentionDays),
		}); err != nil {
			return api.ResourceRecord{}, mapAWSError(err, api.KindLogGroup, s.Name)
		}
	}
	return logGroupRecord(name, s.Name, ""), nil
}

func (l *LogGroups) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	g, ok, err := l.get(ctx, rec.ID)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	if !ok {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(api.KindLogGroup), ID: rec.ID}
	}
	return logGroupRecord(rec.Name, rec.ID, aws.ToString(g.Arn)), nil
}

func (l *LogGroups) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := l.client.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(rec.ID)})
	return mapAWSError(err, api.KindLogGroup, rec.ID)
}
