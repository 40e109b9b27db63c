package awscloud

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/mq"
	mqtypes "github.com/aws/aws-sdk-go-v2/service/mq/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type mqAPI interface {
	ListBrokers(ctx context.Context, in *mq.ListBrokersInput, optFns ...func(*mq.Options)) (*mq.ListBrokersOutput, error)
	CreateBroker(ctx context.Context, in *mq.CreateBrokerInput, optFns ...func(*mq.Options)) (*mq.CreateBrokerOutput, error)
	DescribeBroker(ctx context.Context, in *mq.DescribeBrokerInput, optFns ...func(*mq.Options)) (*mq.DescribeBrokerOutput, error)
	DeleteBroker(ctx context.Context, in *mq.DeleteBrokerInput, optFns ...func(*mq.Options)) (*mq.DeleteBrokerOutput, error)
}

// Brokers manages the single-instance RabbitMQ broker.
type Brokers struct {
	client mqAPI
}

var _ cloud.Driver = (*Brokers)(nil)

func (b *Brokers) Kind() api.Kind { return api.KindBroker }

func (b *Brokers) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	in := &mq.ListBrokersInput{}
	for {
		out, err := b.client.ListBrokers(ctx, in)
		if err != nil {
			return api.ResourceRecord{}, false, mapAWSError(err, api.KindBroker, name)
		}
		for _, s := range out.BrokerSummaries {
			if aws.ToString(s.BrokerName) != name {
				continue
			}
			if s.BrokerState == mqtypes.BrokerStateDeletionInProgress {
				continue
			}
			rec, err := b.Describe(ctx, api.ResourceRecord{Kind: api.KindBroker, Name: name, ID: aws.ToString(s.BrokerId)})
			if err != nil {
				return api.ResourceRecord{}, false, err
			}
			return rec, true, nil
		}
		if out.NextToken == nil {
			return api.ResourceRecord{}, false, nil
		}
		in.NextToken = out.NextToken
	}
}

func (b *Brokers) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.BrokerSpec)
	out, err := b.client.CreateBroker(ctx, &mq.CreateBrokerInput{
		BrokerName:              aws.String(s.Name),
		EngineType:              mqtypes.EngineType("RABBITMQ"),
		EngineVersion:           aws.String(s.EngineVersion),
		HostInstanceType:        aws.String(s.InstanceType),
		DeploymentMode:          mqtypes.DeploymentMode("SINGLE_INSTANCE"),
		PubliclyAccessible:      aws.Bool(false),
		AutoMinorVersionUpgrade: aws.Bool(true),
		SecurityGroups:          s.SecurityGroupIDs,
		SubnetIds:               s.SubnetIDs,
		Users: []mqtypes.User{{
			Username: aws.String(s.Username),
			Password: aws.String(s.Password),
		}},
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindBroker, s.Name)
	}
	return api.ResourceRecord{
		Kind:   api.KindBroker,
		Name:   name,
		ID:     aws.ToString(out.BrokerId),
		Status: api.StatusPending,
		Attributes: map[string]string{
			api.AttrARN:      aws.ToString(out.BrokerArn),
			api.AttrUser:     s.Username,
			api.AttrPassword: s.Password,
		},
	}, nil
}

func (b *Brokers) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	out, err := b.client.DescribeBroker(ctx, &mq.DescribeBrokerInput{BrokerId: aws.String(rec.ID)})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindBroker, rec.ID)
	}
	state := string(out.BrokerState)
	cur := api.ResourceRecord{
		Kind:   api.KindBroker,
		Name:   rec.Name,
		ID:     rec.ID,
		Status: api.StatusPending,
		Attributes: map[string]string{
			api.AttrARN:            aws.ToString(out.BrokerArn),
			api.AttrProviderStatus: state,
		},
	}
	switch out.BrokerState {
	case mqtypes.BrokerStateRunning:
		cur.Status = api.StatusAvailable
	case mqtypes.BrokerStateCreationFailed:
		cur.Status = api.StatusFailed
	case mqtypes.BrokerStateDeletionInProgress:
		cur.Status = api.StatusDeleting
	}
	for _, inst := range out.BrokerInstances {
		for _, ep := range inst.Endpoints {
			if strings.HasPrefix(ep, "amqps://") {
				cur.Attributes[api.AttrEndpoint] = ep
				break
			}
		}
	}
	if len(out.Users) > 0 {
		cur.Attributes[api.AttrUser] = aws.ToString(out.Users[0].Username)
	}
	return cur, nil
}

func (b *Brokers) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := b.client.DeleteBroker(ctx, &mq.DeleteBrokerInput{BrokerId: aws.String(rec.ID)})
	return mapAWSError(err, api.KindBroker, rec.ID)
}
