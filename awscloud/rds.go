package awscloud

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

type rdsAPI interface {
	DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	CreateDBInstance(ctx context.Context, in *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	DeleteDBInstance(ctx context.Context, in *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
}

var failedDBStates = map[string]bool{
	"failed":                   true,
	"incompatible-credentials": true,
	"incompatible-network":     true,
	"incompatible-parameters":  true,
	"incompatible-restore":     true,
	"storage-full":             true,
}

// Databases manages managed postgres instances. Logical names such as
// "Main" map to instance identifiers through identifier.
type Databases struct {
	client     rdsAPI
	identifier func(name string) string
}

var _ cloud.Driver = (*Databases)(nil)

func (d *Databases) Kind() api.Kind { return api.KindDatabase }

func (d *Databases) describe(ctx context.Context, identifier string) (rdstypes.DBInstance, error) {
	out, err := d.client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(identifier)})
	if err != nil {
		return rdstypes.DBInstance{}, mapAWSError(err, api.KindDatabase, identifier)
	}
	if len(out.DBInstances) == 0 {
		return rdstypes.DBInstance{}, &api.NotFoundError{Resource: string(api.KindDatabase), ID: identifier}
	}
	return out.DBInstances[0], nil
}

func dbRecord(name string, db rdstypes.DBInstance) api.ResourceRecord {
	status := aws.ToString(db.DBInstanceStatus)
	rec := api.ResourceRecord{
		Kind:   api.KindDatabase,
		Name:   name,
		ID:     aws.ToString(db.DBInstanceIdentifier),
		Status: api.StatusPending,
		Attributes: map[string]string{
			api.AttrUser:           aws.ToString(db.MasterUsername),
			api.AttrDBName:         aws.ToString(db.DBName),
			api.AttrEngine:         aws.ToString(db.Engine),
			api.AttrARN:            aws.ToString(db.DBInstanceArn),
			api.AttrProviderStatus: status,
		},
	}
	switch {
	case status == "available":
		rec.Status = api.StatusAvailable
	case status == "deleting":
		rec.Status = api.StatusDeleting
	case failedDBStates[status]:
		rec.Status = api.StatusFailed
	}
	if ep := db.Endpoint; ep != nil && ep.Address != nil {
		rec.Attributes[api.AttrHost] = aws.ToString(ep.Address)
		rec.Attributes[api.AttrPort] = strconv.Itoa(int(aws.ToInt32(ep.Port)))
	}
	return rec
}

// Find adopts an existing instance. Its password cannot be read back, so
// an adopted record carries none.
func (d *Databases) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	db, err := d.describe(ctx, d.identifier(name))
	if api.IsNotFound(err) {
		return api.ResourceRecord{}, false, nil
	}
	if err != nil {
		return api.ResourceRecord{}, false, err
	}
	return dbRecord(name, db), true, nil
}

func (d *Databases) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	s := spec.(api.DatabaseSpec)
	out, err := d.client.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
		DBInstanceIdentifier: aws.String(s.Identifier),
		DBInstanceClass:      aws.String(s.InstanceClass),
		Engine:               aws.String(s.Engine),
		AllocatedStorage:     aws.Int32(s.AllocatedStorage),
		DBName:               aws.String(s.DBName),
		MasterUsername:       aws.String(s.Username),
		MasterUserPassword:   aws.String(s.Password),
		Port:                 aws.Int32(s.Port),
		VpcSecurityGroupIds:  s.SecurityGroupIDs,
		PubliclyAccessible:   aws.Bool(s.Public),
	})
	if err != nil {
		return api.ResourceRecord{}, mapAWSError(err, api.KindDatabase, s.Identifier)
	}
	rec := dbRecord(name, *out.DBInstance)
	rec.Attributes[api.AttrPassword] = s.Password
	if rec.Attributes[api.AttrPort] == "" {
		rec.Attributes[api.AttrPort] = strconv.Itoa(int(s.Port))
	}
	return rec, nil
}

func (d *Databases) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	db, err := d.describe(ctx, rec.ID)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return dbRecord(rec.Name, db), nil
}

// Delete removes the instance without a final snapshot. An instance
// already being deleted counts as accepted; one in any other transitional
// state (creating, backing-up) reports api.ErrDeleteInProgress so the
// delete is issued again once it settles.
func (d *Databases) Delete(ctx context.Context, rec api.ResourceRecord) error {
	_, err := d.client.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier:   aws.String(rec.ID),
		SkipFinalSnapshot:      aws.Bool(true),
		DeleteAutomatedBackups: aws.Bool(true),
	})
	if code := errorCode(err); code == "InvalidDBInstanceState" || code == "InvalidDBInstanceStateFault" {
		db, derr := d.describe(ctx, rec.ID)
		switch {
		case api.IsNotFound(derr):
			return nil
		case derr != nil:
			return derr
		case aws.ToString(db.DBInstanceStatus) == "deleting":
			return nil
		}
		return api.ErrDeleteInProgress
	}
	return mapAWSError(err, api.KindDatabase, rec.ID)
}
