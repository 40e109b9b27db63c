package awscloud

import (
	"errors"
	"fmt"
	"net"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/pushkin/deployer/api"
)

var notFoundCodes = map[string]bool{
	"NotFound":                    true,
	"NoSuchBucket":                true,
	"NoSuchEntity":                true,
	"NoSuchDistribution":          true,
	"NoSuchHostedZone":            true,
	"NotFoundException":           true,
	"ResourceNotFoundException":   true,
	"RepositoryNotFoundException": true,
	"DBInstanceNotFound":          true,
	"DBInstanceNotFoundFault":     true,
	"InvalidGroup.NotFound":       true,
	"InvalidVpcID.NotFound":       true,
	"TargetGroupNotFound":         true,
	"LoadBalancerNotFound":        true,
	"ListenerNotFound":            true,
	"ClusterNotFoundException":    true,
	"ServiceNotFoundException":    true,
	"ServiceNotActiveException":   true,
	"InvalidChangeBatch.NotFound": true,
	"CertificateNotFound":         true,
}

var conflictCodes = map[string]bool{
	"BucketAlreadyOwnedByYou":          true,
	"EntityAlreadyExists":              true,
	"InvalidGroup.Duplicate":           true,
	"DBInstanceAlreadyExists":          true,
	"DBInstanceAlreadyExistsFault":     true,
	"RepositoryAlreadyExistsException": true,
	"ResourceAlreadyExistsException":   true,
	"DuplicateTargetGroupName":         true,
	"DuplicateLoadBalancerName":        true,
	"DuplicateListener":                true,
	"DistributionAlreadyExists":        true,
	"ConflictException":                true,
}

var transientCodes = map[string]bool{
	"Throttling":                  true,
	"ThrottlingException":         true,
	"ThrottledException":          true,
	"TooManyRequestsException":    true,
	"RequestLimitExceeded":        true,
	"RequestThrottled":            true,
	"SlowDown":                    true,
	"PriorRequestNotComplete":     true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"InternalError":               true,
	"InternalFailure":             true,
	"ServerException":             true,
	"RequestTimeout":              true,
	"RequestTimeoutException":     true,
}

var validationCodes = map[string]bool{
	"ValidationError":                true,
	"ValidationException":            true,
	"InvalidParameterValue":          true,
	"InvalidParameterCombination":    true,
	"InvalidParameterValueException": true,
	"InvalidParameterException":      true,
	"InvalidArgument":                true,
	"InvalidBucketName":              true,
	"MalformedPolicyDocument":        true,
	"BadRequestException":            true,
}

// mapAWSError converts an SDK error into the deployer's error taxonomy.
func mapAWSError(err error, kind api.Kind, id string) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case notFoundCodes[code]:
			return &api.NotFoundError{Resource: string(kind), ID: id}
		case conflictCodes[code]:
			return &api.ConflictError{Message: fmt.Sprintf("%s %s already exists", kind, id)}
		case transientCodes[code]:
			return &api.TransientError{Op: string(kind), Err: err}
		case validationCodes[code]:
			return &api.ValidationError{Kind: kind, Reason: apiErr.ErrorMessage()}
		}
		// ECS reports several conditions as a ClientException with a message.
		if msg := apiErr.ErrorMessage(); containsAny(msg, "Unable to describe task definition", "not found", "does not exist") {
			return &api.NotFoundError{Resource: string(kind), ID: id}
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 404:
			return &api.NotFoundError{Resource: string(kind), ID: id}
		case code == 429 || code >= 500:
			return &api.TransientError{Op: string(kind), Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &api.TransientError{Op: string(kind), Err: err}
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

// errorCode returns the service error code of err, or "".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
