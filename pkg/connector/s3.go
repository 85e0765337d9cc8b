package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
)

// s3API is the slice of the S3 client the connector uses; tests inject a
// stub.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3ObjectStore deletes subject-linked objects from one S3 bucket. Objects
// are laid out under users/{userID}/; exports and attachments addressed by
// email live under mail/{sha256(email)}/.
type S3ObjectStore struct {
	*Base
	client s3API
	bucket string
}

// NewS3ObjectStore builds the connector from ambient AWS configuration.
func NewS3ObjectStore(ctx context.Context, bucket string, timeout time.Duration) (*S3ObjectStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3ObjectStore{
		Base:   NewBase("objectstore", timeout, rate.Limit(50), 10),
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// NewS3ObjectStoreWithClient injects a client. Test hook.
func NewS3ObjectStoreWithClient(client s3API, bucket string) *S3ObjectStore {
	return &S3ObjectStore{
		Base:   NewBase("objectstore", 15*time.Second, rate.Limit(50), 10),
		client: client,
		bucket: bucket,
	}
}

func (c *S3ObjectStore) prefixes(ids contracts.UserIdentifiers) []string {
	prefixes := []string{"users/" + ids.UserID + "/"}
	for _, email := range ids.Emails {
		sum := sha256.Sum256([]byte(email))
		prefixes = append(prefixes, "mail/"+hex.EncodeToString(sum[:])+"/")
	}
	return prefixes
}

// ScanBucket lists every object linked to the subject.
func (c *S3ObjectStore) ScanBucket(ctx context.Context, ids contracts.UserIdentifiers) ([]ObjectInfo, error) {
	var found []ObjectInfo
	for _, prefix := range c.prefixes(ids) {
		objs, err := c.ListObjects(ctx, prefix)
		if err != nil {
			return nil, err
		}
		found = append(found, objs...)
	}
	return found, nil
}

// ListObjects pages through the bucket under prefix.
func (c *S3ObjectStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	callCtx, cancel, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var out []ObjectInfo
	var token *string
	for {
		resp, err := c.client.ListObjectsV2(callCtx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, &Error{System: c.System(), Retryable: true, Err: err}
		}
		for _, obj := range resp.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// DeleteFiles removes the named objects in batches of up to 1000 keys, the
// DeleteObjects API limit.
func (c *S3ObjectStore) DeleteFiles(ctx context.Context, keys []string) error {
	callCtx, cancel, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for len(keys) > 0 {
		batch := keys
		if len(batch) > 1000 {
			batch = keys[:1000]
		}
		keys = keys[len(batch):]

		objects := make([]s3types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = s3types.ObjectIdentifier{Key: aws.String(k)}
		}
		_, err := c.client.DeleteObjects(callCtx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return &Error{System: c.System(), Retryable: true, Err: err}
		}
	}
	return nil
}

// DeleteUser implements Connector: scan then delete everything found.
// Finding nothing is success; the data is already gone.
func (c *S3ObjectStore) DeleteUser(ctx context.Context, ids contracts.UserIdentifiers) (*Result, error) {
	found, err := c.ScanBucket(ctx, ids)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(found))
	for i, obj := range found {
		keys[i] = obj.Key
	}
	if len(keys) > 0 {
		if err := c.DeleteFiles(ctx, keys); err != nil {
			return nil, err
		}
	}

	resp, _ := json.Marshal(map[string]any{"bucket": c.bucket, "objects_deleted": len(keys)})
	return &Result{
		Success:     true,
		Receipt:     deterministicReceipt(c.System(), ids.UserID),
		APIResponse: resp,
	}, nil
}

// VerifyDeletion implements Connector: true when no subject objects remain.
func (c *S3ObjectStore) VerifyDeletion(ctx context.Context, userID string) (bool, error) {
	objs, err := c.ListObjects(ctx, "users/"+userID+"/")
	if err != nil {
		return false, err
	}
	return len(objs) == 0, nil
}
