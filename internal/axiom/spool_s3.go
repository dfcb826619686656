package axiom

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/getbananas/getbananas-web/internal/xerrors"
)

// S3PutObjectAPI is the subset of the S3 API the spool needs.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Spool writes undeliverable batches to
// s3://{bucket}/{prefix}/YYYY/MM/DD/{uuid}.ndjson.gz
type S3Spool struct {
	client S3PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
	newID  func() string
}

func NewS3Spool(client S3PutObjectAPI, bucket, prefix string) (*S3Spool, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("dead-letter bucket is required")
	}
	return &S3Spool{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Key returns the object key for a batch archived at t.
func (s *S3Spool) Key(t time.Time, id string) string {
	return path.Join(s.prefix, t.UTC().Format("2006/01/02"), id+".ndjson.gz")
}

func (s *S3Spool) Archive(ctx context.Context, body []byte) (string, error) {
	key := s.Key(s.now(), s.newID())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentLength:        aws.Int64(int64(len(body))),
		ContentType:          aws.String("application/x-ndjson"),
		ContentEncoding:      aws.String("gzip"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	return key, nil
}
