package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client the S3 API operations used by the S3 file store. *s3.Client satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// s3Store FileStore backed by an S3 compatible object store
type s3Store struct {
	common.Component
	client S3Client
	bucket string
	prefix string
}

// GetS3Store define a FileStore keeping files as objects under bucket/prefix
func GetS3Store(client S3Client, bucket, prefix string) FileStore {
	logTags := log.Fields{
		"module": "files", "component": "s3", "instance": fmt.Sprintf("%s/%s", bucket, prefix),
	}
	return &s3Store{
		Component: common.Component{LogTags: logTags},
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
	}
}

// DefineS3Client build an S3 client from the config, using static credentials when given
func DefineS3Client(cfg common.S3FilesConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		accessKey := cfg.AccessKeyID
		secretKey := cfg.SecretAccessKey
		opts.Credentials = aws.NewCredentialsCache(
			aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID: accessKey, SecretAccessKey: secretKey, Source: "mqadmin-config",
				}, nil
			}),
		)
	}
	return s3.New(opts)
}

func (s *s3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Read opens the named object for reading
func (s *s3Store) Read(ctxt context.Context, name string) (io.ReadCloser, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctxt, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("read %s: %w", name, os.ErrNotExist)
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to GET %s", name)
		return nil, err
	}
	return out.Body, nil
}

// Write returns a writer streaming data into a background PutObject call
func (s *s3Store) Write(ctxt context.Context, name string) (io.WriteCloser, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		_, w.uploadErr = s.client.PutObject(ctxt, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name)),
			Body:   pr,
		})
		// unblock pending writes when the upload fails early
		pr.CloseWithError(w.uploadErr)
	}()
	return w, nil
}

// Delete removes the named object
func (s *s3Store) Delete(ctxt context.Context, name string) error {
	if err := ValidateFileName(name); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctxt, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && !isS3NotFound(err) {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to DELETE %s", name)
		return err
	}
	return nil
}

// Exists reports whether the named object exists
func (s *s3Store) Exists(ctxt context.Context, name string) (bool, error) {
	if err := ValidateFileName(name); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctxt, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// s3Writer streams data to a background PutObject call through an io.Pipe
type s3Writer struct {
	pw        *io.PipeWriter
	done      chan struct{}
	uploadErr error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close signal EOF, then wait for the upload to finish
func (w *s3Writer) Close() error {
	_ = w.pw.Close()
	<-w.done
	return w.uploadErr
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
