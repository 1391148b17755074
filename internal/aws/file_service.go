package aws

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// FileService reads documents stored at s3:// origins and archives raw
// collaborator responses next to them.
type FileService interface {
	// DownloadFile fetches the object behind an s3://bucket/key URI
	DownloadFile(ctx context.Context, uri string) ([]byte, error)

	// UploadFile stores bytes under key in the configured bucket and
	// returns the resulting https URL
	UploadFile(ctx context.Context, key string, body io.Reader) (string, error)

	TestConnection(ctx context.Context) error
}

type fileService struct {
	s3     *s3.Client
	bucket string
	region string
}

func NewFileService(accessKey, secretKey, bucketName, region string) (FileService, error) {
	credProvider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, err
	}

	return &fileService{
		s3:     s3.NewFromConfig(cfg),
		bucket: bucketName,
		region: region,
	}, nil
}

// parseS3URI splits s3://bucket/key into its parts
func parseS3URI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not an s3 URI: %s", uri)
	}

	bucket, key, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 URI: %s", uri)
	}

	return bucket, key, nil
}

// DownloadFile fetches the object behind an s3://bucket/key URI into memory
func (s *fileService) DownloadFile(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}

	downloader := manager.NewDownloader(s.s3)
	buf := manager.NewWriteAtBuffer(nil)

	n, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("Failed to download S3 object")
		return nil, fmt.Errorf("error downloading %s: %w", uri, err)
	}

	log.Debug().Str("uri", uri).Int64("size", n).Msg("Downloaded S3 object")
	return buf.Bytes(), nil
}

// UploadFile stores bytes under key in the configured bucket
func (s *fileService) UploadFile(ctx context.Context, key string, body io.Reader) (string, error) {
	uploader := manager.NewUploader(s.s3)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to upload S3 object")
		return "", err
	}

	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
	return url, nil
}

func (s *fileService) TestConnection(ctx context.Context) error {
	_, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	log.Err(err).Msg("AWS S3 Test Connection")

	return err
}
