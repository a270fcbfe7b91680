package publish

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the slice of the S3 client used here.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds bucket settings. Credentials come from the default AWS
// chain.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Profile      string
	Endpoint     string
	UsePathStyle bool
}

// S3 uploads the film and its report to a bucket under <prefix>/<run id>/.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3 creates an S3 publisher using the default AWS configuration chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3(client objectPutter, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) Name() string { return "s3" }

// Publish uploads the video and, when present, report.json. The location
// is the video's s3:// URI.
func (s *S3) Publish(ctx context.Context, v Video) (string, error) {
	videoKey := path.Join(s.prefix, v.RunID, path.Base(v.Path))
	if err := s.put(ctx, videoKey, v.Path, "video/mp4"); err != nil {
		return "", err
	}
	if v.ReportPath != "" {
		if _, err := os.Stat(v.ReportPath); err == nil {
			reportKey := path.Join(s.prefix, v.RunID, path.Base(v.ReportPath))
			if err := s.put(ctx, reportKey, v.ReportPath, "application/json"); err != nil {
				return "", err
			}
		}
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, videoKey), nil
}

func (s *S3) put(ctx context.Context, key, file, contentType string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}
