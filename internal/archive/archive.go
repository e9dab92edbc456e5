// Package archive copies the reports of every finished run to an S3
// compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"classreports/internal/components/assert"
	"classreports/internal/components/telemetry"
	"classreports/internal/runreport"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("classreports/internal/archive")

const report_uploader_put = "uploader.put"

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	UseSSL    bool   `json:"use_ssl"`
}

// objectStore is the part of *minio.Client the uploader uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Uploader struct {
	store  objectStore
	bucket string
	prefix string
	tel    telemetry.API
}

func NewUploader(config Config, tel telemetry.API) (*Uploader, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("archive access_key and secret_key are required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newUploader(client, config, tel), nil
}

func newUploader(store objectStore, config Config, tel telemetry.API) *Uploader {
	assert.NotNil(store)
	assert.NotNil(tel)
	bucket := config.Bucket
	if bucket == "" {
		bucket = "classreports"
	}
	return &Uploader{
		store:  store,
		bucket: bucket,
		prefix: config.Prefix,
		tel:    telemetry.NewScopedAPI("archive", tel),
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.store.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	err = u.store.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{})
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	u.tel.ReportDebug("created bucket", u.bucket)
	return nil
}

// Key is where a file of a run is stored, runs are grouped by the month
// they started in: <prefix>/2024/03/<run id>/<file>.
func (u *Uploader) Key(report runreport.Report, fileName string) string {
	return path.Join(
		u.prefix,
		report.StartedAt.Format("2006"),
		report.StartedAt.Format("01"),
		report.RunID,
		fileName,
	)
}

// RunFinished uploads every report file of the run along with the run report
// itself. Uploads keep going past a failed file.
func (u *Uploader) RunFinished(ctx context.Context, report runreport.Report) error {
	ctx, span := tracer.Start(ctx, "RunFinished")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID))

	var errs []error
	for _, a := range report.Artifacts() {
		key := u.Key(report, a.FileName)
		_, err := u.store.FPutObject(ctx, u.bucket, key, a.Path, minio.PutObjectOptions{
			ContentType: xlsxContentType,
		})
		if err != nil {
			u.tel.ReportWarning(report_uploader_put, key, err)
			errs = append(errs, fmt.Errorf("upload %s: %w", key, err))
		}
	}

	encoded, err := json.Marshal(report)
	if err != nil {
		errs = append(errs, err)
	} else {
		key := u.Key(report, "run.json")
		_, err = u.store.PutObject(ctx, u.bucket, key, bytes.NewReader(encoded), int64(len(encoded)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", key, err))
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
