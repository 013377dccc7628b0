package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ErrObjectExists is returned by UploadFileAtomically when the object is
// already present. Callers in idempotent flows treat it as success.
var ErrObjectExists = errors.New("object already exists")

// ArtifactBucket uploads merged artifacts and streams incoming documents.
type ArtifactBucket struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewArtifactBucket(client *storage.Client, bucket, prefix string) *ArtifactBucket {
	return &ArtifactBucket{client: client, bucket: bucket, prefix: prefix}
}

// ObjectName is where a local file lands in the bucket.
func (b *ArtifactBucket) ObjectName(localPath string) string {
	return path.Join(b.prefix, path.Base(localPath))
}

// URI renders a gs:// URI for an object in this bucket.
func (b *ArtifactBucket) URI(object string) string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, object)
}

// UploadFileAtomically writes localPath to the bucket only if the object does
// not already exist. The URI is returned alongside ErrObjectExists.
func (b *ArtifactBucket) UploadFileAtomically(ctx context.Context, localPath string) (string, error) {
	object := b.ObjectName(localPath)
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("could not open local file %s: %w", localPath, err)
	}
	defer f.Close()

	err = SaveToGCSAtomically(ctx, b.client.Bucket(b.bucket), object, f)
	if err != nil && !errors.Is(err, ErrObjectExists) {
		return "", err
	}
	return b.URI(object), err
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content io.Reader) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return ErrObjectExists
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return ErrObjectExists
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

// StreamObject copies gs://bucket/object to destPath.
func StreamObject(ctx context.Context, client *storage.Client, bucket, object, destPath string) error {
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	tmp := destPath + ".partial"
	localFile, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", tmp, err)
	}
	if _, err := io.Copy(localFile, reader); err != nil {
		localFile.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	if err := localFile.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, destPath)
}
