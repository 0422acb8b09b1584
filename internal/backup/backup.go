package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bgpsight/mrt-broker/internal/logger"
)

// Package backup copies the embedded catalog file to a local path or an S3
// destination using the sqlite3 CLI's .backup command, which snapshots the
// database atomically even while the service keeps writing.

// ParseS3Path splits "s3://bucket/path/to/file" into (bucket, key). The
// second return is false when the path is not an S3 URL.
func ParseS3Path(path string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(path, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Run backs up the sqlite database at from to the destination, which is
// either a filesystem path or an s3:// URL. Existing local destinations are
// only overwritten when force is set.
func Run(ctx context.Context, from, to string, force bool) error {
	if bucket, key, ok := ParseS3Path(to); ok {
		return backupToS3(ctx, from, bucket, key)
	}
	return backupToFile(from, to, force)
}

func backupToFile(from, to string, force bool) error {
	if _, err := os.Stat(to); err == nil && !force {
		return fmt.Errorf("backup destination %s already exists", to)
	}

	sqlitePath, err := exec.LookPath("sqlite3")
	if err != nil {
		return fmt.Errorf("sqlite3 not found in PATH: %w", err)
	}

	cmd := exec.Command(sqlitePath, from, fmt.Sprintf(".backup %s", to))
	logger.S.Infow("running backup command", "command", cmd.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sqlite3 backup failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func backupToS3(ctx context.Context, from, bucket, key string) error {
	tmpDir, err := os.MkdirTemp("", "broker-backup")
	if err != nil {
		return fmt.Errorf("create backup temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpFile := filepath.Join(tmpDir, filepath.Base(key))
	if err := backupToFile(from, tmpFile, true); err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	f, err := os.Open(tmpFile)
	if err != nil {
		return fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	logger.S.Infow("uploading backup to s3", "bucket", bucket, "key", key)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload backup to s3://%s/%s: %w", bucket, key, err)
	}
	logger.S.Info("backup uploaded to s3")
	return nil
}
