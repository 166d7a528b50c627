package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface against an S3-compatible backend
// using the MinIO client. Object layout within the bucket:
//
//	bucketName/
//	└── [keyPrefix/]
//	    ├── custody.config    # store bookkeeping
//	    ├── records.meta      # encrypted key record collection
//	    ├── drives.meta       # encrypted media trust registry
//	    ├── backups.meta      # encrypted backup index
//	    └── derivation.salt   # key derivation salt
type S3Store struct {
	client     *minio.Client
	bucketName string

	// keyPrefix optionally namespaces the objects so multiple vaults can
	// share a bucket.
	keyPrefix string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucket.
}

// NewS3Store initializes a new S3Store instance, establishes a connection to
// the S3 endpoint and ensures that the configured bucket exists.
//
// Returns:
//   - A pointer to an S3Store instance if successful, or an error in case of
//     failure to initialize the client, reach the bucket, or write the store
//     configuration object.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) initializeConfig(ctx context.Context) error {
	objectName := s3s.objectPath("custody.config")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minioErr := minio.ToErrorResponse(err); minioErr.Code != "NoSuchKey" {
		return fmt.Errorf("failed to check store config: %w", err)
	}

	config := storeConfig{
		Version:    "1.0.0",
		CreatedAt:  time.Now().UTC(),
		LastAccess: time.Now().UTC(),
		Structure:  "v1",
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store config: %w", err)
	}

	_, err = s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":         "store-config",
				"version":           config.Version,
				"structure-version": config.Structure,
				"created-at":        config.CreatedAt.Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create store config: %w", err)
	}
	return nil
}

func (s3s *S3Store) objectPath(name string) string {
	if s3s.keyPrefix == "" {
		return name
	}
	return strings.TrimSuffix(s3s.keyPrefix, "/") + "/" + name
}

func (s3s *S3Store) SaveRecords(encryptedRecords []byte, expectedVersion string) (string, error) {
	return s3s.saveObject("records.meta", encryptedRecords, expectedVersion, "SaveRecords")
}

func (s3s *S3Store) LoadRecords() (*VersionedData, error) {
	return s3s.loadObject("records.meta", "key records")
}

func (s3s *S3Store) RecordsExist() (bool, error) {
	return s3s.objectExists("records.meta")
}

func (s3s *S3Store) SaveDrives(encryptedDrives []byte, expectedVersion string) (string, error) {
	return s3s.saveObject("drives.meta", encryptedDrives, expectedVersion, "SaveDrives")
}

func (s3s *S3Store) LoadDrives() (*VersionedData, error) {
	return s3s.loadObject("drives.meta", "trust registry")
}

func (s3s *S3Store) DrivesExist() (bool, error) {
	return s3s.objectExists("drives.meta")
}

func (s3s *S3Store) SaveBackupIndex(encryptedIndex []byte, expectedVersion string) (string, error) {
	return s3s.saveObject("backups.meta", encryptedIndex, expectedVersion, "SaveBackupIndex")
}

func (s3s *S3Store) LoadBackupIndex() (*VersionedData, error) {
	return s3s.loadObject("backups.meta", "backup index")
}

func (s3s *S3Store) BackupIndexExists() (bool, error) {
	return s3s.objectExists("backups.meta")
}

func (s3s *S3Store) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return s3s.saveObject("derivation.salt", saltData, expectedVersion, "SaveSalt")
}

func (s3s *S3Store) LoadSalt() (*VersionedData, error) {
	return s3s.loadObject("derivation.salt", "salt")
}

func (s3s *S3Store) SaltExists() (bool, error) {
	return s3s.objectExists("derivation.salt")
}

// Ping verifies the bucket is reachable.
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.ensureBucket(ctx)
}

func (s3s *S3Store) Close() error {
	// The MinIO client holds no resources requiring explicit release.
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// saveObject writes a collection blob after checking the caller's expected
// version against the current object content. The read-check-write sequence
// is not atomic across writers on different hosts, matching the guarantees
// of the filesystem backend.
func (s3s *S3Store) saveObject(name string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("%s: data cannot be nil", operation)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.currentVersion(ctx, name)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	newVersion := calculateFileVersion(data)
	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		s3s.objectPath(name),
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"content-version": newVersion,
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("%s: failed to put object: %w", operation, err)
	}

	return newVersion, nil
}

func (s3s *S3Store) loadObject(name, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	obj, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.objectPath(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s not found", what)
		}
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	stat, err := obj.Stat()
	timestamp := time.Now()
	if err == nil {
		timestamp = stat.LastModified
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) objectExists(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.objectPath(name), minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", name, err)
	}
	return true, nil
}

func (s3s *S3Store) currentVersion(ctx context.Context, name string) (string, error) {
	obj, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.objectPath(name), minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}
