package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ssuji15/ciwatch/internal/db"
	"github.com/ssuji15/ciwatch/internal/db/repository"
	"github.com/ssuji15/ciwatch/internal/storage"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/util"
	"github.com/ssuji15/ciwatch/model"
	"go.opentelemetry.io/otel/attribute"
)

// Store persists a Dataset.
type Store interface {
	Load(ctx context.Context) (*Dataset, error)
	Save(ctx context.Context, d *Dataset) error
	Close() error
}

func encode(d *Dataset) ([]byte, error) {
	jobs := d.Jobs()
	if jobs == nil {
		jobs = []model.JobRecord{}
	}
	return json.MarshalIndent(jobs, "", "  ")
}

func decode(b []byte) (*Dataset, error) {
	var jobs []model.JobRecord
	if len(b) == 0 {
		return New(nil), nil
	}
	if err := json.Unmarshal(b, &jobs); err != nil {
		return nil, err
	}
	return New(jobs), nil
}

// FileStore keeps the dataset as a JSON array on local disk.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) (*Dataset, error) {
	_, span := tracer.GetTracer().Start(ctx, "File/LoadDataset")
	defer span.End()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(nil), nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("read dataset %s: %w", s.path, err)
	}
	d, err := decode(b)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("decode dataset %s: %w", s.path, err)
	}
	span.SetAttributes(attribute.Int("jobs", d.Len()))
	return d, nil
}

func (s *FileStore) Save(ctx context.Context, d *Dataset) error {
	_, span := tracer.GetTracer().Start(ctx, "File/SaveDataset")
	defer span.End()

	pending := len(d.Pending())
	b, err := encode(d)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if err := util.WriteFileAtomic(s.path, b); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	d.MarkSaved(pending)
	return nil
}

func (s *FileStore) Close() error { return nil }

// ObjectStore keeps the dataset as one JSON object in a bucket.
type ObjectStore struct {
	storage storage.Storage
	object  string
}

func NewObjectStore(s storage.Storage, object string) *ObjectStore {
	return &ObjectStore{storage: s, object: object}
}

func (s *ObjectStore) Load(ctx context.Context) (*Dataset, error) {
	b, err := s.storage.Download(ctx, s.object)
	if errors.Is(err, storage.ErrNotFound) {
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("download dataset %s/%s: %w", s.storage.GetBucket(), s.object, err)
	}
	d, err := decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode dataset %s/%s: %w", s.storage.GetBucket(), s.object, err)
	}
	return d, nil
}

func (s *ObjectStore) Save(ctx context.Context, d *Dataset) error {
	pending := len(d.Pending())
	b, err := encode(d)
	if err != nil {
		return err
	}
	if err := s.storage.Upload(ctx, s.object, b); err != nil {
		return fmt.Errorf("upload dataset %s/%s: %w", s.storage.GetBucket(), s.object, err)
	}
	d.MarkSaved(pending)
	return nil
}

func (s *ObjectStore) Close() error {
	s.storage.Close()
	return nil
}

// PostgresStore keeps one row per job in ci_jobs. Save only writes pending records.
type PostgresStore struct {
	db   *db.DB
	repo *repository.JobRepository
}

func NewPostgresStore(ctx context.Context, database *db.DB) (*PostgresStore, error) {
	if err := database.Migrate(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{db: database, repo: repository.NewJobRepository(database)}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (*Dataset, error) {
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ci_jobs: %w", err)
	}
	return New(jobs), nil
}

func (s *PostgresStore) Save(ctx context.Context, d *Dataset) error {
	pending := d.Pending()
	if _, err := s.repo.InsertJobs(ctx, pending); err != nil {
		return fmt.Errorf("save ci_jobs: %w", err)
	}
	d.MarkSaved(len(pending))
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
