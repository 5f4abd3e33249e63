package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/database"
	"github.com/stellarbot/stellar/internal/faults"
)

const archiveTimeLayout = "2006-01-02T15-04-05Z"

// BackupMetadata describes the contents of one archive.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Software  string             `json:"software"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes a stored archive for listings.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService archives consistent copies of every registered database and
// ships them to the object store.
type BackupService struct {
	databases []*database.DB
	store     ObjectStore
	dataDir   string
	keyPrefix string
	software  string
	keep      int // archives retained in the bucket
	log       zerolog.Logger
}

// NewBackupService creates a backup service. keep bounds how many archives
// stay in the bucket after each upload.
func NewBackupService(databases []*database.DB, store ObjectStore, dataDir, keyPrefix, software string, keep int, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		store:     store,
		dataDir:   dataDir,
		keyPrefix: keyPrefix,
		software:  software,
		keep:      keep,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload snapshots every database with VACUUM INTO, bundles the
// copies plus a metadata manifest into a tar.gz archive, and uploads it.
// Older archives beyond the retention count are pruned afterwards.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	started := time.Now().UTC()
	s.log.Info().Msg("Starting backup")

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return faults.Wrap(err, "failed to create staging directory")
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp: started,
		Software:  s.software,
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}

	for _, db := range s.databases {
		dest := filepath.Join(stagingDir, db.Name()+".db")
		if err := db.VacuumInto(dest); err != nil {
			return faults.Wrapf(err, "failed to snapshot %s", db.Name())
		}

		size, checksum, err := fileDigest(dest)
		if err != nil {
			return err
		}
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  db.Name() + ".db",
			SizeBytes: size,
			Checksum:  checksum,
		})
	}

	manifest, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return faults.Wrap(err, "failed to marshal backup metadata")
	}
	manifestPath := filepath.Join(stagingDir, "metadata.json")
	if err := os.WriteFile(manifestPath, manifest, 0o644); err != nil {
		return faults.Wrap(err, "failed to write backup metadata")
	}

	archiveName := "stellar-" + started.Format(archiveTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := buildArchive(archivePath, stagingDir, append(dbFilenames(metadata), "metadata.json")); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return faults.Wrap(err, "failed to open archive")
	}
	defer f.Close()

	key := joinKey(s.keyPrefix, archiveName)
	if err := s.store.Upload(ctx, key, f); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Int("databases", len(metadata.Databases)).
		Dur("duration", time.Since(started)).
		Msg("Backup uploaded")

	if err := s.prune(ctx); err != nil {
		// A failed prune never fails the backup that just landed.
		s.log.Warn().Err(err).Msg("Failed to prune old backups")
	}
	return nil
}

// List returns stored archives, newest first.
func (s *BackupService) List(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, s.keyPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	infos := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		infos = append(infos, BackupInfo{
			Key:       obj.Key,
			Timestamp: obj.LastModified,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(obj.LastModified).Hours()),
		})
	}
	return infos, nil
}

func (s *BackupService) prune(ctx context.Context) error {
	if s.keep <= 0 {
		return nil
	}
	objects, err := s.store.List(ctx, s.keyPrefix)
	if err != nil {
		return err
	}
	for _, obj := range objects[min(s.keep, len(objects)):] {
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			return err
		}
		s.log.Debug().Str("key", obj.Key).Msg("Pruned old backup")
	}
	return nil
}

func dbFilenames(meta BackupMetadata) []string {
	names := make([]string, 0, len(meta.Databases))
	for _, db := range meta.Databases {
		names = append(names, db.Filename)
	}
	return names
}

func fileDigest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", faults.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", faults.Wrapf(err, "failed to hash %s", path)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func buildArchive(archivePath, dir string, filenames []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return faults.Wrap(err, "failed to create archive")
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range filenames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return faults.Wrapf(err, "failed to stat %s", name)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return faults.Wrapf(err, "failed to build header for %s", name)
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return faults.Wrapf(err, "failed to write header for %s", name)
		}

		f, err := os.Open(path)
		if err != nil {
			return faults.Wrapf(err, "failed to open %s", name)
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return faults.Wrapf(err, "failed to archive %s", name)
		}
		f.Close()
	}
	return nil
}
