package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// SourceEntry is one item at a watch location: a file to import or a
// subdirectory marker (one batch grouping per subdirectory).
type SourceEntry struct {
	Path    string // relative to the watch root
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// SourceLocation is the watch-folder contract: enumerate, download bytes, and
// move a processed file out of the way.
type SourceLocation interface {
	List(ctx context.Context, dir string) ([]SourceEntry, error)
	Download(ctx context.Context, relPath string) ([]byte, error)
	Archive(ctx context.Context, relPath string) error
}

// NewSourceLocation builds the source for an import config.
func NewSourceLocation(cfg *models.ImportConfig) (SourceLocation, error) {
	switch cfg.SourceProvider {
	case models.SourceProviderLocal:
		return &localSource{root: cfg.WatchPath, archive: cfg.ArchivePath}, nil
	case models.SourceProviderGCS:
		bucket, prefix := splitGCSPath(cfg.WatchPath)
		_, archivePrefix := splitGCSPath(cfg.ArchivePath)
		if bucket == "" {
			return nil, fmt.Errorf("invalid gcs watch path %q", cfg.WatchPath)
		}
		return &gcsSource{bucket: bucket, prefix: prefix, archivePrefix: archivePrefix}, nil
	default:
		return nil, fmt.Errorf("unknown source provider %q", cfg.SourceProvider)
	}
}

// splitGCSPath turns "bucket/some/prefix" (optionally "gs://bucket/...") into
// its bucket and prefix parts.
func splitGCSPath(p string) (bucket string, prefix string) {
	p = strings.TrimPrefix(strings.TrimSpace(p), "gs://")
	parts := strings.SplitN(strings.Trim(p, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

type localSource struct {
	root    string
	archive string
}

func (s *localSource) List(_ context.Context, dir string) ([]SourceEntry, error) {
	full := filepath.Join(s.root, filepath.FromSlash(dir))
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	entries := make([]SourceEntry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		rel := path.Join(dir, de.Name())
		// The archive folder may live inside the watch root; never rescan it.
		if de.IsDir() && filepath.Join(full, de.Name()) == filepath.Clean(s.archive) {
			continue
		}
		entries = append(entries, SourceEntry{
			Path:    rel,
			Name:    de.Name(),
			IsDir:   de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	// Creation-time order within a directory; ModTime is the closest portable proxy.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ModTime.Before(entries[j].ModTime)
	})
	return entries, nil
}

func (s *localSource) Download(_ context.Context, relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, filepath.FromSlash(relPath)))
}

func (s *localSource) Archive(_ context.Context, relPath string) error {
	src := filepath.Join(s.root, filepath.FromSlash(relPath))
	dst := filepath.Join(s.archive, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

type gcsSource struct {
	bucket        string
	prefix        string
	archivePrefix string
}

func (s *gcsSource) objectPrefix(dir string) string {
	p := s.prefix
	if dir != "" {
		p = path.Join(p, dir)
	}
	if p != "" {
		p += "/"
	}
	return p
}

func (s *gcsSource) List(ctx context.Context, dir string) ([]SourceEntry, error) {
	client, err := utils.GetGCSClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	prefix := s.objectPrefix(dir)
	it := client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var entries []SourceEntry
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		if attrs.Prefix != "" {
			// Synthetic directory marker.
			name := path.Base(strings.TrimSuffix(attrs.Prefix, "/"))
			entries = append(entries, SourceEntry{
				Path:  path.Join(dir, name),
				Name:  name,
				IsDir: true,
			})
			continue
		}
		if attrs.Name == prefix {
			continue
		}
		name := path.Base(attrs.Name)
		entries = append(entries, SourceEntry{
			Path:    path.Join(dir, name),
			Name:    name,
			Size:    attrs.Size,
			ModTime: attrs.Created,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ModTime.Before(entries[j].ModTime)
	})
	return entries, nil
}

func (s *gcsSource) Download(ctx context.Context, relPath string) ([]byte, error) {
	client, err := utils.GetGCSClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	rc, err := client.Bucket(s.bucket).Object(path.Join(s.prefix, relPath)).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *gcsSource) Archive(ctx context.Context, relPath string) error {
	client, err := utils.GetGCSClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bkt := client.Bucket(s.bucket)
	src := bkt.Object(path.Join(s.prefix, relPath))
	dst := bkt.Object(path.Join(s.archivePrefix, relPath))
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return err
	}
	return src.Delete(ctx)
}
