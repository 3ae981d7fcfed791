package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/local/contractocr/internal/pipeline"
	"github.com/local/contractocr/internal/storage"
)

// Publisher copies finished artifacts to object storage. *storage.S3Client implements it.
type Publisher interface {
	Upload(ctx context.Context, key string, data []byte, meta *storage.FileMetadata) (string, error)
}

// artifacts lists the files worth keeping for a finished job: merged pair,
// contract record, then the integrated outputs by backend name.
func artifacts(out pipeline.Outcome) []string {
	var files []string
	if out.Merged != nil {
		files = append(files, out.Merged.TextPath, out.Merged.MetaPath)
	}
	if out.Contract != nil && out.Contract.Path != "" {
		files = append(files, out.Contract.Path)
	}
	backends := make([]string, 0, len(out.Integrated))
	for b := range out.Integrated {
		backends = append(backends, b)
	}
	sort.Strings(backends)
	for _, b := range backends {
		files = append(files, out.Integrated[b])
	}
	return files
}

// publish uploads artifacts under results/{jobID}/ and returns their refs.
// It stops at the first failure; the local files stay authoritative.
func publish(ctx context.Context, p Publisher, jobID string, out pipeline.Outcome) ([]string, error) {
	var refs []string
	for _, path := range artifacts(out) {
		data, err := os.ReadFile(path)
		if err != nil {
			return refs, fmt.Errorf("read %s: %w", path, err)
		}
		ct := "text/plain; charset=utf-8"
		if filepath.Ext(path) == ".json" {
			ct = "application/json"
		}
		ref, err := p.Upload(ctx, fmt.Sprintf("results/%s/%s", jobID, filepath.Base(path)), data, &storage.FileMetadata{
			OriginalName: filepath.Base(path),
			ContentType:  ct,
			Metadata:     map[string]string{"job_id": jobID},
		})
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
