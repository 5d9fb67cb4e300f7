package lab

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
)

const (
	// ModelsDir is the models root inside a workspace.
	ModelsDir = "models"

	// ProvenanceFile is written next to a saved model.
	ProvenanceFile = "_tlab_provenance.json"

	provenanceTimeLayout = "2006-01-02 15:04:05"
)

// ModelKind is the resource strategy for saved models.
func ModelKind() resource.Kind {
	return resource.Kind{
		Name: "model",
		Dir:  ModelsDir,
		Default: func(id string) resource.Document {
			return resource.Document{"model_id": id, "name": id, "json_data": map[string]any{}}
		},
	}
}

// ModelOptions describes a model being saved.
type ModelOptions struct {
	// Name is appended to the job id to form the model id. Defaults to the
	// source base name.
	Name string

	// Architecture is detected from config.json when empty.
	Architecture string

	PipelineTag string
	ParentModel string
}

// FileChecksum is one entry of the provenance checksum list.
type FileChecksum struct {
	Path     string `json:"file_path"`
	Checksum string `json:"checksum"`
}

// Provenance is the content of _tlab_provenance.json.
type Provenance struct {
	JobID             string         `json:"job_id"`
	SessionID         string         `json:"session_id,omitempty"`
	ModelName         any            `json:"model_name"`
	ModelArchitecture string         `json:"model_architecture"`
	InputModel        string         `json:"input_model,omitempty"`
	Dataset           any            `json:"dataset"`
	AdaptorName       any            `json:"adaptor_name"`
	Parameters        any            `json:"parameters"`
	StartTime         string         `json:"start_time"`
	EndTime           string         `json:"end_time"`
	ChecksumAlgorithm string         `json:"checksum_algorithm"`
	Checksums         []FileChecksum `json:"checksums"`
}

// detectArchitecture reads architectures[0] from a Hugging Face style
// config.json in a local model directory.
func detectArchitecture(src string) string {
	b, err := os.ReadFile(filepath.Join(src, "config.json"))
	if err != nil {
		return ""
	}
	var cfg struct {
		Architectures []string `json:"architectures"`
	}
	if err := json.Unmarshal(b, &cfg); err != nil || len(cfg.Architectures) == 0 {
		return ""
	}
	return cfg.Architectures[0]
}

// checksumTree hashes every file below root with BLAKE3. Paths are
// relative to root.
func checksumTree(ctx context.Context, st filestore.Store, root string) ([]FileChecksum, error) {
	var out []FileChecksum
	visit := func(key string) error {
		b, err := st.Read(ctx, key)
		if err != nil {
			return err
		}
		sum := blake3.Sum256(b)
		rel := strings.TrimPrefix(strings.TrimPrefix(key, root), "/")
		if rel == "" {
			rel = key[strings.LastIndex(key, "/")+1:]
		}
		out = append(out, FileChecksum{Path: rel, Checksum: hex.EncodeToString(sum[:])})
		return nil
	}

	isDir, err := st.IsDir(ctx, root)
	if err != nil {
		return nil, err
	}
	if !isDir {
		if err := visit(root); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := filestore.Walk(ctx, st, root, visit); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func provenanceTime(t time.Time) string { return t.Format(provenanceTimeLayout) }
