package tool

import (
	"context"
	"encoding/json"

	"github.com/dataelem/linsight/types"
)

// Uploader pushes a locally produced artifact to object storage and returns
// its public reference. The implementation is an external collaborator.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (types.FileRef, error)
}

// LocalFile extracts the local_path a file-producing tool reports in its
// result JSON. ok is false when the result carries no path.
func LocalFile(result string) (string, bool) {
	var obj struct {
		LocalPath string `json:"local_path"`
	}
	if err := json.Unmarshal([]byte(result), &obj); err != nil {
		return "", false
	}
	return obj.LocalPath, obj.LocalPath != ""
}
