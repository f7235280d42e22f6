package artifacts

import (
	"context"
	"fmt"
)

// BlobPath builds the canonical artifact path for a patch blob:
//
//	scm/<project_key>/<repo_id>/<source_type>/<rev_or_sha>/<sha256>.<ext>
//
// SVN revisions are passed pre-prefixed as "r<num>".
func BlobPath(projectKey string, repoID int64, sourceType, revOrSha, sha256Hex, ext string) string {
	return fmt.Sprintf("scm/%s/%d/%s/%s/%s.%s", projectKey, repoID, sourceType, revOrSha, sha256Hex, ext)
}

// LegacyBlobPaths returns the pre-migration layouts for the same blob, in
// the order a resolver should try them:
//
//	scm/<repo_id>/<source_type>/<rev_or_sha>.<ext>
//	scm/<repo_id>/<source_type>/commits/<rev_or_sha>.<ext>
func LegacyBlobPaths(repoID int64, sourceType, revOrSha, ext string) []string {
	return []string{
		fmt.Sprintf("scm/%d/%s/%s.%s", repoID, sourceType, revOrSha, ext),
		fmt.Sprintf("scm/%d/%s/commits/%s.%s", repoID, sourceType, revOrSha, ext),
	}
}

// Resolver reads blobs written under either the current or the legacy path
// layout. New writes always use the current layout; reads fall back.
type Resolver struct {
	store Store
}

// NewResolver wraps a store with legacy-layout fallback reads.
func NewResolver(store Store) *Resolver { return &Resolver{store: store} }

// ReadBlob tries the canonical path first, then each legacy layout. The
// candidate paths must have been produced by the same store (Put result URIs
// are path-deterministic for the file backend; object backends key by path).
func (r *Resolver) ReadBlob(ctx context.Context, uris []string) ([]byte, string, error) {
	var lastErr error
	for _, uri := range uris {
		ok, err := r.store.Exists(ctx, uri)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		data, err := r.store.Read(ctx, uri)
		if err != nil {
			lastErr = err
			continue
		}
		return data, uri, nil
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", fmt.Errorf("artifact not found under any layout (%d candidates)", len(uris))
}
