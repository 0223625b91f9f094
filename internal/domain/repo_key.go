package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// RepoKey identifies one repository snapshot. All requests sharing a key
// share one transfer session.
type RepoKey struct {
	RepoID   string `json:"repoId"`
	Revision string `json:"revision"`
}

func (k RepoKey) String() string {
	return k.RepoID + "@" + k.Revision
}

// FileName renders the key as a single path component.
func (k RepoKey) FileName() string {
	return strings.ReplaceAll(k.RepoID, "/", "--") + "@" + k.Revision
}

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsCommitHash reports whether the revision looks like a full commit hash.
func (k RepoKey) IsCommitHash() bool {
	return commitHashPattern.MatchString(k.Revision)
}

// ParseRepoKey splits "repo_id@revision" on the last '@'. A missing
// revision defaults to fallbackRevision.
func ParseRepoKey(raw, fallbackRevision string) (RepoKey, error) {
	raw = strings.TrimSpace(raw)
	repoID, revision := raw, fallbackRevision
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		repoID, revision = raw[:i], raw[i+1:]
	}
	if repoID == "" || revision == "" {
		return RepoKey{}, fmt.Errorf("%w: %q", ErrInvalidRepoKey, raw)
	}
	return RepoKey{RepoID: repoID, Revision: revision}, nil
}
