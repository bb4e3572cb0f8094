// Package archive keeps a git repository per document under a base
// directory. Each locked version is committed as a markdown snapshot and
// tagged with its sequence number, giving an offline-inspectable trail of
// exactly what was sent for signature.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is what gets committed for one locked version.
type Snapshot struct {
	VersionID         string         `json:"version_id"`
	Seq               int            `json:"seq"`
	TemplateVersionID string         `json:"template_version_id"`
	ContentSHA256     string         `json:"content_sha256"`
	Variables         map[string]any `json:"variables"`
}

// CommitInfo describes one archive commit.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitLockedVersion writes the version body and metadata into the
// document's repo, commits, and tags the commit v<seq>. It returns the full
// commit hash. Re-archiving the same seq returns the existing tag's commit,
// so the operation is idempotent across lock retries.
func (s *Service) CommitLockedVersion(documentID string, snapshot Snapshot, bodyMarkdown, author string) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(documentID)
	if err != nil {
		return "", err
	}

	tagName := fmt.Sprintf("v%d", snapshot.Seq)
	if ref, err := repo.Reference(plumbing.NewTagReferenceName(tagName), true); err == nil {
		return ref.Hash().String(), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()

	if err := os.WriteFile(filepath.Join(repoRoot, "version.md"), []byte(bodyMarkdown), 0o644); err != nil {
		return "", fmt.Errorf("write version body: %w", err)
	}
	meta, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, "version.json"), append(meta, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot metadata: %w", err)
	}
	if _, err := worktree.Add("version.md"); err != nil {
		return "", fmt.Errorf("git add version body: %w", err)
	}
	if _, err := worktree.Add("version.json"); err != nil {
		return "", fmt.Errorf("git add snapshot metadata: %w", err)
	}

	message := fmt.Sprintf("Lock version %d (%s)", snapshot.Seq, snapshot.ContentSHA256[:minInt(12, len(snapshot.ContentSHA256))])
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return "", fmt.Errorf("commit locked version: %w", err)
	}

	if _, err := repo.CreateTag(tagName, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return "", fmt.Errorf("tag locked version: %w", err)
	}
	return hash.String(), nil
}

// VersionBody reads the archived markdown for a sequence number.
func (s *Service) VersionBody(documentID string, seq int) (string, Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return "", Snapshot{}, fmt.Errorf("open archive repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewTagReferenceName(fmt.Sprintf("v%d", seq)), true)
	if err != nil {
		return "", Snapshot{}, fmt.Errorf("resolve archive tag v%d: %w", seq, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", Snapshot{}, fmt.Errorf("read archive commit: %w", err)
	}

	body, err := readCommitFile(commitObj, "version.md")
	if err != nil {
		return "", Snapshot{}, err
	}
	metaRaw, err := readCommitFile(commitObj, "version.json")
	if err != nil {
		return "", Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(metaRaw), &snapshot); err != nil {
		return "", Snapshot{}, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	return body, snapshot, nil
}

// History lists archive commits, newest first.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		// Nothing locked yet.
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open archive repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve archive head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read archive log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, CommitInfo{
			Hash:      commitObj.Hash.String(),
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			CreatedAt: commitObj.Author.When,
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate archive log: %w", err)
	}
	return items, nil
}

func (s *Service) ensureRepo(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open archive repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat archive repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init archive repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.countersign.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func readCommitFile(commitObj *object.Commit, name string) (string, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from archive commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
