package evidence

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"iats/internal/hashing"
)

const snippetContextLines = 10

// Snippet is one window of code context tied to a location.
type Snippet struct {
	SnippetID string `json:"snippet_id"`
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Content   string `json:"content"`
	Reason    string `json:"reason"`
}

// Commit is one recent-change summary used for change context.
type Commit struct {
	Hash      string `json:"hash"`
	Author    string `json:"author"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// SnippetFetcher maps stack frames and keywords to code context.
type SnippetFetcher interface {
	SnippetForFileLine(repoPath, baseName string, line int, commitSHA string) (*Snippet, error)
	SearchSnippets(repoPath string, keywords []string, limit int) ([]Snippet, error)
	RecentCommits(repoPath string, limit int) ([]Commit, error)
}

// GitSnippetFetcher reads snippets from local checkouts, preferring the file
// content at the incident's deployed commit when a sha is known.
type GitSnippetFetcher struct{}

// SnippetForFileLine finds a file by basename and returns the lines around
// the given line number. Missing repos and files resolve to nil, not errors.
func (g *GitSnippetFetcher) SnippetForFileLine(repoPath, baseName string, line int, commitSHA string) (*Snippet, error) {
	if repoPath == "" || baseName == "" {
		return nil, nil
	}
	if commitSHA != "" {
		if snippet := g.snippetAtCommit(repoPath, baseName, line, commitSHA); snippet != nil {
			return snippet, nil
		}
	}
	filePath := findFileByBase(repoPath, baseName)
	if filePath == "" {
		return nil, nil
	}
	content, start, end, err := windowAround(filePath, line)
	if err != nil {
		return nil, nil
	}
	return &Snippet{
		SnippetID: hashing.StableHash(fmt.Sprintf("%s:%d", filePath, line))[:12],
		FilePath:  filePath,
		StartLine: start,
		EndLine:   end,
		Content:   content,
		Reason:    fmt.Sprintf("stack frame %s:%d", baseName, line),
	}, nil
}

// snippetAtCommit reads the file content as of the deployed commit.
func (g *GitSnippetFetcher) snippetAtCommit(repoPath, baseName string, line int, commitSHA string) *Snippet {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil
	}
	commit, err := repo.CommitObject(plumbing.NewHash(commitSHA))
	if err != nil {
		return nil
	}
	files, err := commit.Files()
	if err != nil {
		return nil
	}
	var found *object.File
	_ = files.ForEach(func(f *object.File) error {
		if filepath.Base(f.Name) == baseName {
			found = f
			return fmt.Errorf("done")
		}
		return nil
	})
	if found == nil {
		return nil
	}
	content, err := found.Contents()
	if err != nil {
		return nil
	}
	windowed, start, end := sliceLines(content, line)
	return &Snippet{
		SnippetID: hashing.StableHash(fmt.Sprintf("%s@%s:%d", found.Name, commitSHA, line))[:12],
		FilePath:  filepath.Join(repoPath, found.Name),
		StartLine: start,
		EndLine:   end,
		Content:   windowed,
		Reason:    fmt.Sprintf("stack frame %s:%d at %s", baseName, line, shortSHA(commitSHA)),
	}
}

// SearchSnippets greps the worktree for each keyword, two matches per keyword,
// until the limit is reached.
func (g *GitSnippetFetcher) SearchSnippets(repoPath string, keywords []string, limit int) ([]Snippet, error) {
	if repoPath == "" || len(keywords) == 0 {
		return nil, nil
	}
	if _, err := os.Stat(repoPath); err != nil {
		return nil, nil
	}
	var snippets []Snippet
	for _, keyword := range keywords {
		if len(snippets) >= limit {
			break
		}
		matches := grepWorktree(repoPath, keyword, 2)
		for _, m := range matches {
			content, start, end, err := windowAround(m.path, m.line)
			if err != nil {
				continue
			}
			snippets = append(snippets, Snippet{
				SnippetID: hashing.StableHash(fmt.Sprintf("%s:%d:%s", m.path, m.line, keyword))[:12],
				FilePath:  m.path,
				StartLine: start,
				EndLine:   end,
				Content:   content,
				Reason:    "keyword match: " + keyword,
			})
			if len(snippets) >= limit {
				break
			}
		}
	}
	return snippets, nil
}

// RecentCommits summarizes the newest commits on HEAD.
func (g *GitSnippetFetcher) RecentCommits(repoPath string, limit int) ([]Commit, error) {
	if repoPath == "" {
		return nil, nil
	}
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, nil
	}
	head, err := repo.Head()
	if err != nil {
		return nil, nil
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, nil
	}
	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if len(commits) >= limit {
			return fmt.Errorf("done")
		}
		commits = append(commits, Commit{
			Hash:      c.Hash.String()[:8],
			Author:    c.Author.Name,
			Message:   strings.SplitN(c.Message, "\n", 2)[0],
			Timestamp: c.Author.When.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
		return nil
	})
	if err != nil && len(commits) < limit {
		return commits, nil
	}
	return commits, nil
}

type grepMatch struct {
	path string
	line int
}

func grepWorktree(root, keyword string, perKeyword int) []grepMatch {
	var matches []grepMatch
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= perKeyword {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > 512*1024 {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, keyword) {
				matches = append(matches, grepMatch{path: path, line: i + 1})
				if len(matches) >= perKeyword {
					break
				}
			}
		}
		return nil
	})
	return matches
}

func findFileByBase(root, baseName string) string {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if found != "" {
			return filepath.SkipAll
		}
		if d.Name() == baseName {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func windowAround(path string, line int) (string, int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, 0, err
	}
	content, start, end := sliceLines(string(data), line)
	return content, start, end, nil
}

func sliceLines(content string, line int) (string, int, int) {
	lines := strings.Split(content, "\n")
	start := line - snippetContextLines
	if start < 1 {
		start = 1
	}
	end := line + snippetContextLines
	if end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		start = len(lines)
	}
	return strings.Join(lines[start-1:end], "\n"), start, end
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
