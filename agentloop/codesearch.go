package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	maxCodeSearchFileBytes = 512 * 1024
	defaultCodeSearchLimit = 20
)

// codeIndex caches the project file list for codesearch. Contents are read
// per query, so edits show up at once; new files show up after a reindex.
type codeIndex struct {
	mu    sync.Mutex
	root  string
	files []string
}

func (ix *codeIndex) list(env ExecutionEnvironment, rebuild bool) ([]string, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	root := env.WorkingDirectory()
	if !rebuild && ix.files != nil && ix.root == root {
		return ix.files, false, nil
	}
	files, err := env.Glob("**/*", "")
	if err != nil {
		return nil, false, err
	}
	ix.root, ix.files = root, files
	return files, true, nil
}

type codeHit struct {
	path  string
	score int
	line  int
	text  string
}

// searchTerms lowercases query and splits it into identifier-like words.
func searchTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// rankFiles scores each file by how many distinct terms it contains, then by
// total occurrences. A term in the path counts extra.
func rankFiles(ctx context.Context, env ExecutionEnvironment, files, terms []string, limit int) []codeHit {
	var hits []codeHit
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		content, err := env.ReadFile(f)
		if err != nil || len(content) > maxCodeSearchFileBytes || strings.ContainsRune(content[:min(len(content), 512)], 0) {
			continue
		}
		lower := strings.ToLower(content)
		lowerPath := strings.ToLower(f)
		distinct, total := 0, 0
		for _, term := range terms {
			n := strings.Count(lower, term)
			if strings.Contains(lowerPath, term) {
				n += 5
			}
			if n > 0 {
				distinct++
				total += n
			}
		}
		if distinct == 0 {
			continue
		}
		hit := codeHit{path: f, score: distinct*100 + total}
		hit.line, hit.text = bestLine(content, terms)
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].path < hits[j].path
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// bestLine returns the first line containing the most terms.
func bestLine(content string, terms []string) (int, string) {
	bestN, bestAt, bestText := 0, 0, ""
	for i, line := range strings.Split(content, "\n") {
		lower := strings.ToLower(line)
		n := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				n++
			}
		}
		if n > bestN {
			bestN, bestAt, bestText = n, i+1, strings.TrimSpace(line)
		}
	}
	if len(bestText) > 200 {
		bestText = bestText[:200] + "..."
	}
	return bestAt, bestText
}

func codeSearchTool() Tool {
	ix := &codeIndex{}
	return Tool{
		Name:        CodeSearchToolName,
		Description: "Find the files most relevant to a natural-language or identifier query. Ranks files by how many query words they contain. Use grep for exact patterns.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":   prop("string", "Words or identifiers to look for."),
			"limit":   prop("integer", "Maximum files to return. Default: 20."),
			"reindex": prop("boolean", "Rebuild the project file list before searching."),
		}),
		Executor: func(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			query, _ := GetStringArg(args, "query")
			reindex, _ := GetBoolArg(args, "reindex")
			limit, _ := GetIntArg(args, "limit")
			if limit <= 0 {
				limit = defaultCodeSearchLimit
			}
			terms := searchTerms(query)
			if len(terms) == 0 && !reindex {
				return "", errors.New("query must contain at least one word")
			}

			files, rebuilt, err := ix.list(env, reindex)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			if rebuilt && reindex {
				fmt.Fprintf(&sb, "Indexed %d files.\n", len(files))
			}
			hits := rankFiles(ctx, env, files, terms, limit)
			if len(hits) == 0 {
				fmt.Fprintf(&sb, "No files match %q.", query)
				return sb.String(), nil
			}
			for _, h := range hits {
				if h.line == 0 {
					fmt.Fprintf(&sb, "%s\n", h.path)
					continue
				}
				fmt.Fprintf(&sb, "%s:%d: %s\n", h.path, h.line, h.text)
			}
			return strings.TrimSuffix(sb.String(), "\n"), nil
		},
	}
}
