package todo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/util"
)

// Roadmap item statuses, as they appear between the brackets.
const (
	StatusPending    = " "
	StatusInProgress = ">"
	StatusDone       = "x"
	StatusBlocked    = "!"
)

// ErrNoRoadmap means neither roadmap.md nor roadmap.yaml exists.
var ErrNoRoadmap = errors.New("no roadmap file")

// Heading lines of the form `### [ ] slug — description`. The separator
// tolerates hyphen, en dash, and em dash.
var roadmapLineRe = regexp.MustCompile(`^#{1,6}\s+\[([ >x!])\]\s+(\S+)(?:\s+[—–-]+\s*(.*))?\s*$`)

// Item is one roadmap entry.
type Item struct {
	Status      string
	Slug        string
	Description string

	line int
}

// Roadmap is the parsed todos/roadmap.md or roadmap.yaml.
type Roadmap struct {
	Path  string
	Items []Item

	yamlFormat bool
	rawLines   []string
}

type yamlRoadmap struct {
	Items []yamlItem `yaml:"items"`
}

type yamlItem struct {
	Slug        string `yaml:"slug"`
	Status      string `yaml:"status"`
	Description string `yaml:"description,omitempty"`
}

var yamlStatusNames = map[string]string{
	"pending":     StatusPending,
	"in_progress": StatusInProgress,
	"done":        StatusDone,
	"blocked":     StatusBlocked,
}

func markerToYAMLStatus(marker string) string {
	for name, m := range yamlStatusNames {
		if m == marker {
			return name
		}
	}
	return "pending"
}

// LoadRoadmap reads the roadmap under workingDir/todos, markdown first.
func LoadRoadmap(workingDir string) (*Roadmap, error) {
	mdPath := filepath.Join(workingDir, constants.DirTodos, constants.FileRoadmap)
	if data, err := os.ReadFile(mdPath); err == nil {
		return parseMarkdownRoadmap(mdPath, string(data)), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading roadmap: %w", err)
	}

	yamlPath := filepath.Join(workingDir, constants.DirTodos, "roadmap.yaml")
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRoadmap
		}
		return nil, fmt.Errorf("reading roadmap: %w", err)
	}
	return parseYAMLRoadmap(yamlPath, data)
}

func parseMarkdownRoadmap(path, content string) *Roadmap {
	r := &Roadmap{Path: path, rawLines: strings.Split(content, "\n")}
	for i, line := range r.rawLines {
		m := roadmapLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		r.Items = append(r.Items, Item{
			Status:      m[1],
			Slug:        m[2],
			Description: strings.TrimSpace(m[3]),
			line:        i,
		})
	}
	return r
}

func parseYAMLRoadmap(path string, data []byte) (*Roadmap, error) {
	var doc yamlRoadmap
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing roadmap.yaml: %w", err)
	}
	r := &Roadmap{Path: path, yamlFormat: true}
	for _, it := range doc.Items {
		marker, ok := yamlStatusNames[it.Status]
		if !ok {
			marker = StatusPending
		}
		r.Items = append(r.Items, Item{Status: marker, Slug: it.Slug, Description: it.Description})
	}
	return r, nil
}

// Find returns the item for slug, if present.
func (r *Roadmap) Find(slug string) (Item, bool) {
	for _, it := range r.Items {
		if it.Slug == slug {
			return it, true
		}
	}
	return Item{}, false
}

// NextSlug returns the first in-progress item, else the first pending one.
func (r *Roadmap) NextSlug() (Item, bool) {
	for _, it := range r.Items {
		if it.Status == StatusInProgress {
			return it, true
		}
	}
	for _, it := range r.Items {
		if it.Status == StatusPending {
			return it, true
		}
	}
	return Item{}, false
}

// SetStatus rewrites one item's status marker and saves the roadmap. The
// rest of the file is left byte-for-byte intact.
func (r *Roadmap) SetStatus(slug, status string) error {
	idx := -1
	for i, it := range r.Items {
		if it.Slug == slug {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("slug %q not in roadmap", slug)
	}
	r.Items[idx].Status = status

	if r.yamlFormat {
		doc := yamlRoadmap{Items: make([]yamlItem, 0, len(r.Items))}
		for _, it := range r.Items {
			doc.Items = append(doc.Items, yamlItem{
				Slug:        it.Slug,
				Status:      markerToYAMLStatus(it.Status),
				Description: it.Description,
			})
		}
		data, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding roadmap.yaml: %w", err)
		}
		return util.WriteFileAtomic(r.Path, data, 0o644)
	}

	line := r.rawLines[r.Items[idx].line]
	open := strings.Index(line, "[")
	if open == -1 || open+2 >= len(line) {
		return fmt.Errorf("malformed roadmap line for %q", slug)
	}
	r.rawLines[r.Items[idx].line] = line[:open+1] + status + line[open+2:]
	return util.WriteFileAtomic(r.Path, []byte(strings.Join(r.rawLines, "\n")), 0o644)
}

// UpdateStatus loads the roadmap, updates one slug, and saves.
func UpdateStatus(workingDir, slug, status string) error {
	r, err := LoadRoadmap(workingDir)
	if err != nil {
		return err
	}
	return r.SetStatus(slug, status)
}
