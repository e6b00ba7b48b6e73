// ABOUTME: Loads the security log corpus into content-addressed documents
// ABOUTME: Wazuh alert JSON lines become one document each; plain logs are chunked

package retrieval

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultChunkLines is the number of plain-text log lines per document.
const DefaultChunkLines = 10

// maxLineBytes bounds a single corpus line; longer lines are skipped.
const maxLineBytes = 1 << 20

// Corpus reads documents from a directory tree.
type Corpus struct {
	dir        string
	chunkLines int
}

// NewCorpus returns a Corpus rooted at dir.
func NewCorpus(dir string) *Corpus {
	return &Corpus{dir: dir, chunkLines: DefaultChunkLines}
}

// Dir returns the corpus root.
func (c *Corpus) Dir() string { return c.dir }

// DocumentID is the content address of a document: the first 128 bits of
// BLAKE3(source || 0x00 || content), hex encoded.
func DocumentID(source, content string) string {
	h := blake3.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(content))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Load walks the corpus and returns every document, in walk order.
func (c *Corpus) Load(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != c.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			rel = path
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".jsonl", ".ndjson":
			found, err := loadJSONLines(path, rel)
			if err != nil {
				return err
			}
			docs = append(docs, found...)
		case ".log", ".txt":
			found, err := loadTextChunks(path, rel, c.chunkLines)
			if err != nil {
				return err
			}
			docs = append(docs, found...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading corpus %s: %w", c.dir, err)
	}
	return docs, nil
}

// wazuhAlert is the subset of a Wazuh alert record worth embedding.
type wazuhAlert struct {
	Timestamp string `json:"timestamp"`
	Rule      struct {
		ID          string   `json:"id"`
		Level       int      `json:"level"`
		Description string   `json:"description"`
		Groups      []string `json:"groups"`
	} `json:"rule"`
	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		IP   string `json:"ip"`
	} `json:"agent"`
	Location string `json:"location"`
	FullLog  string `json:"full_log"`
}

func (a *wazuhAlert) render() string {
	var b strings.Builder
	if a.Timestamp != "" {
		b.WriteString(a.Timestamp + " ")
	}
	if a.Agent.Name != "" {
		fmt.Fprintf(&b, "host=%s ", a.Agent.Name)
	}
	if a.Agent.IP != "" {
		fmt.Fprintf(&b, "ip=%s ", a.Agent.IP)
	}
	if a.Rule.ID != "" {
		fmt.Fprintf(&b, "rule=%s level=%d ", a.Rule.ID, a.Rule.Level)
	}
	if len(a.Rule.Groups) > 0 {
		fmt.Fprintf(&b, "groups=%s ", strings.Join(a.Rule.Groups, ","))
	}
	if a.Rule.Description != "" {
		b.WriteString("\n" + a.Rule.Description)
	}
	if a.FullLog != "" {
		b.WriteString("\n" + a.FullLog)
	}
	return strings.TrimSpace(b.String())
}

func newScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}

func loadJSONLines(path, source string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []Document
	sc := newScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		meta := map[string]string{"line": strconv.Itoa(lineNo)}
		content := line

		var alert wazuhAlert
		if json.Unmarshal([]byte(line), &alert) == nil && (alert.Rule.Description != "" || alert.FullLog != "") {
			content = alert.render()
			meta["timestamp"] = alert.Timestamp
			meta["host"] = alert.Agent.Name
			meta["rule_id"] = alert.Rule.ID
			meta["rule_level"] = strconv.Itoa(alert.Rule.Level)
		}
		docs = append(docs, Document{
			ID:       DocumentID(source, content),
			Source:   source,
			Content:  content,
			Metadata: meta,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	return docs, nil
}

func loadTextChunks(path, source string, chunkLines int) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		docs      []Document
		chunk     []string
		lineNo    int
		chunkFrom int
	)
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		content := strings.Join(chunk, "\n")
		docs = append(docs, Document{
			ID:       DocumentID(source, content),
			Source:   source,
			Content:  content,
			Metadata: map[string]string{"line": strconv.Itoa(chunkFrom)},
		})
		chunk = chunk[:0]
	}

	sc := newScanner(f)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(chunk) == 0 {
			chunkFrom = lineNo
		}
		chunk = append(chunk, line)
		if len(chunk) >= chunkLines {
			flush()
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	return docs, nil
}
