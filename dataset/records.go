package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Sample is one paired (text, image, labels) record. Image is relative to
// the directory of the split file it was read from.
type Sample struct {
	Text   string
	Image  string
	Labels []string
}

// LabelList accepts either a JSON string or a JSON array of strings.
type LabelList []string

func (l *LabelList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = LabelList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

type record struct {
	Label LabelList `json:"label"`
	Img   string    `json:"img"`
	Text  string    `json:"text"`
}

// Split is the content of one JSON-lines file.
type Split struct {
	Name    string
	Dir     string
	Samples []Sample
	// Skipped counts lines that could not be parsed.
	Skipped int
}

// Len returns the number of samples.
func (s *Split) Len() int {
	return len(s.Samples)
}

// ImagePath resolves the image of sample i against the split directory.
func (s *Split) ImagePath(i int) string {
	img := s.Samples[i].Image
	if img == "" || filepath.IsAbs(img) {
		return img
	}
	return filepath.Join(s.Dir, img)
}

// Texts returns the text of every sample in order.
func (s *Split) Texts() []string {
	out := make([]string, len(s.Samples))
	for i, smp := range s.Samples {
		out[i] = smp.Text
	}
	return out
}

// LoadRecords reads a JSON-lines split. Blank lines are ignored; malformed
// lines are skipped and counted.
func LoadRecords(path string) (*Split, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open split: %w", err)
	}
	defer f.Close()

	name := filepath.Base(path)
	split := &Split{
		Name: name[:len(name)-len(filepath.Ext(name))],
		Dir:  filepath.Dir(path),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Debug("skipping malformed record", "split", split.Name, "line", lineNo, "error", err)
			split.Skipped++
			continue
		}

		split.Samples = append(split.Samples, Sample{
			Text:   rec.Text,
			Image:  rec.Img,
			Labels: dedupe(rec.Label),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read split %s: %w", path, err)
	}

	if split.Skipped > 0 {
		slog.Warn("skipped malformed records", "split", split.Name, "skipped", split.Skipped)
	}
	slog.Info("loaded split", "split", split.Name, "samples", len(split.Samples))
	return split, nil
}

// dedupe keeps the first occurrence of each label; a sample's labels are a set.
func dedupe(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
