package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileInfo is the classification of one result file.
type FileInfo struct {
	JobID      string
	Platform   string
	WorkflowID string
	StartedAt  time.Time
	// Complete is true when a footer meta-line is present.
	Complete    bool
	Status      string
	CompletedAt time.Time
	Summary     Summary
	// Records is the number of parseable record lines.
	Records int
}

// Classify reads a result file and reports whether it is complete. Files
// without a footer are incomplete but still yield their header and record
// count; a partial trailing line (crash mid-write) is tolerated and skipped.
func Classify(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("op=results.classify: %w", err)
	}
	defer func() { _ = f.Close() }()

	var info FileInfo
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var peek struct {
			Meta bool   `json:"_meta"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &peek); err != nil {
			// Partial trailing line from a crashed writer.
			continue
		}
		switch {
		case first:
			if !peek.Meta || peek.Type != "header" {
				return FileInfo{}, fmt.Errorf("op=results.classify: %s: missing header line", path)
			}
			var hdr headerLine
			if err := json.Unmarshal(line, &hdr); err != nil {
				return FileInfo{}, fmt.Errorf("op=results.classify: %s: header: %w", path, err)
			}
			info.JobID = hdr.JobID
			info.Platform = hdr.Platform
			info.WorkflowID = hdr.WorkflowID
			info.StartedAt = hdr.StartedAt
			first = false
		case peek.Meta && peek.Type == "footer":
			var ftr footerLine
			if err := json.Unmarshal(line, &ftr); err != nil {
				return FileInfo{}, fmt.Errorf("op=results.classify: %s: footer: %w", path, err)
			}
			info.Complete = true
			info.Status = ftr.Status
			info.CompletedAt = ftr.CompletedAt
			info.Summary = ftr.Summary
		default:
			info.Records++
		}
	}
	if err := sc.Err(); err != nil {
		return FileInfo{}, fmt.Errorf("op=results.classify: %s: %w", path, err)
	}
	if first {
		return FileInfo{}, fmt.Errorf("op=results.classify: %s: empty file", path)
	}
	return info, nil
}
