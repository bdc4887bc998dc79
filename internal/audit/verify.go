package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jvs-project/pipeguard/pkg/model"
)

// ChainBreak describes the first record whose hash or back-link does not match.
type ChainBreak struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// VerifyResult summarises a journal walk.
type VerifyResult struct {
	Records int         `json:"records"`
	Break   *ChainBreak `json:"break,omitempty"`
}

// Valid reports whether the whole chain checked out.
func (r *VerifyResult) Valid() bool { return r.Break == nil }

// Verify recomputes every record hash in the journal at path and checks each back-link.
// A missing journal is an empty, valid chain.
func Verify(path string) (*VerifyResult, error) {
	result := &VerifyResult{}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var prev model.HashValue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			result.Break = &ChainBreak{Line: line, Reason: "malformed record"}
			return result, nil
		}
		if record.PrevHash != prev {
			result.Break = &ChainBreak{Line: line, Reason: "prev_hash does not match preceding record"}
			return result, nil
		}
		want, err := computeRecordHash(&record)
		if err != nil {
			return nil, err
		}
		if want != record.RecordHash {
			result.Break = &ChainBreak{Line: line, Reason: "record_hash mismatch"}
			return result, nil
		}
		prev = record.RecordHash
		result.Records++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return result, nil
}
