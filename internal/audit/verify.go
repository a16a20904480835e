package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult summarises a chain check of one audit file.
type VerifyResult struct {
	Entries int `json:"entries" yaml:"entries"`
	// BrokenAt is the 1-based line of the first bad record, 0 when intact.
	BrokenAt int    `json:"brokenAt,omitempty" yaml:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// OK reports whether the whole file verified.
func (r VerifyResult) OK() bool { return r.BrokenAt == 0 }

// Verify recomputes every record hash in path and checks each prevHash links
// to the record before it. The first record's prevHash is trusted, since it
// may point into a rotated backup.
func Verify(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, err
	}
	defer f.Close()

	var res VerifyResult
	prev := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fail(res, line, "malformed record"), nil
		}
		want, err := computeHash(e)
		if err != nil {
			return fail(res, line, err.Error()), nil
		}
		if want != e.EntryHash {
			return fail(res, line, "entry hash mismatch"), nil
		}
		if prev != "" && e.PrevHash != prev {
			return fail(res, line, fmt.Sprintf("prevHash does not link to line %d", line-1)), nil
		}
		prev = e.EntryHash
		res.Entries++
	}
	return res, sc.Err()
}

func fail(res VerifyResult, line int, reason string) VerifyResult {
	res.BrokenAt = line
	res.Reason = reason
	return res
}
