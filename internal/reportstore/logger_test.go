package reportstore

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestStdLogger_TagsAndCopiesFields(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	fields := map[string]interface{}{"runId": "r1"}
	NewStdLogger("reportstore").Info("report persisted", fields)

	line := buf.String()
	start := strings.IndexByte(line, '{')
	if start < 0 {
		t.Fatalf("no JSON object in output: %q", line)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(line[start:])), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	if entry["component"] != "reportstore" || entry["level"] != "info" || entry["msg"] != "report persisted" {
		t.Errorf("entry = %v", entry)
	}
	if entry["runId"] != "r1" {
		t.Errorf("caller field lost: %v", entry)
	}
	if len(fields) != 1 {
		t.Errorf("caller map mutated: %v", fields)
	}
}
