package remoteasg

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// remoteLogLayout is the timestamp format the remote service embeds
// at the start of each log line: "YYYY-MM-DD_HH:MM:SS message".
const remoteLogLayout = "2006-01-02_15:04:05"

// remoteUpdateTimeLayout is the format of updateTime once its `UTC`
// zone token has been substituted for the standard `GMT` one the Go
// time package recognizes (spec §4.4).
const remoteUpdateTimeLayout = "2006-01-02 15:04:05 MST"

var logLinePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}_\d{2}:\d{2}:\d{2})\s+(.*)$`)

// TaskDoc is the remote service's task representation, fetched via
// GET {task_url} (spec §6). RunningTaskList/CompletedTaskList are
// carried through per the resolved Open Question 2: both keys are
// assumed to live at the same level and are decoded defensively (a
// missing key decodes to nil, not an error).
type TaskDoc struct {
	Status            string   `json:"status"`
	Log               []string `json:"log"`
	UpdateTime        string   `json:"updateTime"`
	RunningTaskList   []string `json:"runningTaskList"`
	CompletedTaskList []string `json:"completedTaskList"`
}

// NormalizedLogEntry is one log line with its timestamp parsed to
// ISO-8601 (as a time.Time; the ISO-8601 requirement is satisfied by
// depmodel.LogEntry's json.Marshal of time.Time, which uses RFC3339).
type NormalizedLogEntry struct {
	Timestamp time.Time
	Message   string
}

// NormalizedLog parses every log line's leading timestamp. A line
// that doesn't match the expected layout is kept with a zero
// timestamp and its raw text as the message, rather than dropped -
// the remote service's log format is not itself a source of pipeline
// truth, only diagnostic text.
func (d *TaskDoc) NormalizedLog() []NormalizedLogEntry {
	out := make([]NormalizedLogEntry, 0, len(d.Log))
	for _, line := range d.Log {
		m := logLinePattern.FindStringSubmatch(line)
		if m == nil {
			out = append(out, NormalizedLogEntry{Message: line})
			continue
		}
		ts, err := time.Parse(remoteLogLayout, m[1])
		if err != nil {
			out = append(out, NormalizedLogEntry{Message: line})
			continue
		}
		out = append(out, NormalizedLogEntry{Timestamp: ts, Message: m[2]})
	}
	return out
}

// ParsedUpdateTime parses UpdateTime, substituting the remote
// service's non-standard `UTC` zone token for `GMT` before parsing,
// per spec §4.4.
func (d *TaskDoc) ParsedUpdateTime() (time.Time, error) {
	if d.UpdateTime == "" {
		return time.Time{}, nil
	}
	normalized := strings.Replace(d.UpdateTime, "UTC", "GMT", 1)
	ts, err := time.Parse(remoteUpdateTimeLayout, normalized)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing updateTime %q", d.UpdateTime)
	}
	return ts, nil
}

// Terminal reports whether the remote status is one the tracker
// treats as terminal (spec §4.4).
func (d *TaskDoc) Terminal() bool {
	switch d.Status {
	case "completed", "failed", "terminated":
		return true
	default:
		return false
	}
}

func decodeTaskDoc(r io.Reader) (*TaskDoc, error) {
	var doc TaskDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decoding task document")
	}
	return &doc, nil
}

func decodeSecurityGroups(r io.Reader) (map[string]string, error) {
	var raw []struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decoding security group listing")
	}
	out := make(map[string]string, len(raw))
	for _, sg := range raw {
		out[sg.Name] = sg.ID
	}
	return out, nil
}
