package svn

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// LogEntry is one parsed revision from `svn log --xml --verbose`.
type LogEntry struct {
	Rev          int64
	Author       string
	TS           time.Time
	Message      string
	ChangedPaths []string
	IsMerge      bool
}

type xmlLog struct {
	Entries []xmlLogEntry `xml:"logentry"`
}

type xmlLogEntry struct {
	Revision int64       `xml:"revision,attr"`
	Author   string      `xml:"author"`
	Date     string      `xml:"date"`
	Msg      string      `xml:"msg"`
	Paths    []xmlPath   `xml:"paths>path"`
}

type xmlPath struct {
	Action string `xml:"action,attr"`
	Value  string `xml:",chardata"`
}

func parseLogXML(data []byte) ([]LogEntry, error) {
	var log xmlLog
	if err := xml.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	entries := make([]LogEntry, 0, len(log.Entries))
	for _, e := range log.Entries {
		ts, err := time.Parse(time.RFC3339Nano, e.Date)
		if err != nil {
			return nil, fmt.Errorf("revision %d: bad date %q: %w", e.Revision, e.Date, err)
		}
		paths := make([]string, 0, len(e.Paths))
		for _, p := range e.Paths {
			paths = append(paths, strings.TrimSpace(p.Value))
		}
		entries = append(entries, LogEntry{
			Rev:          e.Revision,
			Author:       e.Author,
			TS:           ts.UTC(),
			Message:      e.Msg,
			ChangedPaths: paths,
			// SVN has no parent links; merge revisions are flagged by
			// convention in the commit message.
			IsMerge: strings.HasPrefix(strings.ToLower(e.Msg), "merge"),
		})
	}
	return entries, nil
}
