package main

import (
	"bufio"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/a-teece/WorkloadTools/internal/record"
)

// traceLine is the on-disk shape of one captured command, one per
// line of the input trace file. It stands in for the out-of-scope
// capture/listener layer's wire format.
type traceLine struct {
	SessionID         string `json:"session_id"`
	AppName           string `json:"app_name"`
	Database          string `json:"database"`
	Text              string `json:"text"`
	EventSequence     int64  `json:"event_sequence"`
	ReplayOffsetMS    *int64 `json:"replay_offset_ms"`
	OriginalStartTime string `json:"original_start_time"`
}

// readTrace decodes newline-delimited JSON trace records from r and
// invokes emit for each, in file order.
func readTrace(r io.Reader, emit func(record.CommandRecord) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var tl traceLine
		if err := json.Unmarshal(line, &tl); err != nil {
			return errors.Wrapf(err, "trace line %d", lineNo)
		}

		rec := record.CommandRecord{
			SessionID:     tl.SessionID,
			AppName:       tl.AppName,
			Database:      tl.Database,
			Text:          tl.Text,
			EventSequence: tl.EventSequence,
		}
		if tl.ReplayOffsetMS != nil {
			d := time.Duration(*tl.ReplayOffsetMS) * time.Millisecond
			rec.ReplayOffset = &d
		}
		if tl.OriginalStartTime != "" {
			t, err := time.Parse(time.RFC3339Nano, tl.OriginalStartTime)
			if err != nil {
				return errors.Wrapf(err, "trace line %d: original_start_time", lineNo)
			}
			rec.OriginalStartTime = t
		}

		if err := emit(rec); err != nil {
			return err
		}
	}
	return errors.WithStack(scanner.Err())
}
