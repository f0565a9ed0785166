package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"chatcall/internal/calls"
)

// change is the payload published on a record's event channel. A nil Record
// means the record was deleted.
type change struct {
	Version int64         `json:"version"`
	Record  *calls.Record `json:"record,omitempty"`
}

func encodeRecord(rec calls.Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// decodeRecord parses and validates a stored record. Unknown fields are
// rejected so a foreign writer cannot slip partial shapes past Validate.
func decodeRecord(b []byte) (calls.Record, error) {
	var rec calls.Record
	if err := strictUnmarshal(b, &rec); err != nil {
		return calls.Record{}, fmt.Errorf("%w: %v", calls.ErrInvalidRecord, err)
	}
	if err := rec.Validate(); err != nil {
		return calls.Record{}, err
	}
	return rec, nil
}

func encodeChange(version int64, rec *calls.Record) (string, error) {
	b, err := json.Marshal(change{Version: version, Record: rec})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeChange(s string) (change, error) {
	var c change
	if err := strictUnmarshal([]byte(s), &c); err != nil {
		return change{}, fmt.Errorf("%w: %v", calls.ErrInvalidRecord, err)
	}
	if c.Record != nil {
		if err := c.Record.Validate(); err != nil {
			return change{}, err
		}
	}
	return c, nil
}

func encodeCandidate(c calls.Candidate) (string, error) {
	if c.Candidate == "" {
		return "", fmt.Errorf("%w: empty candidate", calls.ErrInvalidArgument)
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeCandidate(s string) (calls.Candidate, error) {
	var c calls.Candidate
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return calls.Candidate{}, err
	}
	if c.Candidate == "" {
		return calls.Candidate{}, fmt.Errorf("empty candidate")
	}
	return c, nil
}

func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
