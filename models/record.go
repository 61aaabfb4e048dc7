// Package models defines data structures for the harvester.
package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// UnknownValue is written in place of a count or rating that could not be parsed.
const UnknownValue = "unknown"

// Count is a non-negative integer that may be unknown.
type Count struct {
	Value int64
	Known bool
}

// KnownCount returns a known count.
func KnownCount(v int64) Count {
	return Count{Value: v, Known: true}
}

func (c Count) String() string {
	if !c.Known {
		return UnknownValue
	}
	return strconv.FormatInt(c.Value, 10)
}

// MarshalJSON encodes an unknown count as null.
func (c Count) MarshalJSON() ([]byte, error) {
	if !c.Known {
		return []byte("null"), nil
	}
	return json.Marshal(c.Value)
}

// UnmarshalJSON decodes null as an unknown count.
func (c *Count) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Count{}
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = KnownCount(v)
	return nil
}

// Rating is a score in [0,5] that may be unknown. An unknown rating is
// never the same thing as a zero rating.
type Rating struct {
	Value float64
	Known bool
}

// KnownRating returns a known rating.
func KnownRating(v float64) Rating {
	return Rating{Value: v, Known: true}
}

func (r Rating) String() string {
	if !r.Known {
		return UnknownValue
	}
	return strconv.FormatFloat(r.Value, 'f', -1, 64)
}

// MarshalJSON encodes an unknown rating as null.
func (r Rating) MarshalJSON() ([]byte, error) {
	if !r.Known {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON decodes null as an unknown rating.
func (r *Rating) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Rating{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = KnownRating(v)
	return nil
}

// Record is one catalog entry read from a rendered record element.
type Record struct {
	Identifier  string `csv:"slug" json:"slug"`
	Title       string `csv:"title" json:"title"`
	Description string `csv:"description" json:"description"`
	Author      string `csv:"author" json:"author"`
	Users       Count  `csv:"users" json:"users"`
	Rating      Rating `csv:"rating" json:"rating"`
	URL         string `csv:"url" json:"url"`
}

// HarvestResult holds the overall result of one scroll-and-extract run.
type HarvestResult struct {
	Records         []Record
	State           State
	Reason          string
	Iterations      int
	StagnantRounds  int
	NewRecords      int
	SeededRecords   int
	SkippedElements int
	ParseErrors     int
	ScrollFailures  int
	ExpectedTotal   int
	ErrorsByType    map[string]int
	FinalHeight     float64
	StartTime       time.Time
	EndTime         time.Time
}
