package db

import (
	"strconv"
	"time"
)

// String returns column c as text. NULL yields "".
func (r Row) String(c string) string {
	switch v := r[c].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// NullString returns nil when column c is NULL.
func (r Row) NullString(c string) *string {
	if r[c] == nil {
		return nil
	}
	s := r.String(c)
	return &s
}

// Int64 returns column c as an integer. NULL yields 0.
func (r Row) Int64(c string) int64 {
	switch v := r[c].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

func (r Row) Int(c string) int {
	return int(r.Int64(c))
}

func (r Row) Float64(c string) float64 {
	switch v := r[c].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (r Row) Bool(c string) bool {
	return r.Int64(c) != 0
}

// Null reports whether column c is NULL.
func (r Row) Null(c string) bool {
	return r[c] == nil
}

// Millis converts a unix-millisecond column into a time. NULL yields the zero time.
func (r Row) Millis(c string) time.Time {
	if r[c] == nil {
		return time.Time{}
	}
	return time.UnixMilli(r.Int64(c)).UTC()
}

// NowMillis is the timestamp representation used by every table.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
