// Package date implements a calendar day type used for transaction dates.
//
// Sources declare dates in many layouts (ISO days, RFC3339 timestamps, unix
// seconds, European day-first spreadsheets), so parsing is lenient,
// but the resulting value never carries time of day.
package date

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const readDateFormat = "2006-1-2" // Permissive read date format (allows single-digit month/day).

// DateFormat is the format used to represent dates as strings in ISO-8601 format.
const DateFormat = "2006-01-02" // write date format

// layouts accepted by Parse, in order. Day-first layouts come after ISO ones
// so that "2024-03-04" is never read as the 3rd of April.
var layouts = []string{
	readDateFormat,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"2006/1/2 15:04:05",
	"02/01/2006",
	"2/1/2006",
	"02/01/2006 15:04:05",
	"02.01.2006",
	"02-01-2006",
}

// Date represent a date with no lower than day granularity.
type Date struct {
	y int
	m time.Month
	d int
}

// time returns a time.Time that is a canonical representation of that day (at midnight UTC).
func (d Date) time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

// Time returns midnight UTC of that day.
func (d Date) Time() time.Time { return d.time() }

// New returns a normalized Date for the given year, month, and day.
func New(year int, month time.Month, day int) Date {
	d := Date{year, month, day}
	d.y, d.m, d.d = d.time().Date()
	return d
}

// Of returns the day of t, in t's own location.
func Of(t time.Time) Date { return New(t.Date()) }

// Today returns the current date.
func Today() Date { return Of(time.Now()) }

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d.y == 0 && d.m == 0 && d.d == 0 }

// Before reports whether the day d is before x.
func (d Date) Before(x Date) bool { return d.time().Before(x.time()) }

// After reports whether the day d is after x.
func (d Date) After(x Date) bool { return d.time().After(x.time()) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(x Date) int { return d.time().Compare(x.time()) }

// Add returns a new Date with the given number of days added.
func (d Date) Add(i int) Date { return New(d.y, d.m, d.d+i) }

// Year returns current year.
func (d Date) Year() int { return d.y }

// Month returns the month of the date.
func (d Date) Month() time.Month { return d.m }

// Day returns current day of the month.
func (d Date) Day() int { return d.d }

// Unix returns the unix seconds at the start of the day.
func (d Date) Unix() int64 { return d.time().Unix() }

// String format the date in its standard format.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.time().Format(DateFormat)
}

// Parse parses a Date from a string. It is lenient and accepts formats like
// "2025-7-1", RFC3339 timestamps, "02/01/2006" and unix seconds or milliseconds.
func Parse(str string) (Date, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return Date{}, fmt.Errorf("invalid date: empty string")
	}
	for _, layout := range layouts {
		if on, err := time.Parse(layout, str); err == nil {
			return Of(on), nil
		}
	}
	if n, err := strconv.ParseFloat(str, 64); err == nil && n > 0 {
		sec := int64(n)
		if sec > 1e11 { // milliseconds
			sec /= 1000
		}
		return Of(time.Unix(sec, 0).UTC()), nil
	}
	return Date{}, fmt.Errorf("invalid date %q want format %q", str, DateFormat)
}

// MustParse is like Parse but panics on error.
func MustParse(str string) Date {
	d, err := Parse(str)
	if err != nil {
		panic(err.Error())
	}
	return d
}

// UnmarshalJSON implements the json specific way to unmarshall a date from a json string.
func (j *Date) UnmarshalJSON(bytes []byte) error {
	var str string
	if err := json.Unmarshal(bytes, &str); err != nil {
		return err
	}
	if str == "" {
		*j = Date{}
		return nil
	}
	d, err := Parse(str)
	if err != nil {
		return err
	}
	*j = d
	return nil
}

func (j Date) MarshalJSON() ([]byte, error) {
	str := j.String()
	return json.Marshal(&str)
}

// check that a Date pointer is a valid json marshall/unmarshaller type.
var _ json.Marshaler = (*Date)(nil)
var _ json.Unmarshaler = (*Date)(nil)
