package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/meridian-obs/contimg/internal/mjd"
)

// timeParser handles natural-language date expressions in flags.
var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseTimeFlag accepts RFC 3339, a plain date, or natural language such
// as "yesterday" or "2 hours ago".
func parseTimeFlag(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	r, err := timeParser.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q (want RFC 3339, YYYY-MM-DD, or e.g. \"2 hours ago\")", s)
	}
	return r.Time, nil
}

// parseMJDFlag accepts a raw Modified Julian Date or any parseTimeFlag
// expression.
func parseMJDFlag(s string) (float64, error) {
	if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return v, nil
	}
	t, err := parseTimeFlag(s)
	if err != nil {
		return 0, err
	}
	return mjd.FromTime(t), nil
}
