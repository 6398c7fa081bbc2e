package model

import (
	"strings"
	"time"
)

// releaseDateLayouts はストアフロントや保存済みスナップショットに現れる発売日の書式。
var releaseDateLayouts = []string{
	"2006-01-02",
	"2 Jan, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"2 January, 2006",
	"2 January 2006",
	"Jan 2006",
	"January 2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseReleaseDate は発売日文字列を解釈する。
// 空文字列・"Coming soon" などの未確定表記・解釈できない文字列はnilを返す。
// 返す日付は時刻部分を切り捨てたUTCの日付。
func ParseReleaseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range releaseDateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}

// FormatReleaseDate は発売日を YYYY-MM-DD 形式で返す。nilの場合は空文字列。
func FormatReleaseDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
