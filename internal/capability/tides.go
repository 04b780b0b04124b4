package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/tides/internal/records"
)

// PreferencesID is the record id holding a scope's preferences.
const PreferencesID = "preferences"

const (
	defaultTimeframe      = "7d"
	defaultFocusBlockMins = 90
	defaultReportType     = "summary"
	defaultReportPeriod   = "week"
	maxTopTags            = 5
	maxRecommendedBlocks  = 3
)

// FlowSession is one tracked block of focused work inside a tide.
type FlowSession struct {
	StartedAt       time.Time `json:"started_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Energy          int       `json:"energy"`
	Tags            []string  `json:"tags,omitempty"`
}

// Tide is the stored shape of one tide record.
type Tide struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	FlowSessions []FlowSession `json:"flow_sessions"`
}

// Preferences is the stored shape of the preferences record.
type Preferences struct {
	FocusTimeBlocks int    `json:"focus_time_blocks"`
	WorkdayStart    int    `json:"workday_start_hour"`
	WorkdayEnd      int    `json:"workday_end_hour"`
	Timezone        string `json:"timezone,omitempty"`
}

func defaultPreferences() Preferences {
	return Preferences{
		FocusTimeBlocks: defaultFocusBlockMins,
		WorkdayStart:    9,
		WorkdayEnd:      17,
		Timezone:        "UTC",
	}
}

// Stats summarizes flow sessions inside a window.
type Stats struct {
	Timeframe      string         `json:"timeframe"`
	Since          time.Time      `json:"since"`
	Tides          int            `json:"tides"`
	Sessions       int            `json:"sessions"`
	TotalMinutes   int            `json:"total_minutes"`
	AverageMinutes float64        `json:"average_minutes"`
	AverageEnergy  float64        `json:"average_energy"`
	TopTags        []TagCount     `json:"top_tags,omitempty"`
	PeakHour       int            `json:"peak_hour"`
	MinutesByDay   map[string]int `json:"minutes_by_day,omitempty"`
	energyByHour   map[int][]int
	minutesByHour  map[int]int
}

type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// decodeTides parses every record that looks like a tide and skips the
// preferences record and anything that fails to parse.
func decodeTides(recs []records.Record) []Tide {
	out := make([]Tide, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == PreferencesID {
			continue
		}
		var t Tide
		if err := json.Unmarshal(rec.Body, &t); err != nil {
			continue
		}
		if t.ID == "" {
			t.ID = rec.ID
		}
		out = append(out, t)
	}
	return out
}

// parseTimeframe accepts Nd, Nw, or the words daily, weekly and monthly.
func parseTimeframe(raw string) (string, time.Duration, error) {
	tf := strings.ToLower(strings.TrimSpace(raw))
	switch tf {
	case "":
		tf = defaultTimeframe
	case "daily", "day", "today":
		return tf, 24 * time.Hour, nil
	case "weekly", "week":
		return tf, 7 * 24 * time.Hour, nil
	case "monthly", "month":
		return tf, 30 * 24 * time.Hour, nil
	}
	if len(tf) < 2 {
		return "", 0, fmt.Errorf("invalid timeframe %q", raw)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("invalid timeframe %q", raw)
	}
	switch tf[len(tf)-1] {
	case 'd':
		return tf, time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return tf, time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return "", 0, fmt.Errorf("invalid timeframe %q", raw)
	}
}

func computeStats(tides []Tide, timeframe string, window time.Duration, now time.Time) Stats {
	since := now.Add(-window)
	s := Stats{
		Timeframe:     timeframe,
		Since:         since,
		PeakHour:      -1,
		MinutesByDay:  map[string]int{},
		energyByHour:  map[int][]int{},
		minutesByHour: map[int]int{},
	}
	tags := map[string]int{}
	energySum := 0
	for _, t := range tides {
		counted := false
		for _, fs := range t.FlowSessions {
			if fs.StartedAt.Before(since) || fs.StartedAt.After(now) {
				continue
			}
			if !counted {
				s.Tides++
				counted = true
			}
			s.Sessions++
			s.TotalMinutes += fs.DurationMinutes
			energySum += fs.Energy
			hour := fs.StartedAt.UTC().Hour()
			s.energyByHour[hour] = append(s.energyByHour[hour], fs.Energy)
			s.minutesByHour[hour] += fs.DurationMinutes
			s.MinutesByDay[fs.StartedAt.UTC().Format("2006-01-02")] += fs.DurationMinutes
			for _, tag := range fs.Tags {
				if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
					tags[tag]++
				}
			}
		}
	}
	if s.Sessions > 0 {
		s.AverageMinutes = round1(float64(s.TotalMinutes) / float64(s.Sessions))
		s.AverageEnergy = round1(float64(energySum) / float64(s.Sessions))
	}
	s.TopTags = topTags(tags, maxTopTags)

	best := -1
	for hour, mins := range s.minutesByHour {
		if best < 0 || mins > s.minutesByHour[best] || (mins == s.minutesByHour[best] && hour < best) {
			best = hour
		}
	}
	s.PeakHour = best
	return s
}

// hoursByEnergy returns active hours ordered by average energy, highest
// first, earliest hour breaking ties.
func (s Stats) hoursByEnergy() []int {
	hours := make([]int, 0, len(s.energyByHour))
	avg := make(map[int]float64, len(s.energyByHour))
	for h, values := range s.energyByHour {
		sum := 0
		for _, v := range values {
			sum += v
		}
		avg[h] = float64(sum) / float64(len(values))
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if avg[hours[i]] != avg[hours[j]] {
			return avg[hours[i]] > avg[hours[j]]
		}
		return hours[i] < hours[j]
	})
	return hours
}

func topTags(counts map[string]int, limit int) []TagCount {
	out := make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func hintInt(raw any, fallback int) int {
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}
