package rules

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// MerchantClass groups merchant category codes restricted by a single flag.
type MerchantClass string

const (
	ClassAlcohol  MerchantClass = "alcohol"
	ClassGambling MerchantClass = "gambling"
	ClassAdult    MerchantClass = "adult"
	ClassCrypto   MerchantClass = "crypto"
)

// merchantClasses maps ISO 18245 merchant category codes to classes.
var merchantClasses = map[string]MerchantClass{
	"5813": ClassAlcohol, // drinking places
	"5921": ClassAlcohol, // package stores, beer, wine, liquor
	"7995": ClassGambling,
	"7800": ClassGambling,
	"7801": ClassGambling,
	"7802": ClassGambling,
	"5967": ClassAdult,
	"7273": ClassAdult,
	"6051": ClassCrypto, // quasi-cash, includes crypto purchases
	"6012": ClassCrypto,
}

// ClassOf returns the merchant class of a category code, if any.
func ClassOf(mcc string) (MerchantClass, bool) {
	c, ok := merchantClasses[mcc]
	return c, ok
}

// Blocks reports whether the merchant category is disallowed and why.
func (m *MerchantLimit) Blocks(mcc string) (bool, string) {
	if mcc == "" {
		return false, ""
	}
	if slices.Contains(m.BlockedCategories, mcc) {
		return true, fmt.Sprintf("merchant category %s is blocked", mcc)
	}

	class, ok := ClassOf(mcc)
	if !ok {
		return false, ""
	}
	var flag *bool
	switch class {
	case ClassAlcohol:
		flag = m.AllowAlcohol
	case ClassGambling:
		flag = m.AllowGambling
	case ClassAdult:
		flag = m.AllowAdult
	case ClassCrypto:
		flag = m.AllowCrypto
	}
	if flag != nil && !*flag {
		return true, fmt.Sprintf("merchant category %s (%s) is not allowed", mcc, class)
	}
	return false, ""
}

// Blocks reports whether the origin country is disallowed and why.
// An empty origin is treated as unknown and fails an allow-list.
func (g *GeographicLimit) Blocks(country string) (bool, string) {
	country = strings.ToUpper(country)
	if containsFold(g.BlockedCountries, country) {
		return true, fmt.Sprintf("origin country %s is blocked", country)
	}
	if len(g.AllowedCountries) > 0 && !containsFold(g.AllowedCountries, country) {
		if country == "" {
			return true, "origin country is unknown and an allow-list is configured"
		}
		return true, fmt.Sprintf("origin country %s is not in the allowed list", country)
	}
	return false, ""
}

// Permits reports whether any of the roles is permitted.
func (r *RoleLimit) Permits(roles []string) bool {
	for _, role := range roles {
		if slices.Contains(r.PermittedRoles, role) {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekday parses a three-letter lowercase day name.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown day %q", s)
	}
	return d, nil
}

// ParseClock parses HH:MM into minutes after midnight. "24:00" is accepted
// as the end of day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time %q: invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 {
		return 0, fmt.Errorf("time %q: invalid minute", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}

// Location loads the limit's timezone, defaulting to fallback when unset.
func (w *TimeWindowLimit) Location(fallback *time.Location) (*time.Location, error) {
	if w.Timezone == "" {
		if fallback == nil {
			return time.UTC, nil
		}
		return fallback, nil
	}
	return time.LoadLocation(w.Timezone)
}

// Allows reports whether t falls inside the allowed days and hours, evaluated
// in the limit's timezone.
func (w *TimeWindowLimit) Allows(t time.Time, fallback *time.Location) (bool, string, error) {
	loc, err := w.Location(fallback)
	if err != nil {
		return false, "", fmt.Errorf("load timezone %q: %w", w.Timezone, err)
	}
	local := t.In(loc)

	if len(w.AllowedDays) > 0 {
		allowedDay := false
		for _, d := range w.AllowedDays {
			wd, err := ParseWeekday(d)
			if err != nil {
				return false, "", err
			}
			if wd == local.Weekday() {
				allowedDay = true
				break
			}
		}
		if !allowedDay {
			return false, fmt.Sprintf("%s is not an allowed day in %s", strings.ToLower(local.Weekday().String()[:3]), loc), nil
		}
	}

	if w.AllowedHours != nil {
		start, err := ParseClock(w.AllowedHours.Start)
		if err != nil {
			return false, "", err
		}
		end, err := ParseClock(w.AllowedHours.End)
		if err != nil {
			return false, "", err
		}
		minute := local.Hour()*60 + local.Minute()
		if minute < start || minute >= end {
			return false, fmt.Sprintf("%s is outside allowed hours %s-%s in %s",
				local.Format("15:04"), w.AllowedHours.Start, w.AllowedHours.End, loc), nil
		}
	}

	return true, "", nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
