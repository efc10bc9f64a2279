package settlement

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	dotGrouped   = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
	commaGrouped = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)
	decimalTail  = regexp.MustCompile(`^(.*\d)([.,])(\d{1,2})$`)
	plainDigits  = regexp.MustCompile(`^\d+$`)
)

// ParseTender normalizes operator-typed cash into whole currency units.
//
// Accepted forms, checked in order:
//   - grouped thousands with a single separator: "15.000", "15,000", "1.250.000"
//   - grouped or plain digits with a one or two digit decimal tail using the other
//     separator: "15.000,00", "15,000.00", "15000.00"; a non-zero fraction is rejected
//   - digits with spaces, dots, commas or underscores removed: "15000", "15 000"
//
// "1.234" is read as 1234 because a three digit run after a single separator is
// treated as a thousands group. Rupiah has no minor unit in use, so the decimal
// reading is never the intended one at a till.
func ParseTender(text string) (int64, error) {
	s := normalizeTenderText(text)
	if s == "" {
		return 0, ErrInvalidTender
	}

	switch {
	case dotGrouped.MatchString(s):
		return parseDigits(strings.ReplaceAll(s, ".", ""))
	case commaGrouped.MatchString(s):
		return parseDigits(strings.ReplaceAll(s, ",", ""))
	}

	if m := decimalTail.FindStringSubmatch(s); m != nil {
		whole, sep, fraction := m[1], m[2], m[3]
		if !strings.Contains(whole, sep) {
			if strings.Trim(fraction, "0") != "" {
				return 0, ErrInvalidTender
			}
			return parseWhole(whole, otherSeparator(sep))
		}
	}

	return parseWhole(s, "")
}

func normalizeTenderText(text string) string {
	s := strings.TrimSpace(text)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"idr", "rp.", "rp"} {
		if strings.HasPrefix(lower, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	s = strings.TrimSuffix(s, ",-")
	s = strings.TrimSuffix(s, ".-")
	return strings.TrimSpace(s)
}

// parseWhole parses an integer part, allowing only the given grouping separator
// (or none) plus spaces and underscores.
func parseWhole(s, groupSep string) (int64, error) {
	replacer := []string{" ", "", "_", ""}
	if groupSep != "" {
		if groupSep == "." && !dotGrouped.MatchString(s) && !plainDigits.MatchString(s) {
			return 0, ErrInvalidTender
		}
		if groupSep == "," && !commaGrouped.MatchString(s) && !plainDigits.MatchString(s) {
			return 0, ErrInvalidTender
		}
		replacer = append(replacer, groupSep, "")
	} else {
		replacer = append(replacer, ".", "", ",", "")
	}
	return parseDigits(strings.NewReplacer(replacer...).Replace(s))
}

func parseDigits(s string) (int64, error) {
	if !plainDigits.MatchString(s) {
		return 0, ErrInvalidTender
	}
	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidTender
	}
	return value, nil
}

func otherSeparator(sep string) string {
	if sep == "." {
		return ","
	}
	return "."
}
