package strategy

import "fmt"

// Severity ranks a gate failure. Ordering is ascending:
// none < warn < trim < degrade < exit.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarn
	SeverityTrim
	SeverityDegrade
	SeverityExit
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarn:
		return "warn"
	case SeverityTrim:
		return "trim"
	case SeverityDegrade:
		return "degrade"
	case SeverityExit:
		return "exit"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalJSON emits the lowercase name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the lowercase name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	name := string(data)
	if len(name) >= 2 && name[0] == '"' {
		name = name[1 : len(name)-1]
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity maps a name to its Severity.
func ParseSeverity(name string) (Severity, error) {
	switch name {
	case "none", "":
		return SeverityNone, nil
	case "warn":
		return SeverityWarn, nil
	case "trim":
		return SeverityTrim, nil
	case "degrade":
		return SeverityDegrade, nil
	case "exit":
		return SeverityExit, nil
	default:
		return SeverityNone, fmt.Errorf("unknown severity %q", name)
	}
}

// MaxSeverity returns the larger of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

// Recommend maps an aggregated severity to an action:
// exit -> "exit", trim -> "trim", everything else -> "hold".
func Recommend(worst Severity) string {
	switch worst {
	case SeverityExit:
		return "exit"
	case SeverityTrim:
		return "trim"
	default:
		return "hold"
	}
}
