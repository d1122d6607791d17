package permissions

// Verdict is the outcome of a position or role check.  The zero value is
// Indeterminate, so a check that never ran cannot read as a grant.
type Verdict int

const (
	// Indeterminate means there is not enough cached state to decide.
	Indeterminate Verdict = iota

	// Granted means the check explicitly passed.
	Granted

	// Denied means the check explicitly failed.
	Denied
)

// VerdictOf maps a plain boolean onto Granted or Denied.
func VerdictOf(ok bool) Verdict {
	if ok {
		return Granted
	}
	return Denied
}

func (v Verdict) String() string {
	switch v {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "indeterminate"
	}
}

// Granted reports whether v is Granted.  Indeterminate is not a grant.
func (v Verdict) Granted() bool { return v == Granted }

// Denied reports whether v is an explicit Denied.  Indeterminate is not a
// denial.
func (v Verdict) Denied() bool { return v == Denied }
