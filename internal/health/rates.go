package health

// AdoptionRate returns part as a percentage of total, or nil when
// total is zero. Used for both user and session adoption.
func AdoptionRate(part, total int64) *float64 {
	if total == 0 {
		return nil
	}
	v := float64(part) / float64(total) * 100
	return &v
}

// CrashFreeRate returns the percentage of total that did not
// crash, or nil when total is zero.
func CrashFreeRate(crashed, total int64) *float64 {
	if total == 0 {
		return nil
	}
	v := 100 - float64(crashed)/float64(total)*100
	return &v
}

// erroredOnly subtracts crashed and abnormal sessions from the
// errored count the store reports, which includes them.
func erroredOnly(errored, crashed, abnormal int64) int64 {
	return max(0, errored-crashed-abnormal)
}
