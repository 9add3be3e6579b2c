package progress

// Percent bands used by the pipeline phases.
const (
	setupBand     = 20.0
	fetchedMark   = 25.0
	analyzeBand   = 25.0
	classifyBase  = 50.0
	classifyBand  = 25.0
	replyBase     = 75.0
	replyBand     = 20.0
	overallBand   = 70.0
	completedMark = 100.0
)

// SetupPercent maps status step/total into 0..20.
func SetupPercent(step, total int) float64 {
	return Clamp(ratio(step, total) * setupBand)
}

// FetchedPercent is the fixed mark reached once the batch is fetched.
func FetchedPercent() float64 {
	return fetchedMark
}

// AnalyzePercent maps the start of item current (1-based) into 25..50.
func AnalyzePercent(current, total int) float64 {
	return Clamp(fetchedMark + ratio(current-1, total)*analyzeBand)
}

// ClassifiedPercent maps processed/total into 50..75. processed is the count
// before the current item finishes.
func ClassifiedPercent(processed, total int) float64 {
	return Clamp(classifyBase + ratio(processed, total)*classifyBand)
}

// ReplyPercent maps processed/total into 75..95.
func ReplyPercent(processed, total int) float64 {
	return Clamp(replyBase + ratio(processed, total)*replyBand)
}

// ItemDonePercent maps finished/total into 25..95.
func ItemDonePercent(current, total int) float64 {
	return Clamp(fetchedMark + ratio(current, total)*overallBand)
}

// CompletePercent is the terminal success mark.
func CompletePercent() float64 {
	return completedMark
}

// Clamp bounds p to [0,100].
func Clamp(p float64) float64 {
	switch {
	case p != p: // NaN
		return 0
	case p < 0:
		return 0
	case p > completedMark:
		return completedMark
	default:
		return p
	}
}

// ratio returns n/d bounded to [0,1], or 0 when d is not positive. Each phase
// formula therefore stays inside its own band: a producer reporting step or
// current past total cannot push the percent to 100 before complete.
func ratio(n, d int) float64 {
	switch {
	case d <= 0, n <= 0:
		return 0
	case n >= d:
		return 1
	default:
		return float64(n) / float64(d)
	}
}
