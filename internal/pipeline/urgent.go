package pipeline

import "strings"

// urgentKeywords flag messages that bypass the authority gate. Arabic terms
// cover the source channels, Hebrew terms the smart channels.
var urgentKeywords = []string{
	// Arabic
	"عاجل", "انفجار", "انفجارات", "اشتباك", "هجوم", "غارة",
	"قتلى", "مقتل", "إصابة", "ازدحام", "قطع طرق", "أزمة سير",
	"احتجاج", "إغلاق", "زحمة", "طوارئ", "حرائق", "حريق", "صاروخ", "درون",
	// Hebrew
	"דחוף", "פיגוע", "ירי", "רקטה", "רקטות", "חיסול", "פיצוץ",
	"אירוע ביטחוני", "חדירה", "עימות", "הרוגים", "פצועים", "התקפה",
}

var urgentMarkers = []string{"🚨", "🔴"}

// LooksUrgent reports whether text carries an urgent keyword or marker.
func LooksUrgent(text string) bool {
	low := strings.ToLower(text)
	for _, kw := range urgentKeywords {
		if strings.Contains(low, kw) {
			return true
		}
	}
	for _, m := range urgentMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
