package speech

const (
	// PartialConfidence is reported for partial results without native confidence.
	PartialConfidence = 0.5
	// FinalConfidence is reported for final results without native confidence.
	FinalConfidence = 0.9
)

// MeanConfidence averages segment confidences. No segments yields 0.
func MeanConfidence(segments []float64) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, c := range segments {
		sum += c
	}
	return clamp(sum / float64(len(segments)))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Normalize maps an engine result onto the canonical event. ok is false when
// the result carries no text candidate and must not be delivered.
func Normalize(r Result) (evt RecognitionEvent, ok bool) {
	if len(r.Alternatives) == 0 {
		return RecognitionEvent{}, false
	}
	evt = RecognitionEvent{Text: r.Alternatives[0], IsFinal: r.Final}
	switch {
	case r.NativeConfidence:
		evt.Confidence = MeanConfidence(r.Segments)
	case r.Final:
		evt.Confidence = FinalConfidence
	default:
		evt.Confidence = PartialConfidence
	}
	return evt, true
}
