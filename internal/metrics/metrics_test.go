package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

// The pipeline observes time.Since(...).Seconds(); the histogram's buckets
// must be on the same scale or every observation collapses into the first
// bucket.
func TestProcessingDurationBucketsAreSeconds(t *testing.T) {
	var before dto.Metric
	if err := ProcessingDuration.Write(&before); err != nil {
		t.Fatal(err)
	}

	// A 15ms event, as the pipeline reports it.
	ProcessingDuration.Observe(0.015)

	var after dto.Metric
	if err := ProcessingDuration.Write(&after); err != nil {
		t.Fatal(err)
	}

	if got, want := after.Histogram.GetSampleCount(), before.Histogram.GetSampleCount()+1; got != want {
		t.Fatalf("sample count = %d, want %d", got, want)
	}

	delta := func(m *dto.Metric, upper float64) (uint64, bool) {
		for _, b := range m.Histogram.Bucket {
			if b.GetUpperBound() == upper {
				return b.GetCumulativeCount(), true
			}
		}
		return 0, false
	}

	beforeSmall, ok := delta(&before, 0.01)
	if !ok {
		t.Fatal("histogram has no 10ms bucket")
	}
	afterSmall, _ := delta(&after, 0.01)
	if afterSmall != beforeSmall {
		t.Errorf("15ms observation landed at or below the 10ms bucket")
	}

	beforeFit, ok := delta(&before, 0.025)
	if !ok {
		t.Fatal("histogram has no 25ms bucket")
	}
	afterFit, _ := delta(&after, 0.025)
	if afterFit != beforeFit+1 {
		t.Errorf("15ms observation missing from the 25ms bucket: %d -> %d", beforeFit, afterFit)
	}
}
