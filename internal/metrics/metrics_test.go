package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordJob(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("image", "succeeded"))
	RecordJob("image", "succeeded", 250*time.Millisecond)
	after := testutil.ToFloat64(JobsTotal.WithLabelValues("image", "succeeded"))

	if after-before != 1 {
		t.Errorf("JobsTotal delta = %v, want 1", after-before)
	}
}

func TestRecordJobSkippedNoDuration(t *testing.T) {
	before := testutil.CollectAndCount(JobDuration)
	RecordJob("video-skip-test", "skipped", time.Second)
	if got := testutil.CollectAndCount(JobDuration); got != before {
		t.Errorf("histogram series = %d, want %d", got, before)
	}
}
