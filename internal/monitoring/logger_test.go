package monitoring

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	Logf("test")
	assert.False(t, called, "no-op logger should not reach the previous logger")
}

func TestComponent_PrefixesAndFollowsSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Component("engine")

	var got string
	SetLogger(func(format string, v ...interface{}) { got = fmt.Sprintf(format, v...) })
	logf("tick %d skipped", 3)
	assert.Equal(t, "[engine] tick 3 skipped", got)
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(SamplesDropped.WithLabelValues("eeg", "nan"))
	SamplesDropped.WithLabelValues("eeg", "nan").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SamplesDropped.WithLabelValues("eeg", "nan")))
}
