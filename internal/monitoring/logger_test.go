package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerRedirects(t *testing.T) {
	defer SetLogger(nil)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	Logf("solved tag %d", 3)
	if got != "solved tag 3" {
		t.Errorf("captured log = %q", got)
	}
}

func TestSetLoggerNilMutes(t *testing.T) {
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %d measurements", 7)
}
