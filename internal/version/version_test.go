package version

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, "worker")

	out := buf.String()
	assert.Contains(t, out, "worker dev\n")
	assert.Contains(t, out, "commit:     unknown")
	assert.Contains(t, out, runtime.Version())
}
