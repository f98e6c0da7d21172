package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopMirrorDiscardsEverything(t *testing.T) {
	mirror := NewNoopMirror()

	assert.NotPanics(t, func() {
		mirror.Publish("coordinator.fanout", []byte(`{"type":"session_created"}`))
		mirror.Close()
	})
}
