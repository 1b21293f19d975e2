package scheduler

import (
	"sync/atomic"

	"github.com/aegisshield/telemetry-rules-engine/internal/emit"
)

// atomicArtifact lets SetArtifact swap in a new artifact without a lock on the
// cycle's hot path.
type atomicArtifact struct {
	v atomic.Value
}

func newAtomicArtifact(art *emit.Artifact) *atomicArtifact {
	a := &atomicArtifact{}
	if art != nil {
		a.v.Store(art)
	}
	return a
}

func (a *atomicArtifact) load() *emit.Artifact {
	v := a.v.Load()
	if v == nil {
		return nil
	}
	return v.(*emit.Artifact)
}

func (a *atomicArtifact) store(art *emit.Artifact) {
	a.v.Store(art)
}
