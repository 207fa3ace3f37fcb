// Package readback reads GPU textures and structured buffers back to CPU
// memory without stalling the render loop.
//
// # Overview
//
// A Coordinator tracks readbacks in a fixed set of request slots. Callers
// on any goroutine request a readback, then poll for the result on later
// frames. The GPU work itself is deferred: requests only queue events, and
// the events run when the goroutine that owns the graphics device calls
// Checkpoint (or IssueEvent for one kind at a time).
//
// # Quick Start
//
//	c, err := readback.Open("", provider)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	h, st := c.Resolve(tex)
//	if st.Failed() {
//	    return st.Err()
//	}
//	c.RequestTexture(h)
//
//	// Each frame, on the graphics thread:
//	c.Checkpoint()
//
//	// Each frame, on the caller:
//	switch st := c.RetrieveTexture(h, pixels); st {
//	case readback.Succeeded:
//	    // pixels holds the texture, rows tightly packed
//	case readback.NotReady:
//	    // try again next frame
//	default:
//	    return st.Err()
//	}
//
// # Slot Lifecycle
//
// Each slot moves Idle → Requested → Copying → Ready and back to Idle when
// the data is retrieved. Release returns a slot to Idle from any state; a
// copy still in flight is discarded when it completes. A failure on the
// graphics thread also returns the slot to Idle and is reported by the next
// retrieve for the same resource.
//
// # Backends
//
// Backends live under backend/ and register themselves on import:
//   - backend/native: Pure Go HAL (gogpu/wgpu), fence-polled copies
//   - backend/webgpu: wgpu-native through cogentcore/webgpu (build tag webgpu)
//   - backend/software: CPU memory, for tests and headless hosts
//
// # Status Codes
//
// Every call returns a Status synchronously. The numeric values match the
// native plugin ABI. NotReady is not a failure; Status.Failed reports
// whether a status is one.
package readback
