package device

import (
	"sync"
	"time"
)

// journal records operations in call order. Devices are driven by the single
// dispatcher worker, but tests read the journal from other goroutines.
type journal struct {
	mu  sync.Mutex
	ops []Operation
}

func (j *journal) record(device, op string, protocolID int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, Operation{
		Device:     device,
		Op:         op,
		ProtocolID: protocolID,
		At:         time.Now(),
		Err:        err,
	})
}

func (j *journal) snapshot() []Operation {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Operation, len(j.ops))
	copy(out, j.ops)
	return out
}
