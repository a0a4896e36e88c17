package irqpipe

import (
	"fmt"
	"math/bits"
)

// Task is the per-task storage the pipeline hands to domain schedulers:
// a small array of opaque slots addressed by keys from AllocPTDKey.
// Embed one in whatever task record the hosting kernel uses.
type Task struct {
	ptd [RootNPTDKeys]any
}

// AllocPTDKey reserves a per-task data key.
func (pp *Pipeline) AllocPTDKey() (int, error) {
	on := pp.platform.DisableIRQs()
	pp.lock.lock()
	defer func() {
		pp.lock.unlock()
		pp.platform.RestoreIRQs(on)
	}()

	if pp.ptdKeys >= RootNPTDKeys {
		return 0, fmt.Errorf("irqpipe: per-task data keys exhausted: %w", ErrNoSlots)
	}
	key := bits.TrailingZeros64(^pp.ptdKeyMap)
	pp.ptdKeyMap |= 1 << uint(key)
	pp.ptdKeys++
	return key, nil
}

// FreePTDKey releases a key obtained from AllocPTDKey.
func (pp *Pipeline) FreePTDKey(key int) error {
	if key < 0 || key >= RootNPTDKeys {
		return fmt.Errorf("irqpipe: per-task data key %d: %w", key, ErrInvalidArgument)
	}

	on := pp.platform.DisableIRQs()
	pp.lock.lock()
	defer func() {
		pp.lock.unlock()
		pp.platform.RestoreIRQs(on)
	}()

	if pp.ptdKeyMap&(1<<uint(key)) != 0 {
		pp.ptdKeyMap &^= 1 << uint(key)
		pp.ptdKeys--
	}
	return nil
}

// SetPTD stores value under key.
func (t *Task) SetPTD(key int, value any) error {
	if key < 0 || key >= RootNPTDKeys {
		return fmt.Errorf("irqpipe: per-task data key %d: %w", key, ErrInvalidArgument)
	}
	t.ptd[key] = value
	return nil
}

// GetPTD loads the value stored under key, or nil.
func (t *Task) GetPTD(key int) any {
	if key < 0 || key >= RootNPTDKeys {
		return nil
	}
	return t.ptd[key]
}
