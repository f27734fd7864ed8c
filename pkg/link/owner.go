package link

import (
	"fmt"
	"sync"
)

// Owner is a try-lock over the physical link. Whoever acquires it is the
// only command source allowed to write.
type Owner struct {
	mu     sync.Mutex
	holder string
}

func (o *Owner) Acquire(holder string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holder != "" {
		return fmt.Errorf("%w by %s", ErrBusy, o.holder)
	}
	o.holder = holder
	return nil
}

// Release frees the link if holder currently owns it.
func (o *Owner) Release(holder string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holder == holder {
		o.holder = ""
	}
}

func (o *Owner) Holder() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.holder
}
