package clients

import (
	"context"
	"fmt"
	"sync"

	"deposit-engine/internal/dto"
)

// DelegatedWatcher delivers delegated chain events for one address from NATS
type DelegatedWatcher struct {
	nats *NATSClient
}

func NewDelegatedWatcher(nc *NATSClient) *DelegatedWatcher {
	return &DelegatedWatcher{nats: nc}
}

// Watch subscribes until stop is called or ctx is done
func (w *DelegatedWatcher) Watch(ctx context.Context, chain, address string, sink func(*dto.DelegatedTransferEvent)) (func(), error) {
	if w.nats == nil {
		return nil, fmt.Errorf("delegated watcher: NATS not connected")
	}
	sub, err := w.nats.SubscribeDelegated(chain, address, sink)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Unsubscribe()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}
