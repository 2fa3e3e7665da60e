package signals

import (
	"math/rand"
	"sync"
)

// In-process wakeup hub. The api and lifecycle manager notify the
// dispatcher that there is new work instead of the dispatcher waiting out
// its poll interval.

type Signal string

const (
	CampaignEnqueued Signal = "campaign-enqueued"
	DeliveryRetry    Signal = "delivery-retry"
)

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

// Notify wakes one random listener on the channel, dropping the signal if
// the listener already has one buffered.
func Notify(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	chans := sigs[channel]
	l := len(chans)
	if l > 0 {
		select {
		case chans[rand.Intn(l)] <- struct{}{}:
		default:
		}
	}
}

func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}
