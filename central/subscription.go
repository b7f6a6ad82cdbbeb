package central

import (
	"context"
	"fmt"
	"sync"

	"github.com/srgg/gocentral/internal/evq"
	"github.com/srgg/gocentral/internal/gname"
)

// subscription is the bookkeeping for one active notify/indicate
// registration (spec §3 NotificationSubscription, §4.4 "StartNotify"): one
// per characteristic value handle per Client. Backend callbacks are pushed
// onto an evq.Queue and drained by a single per-subscription goroutine so
// notifications for one characteristic are delivered to userCB strictly in
// arrival order (spec §5 "Notification ordering"), decoupled from whatever
// thread the backend's Subscribe callback runs on.
type subscription struct {
	handle   uint16
	indicate bool
	userCB   func(valueHandle uint16, data []byte)

	queue *evq.Queue[[]byte]
	wg    sync.WaitGroup
}

func newSubscription(handle uint16, indicate bool, cb func(valueHandle uint16, data []byte)) *subscription {
	s := &subscription{
		handle:   handle,
		indicate: indicate,
		userCB:   cb,
		queue:    evq.New[[]byte](),
	}
	s.wg.Add(1)
	gname.Go(nil, fmt.Sprintf("gocentral-notify-%d", handle), func(context.Context) {
		defer s.wg.Done()
		for {
			data, ok := s.queue.Pop()
			if !ok {
				return
			}
			s.userCB(s.handle, data)
		}
	})
	return s
}

func (s *subscription) deliver(data []byte) {
	s.queue.Push(append([]byte(nil), data...))
}

// close stops the dispatch goroutine once the queue drains; it does not
// discard values already pushed (spec §5: no silent loss of a delivered
// notification up to the point of unsubscribe).
func (s *subscription) close() {
	s.queue.Close()
	s.wg.Wait()
}
