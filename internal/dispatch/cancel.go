package dispatch

// SubscribeCancels registers a channel on which the task ids of cancelled
// tasks held by executorID are delivered. Used by the streaming transport;
// long-poll executors learn about cancellation from Start/Report instead.
func (s *Service) SubscribeCancels(executorID string) <-chan string {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	ch := make(chan string, 16)
	s.cancelSubs[executorID] = ch
	return ch
}

func (s *Service) UnsubscribeCancels(executorID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if ch, ok := s.cancelSubs[executorID]; ok {
		close(ch)
		delete(s.cancelSubs, executorID)
	}
}

// NotifyCancel implements engine.CancelNotifier. Best effort: a slow or
// absent subscriber drops the notice, the executor finds out on its next
// Start or Report. The send happens under cancelMu so an unsubscribe
// cannot close the channel mid-send; the default arm keeps it non-blocking.
func (s *Service) NotifyCancel(executorID, taskID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	ch, ok := s.cancelSubs[executorID]
	if !ok {
		return
	}
	select {
	case ch <- taskID:
	default:
	}
}
