package feed

import "sync"

const (
	eventBuffer  = 256
	statusBuffer = 8
)

// stream is the Subscription shared by the in-process and Postgres sources.
type stream struct {
	topic   Topic
	events  chan Event
	status  chan Status
	done    chan struct{}
	once    sync.Once
	onClose func(*stream)
}

func newStream(t Topic, onClose func(*stream)) *stream {
	return &stream{
		topic:   t,
		events:  make(chan Event, eventBuffer),
		status:  make(chan Status, statusBuffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *stream) Topic() Topic { return s.topic }
func (s *stream) Events() <-chan Event { return s.events }
func (s *stream) Statuses() <-chan Status { return s.status }

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}

// deliver blocks until the event is queued or the stream is closed.
func (s *stream) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// setStatus never blocks; when the buffer is full the oldest status is dropped.
func (s *stream) setStatus(st Status) {
	for {
		select {
		case <-s.done:
			return
		case s.status <- st:
			return
		default:
			select {
			case <-s.status:
			default:
			}
		}
	}
}
