package capture

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/video-system/go-raw-capture/pkg/bufpool"
	"github.com/video-system/go-raw-capture/pkg/device"
)

// SlotState is where a slot is in its capture cycle.
type SlotState int32

const (
	SlotIdle      SlotState = iota // buffer free, no request pending
	SlotQueued                     // request submitted, awaiting completion
	SlotCompleted                  // device finished, data ready for the loop
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotQueued:
		return "queued"
	case SlotCompleted:
		return "completed"
	default:
		return fmt.Sprintf("slot_state(%d)", int32(s))
	}
}

// Slot pairs one pool buffer with the request that is reused for it.
type Slot struct {
	index   int
	buffer  *device.Buffer
	request *device.Request
	state   atomic.Int32
}

func (s *Slot) Index() int               { return s.index }
func (s *Slot) Buffer() *device.Buffer   { return s.buffer }
func (s *Slot) Request() *device.Request { return s.request }
func (s *Slot) State() SlotState         { return SlotState(s.state.Load()) }
func (s *Slot) setState(st SlotState)    { s.state.Store(int32(st)) }

func (s *Slot) move(from, to SlotState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Queuer submits requests to a camera.
type Queuer interface {
	QueueRequest(req *device.Request) error
}

// Lifecycle moves slots through Idle, Queued and Completed. Submit and
// Recycle belong to the capture loop; Complete is the only method the
// device's completion goroutine calls.
type Lifecycle struct {
	q     Queuer
	slots []*Slot
	idle  []int // FIFO of idle slot indices

	outstanding atomic.Int64 // Queued + Completed
}

// NewLifecycle builds one idle slot per pool buffer. The request cookie is
// the slot index.
func NewLifecycle(pool *bufpool.Pool, q Queuer) *Lifecycle {
	l := &Lifecycle{
		q:     q,
		slots: make([]*Slot, pool.Len()),
		idle:  make([]int, 0, pool.Len()),
	}
	for i := range l.slots {
		buf := pool.Buffer(i)
		l.slots[i] = &Slot{index: i, buffer: buf, request: device.NewRequest(uint64(i), buf)}
		l.idle = append(l.idle, i)
	}
	return l
}

// Len returns the number of slots.
func (l *Lifecycle) Len() int { return len(l.slots) }

// Slot returns slot i.
func (l *Lifecycle) Slot(i int) *Slot { return l.slots[i] }

// Idle returns the number of slots free for submission.
func (l *Lifecycle) Idle() int { return len(l.idle) }

// Outstanding returns the number of slots that are Queued or Completed.
// Safe to call from any goroutine.
func (l *Lifecycle) Outstanding() int { return int(l.outstanding.Load()) }

// Submit moves the oldest idle slot to Queued and hands its request to the
// camera. A rejected request leaves the slot Idle and returns ErrSubmission.
func (l *Lifecycle) Submit() (*Slot, error) {
	if len(l.idle) == 0 {
		return nil, fmt.Errorf("%w: no idle slot", ErrSubmission)
	}
	s := l.slots[l.idle[0]]
	if !s.move(SlotIdle, SlotQueued) {
		return nil, fmt.Errorf("%w: slot %d is %v", ErrSubmission, s.index, s.State())
	}
	l.idle = l.idle[1:]
	l.outstanding.Add(1)

	s.request.Reuse()
	if err := l.q.QueueRequest(s.request); err != nil {
		l.outstanding.Add(-1)
		s.setState(SlotIdle)
		l.idle = append([]int{s.index}, l.idle...)
		return nil, fmt.Errorf("%w: slot %d: %v", ErrSubmission, s.index, err)
	}
	return s, nil
}

// Complete marks the slot carried by req as Completed and returns its
// index. It reports false for requests that are not a Queued slot of this
// lifecycle.
func (l *Lifecycle) Complete(req *device.Request) (int, bool) {
	i := int(req.Cookie)
	if req.Cookie >= uint64(len(l.slots)) || l.slots[i].request != req {
		return 0, false
	}
	return i, l.slots[i].move(SlotQueued, SlotCompleted)
}

// Recycle returns a consumed slot to the idle list.
func (l *Lifecycle) Recycle(i int) error {
	s := l.slots[i]
	if !s.move(SlotCompleted, SlotIdle) {
		return fmt.Errorf("recycle slot %d: state %v", i, s.State())
	}
	l.outstanding.Add(-1)
	l.idle = append(l.idle, i)
	return nil
}

// Check verifies that every slot is in exactly one place: Idle slots are on
// the idle list once each, the rest are counted as outstanding, and no two
// slots share a buffer.
func (l *Lifecycle) Check() error {
	onList := make([]bool, len(l.slots))
	for _, i := range l.idle {
		if onList[i] {
			return fmt.Errorf("slot %d on idle list twice", i)
		}
		onList[i] = true
	}

	var errs []error
	busy := 0
	buffers := make(map[*device.Buffer]int, len(l.slots))
	for i, s := range l.slots {
		st := s.State()
		switch st {
		case SlotIdle:
			if !onList[i] {
				errs = append(errs, fmt.Errorf("slot %d idle but not on idle list", i))
			}
		case SlotQueued, SlotCompleted:
			if onList[i] {
				errs = append(errs, fmt.Errorf("slot %d %v but on idle list", i, st))
			}
			busy++
		default:
			errs = append(errs, fmt.Errorf("slot %d in unknown state %v", i, st))
		}
		if j, dup := buffers[s.buffer]; dup {
			errs = append(errs, fmt.Errorf("slots %d and %d share a buffer", j, i))
		}
		buffers[s.buffer] = i
	}
	if n := l.Outstanding(); busy != n {
		errs = append(errs, fmt.Errorf("%d slots busy, %d outstanding", busy, n))
	}
	return errors.Join(errs...)
}
