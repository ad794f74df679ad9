package safe_close

import (
	"context"
	"sync"
)

// SafeClose runs a group of service goroutines that stop together.
//
//  1. Each goroutine is started by Attach. Its context is canceled once a
//     close signal is sent.
//  2. A goroutine that returns a non-nil error sends the close signal with
//     that error, so one failed component stops the whole service.
//  3. Closers registered by OnClose run after all goroutines have returned,
//     in reverse order.
//  4. CloseWait sends the close signal and waits for all of the above.
type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closeErr error
	closers  []func()

	closeOnce sync.Once
	done      chan struct{}
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// SendCloseSignal sends a close signal. Only the first non-nil error is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err != nil && s.closeErr == nil && s.ctx.Err() == nil {
		s.closeErr = err
	}
	s.cancel()
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.ctx.Done()
}

// Err returns the error the close signal was sent with.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

// Attach runs f in a new goroutine. If s was closed, f will not run.
func (s *SafeClose) Attach(f func(ctx context.Context) error) {
	s.m.Lock()
	if s.ctx.Err() != nil {
		s.m.Unlock()
		return
	}
	s.wg.Add(1)
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		if err := f(s.ctx); err != nil {
			s.SendCloseSignal(err)
		}
	}()
}

// OnClose registers f to run when s is closed.
func (s *SafeClose) OnClose(f func()) {
	s.m.Lock()
	defer s.m.Unlock()
	s.closers = append(s.closers, f)
}

// CloseWait sends a close signal and waits until all Attach-ed goroutines
// and closers are done. It returns Err. It is concurrent safe and can be
// called multiple times.
func (s *SafeClose) CloseWait() error {
	s.SendCloseSignal(nil)
	s.closeOnce.Do(func() {
		go func() {
			s.wg.Wait()
			s.m.Lock()
			closers := s.closers
			s.closers = nil
			s.m.Unlock()
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			close(s.done)
		}()
	})
	<-s.done
	return s.Err()
}
