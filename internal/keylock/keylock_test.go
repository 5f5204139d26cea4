package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocker_SameKeyIsExclusive(t *testing.T) {
	l := New()
	var inside, maxInside int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "S", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond) // ponto de suspensão
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one body at a time, saw %d", maxInside)
	}
	if l.Len() != 0 {
		t.Fatalf("expected no residual keys, got %d", l.Len())
	}
}

func TestLocker_SecondBodyStartsAfterFirstCompletes(t *testing.T) {
	l := New()
	firstIn := make(chan struct{})
	releaseFirst := make(chan struct{})
	var order []string
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "S", func(context.Context) error {
			close(firstIn)
			<-releaseFirst
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			return nil
		})
	}()
	<-firstIn

	go func() {
		defer close(done)
		_ = l.WithLock(context.Background(), "S", func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
		t.Fatalf("second body ran while first still held the key")
	case <-time.After(20 * time.Millisecond):
	}

	close(releaseFirst)
	<-done

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l := New()
	holdA := make(chan struct{})
	aIn := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "A", func(context.Context) error {
			close(aIn)
			<-holdA
			return nil
		})
	}()
	<-aIn

	ran := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "B", func(context.Context) error {
			close(ran)
			return nil
		})
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("key B blocked behind key A")
	}
	close(holdA)
}

func TestLocker_FIFOOrder(t *testing.T) {
	l := New()
	unlock := l.Lock("S")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := l.Lock("S")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}(i)
		// garante a ordem de chegada
		for {
			l.mu.Lock()
			refs := l.keys["S"].refs
			l.mu.Unlock()
			if refs == i+2 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	unlock()
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected arrival order, got %v", order)
		}
	}
}

func TestLocker_ReleasesOnErrorAndPanic(t *testing.T) {
	l := New()
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), "S", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = l.WithLock(context.Background(), "S", func(context.Context) error { panic("x") })
	}()

	ok := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "S", func(context.Context) error { return nil })
		close(ok)
	}()
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatalf("lock was not released after failing holders")
	}
	if l.Len() != 0 {
		t.Fatalf("expected no residual keys, got %d", l.Len())
	}
}

func TestLocker_CancelledWaiterPassesTurn(t *testing.T) {
	l := New()
	unlock := l.Lock("S")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.LockContext(ctx, "S")
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	third := make(chan struct{})
	go func() {
		u := l.Lock("S")
		u()
		close(third)
	}()

	unlock()
	select {
	case <-third:
	case <-time.After(time.Second):
		t.Fatalf("queue stalled behind cancelled waiter")
	}
}

// Sessão com max_total=1000 recebe dois débitos concorrentes de 600:
// exatamente um passa.
func TestLocker_PreventsDoubleDebit(t *testing.T) {
	l := New()
	const maxTotal = 1000
	spent := 0
	var okCount int32

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "session-1", func(context.Context) error {
				current := spent
				time.Sleep(2 * time.Millisecond) // suspende entre checagem e débito
				if current+600 > maxTotal {
					return errors.New("budget exceeded")
				}
				spent = current + 600
				atomic.AddInt32(&okCount, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	if okCount != 1 || spent != 600 {
		t.Fatalf("expected exactly one debit (spent=600), got ok=%d spent=%d", okCount, spent)
	}
}
