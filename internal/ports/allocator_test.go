package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	azerrors "github.com/riordanpawley/azedarach/internal/errors"
)

func alwaysFree(int) bool { return true }

func TestAllocator_AllocateIsIdempotent(t *testing.T) {
	a := NewAllocator(WithProbe(alwaysFree))

	p1, err := a.Allocate("az-1", 3000)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	p2, err := a.Allocate("az-1", 4000)
	if err != nil {
		t.Fatalf("second Allocate() error = %v", err)
	}
	if p1 != 3000 || p2 != p1 {
		t.Errorf("Allocate() = %d then %d, want 3000 twice", p1, p2)
	}
}

func TestAllocator_DistinctTasksGetDistinctPorts(t *testing.T) {
	a := NewAllocator(WithProbe(alwaysFree))
	p1, _ := a.Allocate("az-1", 3000)
	p2, _ := a.Allocate("az-2", 3000)
	if p1 == p2 {
		t.Errorf("both tasks got port %d", p1)
	}
	if p2 != 3001 {
		t.Errorf("second port = %d, want 3001", p2)
	}
}

func TestAllocator_SkipsUnavailablePorts(t *testing.T) {
	busy := map[int]bool{3000: true, 3001: true}
	a := NewAllocator(WithProbe(func(p int) bool { return !busy[p] }))

	got, err := a.Allocate("az-1", 3000)
	if err != nil || got != 3002 {
		t.Errorf("Allocate() = %d, %v; want 3002", got, err)
	}
}

func TestAllocator_Exhaustion(t *testing.T) {
	a := NewAllocator(WithWindow(3), WithProbe(func(p int) bool { return p != 3002 }))
	for i := 0; i < 2; i++ {
		if _, err := a.Allocate(fmt.Sprintf("az-%d", i), 3000); err != nil {
			t.Fatalf("Allocate(%d) error = %v", i, err)
		}
	}

	_, err := a.Allocate("az-9", 3000)
	if !errors.Is(err, azerrors.ErrPortsExhausted) {
		t.Fatalf("Allocate() error = %v, want ErrPortsExhausted", err)
	}
	var perr *azerrors.PortExhaustionError
	if !errors.As(err, &perr) || perr.BasePort != 3000 || perr.Window != 3 {
		t.Errorf("error = %+v, want base 3000 window 3", perr)
	}
	if _, ok := a.Lookup("az-9"); ok {
		t.Error("failed allocation left a holding")
	}
}

func TestAllocator_ReleaseAllowsReuse(t *testing.T) {
	a := NewAllocator(WithProbe(alwaysFree))
	p1, _ := a.Allocate("az-1", 3000)
	a.Release("az-1")
	a.Release("az-1")

	p2, err := a.Allocate("az-2", 3000)
	if err != nil || p2 != p1 {
		t.Errorf("Allocate() after release = %d, %v; want %d", p2, err, p1)
	}
}

func TestAllocator_Reserve(t *testing.T) {
	a := NewAllocator(WithProbe(alwaysFree))
	if err := a.Reserve("az-1", 3005); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := a.Reserve("az-2", 3005); err == nil {
		t.Error("Reserve() of held port: error = nil")
	}
	if got, _ := a.Allocate("az-1", 3000); got != 3005 {
		t.Errorf("Allocate() = %d, want reserved 3005", got)
	}
	if err := a.Reserve("az-1", 3010); err != nil {
		t.Fatal(err)
	}
	holdings := a.Holdings()
	if len(holdings) != 1 || holdings[0].Port != 3010 {
		t.Errorf("Holdings() = %v, want only 3010", holdings)
	}
}

func TestAllocator_ConcurrentAllocate(t *testing.T) {
	a := NewAllocator(WithProbe(alwaysFree))

	const n = 50
	var wg sync.WaitGroup
	ports := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := a.Allocate(fmt.Sprintf("az-%d", i), 3000)
			if err != nil {
				t.Errorf("Allocate() error = %v", err)
			}
			ports[i] = p
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range ports {
		if seen[p] {
			t.Errorf("port %d handed out twice", p)
		}
		seen[p] = true
	}
}

func TestListenProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if ListenProbe(port) {
		t.Errorf("ListenProbe(%d) = true while bound", port)
	}
	_ = l.Close()
	if !ListenProbe(port) {
		t.Errorf("ListenProbe(%d) = false after close", port)
	}
}
