package simplat

import (
	"testing"

	"github.com/gosmm/smmsync/platform"
)

func TestTopologyPackages(t *testing.T) {
	p := New(Config{Cpus: 4, CpusPerPackage: 2})
	procs := p.Processors()
	wantPkg := []uint32{0, 0, 1, 1}
	for i, info := range procs {
		if info.Package != wantPkg[i] {
			t.Errorf("cpu %d in package %d, want %d", i, info.Package, wantPkg[i])
		}
		if info.ProcessorID != uint64(2*i) {
			t.Errorf("cpu %d APIC id %d, want %d", i, info.ProcessorID, 2*i)
		}
	}
}

func TestSmmRegisterCountsPerPackage(t *testing.T) {
	p := New(Config{Cpus: 4, CpusPerPackage: 2})
	p.setBlocked(0, true)
	p.setBlocked(1, true)
	p.setBlocked(2, true)

	// Both threads of package 0 report the same package-scope count.
	if got := p.SmmRegister(0, platform.RegSmmBlocked); got != 2 {
		t.Errorf("package 0 blocked count %d, want 2", got)
	}
	if got := p.SmmRegister(1, platform.RegSmmBlocked); got != 2 {
		t.Errorf("package 0 blocked count via thread 1: %d, want 2", got)
	}
	if got := p.SmmRegister(2, platform.RegSmmBlocked); got != 1 {
		t.Errorf("package 1 blocked count %d, want 1", got)
	}
	if got := p.SmmRegister(3, platform.RegSmmDelayed); got != 0 {
		t.Errorf("delayed count %d, want 0", got)
	}
}

func TestSyncTickerExpires(t *testing.T) {
	tk := &SyncTicker{budget: 8}
	deadline := tk.Start()
	expired := false
	for i := 0; i < 20; i++ {
		if tk.Timeout(deadline) {
			expired = true
			break
		}
	}
	if !expired {
		t.Error("timer never expired within its budget")
	}

	// A fresh round gets a fresh budget.
	deadline = tk.Start()
	if tk.Timeout(deadline) {
		t.Error("fresh timer round expired immediately")
	}
}

func TestSendSmiIpiByApicId(t *testing.T) {
	p := New(Config{Cpus: 4})
	delivered := -1
	p.deliver = func(cpu int) { delivered = cpu }

	p.SendSmiIpi(4) // APIC id of cpu 2
	if delivered != 2 {
		t.Errorf("IPI delivered to cpu %d, want 2", delivered)
	}
	if p.IpiCount(2) != 1 {
		t.Errorf("IPI count %d, want 1", p.IpiCount(2))
	}

	p.SendSmiIpi(99) // unknown APIC id is dropped
	if delivered != 2 {
		t.Error("IPI with unknown APIC id was delivered")
	}
}

func TestMtrrStorePerCpu(t *testing.T) {
	p := New(Config{Cpus: 2})
	s := platform.MtrrSettings{DefType: 6}
	s.Variable[1] = platform.VariableMtrr{Base: 0x8000, Mask: 0xF000}
	p.Set(1, s)

	if got := p.Get(1); got != s {
		t.Errorf("cpu 1 MTRRs %+v, want %+v", got, s)
	}
	if got := p.Get(0); got == s {
		t.Error("cpu 0 shares cpu 1's MTRRs")
	}
}
