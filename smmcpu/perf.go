package smmcpu

// Per-CPU performance logging for the rendezvous hooks. Each CPU writes
// only its own slots during the SMI; the BSP migrates finished records
// into the shared log at SMI exit. Exit-hook records are written after
// the migration point and therefore migrate on the next SMI, so entry
// records always outnumber exit records by the number of CPU threads.

const (
	perfRendezvousEntry = iota
	perfPlatformValidSmi
	perfRendezvousExit
	perfProcedureCount
)

var perfProcedureNames = [perfProcedureCount]string{
	"SmmRendezvousEntry",
	"PlatformValidSmi",
	"SmmRendezvousExit",
}

type perfEntry struct {
	begin uint64
	end   uint64
}

// PerfRecord is one migrated timing record.
type PerfRecord struct {
	Cpu       int
	Procedure string
	Begin     uint64
	End       uint64
}

type mpPerf struct {
	cpu      [][perfProcedureCount]perfEntry
	migrated []PerfRecord
}

func (p *mpPerf) init(cpus int) {
	p.cpu = make([][perfProcedureCount]perfEntry, cpus)
}

func (p *mpPerf) begin(cpu, proc int, ts uint64) {
	p.cpu[cpu][proc].begin = ts
	p.cpu[cpu][proc].end = 0
}

func (p *mpPerf) end(cpu, proc int, ts uint64) {
	p.cpu[cpu][proc].end = ts
}

// migrate moves every finished per-CPU record into the shared log and
// clears it. Called by the BSP only, after all APs have left the handler.
func (p *mpPerf) migrate(cpus int) {
	for cpu := 0; cpu < cpus; cpu++ {
		for proc := 0; proc < perfProcedureCount; proc++ {
			e := &p.cpu[cpu][proc]
			if e.begin == 0 || e.end == 0 {
				continue
			}
			p.migrated = append(p.migrated, PerfRecord{
				Cpu:       cpu,
				Procedure: perfProcedureNames[proc],
				Begin:     e.begin,
				End:       e.end,
			})
			*e = perfEntry{}
		}
	}
}

func (c *Core) perfBegin(cpu, proc int) {
	if c.cfg.PerfLogging {
		c.perf.begin(cpu, proc, c.plat.ReadTimestamp())
	}
}

func (c *Core) perfEnd(cpu, proc int) {
	if c.cfg.PerfLogging {
		c.perf.end(cpu, proc, c.plat.ReadTimestamp())
	}
}

// PerfRecords returns the migrated timing log. Only meaningful while no
// SMI is in flight.
func (c *Core) PerfRecords() []PerfRecord {
	return append([]PerfRecord(nil), c.perf.migrated...)
}
