package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmarm/internal/config"
	"github.com/piwi3910/rdmarm/internal/rdma"
)

// SelfTestStep is one checked step of the self test
type SelfTestStep struct {
	Name   string `yaml:"name"`
	Detail string `yaml:"detail,omitempty"`
	Error  string `yaml:"error,omitempty"`
	OK     bool   `yaml:"ok"`
}

// SelfTestReport is the outcome of a self test run
type SelfTestReport struct {
	Backend string         `yaml:"backend"`
	Device  string         `yaml:"device,omitempty"`
	Steps   []SelfTestStep `yaml:"steps"`
	Passed  bool           `yaml:"passed"`
}

func (r *SelfTestReport) step(name string, err error, detail string, args ...any) bool {
	s := SelfTestStep{Name: name, OK: err == nil}
	if detail != "" {
		s.Detail = fmt.Sprintf(detail, args...)
	}

	if err != nil {
		s.Error = err.Error()
	}

	r.Steps = append(r.Steps, s)

	return err == nil
}

// errSelfTestFailed is returned when any step of the self test fails
var errSelfTestFailed = errors.New("self test failed")

// NewSelfTestCmd creates the selftest command
func NewSelfTestCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Bring up, exercise and tear down RDMA resources",
		Long: `Opens the device, registers the main memory region, creates a shared
receive queue and one queue pair bound to it, then drains everything and
prints a YAML report of each step.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}

			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			report := RunSelfTest(cfg, backend)

			if err := writeYAML(cmd.OutOrStdout(), report); err != nil {
				return err
			}

			if !report.Passed {
				return errSelfTestFailed
			}

			return nil
		},
	}
}

// RunSelfTest runs the bring-up and teardown sequence against backend. The
// queue pair is created in class 0 bound to the startup shared receive queue.
func RunSelfTest(cfg *config.Config, backend rdma.Backend) *SelfTestReport {
	report := &SelfTestReport{Backend: cfg.Backend}

	mcfg := cfg.ManagerConfig()
	mcfg.SRQ.Enabled = true

	m, err := rdma.Open(mcfg, backend)
	if !report.step("open", err, "") {
		return report
	}

	report.Device = m.Device().Name()

	port, attr := m.Device().Port()
	report.step("query_port", nil, "port %d %s lid %d", port, attr.State, attr.LID)

	dattr := m.Device().Attributes()
	report.step("query_device", m.Device().CheckCapabilities(), "atomics %s, max qp %d", dattr.AtomicCap, dattr.MaxQP)

	desc, err := m.Registrar().Descriptor(rdma.MainMemory)
	if err == nil && (!desc.Valid || desc.RKey == 0) {
		err = fmt.Errorf("main memory descriptor not usable: valid=%t rkey=%#x", desc.Valid, desc.RKey)
	}

	report.step("register_main_memory", err, "%d bytes rkey %#x", desc.Length, desc.RKey)

	var srqErr error
	if m.SRQ() == 0 {
		srqErr = errors.New("no shared receive queue")
	}

	report.step("create_srq", srqErr, "%d receive slots", mcfg.SRQ.MaxWR)

	qp, err := m.Acquire(0)
	if report.step("acquire_qp", err, "%s", qp) {
		info, err := m.Pool().Info(qp)
		if err == nil && info.SRQ != m.SRQ() {
			err = errors.New("queue pair not bound to the shared receive queue")
		}

		if err == nil && len(m.Pool().FreeList(0)) != 0 {
			err = errors.New("free list of class 0 not empty")
		}

		report.step("verify_qp", err, "qp num %d class %d", info.QPNum, info.ClassID)
	}

	err = m.DrainAll()
	if err == nil {
		if sim, ok := backend.(*rdma.SimulatedBackend); ok {
			if live := sim.Counts().Total(); live != 0 {
				err = fmt.Errorf("%d hardware objects still live", live)
			}
		}
	}

	stats := m.Pool().Stats()
	report.step("drain_all", err, "%d qps, %d cqs, %d srqs left", stats.LiveQPs, stats.CQs, stats.SRQs)

	report.Passed = true

	for _, s := range report.Steps {
		if !s.OK {
			report.Passed = false
		}
	}

	return report
}
