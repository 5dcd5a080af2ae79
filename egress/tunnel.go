package egress

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Tunnel brings egress interfaces up and down. The registry treats an
// unavailable tunnel tool as a simulated transport: selection and
// active-point bookkeeping still run, only the actual interface change
// is skipped.
type Tunnel interface {
	Up(ctx context.Context, confPath string) error
	Down(ctx context.Context, confPath string) error
	Available() bool
}

// WgQuick drives wg-quick(8) with persisted per-point config files.
type WgQuick struct {
	bin string
}

// NewWgQuick locates the wg-quick binary. The zero path means the tool
// is absent and Available() reports false.
func NewWgQuick() *WgQuick {
	bin, err := exec.LookPath("wg-quick")
	if err != nil {
		return &WgQuick{}
	}
	return &WgQuick{bin: bin}
}

func (w *WgQuick) Available() bool { return w.bin != "" }

func (w *WgQuick) Up(ctx context.Context, confPath string) error {
	return w.run(ctx, "up", confPath)
}

func (w *WgQuick) Down(ctx context.Context, confPath string) error {
	return w.run(ctx, "down", confPath)
}

func (w *WgQuick) run(ctx context.Context, verb, confPath string) error {
	if w.bin == "" {
		return fmt.Errorf("egress: wg-quick not installed")
	}
	cmd := exec.CommandContext(ctx, w.bin, verb, confPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("egress: wg-quick %s: %s", verb, msg)
	}
	return nil
}
