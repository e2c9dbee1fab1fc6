package dcb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/profile"
)

// ExecToolConfig configures the external tool runner.
type ExecToolConfig struct {
	// DcbtoolPath is the path to the dcbtool binary.
	DcbtoolPath string

	// FcoeadmPath is the path to the fcoeadm binary.
	FcoeadmPath string

	// CommandTimeout bounds each command invocation.
	CommandTimeout time.Duration
}

// DefaultExecToolConfig returns sensible defaults.
func DefaultExecToolConfig() ExecToolConfig {
	return ExecToolConfig{
		DcbtoolPath:    "/usr/sbin/dcbtool",
		FcoeadmPath:    "/usr/sbin/fcoeadm",
		CommandTimeout: 5 * time.Second,
	}
}

// ExecTool implements Tool by shelling out to dcbtool and fcoeadm.
type ExecTool struct {
	config ExecToolConfig
	logger *zap.Logger
}

// NewExecTool creates an exec-backed DCB tool.
func NewExecTool(config ExecToolConfig, logger *zap.Logger) *ExecTool {
	return &ExecTool{config: config, logger: logger}
}

// Enable switches DCB on or off for the interface.
func (t *ExecTool) Enable(iface string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	return t.dcbtool("sc", iface, "dcb", state)
}

// Setup applies priority-flow-control and FCoE application settings.
func (t *ExecTool) Setup(iface string, settings *profile.DCB) error {
	if settings == nil {
		return nil
	}

	var pfc strings.Builder
	for _, enabled := range settings.PFC {
		if enabled {
			pfc.WriteByte('1')
		} else {
			pfc.WriteByte('0')
		}
	}
	if err := t.dcbtool("sc", iface, "pfc", "e:1", "a:1", "pfcup:"+pfc.String()); err != nil {
		return err
	}

	if settings.FCoEEnabled {
		prio := strconv.Itoa(settings.FCoEPriority)
		if err := t.dcbtool("sc", iface, "app:fcoe", "e:1", "a:1", "appcfg:"+prio); err != nil {
			return err
		}
		if err := t.fcoeadm("-c", iface); err != nil {
			return err
		}
	}
	if settings.ISCSIEnabled {
		if err := t.dcbtool("sc", iface, "app:iscsi", "e:1", "a:1"); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup disables DCB and tears down any FCoE instance on the interface.
func (t *ExecTool) Cleanup(iface string) error {
	// fcoeadm fails when no instance exists; that is fine.
	if err := t.fcoeadm("-d", iface); err != nil {
		t.logger.Debug("FCoE teardown skipped", zap.String("interface", iface), zap.Error(err))
	}
	return t.dcbtool("sc", iface, "dcb", "off")
}

func (t *ExecTool) dcbtool(args ...string) error {
	return t.runCommand(t.config.DcbtoolPath, args...)
}

func (t *ExecTool) fcoeadm(args ...string) error {
	return t.runCommand(t.config.FcoeadmPath, args...)
}

func (t *ExecTool) runCommand(path string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Debug("Running DCB command",
		zap.String("command", path),
		zap.Strings("args", args),
	)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", path, strings.Join(args, " "), err, stderr.String())
	}

	// dcbtool reports failures on stdout with a zero exit code.
	if strings.Contains(stdout.String(), "Failed") {
		return fmt.Errorf("%s %s: %s", path, strings.Join(args, " "), strings.TrimSpace(stdout.String()))
	}
	return nil
}
