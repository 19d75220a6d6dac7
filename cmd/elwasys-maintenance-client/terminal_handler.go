package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabieror/elwasys-common/pkg/domain"
	"github.com/kabieror/elwasys-common/pkg/message"
	"go.uber.org/zap"
)

// terminalHandler answers maintenance requests for this terminal.
type terminalHandler struct {
	startupTime  time.Time
	logFile      string
	logTailLines int
	log          *zap.Logger

	mut_status            sync.Mutex
	interfaceStatus       domain.InterfaceStatus
	interfaceStatusDetail string

	restartRequested atomic.Bool
	onRestart        func()
}

func newTerminalHandler(logFile string, logTailLines int, onRestart func(), logger *zap.Logger) *terminalHandler {
	return &terminalHandler{
		startupTime:     time.Now(),
		logFile:         logFile,
		logTailLines:    logTailLines,
		log:             logger,
		interfaceStatus: domain.InterfaceStatus_Start,
		onRestart:       onRestart,
	}
}

func (h *terminalHandler) SetInterfaceStatus(status domain.InterfaceStatus, detail string) {
	h.mut_status.Lock()
	defer h.mut_status.Unlock()
	h.interfaceStatus = status
	h.interfaceStatusDetail = detail
}

func (h *terminalHandler) HandleGetStatus(ctx context.Context, req *message.Message) (message.GetStatusResponse, error) {
	h.mut_status.Lock()
	defer h.mut_status.Unlock()

	detail := h.interfaceStatusDetail
	if detail == "" {
		detail = h.interfaceStatus.DefaultDetail()
	}

	// The agent drives no display and no devices.
	return message.GetStatusResponse{
		InterfaceStatus:       h.interfaceStatus,
		InterfaceStatusDetail: detail,
		BacklightStatus:       domain.BacklightStatus_On,
		StartupTime:           h.startupTime,
		RunningExecutions:     []domain.Execution{},
	}, nil
}

// HandleGetLog returns the last logTailLines lines of the log file.
func (h *terminalHandler) HandleGetLog(ctx context.Context, req *message.Message) ([]string, error) {
	if h.logFile == "" {
		return nil, fmt.Errorf("no log file configured")
	}

	f, err := os.Open(h.logFile)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}
	defer f.Close()

	limit := h.logTailLines
	if limit <= 0 {
		limit = 500
	}

	lines := make([]string, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == limit {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read log file: %w", err)
	}
	return lines, nil
}

func (h *terminalHandler) HandleRestartApp(ctx context.Context, req *message.Message) {
	if !h.restartRequested.CompareAndSwap(false, true) {
		return
	}
	h.log.Warn("Restart requested by the maintenance server")
	if h.onRestart != nil {
		h.onRestart()
	}
}

func (h *terminalHandler) RestartRequested() bool {
	return h.restartRequested.Load()
}
